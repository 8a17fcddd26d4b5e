package request

import (
	"context"

	"github.com/nucleus/app-core/internal/appdef"
	"github.com/nucleus/app-core/internal/expr"
)

// ExecuteSequence runs a module's Call steps strictly in order. The temp
// accumulator threads forward functionally: each step sees the merged temp
// of all previous steps under the "temp" scope variable, and any step
// failure aborts the remaining steps. The last step's result is returned
// together with the final accumulator.
func (e *Executor) ExecuteSequence(ctx context.Context, in Input, calls []*appdef.Call) (*Result, expr.Value, error) {
	temp := expr.Map(map[string]expr.Value{})

	var last *Result
	for _, call := range calls {
		stepIn := in
		stepIn.Call = call
		stepIn.Scope = in.Scope.With("temp", temp)

		result, err := e.Execute(ctx, stepIn)
		if err != nil {
			return nil, temp, err
		}
		last = result

		if result.Temp.Kind() == expr.KindMap {
			merged := make(map[string]expr.Value, len(temp.Fields())+len(result.Temp.Fields()))
			for k, v := range temp.Fields() {
				merged[k] = v
			}
			for k, v := range result.Temp.Fields() {
				merged[k] = v
			}
			temp = expr.Map(merged)
		}
	}
	return last, temp, nil
}
