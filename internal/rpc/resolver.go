// Package rpc resolves dynamic option lists for configuration-time UI
// fields. An RPC is shaped like a module Call but runs out-of-band with the
// user's already-chosen parameters; failures degrade to an empty list so a
// broken provider never blocks the configuration UI.
package rpc

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nucleus/app-core/internal/appdef"
	"github.com/nucleus/app-core/internal/core"
	"github.com/nucleus/app-core/internal/expr"
	"github.com/nucleus/app-core/internal/pagination"
	"github.com/nucleus/app-core/internal/request"
)

// Resolver answers option queries.
type Resolver struct {
	exec   *request.Executor
	engine *pagination.Engine
	logger *zap.Logger
}

// NewResolver creates an RPC resolver. The executor runs intermediate steps;
// the engine paginates the final, option-producing call.
func NewResolver(exec *request.Executor, engine *pagination.Engine, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{exec: exec, engine: engine, logger: logger}
}

// Input is one option query.
type Input struct {
	AppID      string
	Base       *appdef.Base
	Rpc        *appdef.RpcDefinition
	UserParams map[string]any
	Scope      *expr.Scope
	Evaluator  *expr.Evaluator
}

// Resolve executes the RPC's Calls and shapes the fetched items into ordered
// options. A nested RPC whose parent parameter is not yet chosen fails with
// RpcError before any network call. Provider and evaluation failures on an
// otherwise well-formed RPC return an empty list, never an error.
func (r *Resolver) Resolve(ctx context.Context, in Input) ([]core.Option, error) {
	def := in.Rpc
	if len(def.Calls) == 0 {
		return nil, core.NewConfigurationError("rpcs."+def.ID, "rpc declares no calls")
	}
	if def.Nested != nil {
		parent, ok := in.UserParams[def.Nested.Parameter]
		if !ok || parent == nil || parent == "" {
			return nil, &core.RpcError{
				RpcID:   def.ID,
				Message: "nested rpc requires parameter " + def.Nested.Parameter + " from rpc " + def.Nested.Rpc,
			}
		}
	}

	scope := in.Scope.With("parameters", expr.FromGo(in.UserParams))

	// All but the final call run as plain steps threading temp; the final
	// call's iterate/output mapping produces the option items.
	steps := def.Calls[:len(def.Calls)-1]
	final := def.Calls[len(def.Calls)-1]
	if len(steps) > 0 {
		_, temp, err := r.exec.ExecuteSequence(ctx, request.Input{
			AppID:     in.AppID,
			Base:      in.Base,
			Scope:     scope,
			Evaluator: in.Evaluator,
		}, steps)
		if err != nil {
			return r.degrade(def.ID, err)
		}
		scope = scope.With("temp", temp)
	}

	items, err := r.engine.Iterate(ctx, request.Input{
		AppID:     in.AppID,
		Base:      in.Base,
		Call:      final,
		Scope:     scope,
		Evaluator: in.Evaluator,
	}, responseLimit(final))
	if err != nil {
		return r.degrade(def.ID, err)
	}

	options := make([]core.Option, 0, len(items))
	for _, item := range items {
		options = append(options, asOption(item))
	}
	return options, nil
}

// degrade logs and swallows resolution failures, except configuration,
// evaluation and premature-nested errors, which stay fatal: a broken
// definition is never masked as a provider hiccup.
func (r *Resolver) degrade(rpcID string, err error) ([]core.Option, error) {
	var cfgErr *core.ConfigurationError
	var evalErr *core.EvaluationError
	var rpcErr *core.RpcError
	if errors.As(err, &cfgErr) || errors.As(err, &evalErr) || errors.As(err, &rpcErr) {
		return nil, err
	}
	r.logger.Warn("rpc resolution degraded to empty options",
		zap.String("rpc", rpcID),
		zap.Error(err),
	)
	return []core.Option{}, nil
}

func responseLimit(call *appdef.Call) int {
	if call.Response != nil && call.Response.Limit > 0 {
		return call.Response.Limit
	}
	return 0
}

// asOption shapes one mapped item into an Option. Items mapped to objects
// use their label/value fields (grouped children under "options"); scalar
// items serve as both label and value.
func asOption(v expr.Value) core.Option {
	if v.Kind() != expr.KindMap {
		return core.Option{Label: v.Text(), Value: v.Interface()}
	}
	opt := core.Option{
		Label: v.Get("label").Text(),
		Value: v.Get("value").Interface(),
	}
	if opt.Label == "" {
		opt.Label = v.Get("name").Text()
	}
	if children := v.Get("options"); children.Kind() == expr.KindList {
		for _, child := range children.Items() {
			opt.Options = append(opt.Options, asOption(child))
		}
	}
	return opt
}
