// Package trigger implements the polling trigger state machine. A trigger
// module is bootstrapped by a non-emitting epoch poll that records the newest
// item as its baseline; every later poll emits only items strictly newer than
// the persisted cursor, with same-timestamp siblings de-duplicated by id.
package trigger

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nucleus/app-core/internal/appdef"
	"github.com/nucleus/app-core/internal/core"
	"github.com/nucleus/app-core/internal/expr"
	"github.com/nucleus/app-core/internal/pagination"
	"github.com/nucleus/app-core/internal/request"
)

// Machine runs poll cycles for one trigger module at a time. It holds no
// per-module state; the cursor arrives and leaves as core.TriggerState and is
// persisted by the caller only after the whole cycle succeeded.
type Machine struct {
	engine *pagination.Engine
	logger *zap.Logger
}

// NewMachine creates a trigger machine on top of the pagination engine.
func NewMachine(engine *pagination.Engine, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{engine: engine, logger: logger}
}

// PollInput is one poll cycle request. Call is the module's final step, the
// one that declares response.trigger.
type PollInput struct {
	AppID     string
	Base      *appdef.Base
	Call      *appdef.Call
	Spec      *appdef.TriggerSpec
	Scope     *expr.Scope
	Evaluator *expr.Evaluator
	Limit     int
}

// item is one fetched item with its computed identity.
type item struct {
	id    string
	date  int64
	value expr.Value
}

// Poll runs one cycle. A nil or uninitialized state triggers the epoch
// bootstrap: the newest fetched item becomes the baseline and nothing is
// emitted. Otherwise items strictly newer than the cursor, plus
// same-timestamp items not yet emitted, are returned in ascending
// (date, id) order together with the advanced state. A declared limit always
// keeps the oldest new items, whichever order the API delivers pages in.
// On any failure the prior state is returned untouched so a partial cycle
// never commits.
func (m *Machine) Poll(ctx context.Context, in PollInput, lastState *core.TriggerState) ([]core.Bundle, *core.TriggerState, error) {
	if in.Spec == nil || in.Spec.ID == "" {
		return nil, lastState, core.NewConfigurationError("response.trigger", "trigger mapping missing")
	}

	initialized := lastState != nil && lastState.Initialized
	descending := in.Spec.Order == "desc" && in.Spec.Date != ""

	// Newest-first pages invert the limit's meaning: truncating the fetch
	// at the limit would keep the newest items and permanently skip older
	// ones the cursor then jumps over. Fetch until the page crosses the
	// cursor date instead, and apply the limit to the oldest new items
	// after sorting.
	fetchLimit := in.Limit
	var stop pagination.StopFunc
	if descending && initialized {
		fetchLimit = 0
		cursor := lastState.Date
		stop = func(v expr.Value) (bool, error) {
			scope := in.Scope.With("item", v)
			dateVal, err := in.Evaluator.EvaluateString(in.Spec.Date, scope)
			if err != nil {
				return false, err
			}
			date, err := dateMillis(dateVal)
			if err != nil {
				return false, err
			}
			return date < cursor, nil
		}
	}

	values, err := m.engine.IterateUntil(ctx, request.Input{
		AppID:     in.AppID,
		Base:      in.Base,
		Call:      in.Call,
		Scope:     in.Scope,
		Evaluator: in.Evaluator,
	}, fetchLimit, stop)
	if err != nil {
		return nil, lastState, err
	}

	items, err := m.identify(in, values)
	if err != nil {
		return nil, lastState, err
	}

	if !initialized {
		state := epochState(items)
		m.logger.Debug("trigger bootstrapped",
			zap.String("app", in.AppID),
			zap.Int64("baselineDate", state.Date),
		)
		return nil, state, nil
	}

	fresh := selectNew(items, lastState)
	if len(fresh) == 0 {
		return nil, lastState, nil
	}
	if descending && in.Limit > 0 && len(fresh) > in.Limit {
		// Oldest first: what is cut off stays ahead of the cursor and is
		// emitted by the next cycle.
		fresh = fresh[:in.Limit]
	}

	bundles := make([]core.Bundle, 0, len(fresh))
	for _, it := range fresh {
		bundles = append(bundles, asBundle(it.value))
	}
	return bundles, advance(lastState, fresh), nil
}

// identify computes the (id, date) pair of every fetched item by evaluating
// the trigger mapping with "item" bound. Items are deduplicated by id within
// the page: providers occasionally repeat rows across page boundaries.
func (m *Machine) identify(in PollInput, values []expr.Value) ([]item, error) {
	items := make([]item, 0, len(values))
	seen := map[string]bool{}
	for _, v := range values {
		scope := in.Scope.With("item", v)
		idVal, err := in.Evaluator.EvaluateString(in.Spec.ID, scope)
		if err != nil {
			return nil, err
		}
		id := idVal.Text()
		if id == "" {
			return nil, core.NewConfigurationError("response.trigger.id", "item produced an empty id")
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		var date int64
		if in.Spec.Date != "" {
			dateVal, err := in.Evaluator.EvaluateString(in.Spec.Date, scope)
			if err != nil {
				return nil, err
			}
			date, err = dateMillis(dateVal)
			if err != nil {
				return nil, err
			}
		}
		items = append(items, item{id: id, date: date, value: v})
	}
	return items, nil
}

// epochState records the newest item as the non-emitting baseline. With no
// items at all the baseline stays at zero, so every later item is new.
func epochState(items []item) *core.TriggerState {
	state := &core.TriggerState{Initialized: true}
	for _, it := range items {
		if it.date > state.Date || (it.date == state.Date && it.id > state.ID) {
			state.ID = it.id
			state.Date = it.date
		}
	}
	if state.ID != "" {
		for _, it := range items {
			if it.date == state.Date {
				state.EmittedAtDate = append(state.EmittedAtDate, it.id)
			}
		}
		sort.Strings(state.EmittedAtDate)
	}
	return state
}

// selectNew filters to items after the cursor and orders them for emission:
// ascending date, ties broken by id.
func selectNew(items []item, state *core.TriggerState) []item {
	emitted := map[string]bool{}
	for _, id := range state.EmittedAtDate {
		emitted[id] = true
	}
	var fresh []item
	for _, it := range items {
		switch {
		case it.date > state.Date:
			fresh = append(fresh, it)
		case it.date == state.Date && !emitted[it.id]:
			fresh = append(fresh, it)
		}
	}
	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].date != fresh[j].date {
			return fresh[i].date < fresh[j].date
		}
		return fresh[i].id < fresh[j].id
	})
	return fresh
}

// advance computes the post-emission cursor. When the newest emitted date
// equals the prior cursor date, previously emitted sibling ids are carried
// forward so they are never re-emitted.
func advance(prior *core.TriggerState, fresh []item) *core.TriggerState {
	last := fresh[len(fresh)-1]
	state := &core.TriggerState{Initialized: true, ID: last.id, Date: last.date}
	if last.date == prior.Date {
		state.EmittedAtDate = append(state.EmittedAtDate, prior.EmittedAtDate...)
	}
	for _, it := range fresh {
		if it.date == last.date {
			state.EmittedAtDate = append(state.EmittedAtDate, it.id)
		}
	}
	sort.Strings(state.EmittedAtDate)
	return state
}

func asBundle(v expr.Value) core.Bundle {
	if m, ok := v.Interface().(map[string]any); ok {
		return core.Bundle(m)
	}
	return core.Bundle{"value": v.Interface()}
}

// dateMillis coerces a trigger date value into unix milliseconds. Numbers
// pass through; strings are parsed as RFC 3339.
func dateMillis(v expr.Value) (int64, error) {
	if n, ok := v.AsNumber(); ok {
		return int64(n), nil
	}
	if v.Kind() == expr.KindString {
		t, err := time.Parse(time.RFC3339, v.Str())
		if err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, core.NewConfigurationError("response.trigger.date",
		"date value %q is neither unix milliseconds nor RFC 3339", v.Text())
}
