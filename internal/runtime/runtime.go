// Package runtime is the orchestration facade the scenario engine talks to.
// It binds definitions to evaluators, keeps connections fresh and dispatches
// each invocation to the executor, pagination engine, trigger machine, rpc
// resolver or webhook service. Every invocation is an independent unit of
// work with its own timeout; one slow provider never starves another.
package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nucleus/app-core/internal/appdef"
	"github.com/nucleus/app-core/internal/connection"
	"github.com/nucleus/app-core/internal/core"
	"github.com/nucleus/app-core/internal/expr"
	"github.com/nucleus/app-core/internal/pagination"
	"github.com/nucleus/app-core/internal/request"
	"github.com/nucleus/app-core/internal/rpc"
	"github.com/nucleus/app-core/internal/store"
	"github.com/nucleus/app-core/internal/trigger"
	"github.com/nucleus/app-core/internal/webhook"
)

const defaultInvokeTimeout = 5 * time.Minute

// Runtime wires the layers together.
type Runtime struct {
	defs      *appdef.Registry
	exec      *request.Executor
	engine    *pagination.Engine
	conns     *connection.Manager
	connStore store.ConnectionStore
	states    store.TriggerStateStore
	triggers  *trigger.Machine
	rpcs      *rpc.Resolver
	hooks     *webhook.Service
	logger    *zap.Logger
	timeout   time.Duration

	mu         sync.Mutex
	evaluators map[string]*expr.Evaluator // per app, carries its user functions
}

// Deps carries the runtime's collaborators.
type Deps struct {
	Defs      *appdef.Registry
	Exec      *request.Executor
	Engine    *pagination.Engine
	Conns     *connection.Manager
	ConnStore store.ConnectionStore
	States    store.TriggerStateStore
	Triggers  *trigger.Machine
	Rpcs      *rpc.Resolver
	Hooks     *webhook.Service
	Logger    *zap.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithInvokeTimeout bounds one invocation's wall clock.
func WithInvokeTimeout(timeout time.Duration) Option {
	return func(r *Runtime) { r.timeout = timeout }
}

// New creates a Runtime.
func New(deps Deps, opts ...Option) *Runtime {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		defs:       deps.Defs,
		exec:       deps.Exec,
		engine:     deps.Engine,
		conns:      deps.Conns,
		connStore:  deps.ConnStore,
		states:     deps.States,
		triggers:   deps.Triggers,
		rpcs:       deps.Rpcs,
		hooks:      deps.Hooks,
		logger:     logger,
		timeout:    defaultInvokeTimeout,
		evaluators: map[string]*expr.Evaluator{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// binding is one app's definition, evaluator and shared context.
type binding struct {
	def *appdef.Definition
	ev  *expr.Evaluator
	ctx core.AppContext
}

// bind resolves an app and builds (or reuses) its evaluator with the
// definition's user functions registered.
func (r *Runtime) bind(appID string) (binding, error) {
	def, ok := r.defs.Get(appID)
	if !ok {
		return binding{}, core.NewConfigurationError("apps."+appID, "app not registered")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.evaluators[appID]
	if !ok {
		reg := expr.NewRegistry()
		for _, fn := range def.Functions {
			if err := reg.Register(fn.Name, fn.Args, fn.Code); err != nil {
				return binding{}, core.NewConfigurationError("functions."+fn.Name, "%v", err)
			}
		}
		ev = expr.New(reg)
		r.evaluators[appID] = ev
	}
	return binding{
		def: def,
		ev:  ev,
		ctx: core.AppContext{AppID: appID, Common: def.Common},
	}, nil
}

func (b binding) connApp() connection.App {
	return connection.App{Def: b.def, Ev: b.ev, Ctx: b.ctx}
}

func (b binding) hookApp() webhook.App {
	return webhook.App{Def: b.def, Ev: b.ev, Ctx: b.ctx}
}

// invocationScope builds the request scope: parameters, common and, when a
// connection is bound, its merged parameter+credential material under
// "connection" plus the raw credential mapping under "data".
func (r *Runtime) invocationScope(ctx context.Context, b binding, params map[string]any, connectionRef string) (*expr.Scope, error) {
	scope := expr.NewScope().
		With("common", expr.FromGo(b.ctx.CommonOrEmpty())).
		With("parameters", expr.FromGo(params))

	if connectionRef == "" {
		return scope, nil
	}
	inst, err := r.connStore.Get(ctx, connectionRef)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, &core.InvalidCredentialsError{Message: "connection " + connectionRef + " not found"}
	}
	inst, err = r.conns.EnsureFresh(ctx, b.connApp(), inst)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(inst.Parameters)+len(inst.Data))
	for k, v := range inst.Parameters {
		merged[k] = v
	}
	for k, v := range inst.Data {
		merged[k] = v
	}
	return scope.
		With("connection", expr.FromGo(merged)).
		With("data", expr.FromGo(inst.Data)), nil
}

// Invoke runs one module and returns its bundles plus, for triggers, the
// advanced cursor. The prior trigger state is never mutated; the caller
// persists NewState only after consuming the bundles.
func (r *Runtime) Invoke(ctx context.Context, req core.InvokeRequest) (*core.InvokeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	b, err := r.bind(req.AppID)
	if err != nil {
		return nil, err
	}
	mod, ok := b.def.Modules[req.ModuleID]
	if !ok {
		return nil, core.NewConfigurationError("modules."+req.ModuleID, "module not defined")
	}
	if len(mod.Calls) == 0 {
		return nil, core.NewConfigurationError("modules."+req.ModuleID, "module declares no calls")
	}

	scope, err := r.invocationScope(ctx, b, req.Parameters, req.ConnectionRef)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := r.dispatch(ctx, b, mod, scope, req)
	r.logger.Info("module invoked",
		zap.String("app", req.AppID),
		zap.String("module", req.ModuleID),
		zap.String("type", mod.Type),
		zap.Duration("elapsed", time.Since(started)),
		zap.Bool("ok", err == nil),
	)
	return result, err
}

func (r *Runtime) dispatch(ctx context.Context, b binding, mod *appdef.ModuleDefinition, scope *expr.Scope, req core.InvokeRequest) (*core.InvokeResult, error) {
	switch mod.Type {
	case appdef.ModuleAction:
		return r.invokeAction(ctx, b, mod, scope)
	case appdef.ModuleSearch:
		return r.invokeSearch(ctx, b, mod, scope)
	case appdef.ModuleTrigger:
		return r.invokeTrigger(ctx, b, mod, scope, req)
	case appdef.ModuleInstantTrigger:
		return nil, core.NewConfigurationError("modules."+req.ModuleID,
			"instant triggers are fed by webhook receipt, not direct invocation")
	default:
		return nil, core.NewConfigurationError("modules."+req.ModuleID, "unknown module type %q", mod.Type)
	}
}

// invokeAction runs the steps in order and returns the final step's output
// as a single bundle.
func (r *Runtime) invokeAction(ctx context.Context, b binding, mod *appdef.ModuleDefinition, scope *expr.Scope) (*core.InvokeResult, error) {
	last, _, err := r.exec.ExecuteSequence(ctx, request.Input{
		AppID:     b.ctx.AppID,
		Base:      b.def.Base,
		Scope:     scope,
		Evaluator: b.ev,
	}, mod.Calls)
	if err != nil {
		return nil, err
	}

	if last.Iterated() {
		bundles := make([]core.Bundle, 0, len(last.Items))
		for _, item := range last.Items {
			bundles = append(bundles, valueBundle(item))
		}
		return &core.InvokeResult{Bundles: bundles}, nil
	}
	out := last.Output
	if out.IsNull() {
		out = last.Body
	}
	return &core.InvokeResult{Bundles: []core.Bundle{valueBundle(out)}}, nil
}

// invokeSearch runs leading steps, then paginates the final call.
func (r *Runtime) invokeSearch(ctx context.Context, b binding, mod *appdef.ModuleDefinition, scope *expr.Scope) (*core.InvokeResult, error) {
	scope, final, err := r.runLeadingSteps(ctx, b, mod, scope)
	if err != nil {
		return nil, err
	}

	items, err := r.engine.Iterate(ctx, request.Input{
		AppID:     b.ctx.AppID,
		Base:      b.def.Base,
		Call:      final,
		Scope:     scope,
		Evaluator: b.ev,
	}, callLimit(final))
	if err != nil {
		return nil, err
	}
	bundles := make([]core.Bundle, 0, len(items))
	for _, item := range items {
		bundles = append(bundles, valueBundle(item))
	}
	return &core.InvokeResult{Bundles: bundles}, nil
}

// invokeTrigger polls the final call through the trigger machine. The
// advanced state is persisted only after the poll cycle fully succeeded.
func (r *Runtime) invokeTrigger(ctx context.Context, b binding, mod *appdef.ModuleDefinition, scope *expr.Scope, req core.InvokeRequest) (*core.InvokeResult, error) {
	scope, final, err := r.runLeadingSteps(ctx, b, mod, scope)
	if err != nil {
		return nil, err
	}

	var spec *appdef.TriggerSpec
	if final.Response != nil {
		spec = final.Response.Trigger
	}

	lastState := req.PriorState
	if lastState == nil && r.states != nil {
		lastState, err = r.states.Get(ctx, req.ScenarioID, req.ModuleID)
		if err != nil {
			return nil, err
		}
	}

	bundles, newState, err := r.triggers.Poll(ctx, trigger.PollInput{
		AppID:     b.ctx.AppID,
		Base:      b.def.Base,
		Call:      final,
		Spec:      spec,
		Scope:     scope,
		Evaluator: b.ev,
		Limit:     callLimit(final),
	}, lastState)
	if err != nil {
		return nil, err
	}

	if r.states != nil && newState != lastState {
		if err := r.states.Put(ctx, req.ScenarioID, req.ModuleID, newState); err != nil {
			return nil, err
		}
	}
	return &core.InvokeResult{Bundles: bundles, NewState: newState}, nil
}

// runLeadingSteps executes all but the final call, threading temp into the
// returned scope.
func (r *Runtime) runLeadingSteps(ctx context.Context, b binding, mod *appdef.ModuleDefinition, scope *expr.Scope) (*expr.Scope, *appdef.Call, error) {
	final := mod.Calls[len(mod.Calls)-1]
	steps := mod.Calls[:len(mod.Calls)-1]
	if len(steps) == 0 {
		return scope, final, nil
	}
	_, temp, err := r.exec.ExecuteSequence(ctx, request.Input{
		AppID:     b.ctx.AppID,
		Base:      b.def.Base,
		Scope:     scope,
		Evaluator: b.ev,
	}, steps)
	if err != nil {
		return nil, nil, err
	}
	return scope.With("temp", temp), final, nil
}

// FetchOptions resolves a configuration-time option list.
func (r *Runtime) FetchOptions(ctx context.Context, appID, rpcID string, params map[string]any, connectionRef string) ([]core.Option, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	b, err := r.bind(appID)
	if err != nil {
		return nil, err
	}
	def, ok := b.def.Rpcs[rpcID]
	if !ok {
		return nil, core.NewConfigurationError("rpcs."+rpcID, "rpc not defined")
	}
	scope, err := r.invocationScope(ctx, b, params, connectionRef)
	if err != nil {
		return nil, err
	}
	return r.rpcs.Resolve(ctx, rpc.Input{
		AppID:      appID,
		Base:       b.def.Base,
		Rpc:        def,
		UserParams: params,
		Scope:      scope,
		Evaluator:  b.ev,
	})
}

// RegisterWebhook registers a callback URL with the provider.
func (r *Runtime) RegisterWebhook(ctx context.Context, appID, webhookID, hookID, callbackURL string, params map[string]any) (*core.WebhookRef, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	b, err := r.bind(appID)
	if err != nil {
		return nil, err
	}
	return r.hooks.Register(ctx, b.hookApp(), webhookID, hookID, callbackURL, params)
}

// UnregisterWebhook detaches and forgets a registration.
func (r *Runtime) UnregisterWebhook(ctx context.Context, appID, webhookID string, ref *core.WebhookRef, params map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	b, err := r.bind(appID)
	if err != nil {
		return err
	}
	return r.hooks.Unregister(ctx, b.hookApp(), webhookID, ref, params)
}

// HandleInbound feeds one provider POST through the webhook pipeline.
func (r *Runtime) HandleInbound(ctx context.Context, appID, webhookID, hookID string, payload, headers map[string]any) (bool, error) {
	b, err := r.bind(appID)
	if err != nil {
		return false, err
	}
	return r.hooks.HandleInbound(ctx, b.hookApp(), webhookID, hookID, payload, headers)
}

// Bundles exposes the accepted inbound webhook events.
func (r *Runtime) Bundles() <-chan webhook.Inbound { return r.hooks.Bundles() }

func callLimit(call *appdef.Call) int {
	if call.Response != nil && call.Response.Limit > 0 {
		return call.Response.Limit
	}
	return 0
}

func valueBundle(v expr.Value) core.Bundle {
	if m, ok := v.Interface().(map[string]any); ok {
		return core.Bundle(m)
	}
	return core.Bundle{"value": v.Interface()}
}
