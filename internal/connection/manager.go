// Package connection manages connection instances: validation of
// user-supplied credentials, the OAuth authorize/exchange flow and automatic
// token refresh near expiry. Refresh on one instance is serialized so
// concurrent invocations never race a refresh or read mid-refresh state.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nucleus/app-core/internal/appdef"
	"github.com/nucleus/app-core/internal/core"
	"github.com/nucleus/app-core/internal/expr"
	"github.com/nucleus/app-core/internal/request"
	"github.com/nucleus/app-core/internal/store"
)

const defaultSkew = 60 * time.Second

// App binds one integration definition to its evaluator and shared context.
// The manager is app-agnostic; callers pass the binding per operation.
type App struct {
	Def *appdef.Definition
	Ev  *expr.Evaluator
	Ctx core.AppContext
}

// Manager owns the connection lifecycle.
type Manager struct {
	exec   *request.Executor
	conns  store.ConnectionStore
	logger *zap.Logger

	now  func() time.Time
	skew time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-instance refresh serialization
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a time source. Tests freeze it.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSkew sets how long before recorded expiry a credential counts as stale.
func WithSkew(skew time.Duration) Option {
	return func(m *Manager) { m.skew = skew }
}

// NewManager creates a connection manager.
func NewManager(exec *request.Executor, conns store.ConnectionStore, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		exec:   exec,
		conns:  conns,
		logger: logger,
		now:    time.Now,
		skew:   defaultSkew,
		locks:  map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// connDef resolves a connection definition by id.
func connDef(app App, connectionID string) (*appdef.ConnectionDefinition, error) {
	def, ok := app.Def.Connections[connectionID]
	if !ok {
		return nil, core.NewConfigurationError("connections."+connectionID, "connection not defined")
	}
	return def, nil
}

// baseScope builds the shared evaluation scope for connection calls. The
// user parameters are bound both as "parameters" and as "connection" so that
// definitions can reference either name during validation, before any
// credential data exists.
func (m *Manager) baseScope(app App, params, data map[string]any) *expr.Scope {
	scope := expr.NewScope().
		With("common", expr.FromGo(app.Ctx.CommonOrEmpty())).
		With("parameters", expr.FromGo(params))
	merged := make(map[string]any, len(params)+len(data))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	return scope.With("connection", expr.FromGo(merged))
}

// Validate checks user-supplied parameters against the definition and, on
// success, creates and persists a new ConnectionInstance. Non-OAuth types
// validate by running the info Call; OAuth types go through Exchange instead.
func (m *Manager) Validate(ctx context.Context, app App, connectionID string, params map[string]any) (*core.ConnectionInstance, error) {
	def, err := connDef(app, connectionID)
	if err != nil {
		return nil, err
	}
	if def.Type == appdef.ConnOAuth || def.Type == appdef.ConnOAuthPKCE {
		return nil, core.NewConfigurationError("connections."+connectionID,
			"oauth connections are created via authorize/exchange, not direct validation")
	}
	if err := checkRequiredParams(def, connectionID, params); err != nil {
		return nil, err
	}

	data := map[string]any{}
	if def.Info != nil {
		res, err := m.exec.Execute(ctx, request.Input{
			AppID:     app.Ctx.AppID,
			Base:      app.Def.Base,
			Call:      def.Info,
			Scope:     m.baseScope(app, params, nil),
			Evaluator: app.Ev,
		})
		if err != nil {
			return nil, credentialFailure(err)
		}
		if !res.Data.IsNull() {
			data = asAnyMap(res.Data)
		}
	}

	now := m.now()
	inst := &core.ConnectionInstance{
		ID:           uuid.NewString(),
		AppID:        app.Ctx.AppID,
		ConnectionID: connectionID,
		Data:         data,
		Parameters:   params,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.conns.Put(ctx, inst); err != nil {
		return nil, err
	}
	m.logger.Info("connection validated",
		zap.String("app", app.Ctx.AppID),
		zap.String("connection", connectionID),
		zap.String("instance", inst.ID),
	)
	return inst, nil
}

// EnsureFresh guarantees the instance's access credential is usable: a no-op
// while now + skew < expires, exactly one refresh call otherwise. Non-OAuth
// instances were validated at creation time and never expire here.
func (m *Manager) EnsureFresh(ctx context.Context, app App, inst *core.ConnectionInstance) (*core.ConnectionInstance, error) {
	def, err := connDef(app, inst.ConnectionID)
	if err != nil {
		return nil, err
	}
	if def.Type != appdef.ConnOAuth && def.Type != appdef.ConnOAuthPKCE {
		return inst, nil
	}

	lock := m.lockFor(inst.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent caller may have refreshed while
	// we waited.
	current, err := m.conns.Get(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, &core.InvalidCredentialsError{Message: "connection no longer exists"}
	}
	if !m.stale(current) {
		return current, nil
	}
	refreshed, err := m.refresh(ctx, app, def, current)
	if err != nil {
		return nil, err
	}
	return refreshed, nil
}

// stale reports whether the credential is at or past the refresh threshold.
// A credential with no recorded expiry never goes stale.
func (m *Manager) stale(inst *core.ConnectionInstance) bool {
	expires, ok := expiryMillis(inst.Data)
	if !ok {
		return false
	}
	threshold := expires - m.skew.Milliseconds()
	return m.now().UnixMilli() >= threshold
}

// refresh runs the declared refresh Call and replaces the instance's
// credential data. When the provider omits a rotated refresh token, the
// previous one is retained.
func (m *Manager) refresh(ctx context.Context, app App, def *appdef.ConnectionDefinition, inst *core.ConnectionInstance) (*core.ConnectionInstance, error) {
	if def.Refresh == nil {
		return nil, &core.InvalidCredentialsError{Message: "token expired and no refresh call is declared"}
	}
	scope := m.baseScope(app, inst.Parameters, inst.Data)
	if def.Refresh.Condition != "" {
		ok, err := app.Ev.EvaluateCondition(def.Refresh.Condition, scope, true)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &core.InvalidCredentialsError{Message: "refresh condition rejected the stored credential"}
		}
	}

	res, err := m.exec.Execute(ctx, request.Input{
		AppID:     app.Ctx.AppID,
		Base:      app.Def.Base,
		Call:      &def.Refresh.Call,
		Scope:     scope,
		Evaluator: app.Ev,
	})
	if err != nil {
		return nil, credentialFailure(err)
	}

	next := inst.Clone()
	data := asAnyMap(res.Data)
	if _, rotated := data["refreshToken"]; !rotated {
		if prev, ok := inst.Data["refreshToken"]; ok {
			data["refreshToken"] = prev
		}
	}
	next.Data = data
	next.UpdatedAt = m.now()
	if err := m.conns.Put(ctx, next); err != nil {
		return nil, err
	}
	m.logger.Info("connection refreshed",
		zap.String("app", app.Ctx.AppID),
		zap.String("instance", next.ID),
	)
	return next, nil
}

// Disconnect destroys an instance, running the provider revoke Call first
// when one is declared. A failed revoke does not block local destruction.
func (m *Manager) Disconnect(ctx context.Context, app App, inst *core.ConnectionInstance) error {
	def, err := connDef(app, inst.ConnectionID)
	if err != nil {
		return err
	}
	if def.Revoke != nil {
		_, err := m.exec.Execute(ctx, request.Input{
			AppID:     app.Ctx.AppID,
			Base:      app.Def.Base,
			Call:      def.Revoke,
			Scope:     m.baseScope(app, inst.Parameters, inst.Data),
			Evaluator: app.Ev,
		})
		if err != nil {
			m.logger.Warn("revoke call failed, destroying instance anyway",
				zap.String("instance", inst.ID),
				zap.Error(err),
			)
		}
	}
	if err := m.conns.Delete(ctx, inst.ID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.locks, inst.ID)
	m.mu.Unlock()
	return nil
}

func checkRequiredParams(def *appdef.ConnectionDefinition, connectionID string, params map[string]any) error {
	for _, p := range def.Parameters {
		if !p.Required {
			continue
		}
		if v, ok := params[p.Name]; !ok || v == nil || v == "" {
			return core.NewConfigurationError(
				"connections."+connectionID+".parameters."+p.Name,
				"required parameter missing")
		}
	}
	return nil
}

// credentialFailure maps executor failures onto the connection taxonomy:
// auth-kind request errors become InvalidCredentialsError, rate limits and
// provider failures keep their own types, everything else passes through.
func credentialFailure(err error) error {
	var reqErr *core.RequestError
	if !errors.As(err, &reqErr) {
		return err
	}
	switch reqErr.Kind {
	case core.KindAuth:
		return &core.InvalidCredentialsError{Message: reqErr.Message}
	case core.KindRateLimit:
		return &core.RateLimitedError{RetryAfter: reqErr.RetryAfter, Message: reqErr.Message}
	case core.KindProvider:
		return &core.ProviderError{StatusCode: reqErr.StatusCode, Message: reqErr.Message}
	default:
		return err
	}
}

// expiryMillis reads the recorded expiry from credential data. Stored either
// as unix milliseconds or as an RFC 3339 string, depending on the token
// call's data mapping.
func expiryMillis(data map[string]any) (int64, bool) {
	raw, ok := data["expires"]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return 0, false
		}
		return t.UnixMilli(), true
	default:
		return 0, false
	}
}

func asAnyMap(v expr.Value) map[string]any {
	if v.IsNull() {
		return map[string]any{}
	}
	if m, ok := v.Interface().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
