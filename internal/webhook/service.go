// Package webhook registers provider webhooks and turns inbound payloads
// into bundles. Payloads failing the declared validator are acknowledged and
// dropped silently; provider replays are de-duplicated by event id or, when
// the definition names none, by a payload hash.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nucleus/app-core/internal/appdef"
	"github.com/nucleus/app-core/internal/core"
	"github.com/nucleus/app-core/internal/expr"
	"github.com/nucleus/app-core/internal/request"
	"github.com/nucleus/app-core/internal/store"
)

const defaultQueueSize = 256

// Service owns the webhook lifecycle and the inbound bundle queue.
type Service struct {
	exec   *request.Executor
	hooks  store.WebhookStore
	dedup  Deduper
	logger *zap.Logger
	queue  chan Inbound
}

// Inbound is one accepted webhook event ready for the scenario engine.
type Inbound struct {
	HookID string
	Bundle core.Bundle
}

// App binds one integration definition to its evaluator and shared context.
type App struct {
	Def *appdef.Definition
	Ev  *expr.Evaluator
	Ctx core.AppContext
}

// Option configures a Service.
type Option func(*Service)

// WithQueueSize overrides the inbound queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queue = make(chan Inbound, n)
		}
	}
}

// NewService creates a webhook service. A nil deduper disables replay
// detection.
func NewService(exec *request.Executor, hooks store.WebhookStore, dedup Deduper, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		exec:   exec,
		hooks:  hooks,
		dedup:  dedup,
		logger: logger,
		queue:  make(chan Inbound, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bundles is the queue of accepted inbound events.
func (s *Service) Bundles() <-chan Inbound { return s.queue }

func webhookDef(app App, webhookID string) (*appdef.WebhookDefinition, error) {
	def, ok := app.Def.Webhooks[webhookID]
	if !ok {
		return nil, core.NewConfigurationError("webhooks."+webhookID, "webhook not defined")
	}
	return def, nil
}

// hookScope binds the webhook variables every registration Call sees.
func hookScope(app App, params map[string]any, vars map[string]any) *expr.Scope {
	return expr.NewScope().
		With("common", expr.FromGo(app.Ctx.CommonOrEmpty())).
		With("parameters", expr.FromGo(params)).
		With("webhook", expr.FromGo(vars))
}

// Register runs the attach Call and persists the registration. The attach
// response payload is kept on the ref so detach can reference provider ids.
func (s *Service) Register(ctx context.Context, app App, webhookID, hookID, callbackURL string, params map[string]any) (*core.WebhookRef, error) {
	def, err := webhookDef(app, webhookID)
	if err != nil {
		return nil, err
	}
	ref := &core.WebhookRef{HookID: hookID, CallbackURL: callbackURL, Data: map[string]any{}}

	if def.Attach != nil {
		res, err := s.exec.Execute(ctx, request.Input{
			AppID:     app.Ctx.AppID,
			Base:      app.Def.Base,
			Call:      def.Attach,
			Scope:     hookScope(app, params, map[string]any{"hookId": hookID, "callbackUrl": callbackURL}),
			Evaluator: app.Ev,
		})
		if err != nil {
			return nil, err
		}
		if body, ok := res.Body.Interface().(map[string]any); ok {
			ref.Data = body
			if id, ok := body["id"]; ok {
				ref.ExternalID = fmt.Sprint(id)
			}
		}
	}

	if err := s.hooks.Put(ctx, ref); err != nil {
		return nil, err
	}
	s.logger.Info("webhook registered",
		zap.String("app", app.Ctx.AppID),
		zap.String("webhook", webhookID),
		zap.String("hook", hookID),
	)
	return ref, nil
}

// Update re-registers the callback URL with the provider via the update
// Call, for providers whose registrations expire or move.
func (s *Service) Update(ctx context.Context, app App, webhookID string, ref *core.WebhookRef, params map[string]any) error {
	def, err := webhookDef(app, webhookID)
	if err != nil {
		return err
	}
	if def.Update == nil {
		return core.NewConfigurationError("webhooks."+webhookID+".update", "update call missing")
	}
	_, err = s.exec.Execute(ctx, request.Input{
		AppID:     app.Ctx.AppID,
		Base:      app.Def.Base,
		Call:      def.Update,
		Scope: hookScope(app, params, map[string]any{
			"hookId":      ref.HookID,
			"callbackUrl": ref.CallbackURL,
			"externalId":  ref.ExternalID,
			"data":        ref.Data,
		}),
		Evaluator: app.Ev,
	})
	if err != nil {
		return err
	}
	return s.hooks.Put(ctx, ref)
}

// Unregister runs the detach Call and removes the registration. A failed
// detach still removes the local ref so a dead provider registration cannot
// wedge the scenario.
func (s *Service) Unregister(ctx context.Context, app App, webhookID string, ref *core.WebhookRef, params map[string]any) error {
	def, err := webhookDef(app, webhookID)
	if err != nil {
		return err
	}
	if def.Detach != nil {
		_, err := s.exec.Execute(ctx, request.Input{
			AppID:     app.Ctx.AppID,
			Base:      app.Def.Base,
			Call:      def.Detach,
			Scope: hookScope(app, params, map[string]any{
				"hookId":      ref.HookID,
				"callbackUrl": ref.CallbackURL,
				"externalId":  ref.ExternalID,
				"data":        ref.Data,
			}),
			Evaluator: app.Ev,
		})
		if err != nil {
			s.logger.Warn("detach call failed, removing registration anyway",
				zap.String("hook", ref.HookID),
				zap.Error(err),
			)
		}
	}
	return s.hooks.Delete(ctx, ref.HookID)
}

// HandleInbound processes one provider POST. The returned flag reports
// whether a bundle was emitted: replays and validator-rejected payloads are
// acknowledged with (false, nil), never as errors.
func (s *Service) HandleInbound(ctx context.Context, app App, webhookID, hookID string, payload map[string]any, headers map[string]any) (bool, error) {
	def, err := webhookDef(app, webhookID)
	if err != nil {
		return false, err
	}

	key, err := eventKey(def, webhookID, payload)
	if err != nil {
		return false, err
	}
	marked := false
	if s.dedup != nil {
		replay, err := s.dedup.Seen(ctx, key)
		if err != nil {
			return false, err
		}
		if replay {
			s.logger.Debug("webhook replay dropped",
				zap.String("hook", hookID),
				zap.String("event", key),
			)
			return false, nil
		}
		marked = true
	}

	// The event is only committed as seen once its bundle is on the queue.
	// Failing here releases the key so the provider's redelivery of the
	// same event is processed instead of being dropped as a replay.
	fail := func(cause error) (bool, error) {
		if marked {
			if ferr := s.dedup.Forget(ctx, key); ferr != nil {
				s.logger.Warn("could not release replay key after failed intake",
					zap.String("event", key),
					zap.Error(ferr),
				)
			}
		}
		return false, cause
	}

	scope := expr.NewScope().
		With("common", expr.FromGo(app.Ctx.CommonOrEmpty())).
		With("body", expr.FromGo(payload)).
		With("headers", expr.FromGo(headers))

	if def.Validator != "" {
		ok, err := app.Ev.EvaluateCondition(def.Validator, scope, true)
		if err != nil {
			return fail(err)
		}
		if !ok {
			// A deterministic rejection, not a failure: the key stays marked
			// so replays of the rejected payload short-circuit.
			return false, nil
		}
	}

	var bundle core.Bundle
	if def.Output != nil {
		mapped, err := app.Ev.Evaluate(def.Output, scope)
		if err != nil {
			return fail(err)
		}
		if m, ok := mapped.Interface().(map[string]any); ok {
			bundle = core.Bundle(m)
		} else {
			bundle = core.Bundle{"value": mapped.Interface()}
		}
	} else {
		bundle = core.Bundle(payload)
	}

	select {
	case s.queue <- Inbound{HookID: hookID, Bundle: bundle}:
		return true, nil
	default:
		return fail(fmt.Errorf("webhook queue full, dropping event for hook %s", hookID))
	}
}

// eventKey derives the replay-dedup key: the provider event id when the
// definition names one, a payload hash otherwise.
func eventKey(def *appdef.WebhookDefinition, webhookID string, payload map[string]any) (string, error) {
	if def.Dedup != "" {
		id := expr.ResolvePath(expr.FromGo(payload), def.Dedup)
		if id.IsNull() || id.Text() == "" {
			return "", core.NewConfigurationError("webhooks."+webhookID+".dedup",
				"payload has no value at %s", def.Dedup)
		}
		return webhookID + ":" + id.Text(), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return webhookID + ":" + hex.EncodeToString(sum[:]), nil
}
