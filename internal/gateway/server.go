// Package gateway exposes the runtime over HTTP: module invocation, rpc
// option resolution, webhook registration and the provider-facing webhook
// receipt endpoint.
package gateway

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/nucleus/app-core/internal/appdef"
	"github.com/nucleus/app-core/internal/core"
	"github.com/nucleus/app-core/internal/runtime"
)

// Server is the HTTP surface of the runtime.
type Server struct {
	rt      *runtime.Runtime
	defs    *appdef.Registry
	logger  *zap.Logger
	started time.Time
}

// NewServer creates a gateway server.
func NewServer(rt *runtime.Runtime, defs *appdef.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{rt: rt, defs: defs, logger: logger, started: time.Now()}
}

// Echo builds the configured echo instance.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)

	e.GET("/api/v1/health", s.health)
	e.GET("/api/v1/apps", s.listApps)

	e.POST("/api/v1/apps/:app/modules/:module/invoke", s.invoke)
	e.POST("/api/v1/apps/:app/rpcs/:rpc/options", s.options)
	e.POST("/api/v1/apps/:app/webhooks/:webhook/attach", s.attachWebhook)
	e.POST("/api/v1/apps/:app/webhooks/:webhook/detach", s.detachWebhook)

	// Provider-facing receipt endpoint; the path is what Register hands the
	// provider as callback URL.
	e.POST("/hooks/:app/:webhook/:hook", s.receive)
	return e
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		started := time.Now()
		err := next(c)
		s.logger.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", c.Response().Status),
			zap.Duration("elapsed", time.Since(started)),
		)
		return err
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
		"apps":   len(s.defs.List()),
	})
}

func (s *Server) listApps(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"apps": s.defs.List()})
}

type invokeBody struct {
	ScenarioID    string             `json:"scenarioId"`
	Parameters    map[string]any     `json:"parameters"`
	ConnectionRef string             `json:"connectionRef"`
	PriorState    *core.TriggerState `json:"priorState"`
}

func (s *Server) invoke(c echo.Context) error {
	var body invokeBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errEnvelope(err))
	}
	res, err := s.rt.Invoke(c.Request().Context(), core.InvokeRequest{
		AppID:         c.Param("app"),
		ModuleID:      c.Param("module"),
		ScenarioID:    body.ScenarioID,
		Parameters:    body.Parameters,
		ConnectionRef: body.ConnectionRef,
		PriorState:    body.PriorState,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"bundles":  res.Bundles,
		"newState": res.NewState,
	})
}

type optionsBody struct {
	Parameters    map[string]any `json:"parameters"`
	ConnectionRef string         `json:"connectionRef"`
}

func (s *Server) options(c echo.Context) error {
	var body optionsBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errEnvelope(err))
	}
	opts, err := s.rt.FetchOptions(c.Request().Context(), c.Param("app"), c.Param("rpc"), body.Parameters, body.ConnectionRef)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"options": opts})
}

type attachBody struct {
	HookID      string         `json:"hookId"`
	CallbackURL string         `json:"callbackUrl"`
	Parameters  map[string]any `json:"parameters"`
}

func (s *Server) attachWebhook(c echo.Context) error {
	var body attachBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errEnvelope(err))
	}
	ref, err := s.rt.RegisterWebhook(c.Request().Context(), c.Param("app"), c.Param("webhook"), body.HookID, body.CallbackURL, body.Parameters)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, ref)
}

type detachBody struct {
	Ref        *core.WebhookRef `json:"ref"`
	Parameters map[string]any   `json:"parameters"`
}

func (s *Server) detachWebhook(c echo.Context) error {
	var body detachBody
	if err := c.Bind(&body); err != nil || body.Ref == nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "ref is required"})
	}
	if err := s.rt.UnregisterWebhook(c.Request().Context(), c.Param("app"), c.Param("webhook"), body.Ref, body.Parameters); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// receive acknowledges provider POSTs. Replays and validator-rejected
// payloads are acknowledged with 200 so the provider never retries them.
func (s *Server) receive(c echo.Context) error {
	var payload map[string]any
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, errEnvelope(err))
	}
	headers := map[string]any{}
	for name := range c.Request().Header {
		headers[name] = c.Request().Header.Get(name)
	}
	emitted, err := s.rt.HandleInbound(c.Request().Context(), c.Param("app"), c.Param("webhook"), c.Param("hook"), payload, headers)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"accepted": emitted})
}

// fail maps the runtime taxonomy onto HTTP statuses.
func (s *Server) fail(c echo.Context, err error) error {
	status := http.StatusBadGateway
	switch core.ClassifyError(err) {
	case core.KindConfiguration, core.KindEvaluation, core.KindValidation:
		status = http.StatusUnprocessableEntity
	case core.KindAuth:
		status = http.StatusUnauthorized
	case core.KindRateLimit:
		status = http.StatusTooManyRequests
	case core.KindProvider:
		status = http.StatusBadGateway
	}
	return c.JSON(status, errEnvelope(err))
}

func errEnvelope(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}
