package webhook

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/app-core/internal/appdef"
	"github.com/nucleus/app-core/internal/core"
	"github.com/nucleus/app-core/internal/expr"
	"github.com/nucleus/app-core/internal/request"
	"github.com/nucleus/app-core/internal/store"
)

type stubTransport struct {
	mu      sync.Mutex
	handler func(req *http.Request) *http.Response
	calls   int
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.handler(req), nil
}

func (s *stubTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testApp(def *appdef.WebhookDefinition) App {
	return App{
		Def: &appdef.Definition{
			ID:       "acme-crm",
			Base:     &appdef.Base{BaseURL: "https://api.acme.test/v2"},
			Webhooks: map[string]*appdef.WebhookDefinition{"rowAdded": def},
		},
		Ev:  expr.New(nil),
		Ctx: core.AppContext{AppID: "acme-crm"},
	}
}

func testService(t *testing.T, handler func(req *http.Request) *http.Response) (*Service, *stubTransport) {
	t.Helper()
	transport := &stubTransport{handler: handler}
	client := request.NewClient(&request.ClientConfig{Transport: transport, RateLimit: 1000, RateBurst: 100})
	exec := request.NewExecutor(client, nil, nil)
	return NewService(exec, store.NewMemoryWebhooks(), NewMemoryDeduper(), nil), transport
}

func hookDef() *appdef.WebhookDefinition {
	return &appdef.WebhookDefinition{
		Attach: &appdef.Call{
			URL:    "/webhooks",
			Method: "POST",
			Body:   map[string]any{"url": "{{webhook.callbackUrl}}"},
		},
		Detach: &appdef.Call{
			URL:    "/webhooks/{{webhook.externalId}}",
			Method: "DELETE",
		},
	}
}

func TestRegister_AttachResponseKeptOnRef(t *testing.T) {
	svc, _ := testService(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{"id": 417, "url": "https://runtime.example/hooks/h-1"}`)
	})
	app := testApp(hookDef())

	ref, err := svc.Register(context.Background(), app, "rowAdded", "h-1", "https://runtime.example/hooks/h-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "417", ref.ExternalID)
	assert.Equal(t, "https://runtime.example/hooks/h-1", ref.CallbackURL)
}

func TestUnregister_DetachUsesExternalID(t *testing.T) {
	var seenPath string
	svc, _ := testService(t, func(req *http.Request) *http.Response {
		seenPath = req.URL.Path
		return jsonResponse(204, ``)
	})
	app := testApp(hookDef())

	ref := &core.WebhookRef{HookID: "h-1", ExternalID: "417"}
	require.NoError(t, svc.Unregister(context.Background(), app, "rowAdded", ref, nil))
	assert.Equal(t, "/v2/webhooks/417", seenPath)
}

func TestUnregister_DetachFailureStillDeletes(t *testing.T) {
	svc, transport := testService(t, func(req *http.Request) *http.Response {
		return jsonResponse(500, `{"error": {"message": "boom"}}`)
	})
	app := testApp(hookDef())

	ref := &core.WebhookRef{HookID: "h-1", ExternalID: "417"}
	require.NoError(t, svc.Unregister(context.Background(), app, "rowAdded", ref, nil))
	assert.Equal(t, 1, transport.count())
}

// Payloads without a payment-typed field emit no bundle; payloads with one
// emit exactly one.
func TestHandleInbound_ValidatorGatesBundles(t *testing.T) {
	def := hookDef()
	def.Validator = "{{contains(toString(body.fields), 'stripe')}}"
	svc, _ := testService(t, nil)
	app := testApp(def)

	emitted, err := svc.HandleInbound(context.Background(), app, "rowAdded", "h-1",
		map[string]any{"fields": []any{map[string]any{"type": "text"}}}, nil)
	require.NoError(t, err)
	assert.False(t, emitted)
	assert.Empty(t, svc.Bundles())

	emitted, err = svc.HandleInbound(context.Background(), app, "rowAdded", "h-1",
		map[string]any{"fields": []any{map[string]any{"type": "stripe"}}}, nil)
	require.NoError(t, err)
	assert.True(t, emitted)

	inbound := <-svc.Bundles()
	assert.Equal(t, "h-1", inbound.HookID)
}

func TestHandleInbound_OutputMappingShapesBundle(t *testing.T) {
	def := hookDef()
	def.Output = map[string]any{"rowId": "{{body.row.id}}"}
	svc, _ := testService(t, nil)
	app := testApp(def)

	emitted, err := svc.HandleInbound(context.Background(), app, "rowAdded", "h-1",
		map[string]any{"row": map[string]any{"id": "r-9"}}, nil)
	require.NoError(t, err)
	require.True(t, emitted)

	inbound := <-svc.Bundles()
	assert.Equal(t, "r-9", inbound.Bundle["rowId"])
}

func TestHandleInbound_ReplayByEventIDDropped(t *testing.T) {
	def := hookDef()
	def.Dedup = "event.id"
	svc, _ := testService(t, nil)
	app := testApp(def)

	payload := map[string]any{"event": map[string]any{"id": "evt-1"}, "n": 1}
	emitted, err := svc.HandleInbound(context.Background(), app, "rowAdded", "h-1", payload, nil)
	require.NoError(t, err)
	assert.True(t, emitted)

	// Same event id, different payload body: still a replay.
	replay := map[string]any{"event": map[string]any{"id": "evt-1"}, "n": 2}
	emitted, err = svc.HandleInbound(context.Background(), app, "rowAdded", "h-1", replay, nil)
	require.NoError(t, err)
	assert.False(t, emitted)
}

func TestHandleInbound_ReplayByPayloadHashDropped(t *testing.T) {
	svc, _ := testService(t, nil)
	app := testApp(hookDef())

	payload := map[string]any{"row": "r-1"}
	emitted, err := svc.HandleInbound(context.Background(), app, "rowAdded", "h-1", payload, nil)
	require.NoError(t, err)
	assert.True(t, emitted)

	emitted, err = svc.HandleInbound(context.Background(), app, "rowAdded", "h-1", payload, nil)
	require.NoError(t, err)
	assert.False(t, emitted)

	// A different payload is a new event.
	emitted, err = svc.HandleInbound(context.Background(), app, "rowAdded", "h-1", map[string]any{"row": "r-2"}, nil)
	require.NoError(t, err)
	assert.True(t, emitted)
}

// An event whose intake fails must not be remembered as seen: the provider
// redelivers it, and the redelivery has to be processed, not dropped as a
// replay.
func TestHandleInbound_FailedIntakeAllowsRedelivery(t *testing.T) {
	def := hookDef()
	def.Dedup = "event.id"
	app := testApp(def)

	// A queue of one: the second distinct event cannot be enqueued.
	client := request.NewClient(&request.ClientConfig{Transport: &stubTransport{}, RateLimit: 1000, RateBurst: 100})
	small := NewService(request.NewExecutor(client, nil, nil),
		store.NewMemoryWebhooks(), NewMemoryDeduper(), nil, WithQueueSize(1))

	first := map[string]any{"event": map[string]any{"id": "evt-1"}}
	emitted, err := small.HandleInbound(context.Background(), app, "rowAdded", "h-1", first, nil)
	require.NoError(t, err)
	assert.True(t, emitted)

	second := map[string]any{"event": map[string]any{"id": "evt-2"}}
	_, err = small.HandleInbound(context.Background(), app, "rowAdded", "h-1", second, nil)
	require.Error(t, err)

	// Drain the queue and redeliver: the event was never emitted, so it
	// must not count as a replay.
	<-small.Bundles()
	emitted, err = small.HandleInbound(context.Background(), app, "rowAdded", "h-1", second, nil)
	require.NoError(t, err)
	assert.True(t, emitted)
}

func TestHandleInbound_BrokenOutputMappingKeepsFailingOnRetry(t *testing.T) {
	def := hookDef()
	def.Dedup = "event.id"
	def.Output = map[string]any{"rowId": "{{explode(body.row)}}"}
	svc, _ := testService(t, nil)
	app := testApp(def)

	payload := map[string]any{"event": map[string]any{"id": "evt-1"}, "row": "r-1"}
	_, err := svc.HandleInbound(context.Background(), app, "rowAdded", "h-1", payload, nil)
	require.Error(t, err)

	// The retry surfaces the same mapping failure instead of being
	// silently acknowledged as a replay.
	emitted, err := svc.HandleInbound(context.Background(), app, "rowAdded", "h-1", payload, nil)
	require.Error(t, err)
	assert.False(t, emitted)
}

func TestHandleInbound_MissingDedupPathIsConfigError(t *testing.T) {
	def := hookDef()
	def.Dedup = "event.id"
	svc, _ := testService(t, nil)
	app := testApp(def)

	_, err := svc.HandleInbound(context.Background(), app, "rowAdded", "h-1", map[string]any{"row": "r-1"}, nil)
	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}
