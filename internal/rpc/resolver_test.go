package rpc

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
	"github.com/nucleus/app-core/internal/pagination"
	"github.com/nucleus/app-core/internal/request"
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

func testResolver(t *testing.T, handler func(req *http.Request) *http.Response) (*Resolver, *stubTransport) {
	t.Helper()
	transport := &stubTransport{handler: handler}
	client := request.NewClient(&request.ClientConfig{Transport: transport, RateLimit: 1000, RateBurst: 100})
	exec := request.NewExecutor(client, nil, nil)
	return NewResolver(exec, pagination.NewEngine(exec), nil), transport
}

func resolveInput(def *appdef.RpcDefinition, params map[string]any) Input {
	return Input{
		AppID:      "acme-crm",
		Base:       &appdef.Base{BaseURL: "https://api.acme.test/v2"},
		Rpc:        def,
		UserParams: params,
		Scope:      expr.NewScope(),
		Evaluator:  expr.New(nil),
	}
}

func listRpc() *appdef.RpcDefinition {
	return &appdef.RpcDefinition{
		ID: "listBoards",
		Calls: []*appdef.Call{{
			URL: "/boards",
			Response: &appdef.ResponseSpec{
				Iterate: "body.boards",
				Output:  map[string]any{"label": "{{item.name}}", "value": "{{item.id}}"},
			},
		}},
	}
}

func TestResolve_ShapesOptions(t *testing.T) {
	r, _ := testResolver(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{"boards": [{"id": "b1", "name": "Inbox"}, {"id": "b2", "name": "Done"}]}`)
	})

	opts, err := r.Resolve(context.Background(), resolveInput(listRpc(), nil))
	require.NoError(t, err)
	require.Len(t, opts, 2)
	assert.Equal(t, "Inbox", opts[0].Label)
	assert.Equal(t, "b1", opts[0].Value)
	assert.Equal(t, "Done", opts[1].Label)
}

func TestResolve_UserParamsReachTheCall(t *testing.T) {
	var seenPath string
	def := listRpc()
	def.Calls[0].URL = "/boards/{{parameters.workspace}}/lists"
	def.Calls[0].Response.Iterate = "body.lists"

	r, _ := testResolver(t, func(req *http.Request) *http.Response {
		seenPath = req.URL.Path
		return jsonResponse(200, `{"lists": []}`)
	})

	_, err := r.Resolve(context.Background(), resolveInput(def, map[string]any{"workspace": "ws-7"}))
	require.NoError(t, err)
	assert.Equal(t, "/v2/boards/ws-7/lists", seenPath)
}

func TestResolve_NestedBeforeParentIsRpcError(t *testing.T) {
	def := listRpc()
	def.Nested = &appdef.NestedSpec{Rpc: "listWorkspaces", Parameter: "workspace"}

	r, transport := testResolver(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{"boards": []}`)
	})

	_, err := r.Resolve(context.Background(), resolveInput(def, map[string]any{}))
	var rpcErr *core.RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "listBoards", rpcErr.RpcID)
	assert.Equal(t, 0, transport.count(), "premature nested rpc must not reach the network")
}

func TestResolve_NestedWithParentValueResolves(t *testing.T) {
	def := listRpc()
	def.Nested = &appdef.NestedSpec{Rpc: "listWorkspaces", Parameter: "workspace"}

	r, _ := testResolver(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{"boards": [{"id": "b1", "name": "Inbox"}]}`)
	})

	opts, err := r.Resolve(context.Background(), resolveInput(def, map[string]any{"workspace": "ws-7"}))
	require.NoError(t, err)
	require.Len(t, opts, 1)
}

func TestResolve_ProviderFailureDegradesToEmpty(t *testing.T) {
	r, _ := testResolver(t, func(req *http.Request) *http.Response {
		return jsonResponse(500, `{"error": {"message": "boom"}}`)
	})

	opts, err := r.Resolve(context.Background(), resolveInput(listRpc(), nil))
	require.NoError(t, err)
	assert.Empty(t, opts)
	assert.NotNil(t, opts)
}

// A definition bug in the option mapping must surface, not turn into an
// empty dropdown that looks like a provider hiccup.
func TestResolve_EvaluationFailureIsFatal(t *testing.T) {
	def := listRpc()
	def.Calls[0].Response.Output = map[string]any{"label": "{{boom(item.name)}}"}
	r, _ := testResolver(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{"boards": [{"name": "Deals", "id": 1}]}`)
	})

	opts, err := r.Resolve(context.Background(), resolveInput(def, nil))
	var evalErr *core.EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Nil(t, opts)
}

func TestResolve_GroupedOptions(t *testing.T) {
	def := listRpc()
	def.Calls[0].Response.Output = map[string]any{
		"label":   "{{item.name}}",
		"options": "{{item.children}}",
	}
	r, _ := testResolver(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{"boards": [{"name": "Group", "children": [{"label": "A", "value": 1}]}]}`)
	})

	opts, err := r.Resolve(context.Background(), resolveInput(def, nil))
	require.NoError(t, err)
	require.Len(t, opts, 1)
	require.Len(t, opts[0].Options, 1)
	assert.Equal(t, "A", opts[0].Options[0].Label)
}

func TestResolve_MultiStepThreadsTemp(t *testing.T) {
	def := &appdef.RpcDefinition{
		ID: "listRows",
		Calls: []*appdef.Call{
			{
				URL:  "/session",
				Temp: map[string]any{"sessionId": "{{body.session}}"},
			},
			{
				URL: "/rows/{{temp.sessionId}}",
				Response: &appdef.ResponseSpec{
					Iterate: "body.rows",
					Output:  map[string]any{"label": "{{item.name}}", "value": "{{item.id}}"},
				},
			},
		},
	}
	var paths []string
	r, _ := testResolver(t, func(req *http.Request) *http.Response {
		paths = append(paths, req.URL.Path)
		if strings.HasSuffix(req.URL.Path, "/session") {
			return jsonResponse(200, `{"session": "s-42"}`)
		}
		return jsonResponse(200, `{"rows": [{"id": "r1", "name": "Row"}]}`)
	})

	opts, err := r.Resolve(context.Background(), resolveInput(def, nil))
	require.NoError(t, err)
	require.Len(t, opts, 1)
	require.Len(t, paths, 2)
	assert.Equal(t, "/v2/rows/s-42", paths[1])
}

func TestResolve_NoCallsIsConfigError(t *testing.T) {
	r, _ := testResolver(t, nil)
	def := &appdef.RpcDefinition{ID: "empty"}

	_, err := r.Resolve(context.Background(), resolveInput(def, nil))
	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}
