package request

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/app-core/internal/appdef"
	"github.com/nucleus/app-core/internal/core"
	"github.com/nucleus/app-core/internal/expr"
)

// stubTransport answers requests from a script and records what it saw.
type stubTransport struct {
	mu       sync.Mutex
	handler  func(req *http.Request) *http.Response
	requests []*http.Request
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.handler(req), nil
}

func (s *stubTransport) seen() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.requests...)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testExecutor(t *testing.T, handler func(req *http.Request) *http.Response) (*Executor, *stubTransport) {
	t.Helper()
	transport := &stubTransport{handler: handler}
	client := NewClient(&ClientConfig{Transport: transport, RateLimit: 1000, RateBurst: 100})
	return NewExecutor(client, nil, nil), transport
}

func testBase() *appdef.Base {
	return &appdef.Base{
		BaseURL: "https://api.acme.test/v2",
		Headers: map[string]any{"Accept": "application/json"},
		Response: &appdef.ResponseSpec{
			Error: &appdef.ErrorSpec{Message: "[{{statusCode}}] {{body.error.message}}"},
		},
	}
}

func baseInput(call *appdef.Call) Input {
	return Input{
		AppID:     "acme",
		Base:      testBase(),
		Call:      call,
		Scope:     expr.NewScope().With("parameters", expr.FromGo(map[string]any{"id": "d-7"})),
		Evaluator: expr.New(nil),
	}
}

func TestExecute_RelativeURLJoinsBase(t *testing.T) {
	exec, transport := testExecutor(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{"ok": true}`)
	})

	_, err := exec.Execute(context.Background(), baseInput(&appdef.Call{URL: "/deals/{{parameters.id}}"}))
	require.NoError(t, err)

	require.Len(t, transport.seen(), 1)
	assert.Equal(t, "https://api.acme.test/v2/deals/d-7", transport.seen()[0].URL.String())
}

func TestExecute_AbsoluteURLOverridesBase(t *testing.T) {
	exec, transport := testExecutor(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{}`)
	})

	_, err := exec.Execute(context.Background(), baseInput(&appdef.Call{URL: "https://other.test/ping"}))
	require.NoError(t, err)
	assert.Equal(t, "https://other.test/ping", transport.seen()[0].URL.String())
}

func TestExecute_EmptyURLIsConfigurationError(t *testing.T) {
	exec, _ := testExecutor(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{}`)
	})

	_, err := exec.Execute(context.Background(), baseInput(&appdef.Call{URL: "{{parameters.missing}}"}))
	var cfgErr *core.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
}

func TestExecute_HeaderMergeCallOverridesBase(t *testing.T) {
	exec, transport := testExecutor(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{}`)
	})

	in := baseInput(&appdef.Call{
		URL:     "/x",
		Headers: map[string]any{"accept": "text/csv", "X-Extra": "1"},
	})
	_, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)

	req := transport.seen()[0]
	assert.Equal(t, "text/csv", req.Header.Get("Accept"), "call header overrides base case-insensitively")
	assert.Equal(t, "1", req.Header.Get("X-Extra"))
}

func TestExecute_SpliceBuildsDynamicHeaders(t *testing.T) {
	exec, transport := testExecutor(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{}`)
	})

	in := baseInput(&appdef.Call{
		URL: "/x",
		Headers: map[string]any{
			"{{...}}": "{{if(parameters.id, merge(), merge())}}",
			"X-Id":    "{{parameters.id}}",
		},
	})
	_, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "d-7", transport.seen()[0].Header.Get("X-Id"))
}

func TestExecute_QueryMergeAndBody(t *testing.T) {
	exec, transport := testExecutor(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{}`)
	})

	in := baseInput(&appdef.Call{
		URL:    "/deals",
		Method: "POST",
		QS:     map[string]any{"page": "1"},
		Body:   map[string]any{"name": "deal {{parameters.id}}", "amount": 10},
	})
	in.ExtraQS = map[string]string{"page": "2"}

	_, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)

	req := transport.seen()[0]
	assert.Equal(t, "2", req.URL.Query().Get("page"), "pagination overlay wins")
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	data, _ := io.ReadAll(req.Body)
	assert.JSONEq(t, `{"name": "deal d-7", "amount": 10}`, string(data))
}

func TestExecute_SoftErrorFailsDespite2xx(t *testing.T) {
	exec, _ := testExecutor(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{"ok": false, "error": {"message": "logical failure"}}`)
	})

	call := &appdef.Call{
		URL: "/x",
		Response: &appdef.ResponseSpec{
			Valid: &appdef.ValidSpec{Condition: "{{body.ok}}", Message: "{{body.error.message}}"},
		},
	}
	_, err := exec.Execute(context.Background(), baseInput(call))

	var reqErr *core.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, 200, reqErr.StatusCode)
	assert.Equal(t, core.KindValidation, reqErr.Kind)
	assert.Equal(t, "[200] logical failure", reqErr.Error())
}

func TestExecute_ErrorTemplateSelection(t *testing.T) {
	status := 404
	exec, _ := testExecutor(t, func(req *http.Request) *http.Response {
		return jsonResponse(status, `{"error": {"message": "upstream exploded"}}`)
	})

	call := &appdef.Call{
		URL: "/x",
		Response: &appdef.ResponseSpec{
			Error: &appdef.ErrorSpec{ByStatus: map[int]*appdef.ErrorSpec{
				404: {Message: "not found"},
			}},
		},
	}

	// 404 resolves via the module override.
	_, err := exec.Execute(context.Background(), baseInput(call))
	var reqErr *core.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "not found", reqErr.Message)
	assert.Equal(t, core.KindValidation, reqErr.Kind)

	// 503 falls back to the base template. 5xx responses are retried with
	// bounded attempts before being surfaced.
	status = 503
	_, err = exec.Execute(context.Background(), baseInput(call))
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "[503] upstream exploded", reqErr.Error())
	assert.Equal(t, core.KindProvider, reqErr.Kind)
}

func TestExecute_StatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   core.ErrorKind
	}{
		{401, core.KindAuth},
		{403, core.KindAuth},
		{422, core.KindValidation},
	}
	for _, tc := range cases {
		exec, _ := testExecutor(t, func(req *http.Request) *http.Response {
			return jsonResponse(tc.status, `{"error": {"message": "nope"}}`)
		})
		_, err := exec.Execute(context.Background(), baseInput(&appdef.Call{URL: "/x"}))
		var reqErr *core.RequestError
		require.True(t, errors.As(err, &reqErr))
		assert.Equal(t, tc.kind, reqErr.Kind, "status %d", tc.status)
	}
}

func TestExecute_RateLimitCarriesRetryAfterHint(t *testing.T) {
	transport := &stubTransport{handler: func(req *http.Request) *http.Response {
		resp := jsonResponse(429, `{"error": {"message": "slow down"}}`)
		resp.Header.Set("Retry-After", "7")
		return resp
	}}
	client := NewClient(&ClientConfig{Transport: transport, MaxRetries: -1, RateLimit: 1000, RateBurst: 100})
	exec := NewExecutor(client, nil, nil)

	_, err := exec.Execute(context.Background(), baseInput(&appdef.Call{URL: "/x"}))
	var reqErr *core.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, core.KindRateLimit, reqErr.Kind)
	assert.Equal(t, 7*time.Second, reqErr.RetryAfter)
}

func TestExecute_IterateMapsItems(t *testing.T) {
	exec, _ := testExecutor(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{"items": [{"id": "a", "name": "Alpha"}, {"id": "b", "name": "Beta"}]}`)
	})

	call := &appdef.Call{
		URL: "/deals",
		Response: &appdef.ResponseSpec{
			Iterate: "body.items",
			Output:  map[string]any{"label": "{{item.name}}", "value": "{{item.id}}"},
		},
	}
	result, err := exec.Execute(context.Background(), baseInput(call))
	require.NoError(t, err)
	require.True(t, result.Iterated())
	require.Len(t, result.Items, 2)
	assert.Equal(t, "Alpha", result.Items[0].Get("label").Str())
	assert.Equal(t, "b", result.Items[1].Get("value").Str())
}

func TestExecute_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls int
	exec, _ := testExecutor(t, func(req *http.Request) *http.Response {
		calls++
		if calls < 3 {
			return jsonResponse(500, `{}`)
		}
		return jsonResponse(200, `{"ok": true}`)
	})

	result, err := exec.Execute(context.Background(), baseInput(&appdef.Call{URL: "/flaky"}))
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, 3, calls)
}

func TestExecuteSequence_ThreadsTempAndAbortsOnFailure(t *testing.T) {
	exec, transport := testExecutor(t, func(req *http.Request) *http.Response {
		switch req.URL.Path {
		case "/v2/step1":
			return jsonResponse(200, `{"token": "t-99"}`)
		case "/v2/step2":
			return jsonResponse(403, `{"error": {"message": "denied"}}`)
		default:
			return jsonResponse(200, `{}`)
		}
	})

	calls := []*appdef.Call{
		{URL: "/step1", Temp: map[string]any{"stepToken": "{{body.token}}"}},
		{URL: "/step2", QS: map[string]any{"token": "{{temp.stepToken}}"}},
		{URL: "/step3"},
	}

	in := baseInput(&appdef.Call{})
	_, temp, err := exec.ExecuteSequence(context.Background(), in, calls)

	var reqErr *core.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, core.KindAuth, reqErr.Kind)

	// step2 saw step1's temp; step3 never ran.
	seen := transport.seen()
	require.Len(t, seen, 2)
	assert.Equal(t, "t-99", seen[1].URL.Query().Get("token"))
	assert.Equal(t, "t-99", temp.Get("stepToken").Str())
}
