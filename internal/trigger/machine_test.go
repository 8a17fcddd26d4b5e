package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
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

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// rowServer serves a fixed item list as one page.
func rowServer(rows []map[string]any) func(req *http.Request) *http.Response {
	return func(req *http.Request) *http.Response {
		payload, _ := json.Marshal(map[string]any{"rows": rows})
		return jsonResponse(200, string(payload))
	}
}

func testMachine(t *testing.T, handler func(req *http.Request) *http.Response) *Machine {
	t.Helper()
	transport := &stubTransport{handler: handler}
	client := request.NewClient(&request.ClientConfig{Transport: transport, RateLimit: 1000, RateBurst: 100})
	exec := request.NewExecutor(client, nil, nil)
	return NewMachine(pagination.NewEngine(exec), nil)
}

func pollInput() PollInput {
	return PollInput{
		AppID: "acme-crm",
		Base:  &appdef.Base{BaseURL: "https://api.acme.test/v2"},
		Call: &appdef.Call{
			URL: "/rows",
			Response: &appdef.ResponseSpec{
				Iterate: "body.rows",
				Output:  map[string]any{"id": "{{item.id}}", "updated": "{{item.updated}}"},
			},
		},
		Spec:      &appdef.TriggerSpec{ID: "{{item.id}}", Date: "{{item.updated}}", Order: "asc"},
		Scope:     expr.NewScope(),
		Evaluator: expr.New(nil),
	}
}

func row(id string, date int64) map[string]any {
	return map[string]any{"id": id, "updated": date}
}

func TestPoll_EpochEmitsNothing(t *testing.T) {
	m := testMachine(t, rowServer([]map[string]any{row("a", 100), row("b", 200)}))

	bundles, state, err := m.Poll(context.Background(), pollInput(), nil)
	require.NoError(t, err)
	assert.Empty(t, bundles)
	require.NotNil(t, state)
	assert.True(t, state.Initialized)
	assert.Equal(t, "b", state.ID)
	assert.Equal(t, int64(200), state.Date)
}

func TestPoll_EpochWithNoItemsStartsAtZero(t *testing.T) {
	m := testMachine(t, rowServer(nil))

	bundles, state, err := m.Poll(context.Background(), pollInput(), nil)
	require.NoError(t, err)
	assert.Empty(t, bundles)
	assert.True(t, state.Initialized)
	assert.Equal(t, int64(0), state.Date)

	// Everything fetched afterwards is new.
	m2 := testMachine(t, rowServer([]map[string]any{row("a", 100)}))
	bundles, state, err = m2.Poll(context.Background(), pollInput(), state)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, "a", bundles[0]["id"])
	assert.Equal(t, int64(100), state.Date)
}

func TestPoll_EmitsOnlyItemsAfterCursor(t *testing.T) {
	m := testMachine(t, rowServer([]map[string]any{
		row("a", 100), row("b", 200), row("c", 300),
	}))
	prior := &core.TriggerState{Initialized: true, ID: "b", Date: 200, EmittedAtDate: []string{"b"}}

	bundles, state, err := m.Poll(context.Background(), pollInput(), prior)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, "c", bundles[0]["id"])
	assert.Equal(t, "c", state.ID)
	assert.Equal(t, int64(300), state.Date)
}

// Two sequential polls over dates [1,2,2,3] with shared persisted state never
// re-emit an id and never skip a same-timestamp sibling.
func TestPoll_SameTimestampSiblingsAcrossPolls(t *testing.T) {
	all := []map[string]any{row("a", 1), row("b", 2), row("c", 2), row("d", 3)}

	// Epoch against item "a" only: baseline (a, 1).
	m := testMachine(t, rowServer(all[:1]))
	_, state, err := m.Poll(context.Background(), pollInput(), nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), state.Date)

	// First poll sees a, b, c: emits b and c, cursor lands at (c, 2).
	m = testMachine(t, rowServer(all[:3]))
	bundles, state, err := m.Poll(context.Background(), pollInput(), state)
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, "b", bundles[0]["id"])
	assert.Equal(t, "c", bundles[1]["id"])
	assert.Equal(t, int64(2), state.Date)
	assert.ElementsMatch(t, []string{"b", "c"}, state.EmittedAtDate)

	// Second poll sees everything: only d is new, b and c are not re-emitted.
	m = testMachine(t, rowServer(all))
	bundles, state, err = m.Poll(context.Background(), pollInput(), state)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, "d", bundles[0]["id"])
	assert.Equal(t, int64(3), state.Date)
}

// A sibling arriving late at the cursor timestamp must not be skipped.
func TestPoll_LateSiblingAtCursorDateIsEmitted(t *testing.T) {
	prior := &core.TriggerState{Initialized: true, ID: "b", Date: 2, EmittedAtDate: []string{"b"}}

	m := testMachine(t, rowServer([]map[string]any{row("b", 2), row("c", 2)}))
	bundles, state, err := m.Poll(context.Background(), pollInput(), prior)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, "c", bundles[0]["id"])
	assert.ElementsMatch(t, []string{"b", "c"}, state.EmittedAtDate)
}

// A newest-first API with a declared limit must not advance the cursor past
// older rows it never emitted: the fetch pages until it crosses the cursor
// date and the limit keeps the oldest new rows.
func TestPoll_DescendingPagesFetchPastLimit(t *testing.T) {
	rows := []map[string]any{row("e", 500), row("d", 400), row("c", 300), row("b", 200), row("a", 100)}
	m := testMachine(t, func(req *http.Request) *http.Response {
		page, _ := strconv.Atoi(req.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		start := (page - 1) * 2
		end := start + 2
		if end > len(rows) {
			end = len(rows)
		}
		payload, _ := json.Marshal(map[string]any{
			"rows":     rows[start:end],
			"hasMore":  end < len(rows),
			"nextPage": page + 1,
		})
		return jsonResponse(200, string(payload))
	})

	in := pollInput()
	in.Spec.Order = "desc"
	in.Limit = 2
	in.Call.Pagination = &appdef.PaginationSpec{
		Condition: "{{body.hasMore}}",
		QS:        map[string]any{"page": "{{body.nextPage}}"},
	}

	state := &core.TriggerState{Initialized: true, ID: "b", Date: 200}
	bundles, state, err := m.Poll(context.Background(), in, state)
	require.NoError(t, err)
	require.Len(t, bundles, 2, "oldest new rows, not the newest fetched")
	assert.Equal(t, "c", bundles[0]["id"])
	assert.Equal(t, "d", bundles[1]["id"])
	assert.Equal(t, int64(400), state.Date)

	bundles, _, err = m.Poll(context.Background(), in, state)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, "e", bundles[0]["id"])
}

func TestPoll_NoNewItemsKeepsState(t *testing.T) {
	prior := &core.TriggerState{Initialized: true, ID: "b", Date: 200, EmittedAtDate: []string{"b"}}
	m := testMachine(t, rowServer([]map[string]any{row("a", 100), row("b", 200)}))

	bundles, state, err := m.Poll(context.Background(), pollInput(), prior)
	require.NoError(t, err)
	assert.Empty(t, bundles)
	assert.Same(t, prior, state)
}

func TestPoll_FailureNeverCommitsState(t *testing.T) {
	prior := &core.TriggerState{Initialized: true, ID: "b", Date: 200}
	m := testMachine(t, func(req *http.Request) *http.Response {
		return jsonResponse(500, `{"error": {"message": "boom"}}`)
	})

	bundles, state, err := m.Poll(context.Background(), pollInput(), prior)
	require.Error(t, err)
	assert.Empty(t, bundles)
	assert.Same(t, prior, state)
}

func TestPoll_RFC3339Dates(t *testing.T) {
	m := testMachine(t, rowServer([]map[string]any{
		{"id": "a", "updated": "2026-08-01T10:00:00Z"},
		{"id": "b", "updated": "2026-08-01T11:00:00Z"},
	}))
	prior := &core.TriggerState{Initialized: true, Date: 0}

	bundles, state, err := m.Poll(context.Background(), pollInput(), prior)
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, "b", state.ID)
	assert.Greater(t, state.Date, int64(0))
}

func TestPoll_MissingTriggerMappingIsConfigError(t *testing.T) {
	m := testMachine(t, rowServer(nil))
	in := pollInput()
	in.Spec = nil

	_, _, err := m.Poll(context.Background(), in, nil)
	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestPoll_DuplicateIdsWithinPageCollapse(t *testing.T) {
	m := testMachine(t, rowServer([]map[string]any{
		row("a", 100), row("a", 100), row("b", 200),
	}))
	prior := &core.TriggerState{Initialized: true, Date: 0}

	bundles, _, err := m.Poll(context.Background(), pollInput(), prior)
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	ids := []string{fmt.Sprint(bundles[0]["id"]), fmt.Sprint(bundles[1]["id"])}
	assert.Equal(t, []string{"a", "b"}, ids)
}
