// Package pagination drives the multi-page fetch loop of one Call.
package pagination

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nucleus/app-core/internal/appdef"
	"github.com/nucleus/app-core/internal/core"
	"github.com/nucleus/app-core/internal/expr"
	"github.com/nucleus/app-core/internal/request"
)

const (
	// DefaultHardCap bounds page count independent of the declared limit,
	// so a condition that never goes false still terminates.
	DefaultHardCap = 100

	// DefaultTimeout bounds the wall clock of one whole iterate loop.
	DefaultTimeout = 2 * time.Minute
)

// Engine executes the pagination control flow on top of the request
// executor. The produced sequence is finite and non-restartable.
type Engine struct {
	exec    *request.Executor
	hardCap int
	timeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithHardCap overrides the iteration cap.
func WithHardCap(cap int) Option {
	return func(e *Engine) { e.hardCap = cap }
}

// WithTimeout overrides the loop wall-clock timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Engine) { e.timeout = timeout }
}

// NewEngine creates a pagination engine.
func NewEngine(exec *request.Executor, opts ...Option) *Engine {
	e := &Engine{exec: exec, hardCap: DefaultHardCap, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StopFunc inspects a fetched item and reports whether the loop should end
// with it. The matching item is kept.
type StopFunc func(item expr.Value) (bool, error)

// Iterate fetches pages until the limit is reached, the stop condition goes
// false, the page comes back empty, or a guard trips. limit <= 0 means no
// declared limit; the hard cap still applies. Two consecutive identical
// pagination cursors are a fatal configuration error, never an endless retry.
func (e *Engine) Iterate(ctx context.Context, in request.Input, limit int) ([]expr.Value, error) {
	return e.IterateUntil(ctx, in, limit, nil)
}

// IterateUntil behaves like Iterate with an additional per-item stop
// predicate, for callers that know the fetch is exhausted before the
// declared pagination does.
func (e *Engine) IterateUntil(ctx context.Context, in request.Input, limit int, stop StopFunc) ([]expr.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		items       []expr.Value
		overrideURL string
		extraQS     = map[string]string{}
		extraHdrs   = map[string]string{}
		lastCursor  string
	)

	for page := 0; ; page++ {
		if page >= e.hardCap {
			return items, core.NewConfigurationError("pagination",
				"iteration cap of %d pages exceeded", e.hardCap)
		}

		pageIn := in
		pageIn.OverrideURL = overrideURL
		pageIn.ExtraQS = extraQS
		pageIn.ExtraHeaders = extraHdrs
		pageIn.Scope = in.Scope.With("pagination", expr.FromGo(map[string]any{
			"page":    page + 1,
			"fetched": len(items),
		}))

		result, err := e.exec.Execute(ctx, pageIn)
		if err != nil {
			if ctx.Err() != nil {
				return items, fmt.Errorf("pagination timed out: %w", ctx.Err())
			}
			return items, err
		}

		if !result.Iterated() {
			// No iterate path declared: the whole response is one item and
			// there is nothing to page over.
			items = append(items, result.Output)
			return items, nil
		}

		for _, item := range result.Items {
			if limit > 0 && len(items) >= limit {
				return items, nil
			}
			items = append(items, item)
			if stop != nil {
				done, err := stop(item)
				if err != nil {
					return items, err
				}
				if done {
					return items, nil
				}
			}
		}
		if limit > 0 && len(items) >= limit {
			return items, nil
		}
		if len(result.Items) == 0 {
			return items, nil
		}

		spec := in.Call.Pagination
		if spec == nil {
			return items, nil
		}

		// Pagination templates see the loop position next to the response.
		pageScope := result.RespScope.With("pagination", expr.FromGo(map[string]any{
			"page":    page + 1,
			"fetched": len(items),
		}))
		proceed, err := in.Evaluator.EvaluateCondition(spec.Condition, pageScope, true)
		if err != nil {
			return items, err
		}
		if !proceed {
			return items, nil
		}

		overrideURL, extraQS, extraHdrs, err = e.nextOverlay(in, spec, pageScope, extraQS, extraHdrs)
		if err != nil {
			return items, err
		}

		cursor := fingerprint(overrideURL, extraQS, extraHdrs)
		if cursor == lastCursor {
			return items, core.NewConfigurationError("pagination",
				"cursor did not progress between pages (stuck at %q)", cursor)
		}
		lastCursor = cursor
	}
}

// nextOverlay evaluates pagination.url/qs/headers against the response scope
// and accumulates them onto the previous overlays.
func (e *Engine) nextOverlay(in request.Input, spec *appdef.PaginationSpec, respScope *expr.Scope, prevQS, prevHdrs map[string]string) (string, map[string]string, map[string]string, error) {
	ev := in.Evaluator

	overrideURL := ""
	if spec.URL != "" {
		v, err := ev.EvaluateString(spec.URL, respScope)
		if err != nil {
			return "", nil, nil, err
		}
		overrideURL = strings.TrimSpace(v.Text())
	}

	qs := copyMap(prevQS)
	if len(spec.QS) > 0 {
		v, err := ev.Evaluate(spec.QS, respScope)
		if err != nil {
			return "", nil, nil, err
		}
		for k, item := range v.Fields() {
			qs[k] = item.Text()
		}
	}

	hdrs := copyMap(prevHdrs)
	if len(spec.Headers) > 0 {
		v, err := ev.Evaluate(spec.Headers, respScope)
		if err != nil {
			return "", nil, nil, err
		}
		for k, item := range v.Fields() {
			hdrs[k] = item.Text()
		}
	}

	return overrideURL, qs, hdrs, nil
}

func fingerprint(url string, qs, hdrs map[string]string) string {
	var sb strings.Builder
	sb.WriteString(url)
	sb.WriteByte('?')
	sb.WriteString(flatten(qs))
	sb.WriteByte('#')
	sb.WriteString(flatten(hdrs))
	return sb.String()
}

func flatten(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, "&")
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
