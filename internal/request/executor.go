package request

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nucleus/app-core/internal/appdef"
	"github.com/nucleus/app-core/internal/core"
	"github.com/nucleus/app-core/internal/expr"
)

// =============================================================================
// REQUEST EXECUTOR
// Resolves one Call template against a scope, performs the HTTP exchange and
// maps the response per the call's rules. The executor is stateless; all
// per-app state arrives through Input.
// =============================================================================

// Tracer receives one event per completed HTTP exchange. Implementations
// are responsible for sanitizing before persistence.
type Tracer interface {
	Trace(ctx context.Context, event TraceEvent)
}

// TraceEvent captures one request/response pair for the trace store.
// Sanitize carries the app's log.sanitize paths so the sink knows what to
// excise before persistence.
type TraceEvent struct {
	At         time.Time      `json:"at"`
	AppID      string         `json:"appId"`
	Method     string         `json:"method"`
	URL        string         `json:"url"`
	Status     int            `json:"status"`
	DurationMs int64          `json:"durationMs"`
	Request    map[string]any `json:"request"`
	Response   map[string]any `json:"response"`
	Sanitize   []string       `json:"-"`
}

// Executor executes Calls.
type Executor struct {
	client *Client
	logger *zap.Logger
	tracer Tracer
}

// NewExecutor creates an executor. A nil tracer disables tracing.
func NewExecutor(client *Client, logger *zap.Logger, tracer Tracer) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{client: client, logger: logger, tracer: tracer}
}

// Input is one Call execution request.
type Input struct {
	AppID     string
	Base      *appdef.Base
	Call      *appdef.Call
	Scope     *expr.Scope
	Evaluator *expr.Evaluator

	// Pagination overrides, already evaluated by the pagination engine.
	OverrideURL  string
	ExtraQS      map[string]string
	ExtraHeaders map[string]string
}

// Result is the mapped outcome of one successful Call.
type Result struct {
	StatusCode int
	Body       expr.Value
	Headers    expr.Value
	Output     expr.Value   // mapped output (nil iterate)
	Items      []expr.Value // mapped items (iterate set)
	Data       expr.Value   // credential data mapping, when declared
	Temp       expr.Value   // call-level temp contribution
	RespScope  *expr.Scope  // response scope for follow-up evaluation
}

// Iterated reports whether the call declared an iterate path.
func (r *Result) Iterated() bool { return r.Items != nil }

// Execute runs one Call. Failures are typed per the runtime taxonomy; a Call
// never silently succeeds: either the valid condition passes or a
// RequestError/EvaluationError is returned.
func (e *Executor) Execute(ctx context.Context, in Input) (*Result, error) {
	ev := in.Evaluator
	call := in.Call

	raw, reqMaterial, err := e.resolveRequest(in)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := e.client.Do(ctx, raw)
	if err != nil {
		return nil, &core.ProviderError{Message: err.Error()}
	}
	elapsed := time.Since(started)

	e.logger.Debug("call executed",
		zap.String("app", in.AppID),
		zap.String("method", raw.Method),
		zap.String("url", raw.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed),
	)
	if e.tracer != nil {
		e.tracer.Trace(ctx, TraceEvent{
			At:         started,
			AppID:      in.AppID,
			Method:     raw.Method,
			URL:        raw.URL,
			Status:     resp.StatusCode,
			DurationMs: elapsed.Milliseconds(),
			Request:    reqMaterial,
			Response: map[string]any{
				"headers": flattenHeaders(resp.Headers),
				"body":    parseBody(resp.Body).Interface(),
			},
			Sanitize: in.Base.Log.Sanitize,
		})
	}

	bodyVal := parseBody(resp.Body)
	headersVal := expr.FromGo(toAnyMap(flattenHeaders(resp.Headers)))
	respScope := in.Scope.WithAll(map[string]expr.Value{
		"body":       bodyVal,
		"headers":    headersVal,
		"statusCode": expr.Number(float64(resp.StatusCode)),
	})

	valid, softMessage, err := e.checkValid(in, resp, respScope)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, e.resolveError(in, resp, respScope, softMessage)
	}

	result := &Result{
		StatusCode: resp.StatusCode,
		Body:       bodyVal,
		Headers:    headersVal,
		RespScope:  respScope,
	}

	respSpec := effectiveResponse(call, in.Base)
	if respSpec != nil && respSpec.Iterate != "" {
		root := expr.Map(map[string]expr.Value{
			"body":       bodyVal,
			"headers":    headersVal,
			"statusCode": expr.Number(float64(resp.StatusCode)),
		})
		page := expr.ResolvePath(root, respSpec.Iterate)
		if page.IsNull() {
			result.Items = []expr.Value{}
		} else if page.Kind() != expr.KindList {
			return nil, core.NewConfigurationError("response.iterate",
				"iterate path %q resolved to %s, want list", respSpec.Iterate, page.Kind())
		} else {
			items := make([]expr.Value, 0, len(page.Items()))
			for _, item := range page.Items() {
				mapped, err := e.mapOutput(respSpec.Output, ev, respScope.With("item", item), item)
				if err != nil {
					return nil, err
				}
				items = append(items, mapped)
			}
			result.Items = items
		}
	} else {
		output := bodyVal
		if respSpec != nil && respSpec.Output != nil {
			output, err = ev.Evaluate(respSpec.Output, respScope)
			if err != nil {
				return nil, err
			}
		}
		result.Output = output
	}

	if call.Response != nil && call.Response.Data != nil {
		data, err := ev.Evaluate(call.Response.Data, respScope)
		if err != nil {
			return nil, err
		}
		result.Data = data
	}
	if call.Temp != nil {
		temp, err := ev.Evaluate(call.Temp, respScope)
		if err != nil {
			return nil, err
		}
		result.Temp = temp
	}

	return result, nil
}

func (e *Executor) mapOutput(output any, ev *expr.Evaluator, scope *expr.Scope, item expr.Value) (expr.Value, error) {
	if output == nil {
		return item, nil
	}
	return ev.Evaluate(output, scope)
}

// resolveRequest evaluates the request-side templates and merges base and
// call level fields, call keys overriding base keys. The splice directive is
// applied during evaluation, before the override merge.
func (e *Executor) resolveRequest(in Input) (*RawRequest, map[string]any, error) {
	ev := in.Evaluator
	call := in.Call
	base := in.Base

	resolvedURL := in.OverrideURL
	if resolvedURL == "" {
		urlVal, err := ev.EvaluateString(call.URL, in.Scope)
		if err != nil {
			return nil, nil, err
		}
		resolvedURL = strings.TrimSpace(urlVal.Text())
	}
	if resolvedURL == "" {
		return nil, nil, core.NewConfigurationError("", "url is required")
	}
	if !isAbsoluteURL(resolvedURL) {
		if base == nil || base.BaseURL == "" {
			return nil, nil, core.NewConfigurationError("base.baseUrl", "relative url %q needs a base url", resolvedURL)
		}
		resolvedURL = strings.TrimSuffix(base.BaseURL, "/") + "/" + strings.TrimPrefix(resolvedURL, "/")
	}

	methodVal, err := ev.EvaluateString(call.MethodOrDefault(), in.Scope)
	if err != nil {
		return nil, nil, err
	}
	method := strings.ToUpper(strings.TrimSpace(methodVal.Text()))
	if method == "" {
		return nil, nil, core.NewConfigurationError("", "method is required")
	}

	var baseHeaders, baseQS map[string]any
	if base != nil {
		baseHeaders, baseQS = base.Headers, base.QS
	}
	headers, err := e.mergeStringMaps(ev, in.Scope, baseHeaders, call.Headers, true)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range in.ExtraHeaders {
		headers[k] = v
	}
	qsMap, err := e.mergeStringMaps(ev, in.Scope, baseQS, call.QS, false)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range in.ExtraQS {
		qsMap[k] = v
	}
	query := url.Values{}
	for k, v := range qsMap {
		if v != "" {
			query.Set(k, v)
		}
	}

	raw := &RawRequest{
		Method:  method,
		URL:     resolvedURL,
		Query:   query,
		Headers: headers,
	}

	reqMaterial := map[string]any{
		"method":  method,
		"url":     resolvedURL,
		"headers": toAnyMap(headers),
		"qs":      toAnyMap(qsMap),
	}

	if call.Body != nil && method != http.MethodGet {
		bodyVal, err := ev.Evaluate(call.Body, in.Scope)
		if err != nil {
			return nil, nil, err
		}
		reqMaterial["body"] = bodyVal.Interface()
		switch call.Type {
		case "urlencoded":
			form := url.Values{}
			for k, v := range bodyVal.Fields() {
				form.Set(k, v.Text())
			}
			raw.Body = []byte(form.Encode())
			raw.ContentType = "application/x-www-form-urlencoded"
		default:
			data, err := json.Marshal(bodyVal.Interface())
			if err != nil {
				return nil, nil, fmt.Errorf("marshal body: %w", err)
			}
			raw.Body = data
			raw.ContentType = "application/json"
		}
	}

	return raw, reqMaterial, nil
}

// mergeStringMaps evaluates both levels and merges them, call-level keys
// overriding base-level keys (case-insensitively when foldCase is set, for
// headers).
func (e *Executor) mergeStringMaps(ev *expr.Evaluator, scope *expr.Scope, baseTmpl, callTmpl map[string]any, foldCase bool) (map[string]string, error) {
	out := map[string]string{}
	for _, tmpl := range []map[string]any{baseTmpl, callTmpl} {
		if tmpl == nil {
			continue
		}
		v, err := ev.Evaluate(tmpl, scope)
		if err != nil {
			return nil, err
		}
		for k, item := range v.Fields() {
			if item.IsNull() {
				continue
			}
			if foldCase {
				for existing := range out {
					if strings.EqualFold(existing, k) {
						delete(out, existing)
					}
				}
			}
			out[k] = item.Text()
		}
	}
	return out, nil
}

// checkValid applies the soft-error rule: a non-2xx status always fails;
// a 2xx status additionally requires the declared valid condition to pass.
func (e *Executor) checkValid(in Input, resp *RawResponse, respScope *expr.Scope) (bool, string, error) {
	if !resp.IsSuccess() {
		return false, "", nil
	}
	spec := effectiveValid(in.Call, in.Base)
	if spec == nil || spec.Condition == "" {
		return true, "", nil
	}
	ok, err := in.Evaluator.EvaluateCondition(spec.Condition, respScope, true)
	if err != nil {
		// Never mask an evaluation failure as a pass or a soft error.
		return false, "", err
	}
	if ok {
		return true, "", nil
	}
	message := ""
	if spec.Message != "" {
		v, err := in.Evaluator.EvaluateString(spec.Message, respScope)
		if err != nil {
			return false, "", err
		}
		message = v.Text()
	}
	return false, message, nil
}

// resolveError picks the most specific error template for the status code
// and renders the typed RequestError.
func (e *Executor) resolveError(in Input, resp *RawResponse, respScope *expr.Scope, softMessage string) error {
	status := resp.StatusCode
	message := softMessage

	if message == "" {
		spec := effectiveError(in.Call, in.Base)
		if spec = spec.ForStatus(status); spec != nil && spec.Message != "" {
			v, err := in.Evaluator.EvaluateString(spec.Message, respScope)
			if err != nil {
				return err
			}
			message = v.Text()
		}
	}
	if message == "" {
		message = http.StatusText(status)
		if message == "" {
			message = strings.TrimSpace(string(resp.Body))
		}
	}

	reqErr := &core.RequestError{
		StatusCode: status,
		Kind:       core.KindForStatus(status),
		Message:    message,
		RetryAfter: resp.RetryAfter(),
	}
	e.logger.Warn("call failed",
		zap.String("app", in.AppID),
		zap.Int("status", status),
		zap.String("kind", string(reqErr.Kind)),
	)
	return reqErr
}

// =============================================================================
// HELPERS
// =============================================================================

func effectiveResponse(call *appdef.Call, base *appdef.Base) *appdef.ResponseSpec {
	if call.Response != nil {
		return call.Response
	}
	if base != nil {
		return base.Response
	}
	return nil
}

func effectiveValid(call *appdef.Call, base *appdef.Base) *appdef.ValidSpec {
	if call.Response != nil && call.Response.Valid != nil {
		return call.Response.Valid
	}
	if base != nil && base.Response != nil {
		return base.Response.Valid
	}
	return nil
}

func effectiveError(call *appdef.Call, base *appdef.Base) *appdef.ErrorSpec {
	if call.Response != nil && call.Response.Error != nil {
		// Status overrides on the call fall back to the base default message.
		spec := call.Response.Error
		if spec.Message == "" && base != nil && base.Response != nil && base.Response.Error != nil {
			merged := &appdef.ErrorSpec{
				Message:  base.Response.Error.Message,
				Type:     spec.Type,
				ByStatus: spec.ByStatus,
			}
			return merged
		}
		return spec
	}
	if base != nil && base.Response != nil {
		return base.Response.Error
	}
	return nil
}

func parseBody(body []byte) expr.Value {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return expr.Null
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return expr.FromGo(decoded)
	}
	return expr.String(trimmed)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func isAbsoluteURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}
