package appdef

import (
	"encoding/json"
	"strconv"
)

// =============================================================================
// INTEGRATION DEFINITION MODEL
// The declarative description of one app: base settings, connections,
// modules, RPCs, webhooks and user functions. Immutable after load; the
// runtime interprets it, it never mutates it.
// =============================================================================

// Definition is the root of one integration definition.
type Definition struct {
	ID      string  `json:"id" validate:"required"`
	Label   string  `json:"label"`
	Version int     `json:"version"`
	Base    *Base   `json:"base" validate:"required"`

	Common      map[string]any                   `json:"common"`
	Connections map[string]*ConnectionDefinition `json:"connections"`
	Modules     map[string]*ModuleDefinition     `json:"modules"`
	Rpcs        map[string]*RpcDefinition        `json:"rpcs"`
	Webhooks    map[string]*WebhookDefinition    `json:"webhooks"`
	Functions   []*FunctionDefinition            `json:"functions"`
}

// Base holds integration-wide defaults applied to every Call.
type Base struct {
	BaseURL  string         `json:"baseUrl" validate:"required,url"`
	Headers  map[string]any `json:"headers"`
	QS       map[string]any `json:"qs"`
	Response *ResponseSpec  `json:"response"` // default valid/error templates
	Log      LogSpec        `json:"log"`
}

// LogSpec configures log redaction. Each sanitize entry is a path into the
// logged request/response material, e.g. "request.headers.authorization".
type LogSpec struct {
	Sanitize []string `json:"sanitize"`
}

// Call is one HTTP request template plus its response-handling rules.
type Call struct {
	URL     string         `json:"url"`
	Method  string         `json:"method"`
	Headers map[string]any `json:"headers"`
	QS      map[string]any `json:"qs"`
	Body    any            `json:"body"`
	Type    string         `json:"type"` // body encoding: json (default) or urlencoded

	Response   *ResponseSpec   `json:"response"`
	Pagination *PaginationSpec `json:"pagination"`

	// Temp is evaluated after a successful response and merged into the
	// temp accumulator threaded across the steps of one module execution.
	Temp map[string]any `json:"temp"`
}

// ResponseSpec shapes how a Call's HTTP response becomes a result.
type ResponseSpec struct {
	Output  any        `json:"output"`  // output mapping template
	Iterate string     `json:"iterate"` // path to the array of items
	Limit   int        `json:"limit"`   // default item limit
	Valid   *ValidSpec `json:"valid"`   // soft-error check, default 2xx

	Error   *ErrorSpec     `json:"error"`
	Trigger *TriggerSpec   `json:"trigger"`
	Data    map[string]any `json:"data"` // credential data mapping (token calls)
}

// ValidSpec is the explicit validity condition evaluated after every call.
type ValidSpec struct {
	Condition string `json:"condition"`
	Message   string `json:"message"`
}

// ErrorSpec resolves a failed response into a user-visible message.
// JSON allows status-code keys next to the default message:
//
//	{"message": "[{{statusCode}}] {{body.error}}", "404": {"message": "not found"}}
type ErrorSpec struct {
	Message  string
	Type     string
	ByStatus map[int]*ErrorSpec
}

// UnmarshalJSON splits numeric keys into ByStatus overrides.
func (e *ErrorSpec) UnmarshalJSON(data []byte) error {
	// String shorthand: "message template".
	var shorthand string
	if err := json.Unmarshal(data, &shorthand); err == nil {
		e.Message = shorthand
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		if status, err := strconv.Atoi(key); err == nil {
			sub := &ErrorSpec{}
			if err := json.Unmarshal(val, sub); err != nil {
				return err
			}
			if e.ByStatus == nil {
				e.ByStatus = map[int]*ErrorSpec{}
			}
			e.ByStatus[status] = sub
			continue
		}
		switch key {
		case "message":
			if err := json.Unmarshal(val, &e.Message); err != nil {
				return err
			}
		case "type":
			if err := json.Unmarshal(val, &e.Type); err != nil {
				return err
			}
		}
	}
	return nil
}

// ForStatus returns the most specific error spec for a status code.
func (e *ErrorSpec) ForStatus(status int) *ErrorSpec {
	if e == nil {
		return nil
	}
	if sub, ok := e.ByStatus[status]; ok {
		return sub
	}
	return e
}

// PaginationSpec describes how to request the next page. At least one of
// URL/QS/Headers must change the request, otherwise the loop cannot progress
// and the definition is rejected.
type PaginationSpec struct {
	Condition string         `json:"condition"`
	URL       string         `json:"url"`
	QS        map[string]any `json:"qs"`
	Headers   map[string]any `json:"headers"`
}

// TriggerSpec maps fetched items to the (id, date) pair the trigger state
// machine de-duplicates on.
type TriggerSpec struct {
	ID    string `json:"id" validate:"required"`
	Date  string `json:"date"`
	Order string `json:"order"` // asc (default) or desc as delivered by the API
}

// =============================================================================
// CONNECTIONS
// =============================================================================

// Connection auth types.
const (
	ConnAPIKey    = "apikey"
	ConnBasic     = "basic"
	ConnOAuth     = "oauth"
	ConnOAuthPKCE = "oauth-pkce"
	ConnCustom    = "custom"
)

// ConnectionDefinition declares an auth method and its endpoint Calls.
type ConnectionDefinition struct {
	ID         string           `json:"id"`
	Label      string           `json:"label"`
	Type       string           `json:"type" validate:"required,oneof=apikey basic oauth oauth-pkce custom"`
	Parameters []*ParameterSpec `json:"parameters"`

	// OAuth endpoint calls. Authorize carries the redirect URL template and
	// qs; Token and Refresh are executed server side; Info validates.
	Authorize *Call        `json:"authorize"`
	Token     *Call        `json:"token"`
	Refresh   *RefreshCall `json:"refresh"`
	Info      *Call        `json:"info"`
	Revoke    *Call        `json:"revoke"`

	// Scope defaults for oauth flows.
	Scope          []string `json:"scope"`
	ScopeSeparator string   `json:"scopeSeparator"`
}

// RefreshCall is a token-refresh Call gated by a condition, e.g.
// "{{connection.expires < addMinutes(now(), 5)}}".
type RefreshCall struct {
	Call
	Condition string `json:"condition"`
}

// ParameterSpec is one user-supplied connection or module parameter.
type ParameterSpec struct {
	Name     string `json:"name" validate:"required"`
	Type     string `json:"type"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Default  any    `json:"default"`
}

// =============================================================================
// MODULES, RPCS, WEBHOOKS, FUNCTIONS
// =============================================================================

// Module types.
const (
	ModuleAction         = "action"
	ModuleSearch         = "search"
	ModuleTrigger        = "trigger"
	ModuleInstantTrigger = "instant-trigger"
)

// ModuleDefinition is a user-facing action/search/trigger composed of one or
// more Call steps executed strictly in order.
type ModuleDefinition struct {
	ID         string           `json:"id"`
	Label      string           `json:"label"`
	Type       string           `json:"type" validate:"required,oneof=action search trigger instant-trigger"`
	Connection string           `json:"connection"`
	Webhook    string           `json:"webhook"` // instant triggers reference a webhook
	Parameters []*ParameterSpec `json:"parameters"`
	Calls      []*Call          `json:"communication" validate:"-"`
}

// RpcDefinition is an out-of-band Call answering configuration-time option
// queries. Nested declares a dependency on a parent RPC's chosen value.
type RpcDefinition struct {
	ID         string           `json:"id"`
	Label      string           `json:"label"`
	Connection string           `json:"connection"`
	Parameters []*ParameterSpec `json:"parameters"`
	Calls      []*Call          `json:"communication"`
	Nested     *NestedSpec      `json:"nested"`
}

// NestedSpec gates a child RPC on a parent RPC's chosen value.
type NestedSpec struct {
	Rpc       string `json:"rpc" validate:"required"`
	Parameter string `json:"parameter" validate:"required"`
}

// WebhookDefinition declares provider registration Calls plus the inbound
// payload validator and output mapping.
type WebhookDefinition struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Connection string `json:"connection"`

	Attach *Call `json:"attach"`
	Detach *Call `json:"detach"`
	Update *Call `json:"update"`

	// Validator is evaluated against the inbound payload; falsy payloads
	// are acknowledged and dropped, never treated as errors.
	Validator string `json:"condition"`
	Output    any    `json:"output"`

	// Dedup is the path to the provider's event id used for replay
	// de-duplication; empty means a payload hash is used instead.
	Dedup string `json:"dedup"`
}

// FunctionDefinition is one sandboxed user function: a named expression over
// declared arguments.
type FunctionDefinition struct {
	Name string   `json:"name" validate:"required"`
	Args []string `json:"arguments"`
	Code string   `json:"code" validate:"required"`
}
