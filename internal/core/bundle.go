package core

// =============================================================================
// INVOCATION REQUEST/RESULT MODELS
// The contract between the runtime and the external scenario engine.
// =============================================================================

// Bundle is one output item returned to the scenario engine.
type Bundle map[string]any

// TriggerState is the persisted cursor of a polling trigger, scoped to one
// (scenario, module) pair. ID and Date identify the last emitted item;
// EmittedAtDate holds every id already emitted at exactly Date so that
// same-timestamp siblings are neither re-emitted nor skipped.
type TriggerState struct {
	Initialized   bool     `json:"initialized"`
	ID            string   `json:"id"`
	Date          int64    `json:"date"` // unix milliseconds
	EmittedAtDate []string `json:"emittedAtDate,omitempty"`
}

// InvokeRequest is one module invocation from the scenario engine.
type InvokeRequest struct {
	AppID         string
	ModuleID      string
	ScenarioID    string
	Parameters    map[string]any
	ConnectionRef string
	PriorState    *TriggerState
}

// InvokeResult is the outcome of one module invocation.
type InvokeResult struct {
	Bundles  []Bundle
	NewState *TriggerState // nil for non-trigger modules
}

// Option is one entry of a resolved RPC option list.
type Option struct {
	Label   string   `json:"label"`
	Value   any      `json:"value"`
	Options []Option `json:"options,omitempty"` // grouped/nested children
}

// WebhookRef identifies a registration made with the provider.
type WebhookRef struct {
	HookID      string         `json:"hookId"`
	ExternalID  string         `json:"externalId"` // provider-side id, if any
	CallbackURL string         `json:"callbackUrl"`
	Data        map[string]any `json:"data,omitempty"` // attach response payload kept for detach
}
