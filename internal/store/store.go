// Package store persists the runtime's shared mutable state: connection
// instances, trigger states and webhook registrations. A memory
// implementation backs tests and dev; Postgres backs production.
package store

import (
	"context"

	"github.com/nucleus/app-core/internal/core"
)

// ConnectionStore persists connection instances.
type ConnectionStore interface {
	Put(ctx context.Context, inst *core.ConnectionInstance) error
	Get(ctx context.Context, id string) (*core.ConnectionInstance, error) // nil when missing
	Delete(ctx context.Context, id string) error
}

// TriggerStateStore persists trigger cursors per (scenario, module).
type TriggerStateStore interface {
	Get(ctx context.Context, scenarioID, moduleID string) (*core.TriggerState, error) // nil when missing
	Put(ctx context.Context, scenarioID, moduleID string, state *core.TriggerState) error
}

// WebhookStore persists provider webhook registrations.
type WebhookStore interface {
	Put(ctx context.Context, ref *core.WebhookRef) error
	Get(ctx context.Context, hookID string) (*core.WebhookRef, error) // nil when missing
	Delete(ctx context.Context, hookID string) error
}
