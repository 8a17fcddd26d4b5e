package store

import (
	"context"
	"sync"

	"github.com/nucleus/app-core/internal/core"
)

// Memory implementations back tests and single-node dev deployments.

// MemoryConnections is an in-process ConnectionStore.
type MemoryConnections struct {
	mu    sync.RWMutex
	items map[string]*core.ConnectionInstance
}

// NewMemoryConnections creates an empty in-memory connection store.
func NewMemoryConnections() *MemoryConnections {
	return &MemoryConnections{items: map[string]*core.ConnectionInstance{}}
}

var _ ConnectionStore = (*MemoryConnections)(nil)

func (m *MemoryConnections) Put(ctx context.Context, inst *core.ConnectionInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[inst.ID] = inst.Clone()
	return nil
}

func (m *MemoryConnections) Get(ctx context.Context, id string) (*core.ConnectionInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return inst.Clone(), nil
}

func (m *MemoryConnections) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

// MemoryTriggerStates is an in-process TriggerStateStore.
type MemoryTriggerStates struct {
	mu    sync.RWMutex
	items map[string]*core.TriggerState
}

// NewMemoryTriggerStates creates an empty in-memory trigger state store.
func NewMemoryTriggerStates() *MemoryTriggerStates {
	return &MemoryTriggerStates{items: map[string]*core.TriggerState{}}
}

var _ TriggerStateStore = (*MemoryTriggerStates)(nil)

func triggerKey(scenarioID, moduleID string) string {
	return scenarioID + "/" + moduleID
}

func (m *MemoryTriggerStates) Get(ctx context.Context, scenarioID, moduleID string) (*core.TriggerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.items[triggerKey(scenarioID, moduleID)]
	if !ok {
		return nil, nil
	}
	return copyTriggerState(state), nil
}

func (m *MemoryTriggerStates) Put(ctx context.Context, scenarioID, moduleID string, state *core.TriggerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[triggerKey(scenarioID, moduleID)] = copyTriggerState(state)
	return nil
}

func copyTriggerState(state *core.TriggerState) *core.TriggerState {
	copied := *state
	copied.EmittedAtDate = append([]string(nil), state.EmittedAtDate...)
	return &copied
}

// MemoryWebhooks is an in-process WebhookStore.
type MemoryWebhooks struct {
	mu    sync.RWMutex
	items map[string]*core.WebhookRef
}

// NewMemoryWebhooks creates an empty in-memory webhook store.
func NewMemoryWebhooks() *MemoryWebhooks {
	return &MemoryWebhooks{items: map[string]*core.WebhookRef{}}
}

var _ WebhookStore = (*MemoryWebhooks)(nil)

func (m *MemoryWebhooks) Put(ctx context.Context, ref *core.WebhookRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *ref
	m.items[ref.HookID] = &copied
	return nil
}

func (m *MemoryWebhooks) Get(ctx context.Context, hookID string) (*core.WebhookRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.items[hookID]
	if !ok {
		return nil, nil
	}
	copied := *ref
	return &copied, nil
}

func (m *MemoryWebhooks) Delete(ctx context.Context, hookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, hookID)
	return nil
}
