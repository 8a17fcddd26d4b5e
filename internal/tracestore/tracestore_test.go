package tracestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/app-core/internal/request"
)

func sampleEvent() request.TraceEvent {
	return request.TraceEvent{
		At:         time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		AppID:      "acme-crm",
		Method:     "GET",
		URL:        "https://api.acme.test/v2/deals",
		Status:     200,
		DurationMs: 42,
		Request: map[string]any{
			"headers": map[string]any{"Authorization": "Bearer secret", "Accept": "application/json"},
		},
		Response: map[string]any{
			"body": map[string]any{"ok": true},
		},
	}
}

func TestTrace_WritesSanitizedObject(t *testing.T) {
	objects := NewLocalStore(t.TempDir())
	s := New(objects, "traces", "traces", []string{"request.headers.authorization"}, nil)

	s.Trace(context.Background(), sampleEvent())

	keys, err := s.List(context.Background(), "acme-crm")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "traces/acme-crm/2026-08-01/")

	trace, err := s.Read(context.Background(), keys[0])
	require.NoError(t, err)
	req := trace["request"].(map[string]any)
	headers := req["headers"].(map[string]any)
	assert.Equal(t, "***", headers["Authorization"])
	assert.Equal(t, "application/json", headers["Accept"])
	assert.Equal(t, "acme-crm", trace["appId"])
}

func TestTrace_EachEventIsOneObject(t *testing.T) {
	objects := NewLocalStore(t.TempDir())
	s := New(objects, "traces", "traces", nil, nil)

	s.Trace(context.Background(), sampleEvent())
	s.Trace(context.Background(), sampleEvent())

	keys, err := s.List(context.Background(), "acme-crm")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestTrace_PerEventSanitizePathsApply(t *testing.T) {
	objects := NewLocalStore(t.TempDir())
	s := New(objects, "traces", "traces", nil, nil)

	event := sampleEvent()
	event.Sanitize = []string{"request.headers.authorization"}
	s.Trace(context.Background(), event)

	keys, err := s.List(context.Background(), "acme-crm")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	trace, err := s.Read(context.Background(), keys[0])
	require.NoError(t, err)
	headers := trace["request"].(map[string]any)["headers"].(map[string]any)
	assert.Equal(t, "***", headers["Authorization"])
}

func TestList_UnknownAppIsEmpty(t *testing.T) {
	objects := NewLocalStore(t.TempDir())
	s := New(objects, "traces", "traces", nil, nil)

	keys, err := s.List(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
