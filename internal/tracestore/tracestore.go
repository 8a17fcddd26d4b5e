// Package tracestore persists sanitized invocation traces as JSON lines in
// an object store, one object per trace. Anything under the definition's
// log.sanitize paths is excised before the trace leaves the process.
package tracestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nucleus/app-core/internal/applog"
	"github.com/nucleus/app-core/internal/request"
)

// ObjectStore is the minimal object storage surface traces need.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error)
}

// Store writes trace events. It implements request.Tracer.
type Store struct {
	objects ObjectStore
	bucket  string
	prefix  string
	logger  *zap.Logger

	// sanitizePaths is the store-wide redaction baseline, merged with each
	// event's per-app log.sanitize paths.
	sanitizePaths []string
}

// New creates a trace store. sanitizePaths is the baseline applied to every
// trace regardless of the originating app.
func New(objects ObjectStore, bucket, prefix string, sanitizePaths []string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		objects:       objects,
		bucket:        bucket,
		prefix:        prefix,
		logger:        logger,
		sanitizePaths: sanitizePaths,
	}
}

var _ request.Tracer = (*Store)(nil)

// Trace sanitizes and persists one request/response pair. Persistence
// failures are logged, never surfaced: a broken trace sink must not fail the
// invocation it observed.
func (s *Store) Trace(ctx context.Context, event request.TraceEvent) {
	material := map[string]any{
		"at":         event.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		"appId":      event.AppID,
		"method":     event.Method,
		"url":        event.URL,
		"status":     event.Status,
		"durationMs": event.DurationMs,
		"request":    event.Request,
		"response":   event.Response,
	}
	paths := append(append([]string(nil), s.sanitizePaths...), event.Sanitize...)
	sanitized := applog.Sanitize(paths, material)

	data, err := json.Marshal(sanitized)
	if err != nil {
		s.logger.Warn("trace marshal failed", zap.Error(err))
		return
	}
	key := s.key(event)
	if err := s.objects.EnsureBucket(ctx, s.bucket); err != nil {
		s.logger.Warn("trace bucket unavailable", zap.Error(err))
		return
	}
	if err := s.objects.PutObject(ctx, s.bucket, key, data); err != nil {
		s.logger.Warn("trace write failed", zap.String("key", key), zap.Error(err))
	}
}

// List returns the trace object keys of one app, newest keys sorting last.
func (s *Store) List(ctx context.Context, appID string) ([]string, error) {
	return s.objects.ListPrefix(ctx, s.bucket, s.prefix+"/"+appID+"/")
}

// Read fetches one persisted trace.
func (s *Store) Read(ctx context.Context, key string) (map[string]any, error) {
	data, err := s.objects.GetObject(ctx, s.bucket, key)
	if err != nil {
		return nil, err
	}
	var trace map[string]any
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, err
	}
	return trace, nil
}

// key shards traces by app and day so retention can prune whole prefixes.
func (s *Store) key(event request.TraceEvent) string {
	return fmt.Sprintf("%s/%s/%s/%d-%s.json",
		s.prefix,
		event.AppID,
		event.At.UTC().Format("2006-01-02"),
		event.At.UnixMilli(),
		uuid.NewString()[:8],
	)
}
