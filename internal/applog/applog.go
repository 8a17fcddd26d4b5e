// Package applog builds the service logger and implements the log redaction
// required by definitions: any path listed under base.log.sanitize is excised
// from logged or persisted request/response material.
package applog

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Redacted replaces sanitized values wherever they would be logged.
const Redacted = "***"

// New constructs the service logger. level accepts zap level names; an
// unknown or empty level means info.
func New(level string, development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	return cfg.Build()
}

// Sanitize returns a deep copy of material with every sanitize path replaced
// by the Redacted marker. Paths are dotted, e.g.
// "request.headers.authorization"; map key segments match case-insensitively
// so header capitalization does not defeat redaction.
func Sanitize(paths []string, material map[string]any) map[string]any {
	out := deepCopy(material)
	for _, path := range paths {
		segments := strings.Split(path, ".")
		redact(out, segments)
	}
	return out
}

func redact(node map[string]any, segments []string) {
	if len(segments) == 0 {
		return
	}
	key, rest := segments[0], segments[1:]
	for k, v := range node {
		if !strings.EqualFold(k, key) {
			continue
		}
		if len(rest) == 0 {
			node[k] = Redacted
			continue
		}
		if child, ok := v.(map[string]any); ok {
			redact(child, rest)
		}
	}
}

func deepCopy(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		switch t := v.(type) {
		case map[string]any:
			out[k] = deepCopy(t)
		case []any:
			copied := make([]any, len(t))
			for i, item := range t {
				if m, ok := item.(map[string]any); ok {
					copied[i] = deepCopy(m)
				} else {
					copied[i] = item
				}
			}
			out[k] = copied
		default:
			out[k] = v
		}
	}
	return out
}
