package core

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERROR TAXONOMY
// Every failure surfaced by the runtime belongs to exactly one kind. The kind
// decides retry policy: configuration/validation/evaluation errors are fatal,
// rate-limit and provider errors are retryable with bounds, auth errors mean
// "reconnect required".
// =============================================================================

// ErrorKind classifies a runtime failure.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindAuth          ErrorKind = "auth"
	KindRateLimit     ErrorKind = "rate_limit"
	KindProvider      ErrorKind = "provider"
	KindValidation    ErrorKind = "validation"
	KindEvaluation    ErrorKind = "evaluation"
)

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindProvider
	default:
		return KindValidation
	}
}

// Retryable reports whether failures of this kind may be retried by a caller.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimit || k == KindProvider
}

// ConfigurationError marks a malformed or non-terminating definition.
// Fatal, never retried.
type ConfigurationError struct {
	Path    string // definition path, e.g. "modules.listRows.pagination"
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("configuration error at %s: %s", e.Path, e.Message)
	}
	return "configuration error: " + e.Message
}

// NewConfigurationError builds a ConfigurationError for the given definition path.
func NewConfigurationError(path, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// EvaluationError marks a broken expression or user function. It carries the
// function name and the expression path so broken templates are debuggable
// without leaking host internals. Treated like a configuration error: fatal.
type EvaluationError struct {
	Function string // builtin or user function name, if the failure was inside a call
	Path     string // expression location, e.g. "response.output.id"
	Message  string
	Err      error
}

func (e *EvaluationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Function != "" && e.Path != "":
		return fmt.Sprintf("evaluation error in %s at %s: %s", e.Function, e.Path, msg)
	case e.Function != "":
		return fmt.Sprintf("evaluation error in %s: %s", e.Function, msg)
	case e.Path != "":
		return fmt.Sprintf("evaluation error at %s: %s", e.Path, msg)
	default:
		return "evaluation error: " + msg
	}
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// RequestError is the typed failure of a single Call. Message is the resolved
// error template; Error renders the standard user-visible envelope.
// RetryAfter carries the provider's Retry-After hint on a 429, zero when
// the provider gave none.
type RequestError struct {
	StatusCode int
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("[%d] %s", e.StatusCode, e.Message)
}

// InvalidCredentialsError means the stored credentials are invalid or could
// not be refreshed. Surfaced to the user as "reconnect required".
type InvalidCredentialsError struct {
	Message string
}

func (e *InvalidCredentialsError) Error() string {
	if e.Message == "" {
		return "invalid credentials: reconnect required"
	}
	return "invalid credentials: " + e.Message
}

// RateLimitedError carries the provider's retry-after hint. Never retried by
// the runtime itself; the caller decides, with bounded attempts.
type RateLimitedError struct {
	RetryAfter time.Duration // zero when the provider gave no hint
	Message    string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return "rate limited: " + e.Message
}

// ProviderError is a 5xx-class failure from the third-party API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (HTTP %d): %s", e.StatusCode, e.Message)
}

// RpcError marks a failed or premature RPC resolution, e.g. resolving a
// nested RPC before its parent parameter is supplied.
type RpcError struct {
	RpcID   string
	Message string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.RpcID, e.Message)
}

// ClassifyError returns the taxonomy kind of err, unwrapping as needed.
// Unknown errors classify as provider failures so they stay retryable-bounded
// rather than being silently treated as fatal configuration damage.
func ClassifyError(err error) ErrorKind {
	var (
		cfgErr  *ConfigurationError
		evalErr *EvaluationError
		reqErr  *RequestError
		credErr *InvalidCredentialsError
		rateErr *RateLimitedError
		provErr *ProviderError
		rpcErr  *RpcError
	)
	switch {
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &evalErr):
		// Masking a broken expression could hide a real API failure as a
		// false success, so evaluation failures are fatal like config errors.
		return KindEvaluation
	case errors.As(err, &reqErr):
		return reqErr.Kind
	case errors.As(err, &credErr):
		return KindAuth
	case errors.As(err, &rateErr):
		return KindRateLimit
	case errors.As(err, &provErr):
		return KindProvider
	case errors.As(err, &rpcErr):
		return KindConfiguration
	default:
		return KindProvider
	}
}
