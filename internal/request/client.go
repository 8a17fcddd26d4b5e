package request

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig configures the outbound HTTP client behavior.
type ClientConfig struct {
	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// MaxRetries for retryable failures (default: 3, negative disables
	// retries). Only 429 and 5xx responses and transport errors are
	// retried; 4xx never is.
	MaxRetries int

	// RateLimit requests per second (default: 10).
	RateLimit float64

	// RateBurst maximum burst size (default: 5).
	RateBurst int

	// UserAgent string (default: "AppCore/1.0").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// DefaultClientConfig returns a client config with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RateLimit:  10.0,
		RateBurst:  5,
		UserAgent:  "AppCore/1.0",
	}
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// Client is a rate-limited HTTP client with bounded retries for 429/5xx.
type Client struct {
	config      *ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewClient creates a new HTTP client with the given configuration.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10.0
	}
	if config.RateBurst == 0 {
		config.RateBurst = 5
	}
	if config.UserAgent == "" {
		config.UserAgent = "AppCore/1.0"
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
	}
}

// RawRequest is one fully resolved HTTP request.
type RawRequest struct {
	Method      string
	URL         string // absolute
	Query       url.Values
	Headers     map[string]string
	Body        []byte
	ContentType string
}

// RawResponse wraps an HTTP response.
type RawResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// IsSuccess returns true if the status code is 2xx.
func (r *RawResponse) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// RetryAfter reads the Retry-After hint, zero when absent or unparsable.
func (r *RawResponse) RetryAfter() time.Duration {
	v := r.Headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// Do executes a request with rate limiting and bounded retry. Any completed
// HTTP exchange returns a response and nil error; classifying a non-2xx
// status is the executor's job, not the transport's.
func (c *Client) Do(ctx context.Context, req *RawRequest) (*RawResponse, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var (
		lastResp *RawResponse
		lastErr  error
	)
	for attempt := 0; ; attempt++ {
		resp, err := c.doOnce(ctx, req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		lastResp, lastErr = resp, err
		if attempt >= c.config.MaxRetries {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		if resp != nil && resp.StatusCode == 429 {
			if hint := resp.RetryAfter(); hint > 0 {
				backoff = hint
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func retryableStatus(status int) bool {
	return status == 429 || status >= 500
}

// doOnce executes a single request attempt.
func (c *Client) doOnce(ctx context.Context, req *RawRequest) (*RawResponse, error) {
	fullURL := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(fullURL, "?") {
			sep = "&"
		}
		fullURL += sep + req.Query.Encode()
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &RawResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}, nil
}
