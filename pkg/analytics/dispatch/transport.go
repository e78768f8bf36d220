package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	aerrors "github.com/randalmurphal/analytics/pkg/analytics/errors"
)

// DefaultUserAgent identifies the client to collection endpoints.
const DefaultUserAgent = "analytics-go/1.0"

// maxErrorBody caps how much of an error response is kept in HTTPError.
const maxErrorBody = 1024

// Transport posts one serialized batch to an endpoint.
type Transport interface {
	Send(ctx context.Context, endpoint string, body []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, endpoint string, body []byte) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, endpoint string, body []byte) error {
	return f(ctx, endpoint, body)
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient sets the HTTP client. Defaults to a client with a 10s timeout.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithWriteKey authenticates requests with HTTP basic auth, the write key as
// user name and an empty password.
func WithWriteKey(key string) TransportOption {
	return func(t *HTTPTransport) {
		t.writeKey = key
	}
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) TransportOption {
	return func(t *HTTPTransport) {
		t.userAgent = ua
	}
}

// WithRateLimit caps requests per second across all endpoints. A limit of
// zero or less leaves requests unlimited.
func WithRateLimit(perSecond float64, burst int) TransportOption {
	return func(t *HTTPTransport) {
		if perSecond <= 0 {
			t.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// HTTPTransport posts batches as JSON over HTTP.
type HTTPTransport struct {
	client    *http.Client
	writeKey  string
	userAgent string
	limiter   *rate.Limiter
}

// NewHTTPTransport creates an HTTPTransport.
func NewHTTPTransport(opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send implements Transport.
//
// Errors:
//   - *errors.NetworkError when the request could not be completed
//   - *errors.RateLimitError on 429 with an X-RateLimit-Reset or Retry-After header
//   - *errors.HTTPError for any other non-2xx status
func (t *HTTPTransport) Send(ctx context.Context, endpoint string, body []byte) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return aerrors.Transient(err, "rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return aerrors.Permanent(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
	if t.writeKey != "" {
		req.SetBasicAuth(t.writeKey, "")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &aerrors.NetworkError{Endpoint: endpoint, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if d, ok := retryAfter(resp.Header); ok {
			return &aerrors.RateLimitError{Endpoint: endpoint, RetryAfter: d}
		}
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &aerrors.HTTPError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
		Endpoint:   endpoint,
	}
}

// retryAfter reads the back-off delay in seconds from the response headers.
func retryAfter(h http.Header) (time.Duration, bool) {
	for _, name := range []string{"X-RateLimit-Reset", "Retry-After"} {
		v := h.Get(name)
		if v == "" {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || secs < 0 {
			continue
		}
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
