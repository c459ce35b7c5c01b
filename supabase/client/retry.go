package client

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// RetryConfig configures retry behavior for idempotent reads.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0).
	Jitter float64
	// RetryableStatusCodes are HTTP status codes that should be retried.
	RetryableStatusCodes []int
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// readRetryTransport retries GET and HEAD requests only. Mutations are never
// retried: duplicate-key handling and rollback belong to the caller, and an
// automatic retry would turn one failed command into several writes.
type readRetryTransport struct {
	base http.RoundTripper
	cfg  RetryConfig
}

func newReadRetryTransport(base http.RoundTripper, cfg RetryConfig) *readRetryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &readRetryTransport{base: base, cfg: cfg}
}

func (t *readRetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return t.base.RoundTrip(req)
	}

	var (
		resp    *http.Response
		lastErr error
	)
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(t.backoff(attempt)):
			}
			req = req.Clone(req.Context())
		}

		resp, lastErr = t.base.RoundTrip(req)
		if lastErr != nil {
			if t.retryableError(lastErr) {
				continue
			}
			return nil, lastErr
		}
		if t.retryableStatus(resp.StatusCode) {
			lastErr = errors.New(http.StatusText(resp.StatusCode))
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

func (t *readRetryTransport) backoff(attempt int) time.Duration {
	backoff := float64(t.cfg.InitialBackoff) * math.Pow(t.cfg.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(t.cfg.MaxBackoff) {
		backoff = float64(t.cfg.MaxBackoff)
	}
	if t.cfg.Jitter > 0 {
		backoff += backoff * t.cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}

func (t *readRetryTransport) retryableError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func (t *readRetryTransport) retryableStatus(code int) bool {
	for _, retryable := range t.cfg.RetryableStatusCodes {
		if code == retryable {
			return true
		}
	}
	return false
}
