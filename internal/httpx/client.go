// Package httpx provides the rate-limit-aware HTTP client used by the
// forge ingester and the embedding pipeline.
//
// Requests are retried with Retry-After and X-RateLimit-Reset awareness:
// 429, 500, 502, 503, 504 and secondary-rate-limit 403 responses back off
// and try again up to the attempt budget. Authorization headers never
// appear in logs or archived request dumps.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMaxAttempts is the per-request retry budget.
	DefaultMaxAttempts = 6

	// maxSleep caps any single backoff sleep.
	maxSleep = 60 * time.Second

	// defaultBackoff seeds exponential backoff for transient statuses.
	defaultBackoff = 5 * time.Second

	// secondaryBackoff seeds backoff for secondary-rate-limit 403s, which
	// the forge asks clients to treat much more conservatively.
	secondaryBackoff = 60 * time.Second
)

// Attempt describes a single exchange inside a retried request. Err is
// non-nil only for transport failures, in which case Status is zero.
type Attempt struct {
	Number     int
	StartedAt  time.Time
	FinishedAt time.Time
	Status     int
	Headers    http.Header
	Body       []byte
	Err        error
}

// Observer is invoked once per attempt, before any backoff sleep.
type Observer func(Attempt)

// Response is the outcome of a successful exchange.
type Response struct {
	Status     int
	Headers    http.Header
	Body       []byte
	Attempts   int
	FinalSleep time.Duration
}

// DecodeJSON unmarshals the response body into target.
func (r *Response) DecodeJSON(target any) error {
	if err := json.Unmarshal(r.Body, target); err != nil {
		return fmt.Errorf("httpx: decode response: %w", err)
	}
	return nil
}

// JSON decodes the body into a generic value.
func (r *Response) JSON() (any, error) {
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, fmt.Errorf("httpx: decode response: %w", err)
	}
	return v, nil
}

// StatusError is returned when a request fails after all retries, or with
// a non-retriable status >= 400.
type StatusError struct {
	Status   int
	Body     string
	Attempts int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpx: status %d after %d attempt(s)", e.Status, e.Attempts)
}

// RateLimited reports whether the final status was a rate-limit response.
func (e *StatusError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests ||
		(e.Status == http.StatusForbidden && isSecondaryRateLimit([]byte(e.Body)))
}

// Client wraps http.Client with the retry policy.
type Client struct {
	hc          *http.Client
	maxAttempts int
	logger      *slog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithTransport overrides the underlying round tripper (tests).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.hc.Transport = rt }
}

// WithSleep overrides the backoff sleeper (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New creates a Client with a per-attempt timeout.
func New(timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		hc:          &http.Client{Timeout: timeout},
		maxAttempts: DefaultMaxAttempts,
		logger:      logger,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestJSON performs one HTTP exchange with retries. Headers are sent
// as given; body may be nil. A nil error means a status < 400.
func (c *Client) RequestJSON(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	return c.Do(ctx, method, url, headers, body, nil)
}

// Do is RequestJSON with a per-attempt observer, used by the ingest
// archive to persist every attempt including the failed ones.
func (c *Client) Do(ctx context.Context, method, url string, headers map[string]string, body []byte, observe Observer) (*Response, error) {
	var lastStatus int
	var lastBody []byte

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("httpx: create request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		started := time.Now().UTC()
		resp, err := c.hc.Do(req)
		if err != nil {
			if observe != nil {
				observe(Attempt{Number: attempt, StartedAt: started, FinishedAt: time.Now().UTC(), Err: err})
			}
			// Transport failure: retry with default backoff.
			if attempt == c.maxAttempts {
				return nil, fmt.Errorf("httpx: %s %s after %d attempts: %w", method, url, attempt, err)
			}
			d := backoffSleep(nil, defaultBackoff, attempt)
			c.logger.Warn("httpx: transport error, retrying",
				"method", method, "url", url, "attempt", attempt, "sleep", d, "error", err)
			if err := c.sleep(ctx, d); err != nil {
				return nil, err
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("httpx: read response: %w", readErr)
		}
		if observe != nil {
			observe(Attempt{
				Number:     attempt,
				StartedAt:  started,
				FinishedAt: time.Now().UTC(),
				Status:     resp.StatusCode,
				Headers:    resp.Header,
				Body:       respBody,
			})
		}

		if resp.StatusCode < 400 {
			return &Response{
				Status:   resp.StatusCode,
				Headers:  resp.Header,
				Body:     respBody,
				Attempts: attempt,
			}, nil
		}

		lastStatus = resp.StatusCode
		lastBody = respBody

		if !retriableStatus(resp.StatusCode, respBody) || attempt == c.maxAttempts {
			return nil, &StatusError{Status: resp.StatusCode, Body: string(respBody), Attempts: attempt}
		}

		base := defaultBackoff
		if resp.StatusCode == http.StatusForbidden {
			base = secondaryBackoff
		}
		d := backoffSleep(resp.Header, base, attempt)
		c.logger.Warn("httpx: retriable status, backing off",
			"method", method, "url", url, "status", resp.StatusCode, "attempt", attempt, "sleep", d)
		if err := c.sleep(ctx, d); err != nil {
			return nil, err
		}
	}

	return nil, &StatusError{Status: lastStatus, Body: string(lastBody), Attempts: c.maxAttempts}
}

// retriableStatus reports whether the exchange may be retried: 429 and the
// 5xx gateway family always, plus 403 bodies declaring a secondary rate
// limit.
func retriableStatus(status int, body []byte) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	case http.StatusForbidden:
		return isSecondaryRateLimit(body)
	default:
		return false
	}
}

func isSecondaryRateLimit(body []byte) bool {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return strings.Contains(strings.ToLower(payload.Message), "secondary rate limit")
	}
	return strings.Contains(strings.ToLower(string(body)), "secondary rate limit")
}

// backoffSleep picks the sleep before the next attempt:
//  1. numeric Retry-After seconds plus jitter,
//  2. else a future X-RateLimit-Reset (epoch seconds), capped, plus jitter,
//  3. else capped exponential backoff from base, plus jitter.
//
// Jitter is uniform in [0, 1s).
func backoffSleep(headers http.Header, base time.Duration, attempt int) time.Duration {
	jitter := time.Duration(rand.Int64N(int64(time.Second))) //nolint:gosec // jitter doesn't need crypto-strength randomness

	if headers != nil {
		if ra := headers.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil && secs >= 0 {
				return time.Duration(secs*float64(time.Second)) + jitter
			}
		}
		if reset := headers.Get("X-RateLimit-Reset"); reset != "" {
			if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
				until := time.Until(time.Unix(epoch, 0)) + time.Second
				if until > 0 {
					return min(until, maxSleep) + jitter
				}
			}
		}
	}

	d := base << (attempt - 1)
	if d <= 0 || d > maxSleep {
		d = maxSleep
	}
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RedactHeaders returns a copy of headers safe for logging or archival:
// Authorization values are replaced with a placeholder.
func RedactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.EqualFold(k, "Authorization") {
			out[k] = "***REDACTED***"
			continue
		}
		out[k] = v
	}
	return out
}
