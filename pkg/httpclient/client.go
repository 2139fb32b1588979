// Package httpclient provides an HTTP client with rate-limit aware retries.
//
// Retries apply to 429 and 5xx responses. A Retry-After header, when present,
// overrides the computed delay; otherwise the delay grows exponentially from
// BaseDelay up to MaxDelay with 10% jitter. Requests must set GetBody so the
// body can be replayed across attempts.
package httpclient

import (
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	backoff    float64
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithMaxRetries(max int) Option {
	return func(c *Client) { c.maxRetries = max }
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

func WithMaxDelay(delay time.Duration) Option {
	return func(c *Client) { c.maxDelay = delay }
}

func WithBackoffFactor(factor float64) Option {
	return func(c *Client) { c.backoff = factor }
}

func New(opts ...Option) *Client {
	client := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 5,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
		backoff:    2.0,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// retryable reports whether the status code is worth another attempt.
func retryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// Do executes the request with the retry ladder. The final response is
// returned even when the ladder is exhausted, so callers can decode the
// error body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, &RetryableError{Message: "failed to recreate request body for retry", Err: bodyErr}
			}
			req.Body = body
		}

		resp, err = c.client.Do(req)
		if err != nil {
			// Transport errors are not retried; the context may be done.
			return nil, err
		}

		if !retryable(resp.StatusCode) {
			return resp, nil
		}

		if attempt >= c.maxRetries {
			return resp, &RetryableError{
				StatusCode: resp.StatusCode,
				Message:    "max HTTP retries exceeded",
			}
		}

		delay := c.delayFor(resp, attempt)
		resp.Body.Close()

		slog.Debug("retrying HTTP request",
			"url", req.URL.String(),
			"status", resp.StatusCode,
			"delay", delay,
			"attempt", attempt+1,
			"max_attempts", c.maxRetries,
		)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}

	return resp, err
}

// delayFor honors Retry-After when the server sends one, otherwise applies
// exponential backoff with jitter.
func (c *Client) delayFor(resp *http.Response, attempt int) time.Duration {
	if after := parseRetryAfter(resp.Header); after > 0 {
		return after
	}

	delay := time.Duration(float64(c.baseDelay) * math.Pow(c.backoff, float64(attempt)))
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	jitter := time.Duration(rand.Float64() * 0.1 * float64(delay))
	return delay + jitter
}

// parseRetryAfter supports both delta-seconds and HTTP-date forms.
func parseRetryAfter(h http.Header) time.Duration {
	value := h.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
