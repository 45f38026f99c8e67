// Package transport provides the HTTP request pipeline that drives request
// authentication: an http.RoundTripper that prepares every attempt through a
// Hooks implementation and consults it before each resend.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxRetries = 2

	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 8 * time.Second

	// server supplied delays beyond this are ignored in favour of backoff
	maxRetryAfter = 60 * time.Second

	// bytes of a discarded response read to allow connection reuse
	maxDrainBytes = 4 << 10
)

// Hooks are the two extension points invoked by the Transport.
type Hooks interface {
	// PrepareRequest mutates the outgoing request before every attempt,
	// including resends. An error aborts the request without retrying.
	PrepareRequest(req *http.Request) error

	// ShouldRetry is called for every response and reports whether the
	// request should be sent again. The Transport only resends while its
	// retry budget allows.
	ShouldRetry(resp *http.Response) bool
}

// RetryPolicy decides whether a response warrants a resend.
type RetryPolicy func(resp *http.Response) bool

// DefaultShouldRetry is the transport's own retry policy: an explicit
// x-should-retry header wins, otherwise request timeouts, lock conflicts,
// rate limiting and server errors are retried.
func DefaultShouldRetry(resp *http.Response) bool {
	switch resp.Header.Get("x-should-retry") {
	case "true":
		return true
	case "false":
		return false
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusTooManyRequests:
		return true
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	}

	return false
}

// Transport sends requests through a wrapped RoundTripper, preparing each
// attempt with Hooks and resending within a retry budget.
type Transport struct {
	base       http.RoundTripper
	hooks      Hooks
	maxRetries int
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
}

// Option configures a Transport.
type Option func(*Transport)

// WithMaxRetries sets the number of resends allowed after the first
// attempt. Negative values are treated as zero.
func WithMaxRetries(n int) Option {
	return func(t *Transport) {
		t.maxRetries = max(0, n)
	}
}

// WithRateLimit limits attempts (including resends) to rps per second with
// the given burst. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(t *Transport) {
		if rps <= 0 {
			t.limiter = nil
			return
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), max(1, burst))
	}
}

// WithBackOff replaces the delay policy between attempts. The factory is
// called once per logical request.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(t *Transport) {
		t.newBackOff = factory
	}
}

func New(base http.RoundTripper, hooks Hooks, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}

	t := &Transport{
		base:       base,
		hooks:      hooks,
		maxRetries: DefaultMaxRetries,
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialRetryDelay
	b.MaxInterval = maxRetryDelay
	b.Reset()
	return b
}

// RoundTrip implements http.RoundTripper. The supplied request is never
// modified: each attempt is sent as a clone.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	logger := log.Ctx(ctx).With().Str("method", req.Method).Str("path", req.URL.Path).Logger()

	req, err := replayable(req, t.maxRetries)
	if err != nil {
		return nil, err
	}

	b := t.newBackOff()

	for attempt := 0; ; attempt++ {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("waiting for rate limit: %w", err)
			}
		}

		attemptReq, err := attemptRequest(req, attempt)
		if err != nil {
			return nil, err
		}

		if err := t.hooks.PrepareRequest(attemptReq); err != nil {
			closeBody(attemptReq)
			return nil, fmt.Errorf("preparing request: %w", err)
		}

		resp, err := t.base.RoundTrip(attemptReq)
		remaining := t.maxRetries - attempt

		if err != nil {
			if remaining <= 0 || ctx.Err() != nil || !retryableError(err) {
				return nil, err
			}

			delay := b.NextBackOff()
			if delay == backoff.Stop {
				return nil, err
			}

			logger.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("request failed, retrying")
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		// consulted even when the budget is spent, so that an authorization
		// failure on the final attempt still schedules a refresh
		retry := t.hooks.ShouldRetry(resp)
		if !retry || remaining <= 0 {
			if retry {
				logger.Info().Int("status", resp.StatusCode).Int("attempts", attempt+1).Msg("retries exhausted")
			}
			return resp, nil
		}

		delay, ok := retryAfter(resp)
		if !ok {
			delay = b.NextBackOff()
			if delay == backoff.Stop {
				return resp, nil
			}
		}

		logger.Debug().Int("status", resp.StatusCode).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying request")

		discard(resp)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// CloseIdleConnections forwards to the wrapped transport, so that
// http.Client.CloseIdleConnections reaches the connection pool.
func (t *Transport) CloseIdleConnections() {
	type closeIdler interface {
		CloseIdleConnections()
	}

	if c, ok := t.base.(closeIdler); ok {
		c.CloseIdleConnections()
	}
}

// replayable ensures that a request with a body can be sent more than once.
// Requests created from in-memory readers already carry GetBody; other
// bodies are buffered.
func replayable(req *http.Request, maxRetries int) (*http.Request, error) {
	if maxRetries == 0 || req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}

	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffering request body: %w", err)
	}

	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(data))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	return clone, nil
}

func attemptRequest(req *http.Request, attempt int) (*http.Request, error) {
	clone := req.Clone(req.Context())

	if attempt > 0 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		clone.Body = body
	}

	return clone, nil
}

// retryAfter reads the server's requested delay from retry-after-ms or
// Retry-After (seconds or HTTP date).
func retryAfter(resp *http.Response) (time.Duration, bool) {
	var delay time.Duration

	if ms := resp.Header.Get("retry-after-ms"); ms != "" {
		v, err := strconv.ParseFloat(ms, 64)
		if err != nil {
			return 0, false
		}
		delay = time.Duration(v * float64(time.Millisecond))
	} else if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.ParseFloat(ra, 64); err == nil {
			delay = time.Duration(secs * float64(time.Second))
		} else if at, err := http.ParseTime(ra); err == nil {
			delay = time.Until(at)
		} else {
			return 0, false
		}
	} else {
		return 0, false
	}

	if delay < 0 || delay > maxRetryAfter {
		return 0, false
	}

	return delay, true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func discard(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrainBytes)
	_ = resp.Body.Close()
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

// context cancellation and deadline errors are final
func retryableError(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
