// Package retry implements the gateway's retry/backoff engine (C4): exact
// spec-controlled delay computation driven through cenkalti/backoff/v5's
// retry loop, rather than that library's own jitter model, so that
// Retry-After honoring and the precise delay formula stay under our control.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
)

// Policy configures the retry engine, mirroring RoutingConfig.Retry.
type Policy struct {
	MaxAttempts int
	BaseMs      int64
	Factor      float64
	MaxMs       int64
	Jitter      bool

	// TimeoutMs bounds each individual attempt via context cancellation; an
	// attempt that exceeds it is cancelled and its expiry is treated as a
	// retriable transport error. Zero means no per-attempt deadline.
	TimeoutMs int64

	// RetryOn, when non-empty, narrows retriable classification to these
	// gwerrors codes (e.g. []string{"network", "timeout"} to stop retrying
	// http_429/http_5xx). Empty means every Transport-category error retries.
	RetryOn []string
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseMs: 100, Factor: 2.0, MaxMs: 2000, Jitter: true, TimeoutMs: 5000}
}

// delayFor computes min(MaxMs, BaseMs*Factor^(attempt-1)) in milliseconds,
// attempt being 1-indexed, then applies full jitter if enabled.
func (p Policy) delayFor(attempt int) time.Duration {
	raw := float64(p.BaseMs)
	for i := 1; i < attempt; i++ {
		raw *= p.Factor
	}
	if raw > float64(p.MaxMs) {
		raw = float64(p.MaxMs)
	}
	ms := raw
	if p.Jitter {
		ms = rand.Float64() * raw
	}
	return time.Duration(ms) * time.Millisecond
}

// RetryAfter, when non-nil, overrides the computed delay for the next
// attempt — set by the caller when a 429/503 response carries a
// Retry-After header.
type RetryAfter struct {
	Delay time.Duration
}

// Do executes fn up to policy.MaxAttempts times, retrying only errors
// gwerrors.Retriable considers retriable. A Retry-After delay attached to
// fn's error (via WithRetryAfter) takes precedence over the computed
// backoff for the single next attempt.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) (any, error)) (any, error) {
	delayer := &delayCounter{policy: policy}

	operation := func() (any, error) {
		attempt := delayer.n + 1

		attemptCtx := ctx
		var cancel context.CancelFunc
		if policy.TimeoutMs > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(policy.TimeoutMs)*time.Millisecond)
			defer cancel()
		}

		result, err := fn(attemptCtx, attempt)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = gwerrors.Transport(gwerrors.CodeTimeout, "attempt timed out", err)
		}
		if ra, ok := retryAfterFrom(err); ok {
			delayer.retryAfter = &ra
		}
		if !gwerrors.Retriable(err, policy.RetryOn...) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	return backoff.Retry(ctx, operation, backoff.WithBackOff(delayer), backoff.WithMaxTries(uint(policy.MaxAttempts)))
}

// delayCounter is the BackOff handed to backoff.Retry; its attempt counter
// also tells Do which 1-indexed attempt number the operation is about to
// make, since NextBackOff is called between attempts.
type delayCounter struct {
	policy     Policy
	n          int
	retryAfter *time.Duration
}

func (d *delayCounter) NextBackOff() time.Duration {
	d.n++
	if d.retryAfter != nil {
		delay := *d.retryAfter
		d.retryAfter = nil
		if max := time.Duration(d.policy.MaxMs) * time.Millisecond; max > 0 && delay > max {
			delay = max
		}
		return delay
	}
	return d.policy.delayFor(d.n)
}

// retryAfterErr lets callers attach a server-specified Retry-After delay to
// an error returned from the retried function.
type retryAfterErr struct {
	err   error
	delay time.Duration
}

func (r *retryAfterErr) Error() string { return r.err.Error() }
func (r *retryAfterErr) Unwrap() error { return r.err }

// WithRetryAfter wraps err so Do honors delay for the next attempt instead
// of the computed exponential backoff.
func WithRetryAfter(err error, delay time.Duration) error {
	return &retryAfterErr{err: err, delay: delay}
}

func retryAfterFrom(err error) (time.Duration, bool) {
	var ra *retryAfterErr
	if errors.As(err, &ra) {
		return ra.delay, true
	}
	return 0, false
}
