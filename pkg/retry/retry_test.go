package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
)

func TestDelayForFormula(t *testing.T) {
	p := Policy{BaseMs: 100, Factor: 2.0, MaxMs: 2000, Jitter: false}
	assert.Equal(t, 100*time.Millisecond, p.delayFor(1))
	assert.Equal(t, 200*time.Millisecond, p.delayFor(2))
	assert.Equal(t, 400*time.Millisecond, p.delayFor(3))
	assert.Equal(t, 2000*time.Millisecond, p.delayFor(10))
}

func TestDelayForJitterNeverExceedsCeiling(t *testing.T) {
	p := Policy{BaseMs: 100, Factor: 2.0, MaxMs: 2000, Jitter: true}
	for i := 1; i <= 10; i++ {
		d := p.delayFor(i)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 2000*time.Millisecond)
	}
}

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context, attempt int) (any, error) {
		calls++
		assert.Equal(t, 1, attempt)
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransportErrorsUntilMaxAttempts(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseMs: 1, Factor: 1, MaxMs: 1, Jitter: false}
	calls := 0
	_, err := Do(context.Background(), policy, func(ctx context.Context, attempt int) (any, error) {
		calls++
		return nil, gwerrors.Transport(gwerrors.CodeNetwork, "boom", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryNonRetriableErrors(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseMs: 1, Factor: 1, MaxMs: 1, Jitter: false}
	calls := 0
	sentinel := errors.New("permanent")
	_, err := Do(context.Background(), policy, func(ctx context.Context, attempt int) (any, error) {
		calls++
		return nil, gwerrors.Validation(gwerrors.CodeInvalidURI, sentinel.Error())
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoStopsRetryingAfterSuccess(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseMs: 1, Factor: 1, MaxMs: 1, Jitter: false}
	calls := 0
	_, err := Do(context.Background(), policy, func(ctx context.Context, attempt int) (any, error) {
		calls++
		if attempt < 2 {
			return nil, gwerrors.Transport(gwerrors.CodeNetwork, "boom", nil)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoEnforcesPerAttemptTimeoutAndRetriesIt(t *testing.T) {
	policy := Policy{MaxAttempts: 2, BaseMs: 1, Factor: 1, MaxMs: 1, Jitter: false, TimeoutMs: 20}
	calls := 0
	_, err := Do(context.Background(), policy, func(ctx context.Context, attempt int) (any, error) {
		calls++
		if attempt == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoRetryOnNarrowsClassification(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseMs: 1, Factor: 1, MaxMs: 1, Jitter: false, RetryOn: []string{gwerrors.CodeNetwork}}
	calls := 0
	_, err := Do(context.Background(), policy, func(ctx context.Context, attempt int) (any, error) {
		calls++
		return nil, gwerrors.Transport(gwerrors.CodeHTTP429, "rate limited", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryAfterOverridesComputedDelay(t *testing.T) {
	policy := Policy{MaxAttempts: 2, BaseMs: 5000, Factor: 2, MaxMs: 10000, Jitter: false}
	start := time.Now()
	_, err := Do(context.Background(), policy, func(ctx context.Context, attempt int) (any, error) {
		if attempt == 1 {
			return nil, WithRetryAfter(gwerrors.Transport(gwerrors.CodeHTTP429, "slow down", nil), 5*time.Millisecond)
		}
		return "ok", nil
	})
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Less(t, elapsed, 500*time.Millisecond)
}
