package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker() (*Breaker, *time.Time) {
	now := time.Now()
	b := New(Policy{FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestClosedAllowsUntilThreshold(t *testing.T) {
	b, _ := newTestBreaker()
	key := "svc::a"

	for i := 0; i < 2; i++ {
		assert.True(t, b.Allowed(key))
		b.OnFailure(key)
	}
	assert.Equal(t, StateClosed, b.State(key))

	b.OnFailure(key)
	assert.Equal(t, StateOpen, b.State(key))
	assert.False(t, b.Allowed(key))
}

func TestOpenTransitionsToHalfOpenAfterRecovery(t *testing.T) {
	b, now := newTestBreaker()
	key := "svc::a"

	for i := 0; i < 3; i++ {
		b.OnFailure(key)
	}
	require.Equal(t, StateOpen, b.State(key))
	assert.False(t, b.Allowed(key))

	*now = now.Add(11 * time.Second)
	assert.True(t, b.Allowed(key))

	_, err := b.Execute(key, func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State(key))
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, now := newTestBreaker()
	key := "svc::a"
	for i := 0; i < 3; i++ {
		b.OnFailure(key)
	}
	*now = now.Add(11 * time.Second)

	_, err := b.Execute(key, func() (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State(key))

	_, err = b.Execute(key, func() (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State(key))
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	b, now := newTestBreaker()
	key := "svc::a"
	for i := 0; i < 3; i++ {
		b.OnFailure(key)
	}
	*now = now.Add(11 * time.Second)

	_, err := b.Execute(key, func() (any, error) { return nil, errors.New("boom") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.State(key))
}

func TestExecuteRefusesWhenOpen(t *testing.T) {
	b, _ := newTestBreaker()
	key := "svc::a"
	for i := 0; i < 3; i++ {
		b.OnFailure(key)
	}

	called := false
	_, err := b.Execute(key, func() (any, error) { called = true; return nil, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestHalfOpenAdmitsOnlyOneProbeConcurrently(t *testing.T) {
	b, now := newTestBreaker()
	key := "svc::a"
	for i := 0; i < 3; i++ {
		b.OnFailure(key)
	}
	*now = now.Add(11 * time.Second)

	admitted, probing := b.admit(key)
	require.True(t, admitted)
	require.True(t, probing)

	assert.False(t, b.Allowed(key))
	admitted2, _ := b.admit(key)
	assert.False(t, admitted2)
}

func TestAllowedDoesNotMutateState(t *testing.T) {
	b, _ := newTestBreaker()
	key := "svc::a"
	for i := 0; i < 10; i++ {
		b.Allowed(key)
	}
	assert.Equal(t, StateClosed, b.State(key))
	assert.Equal(t, 0, b.circuitFor(key).failureCount)
}

func TestRecoveryRemaining(t *testing.T) {
	b, now := newTestBreaker()
	key := "svc::a"
	assert.Equal(t, time.Duration(0), b.RecoveryRemaining(key))

	for i := 0; i < 3; i++ {
		b.OnFailure(key)
	}
	assert.Equal(t, 10*time.Second, b.RecoveryRemaining(key))

	*now = now.Add(4 * time.Second)
	assert.Equal(t, 6*time.Second, b.RecoveryRemaining(key))
}
