// Package breaker implements the per-instance circuit breaker (C3): a
// closed/open/half-open state machine keyed by "serverID::instanceID".
//
// Allowed is read-only and never mutates state — this is a deliberate
// correction of a known bug class (side-effecting filters) the spec calls
// out explicitly. Execute is the sole state mutator.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
)

// ErrCircuitOpen is returned by Execute when the circuit refuses the call
// outright (open and not yet eligible to probe, or a concurrent half-open
// probe is already in flight).
var ErrCircuitOpen = errors.New("breaker: circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Policy configures breaker thresholds, mirroring RoutingConfig.CircuitBreaker.
type Policy struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: 30 * time.Second}
}

type circuit struct {
	state            State
	failureCount     int
	successCount     int
	openedAt         time.Time
	halfOpenInFlight bool
}

// Breaker owns one circuit per key. now is overridable for tests.
type Breaker struct {
	mu       sync.Mutex
	policy   Policy
	circuits map[string]*circuit
	now      func() time.Time

	// OnTransition, when set, is called after every state change (not on
	// same-state bookkeeping updates). Optional ambient telemetry hook —
	// nil by default, so Breaker has no cost or dependency when unused.
	OnTransition func(key string, from, to State)
}

func New(policy Policy) *Breaker {
	return &Breaker{
		policy:   policy,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

func (b *Breaker) circuitFor(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	return c
}

// Allowed reports whether traffic would currently be admitted for key,
// without mutating any state. A closed or half-open-with-no-probe-in-flight
// circuit (including one whose recovery timeout has elapsed) is allowed;
// everything else is not.
func (b *Breaker) Allowed(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(key)
	switch c.state {
	case StateClosed, StateHalfOpen:
		return !(c.state == StateHalfOpen && c.halfOpenInFlight)
	case StateOpen:
		return b.now().Sub(c.openedAt) >= b.policy.RecoveryTimeout
	default:
		return false
	}
}

// State returns the current state of key without mutating anything.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuitFor(key).state
}

// RecoveryRemaining returns how long until an open circuit becomes eligible
// to probe, or zero if it already is (or isn't open).
func (b *Breaker) RecoveryRemaining(key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(key)
	if c.state != StateOpen {
		return 0
	}
	remaining := b.policy.RecoveryTimeout - b.now().Sub(c.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Execute performs the admission decision and state transition, then calls
// fn if admitted. Fn's outcome drives OnSuccess/OnFailure — the only two
// paths that mutate circuit state. No other component may call them.
func (b *Breaker) Execute(key string, fn func() (any, error)) (any, error) {
	admitted, probing := b.admit(key)
	if !admitted {
		return nil, ErrCircuitOpen
	}

	result, err := fn()

	if probing {
		// The outer caller of Execute may have already been cancelled by
		// the time fn returns; the half-open slot must be released
		// regardless so a future attempt isn't wedged.
		defer b.clearHalfOpenInFlight(key)
	}

	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			// The breaker's own refusal is not itself a failure (§9).
			return result, err
		}
		b.OnFailure(key)
		return result, err
	}
	b.OnSuccess(key)
	return result, nil
}

// admit decides, under lock, whether the call may proceed, transitioning
// open->half_open when recovery has elapsed and admitting exactly one probe.
// Returns (admitted, wasHalfOpenProbeJustAdmitted).
func (b *Breaker) admit(key string) (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(key)
	switch c.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.policy.RecoveryTimeout {
			return false, false
		}
		c.state = StateHalfOpen
		c.failureCount = 0
		c.successCount = 0
		c.halfOpenInFlight = true
		b.notifyTransition(key, StateOpen, StateHalfOpen)
		return true, true
	case StateHalfOpen:
		if c.halfOpenInFlight {
			// A second concurrent attempt lands here; it is refused without a
			// half_open->open transition, since the probe already in flight
			// hasn't failed yet. That probe's own OnFailure call reopens the
			// circuit if it fails.
			return false, false
		}
		c.halfOpenInFlight = true
		return true, true
	default:
		return false, false
	}
}

func (b *Breaker) clearHalfOpenInFlight(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuitFor(key).halfOpenInFlight = false
}

// OnSuccess records a successful call against key. In half_open, enough
// consecutive successes close the circuit; in closed, it's a no-op beyond
// bookkeeping.
func (b *Breaker) OnSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(key)
	switch c.state {
	case StateHalfOpen:
		c.successCount++
		c.halfOpenInFlight = false
		if c.successCount >= b.policy.SuccessThreshold {
			c.state = StateClosed
			c.failureCount = 0
			c.successCount = 0
			b.notifyTransition(key, StateHalfOpen, StateClosed)
		}
	case StateClosed:
		c.failureCount = 0
	}
}

// OnFailure records a failed call against key. In closed, enough failures
// open the circuit; in half_open, any failure reopens it immediately.
func (b *Breaker) OnFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(key)
	switch c.state {
	case StateClosed:
		c.failureCount++
		if c.failureCount >= b.policy.FailureThreshold {
			c.state = StateOpen
			c.openedAt = b.now()
			c.failureCount = 0
			c.successCount = 0
			b.notifyTransition(key, StateClosed, StateOpen)
		}
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = b.now()
		c.failureCount = 0
		c.successCount = 0
		c.halfOpenInFlight = false
		b.notifyTransition(key, StateHalfOpen, StateOpen)
	}
}

// notifyTransition invokes OnTransition, if set. Called with b.mu held, so
// the hook must not call back into the Breaker synchronously.
func (b *Breaker) notifyTransition(key string, from, to State) {
	if b.OnTransition != nil {
		b.OnTransition(key, from, to)
	}
}

// AsGatewayError converts ErrCircuitOpen into a structured routing error
// (CodeCircuitOpen) naming key. It carries no recovery estimate;
// RecoveryRemaining supplies that.
func (b *Breaker) AsGatewayError(key string) *gwerrors.Error {
	return gwerrors.Routing(gwerrors.CodeCircuitOpen, "circuit open for "+key)
}
