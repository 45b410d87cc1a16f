package routeregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullrunner/mcp-gateway/pkg/breaker"
	"github.com/nullrunner/mcp-gateway/pkg/loadbalancer"
)

func newTestRegistry() *Registry {
	br := breaker.New(breaker.DefaultPolicy())
	picker := loadbalancer.New(loadbalancer.StrategyRoundRobin)
	return New(br, picker)
}

func TestPickReturnsFalseWithNoInstances(t *testing.T) {
	r := newTestRegistry()
	_, ok := r.Pick("svc")
	assert.False(t, ok)
}

func TestPickReturnsConfiguredInstance(t *testing.T) {
	r := newTestRegistry()
	r.UpdateServers("svc", []Instance{{ID: "a"}, {ID: "b"}})

	inst, ok := r.Pick("svc")
	require.True(t, ok)
	assert.Contains(t, []string{"a", "b"}, inst.ID)
}

func TestPickExcludesCircuitOpenInstances(t *testing.T) {
	r := newTestRegistry()
	r.UpdateServers("svc", []Instance{{ID: "a"}, {ID: "b"}})

	for i := 0; i < 10; i++ {
		r.breaker.OnFailure(breakerKey("svc", "a"))
	}

	for i := 0; i < 10; i++ {
		inst, ok := r.Pick("svc")
		require.True(t, ok)
		assert.Equal(t, "b", inst.ID)
	}
}

func TestPickReturnsFalseWhenAllCircuitsOpen(t *testing.T) {
	r := newTestRegistry()
	r.UpdateServers("svc", []Instance{{ID: "a"}})
	for i := 0; i < 10; i++ {
		r.breaker.OnFailure(breakerKey("svc", "a"))
	}
	_, ok := r.Pick("svc")
	assert.False(t, ok)
}

func TestMarkSuccessRaisesHealthScore(t *testing.T) {
	r := newTestRegistry()
	r.UpdateServers("svc", []Instance{{ID: "a", HealthScore: 50}})
	r.MarkSuccess("svc", "a", 50)

	s := r.stateFor("svc")
	s.mu.RLock()
	score := s.instances[0].HealthScore
	s.mu.RUnlock()
	assert.Equal(t, 52.0, score)
}

func TestMarkSuccessCapsAtMaxHealth(t *testing.T) {
	r := newTestRegistry()
	r.UpdateServers("svc", []Instance{{ID: "a", HealthScore: 99}})
	r.MarkSuccess("svc", "a", 10)

	s := r.stateFor("svc")
	s.mu.RLock()
	score := s.instances[0].HealthScore
	s.mu.RUnlock()
	assert.Equal(t, 100.0, score)
}

func TestMarkFailureLowersHealthScoreAndFloorsAtZero(t *testing.T) {
	r := newTestRegistry()
	r.UpdateServers("svc", []Instance{{ID: "a", HealthScore: 5}})
	r.MarkFailure("svc", "a")

	s := r.stateFor("svc")
	s.mu.RLock()
	score := s.instances[0].HealthScore
	s.mu.RUnlock()
	assert.Equal(t, 0.0, score)
}

func TestMarkSuccessAndFailureDoNotTouchBreakerState(t *testing.T) {
	r := newTestRegistry()
	r.UpdateServers("svc", []Instance{{ID: "a"}})

	r.MarkFailure("svc", "a")
	r.MarkFailure("svc", "a")
	r.MarkFailure("svc", "a")

	assert.Equal(t, breaker.StateClosed, r.breaker.State(breakerKey("svc", "a")))
}

func TestCacheIsBypassedWhenInstanceCircuitOpens(t *testing.T) {
	r := newTestRegistry()
	r.UpdateServers("svc", []Instance{{ID: "a"}})

	inst, ok := r.Pick("svc")
	require.True(t, ok)
	assert.Equal(t, "a", inst.ID)

	for i := 0; i < 10; i++ {
		r.breaker.OnFailure(breakerKey("svc", "a"))
	}

	_, ok = r.Pick("svc")
	assert.False(t, ok)
}

func TestLatencyFactorDecaysPastBudget(t *testing.T) {
	assert.Equal(t, 1.0, latencyFactor(100, 200))
	assert.Equal(t, 1.0, latencyFactor(200, 200))
	assert.InDelta(t, 0.5, latencyFactor(400, 200), 0.0001)
}

func TestRefreshClearsCache(t *testing.T) {
	r := newTestRegistry()
	r.UpdateServers("svc", []Instance{{ID: "a"}})
	_, _ = r.Pick("svc")

	r.Refresh()

	s := r.stateFor("svc")
	assert.Nil(t, s.cache.Load())
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	r := newTestRegistry()
	r.cacheTTL = 10 * time.Millisecond
	r.UpdateServers("svc", []Instance{{ID: "a"}, {ID: "b"}})

	first, _ := r.Pick("svc")
	time.Sleep(15 * time.Millisecond)
	second, _ := r.Pick("svc")

	assert.Contains(t, []string{"a", "b"}, first.ID)
	assert.Contains(t, []string{"a", "b"}, second.ID)
}
