package loadbalancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickEmptyReturnsNoHealthyInstance(t *testing.T) {
	p := New(StrategyRoundRobin)
	_, err := p.Pick("svc", nil)
	assert.ErrorIs(t, err, ErrNoHealthyInstance)
}

func TestPickSingleCandidateShortCircuits(t *testing.T) {
	p := New(StrategyRoundRobin)
	inst, err := p.Pick("svc", []Instance{{ID: "a"}})
	require.NoError(t, err)
	assert.Equal(t, "a", inst.ID)
}

func TestRoundRobinCyclesDeterministically(t *testing.T) {
	p := New(StrategyRoundRobin)
	candidates := []Instance{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	var picks []string
	for i := 0; i < 6; i++ {
		inst, err := p.Pick("svc", candidates)
		require.NoError(t, err)
		picks = append(picks, inst.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks)
}

func TestRoundRobinCountersAreIndependentPerServerKey(t *testing.T) {
	p := New(StrategyRoundRobin)
	candidates := []Instance{{ID: "a"}, {ID: "b"}}

	first, _ := p.Pick("svc1", candidates)
	assert.Equal(t, "a", first.ID)

	firstOther, _ := p.Pick("svc2", candidates)
	assert.Equal(t, "a", firstOther.ID)
}

func TestWeightedOnlyReturnsKnownInstances(t *testing.T) {
	p := New(StrategyWeighted)
	candidates := []Instance{{ID: "a", Weight: 10}, {ID: "b", Weight: 1}}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, err := p.Pick("svc", candidates)
		require.NoError(t, err)
		seen[inst.ID] = true
	}
	assert.Subset(t, []string{"a", "b"}, keys(seen))
}

func TestWeightedHandlesNonPositiveWeight(t *testing.T) {
	p := New(StrategyWeighted)
	candidates := []Instance{{ID: "a", Weight: 0}, {ID: "b", Weight: -5}}
	for i := 0; i < 20; i++ {
		inst, err := p.Pick("svc", candidates)
		require.NoError(t, err)
		assert.Contains(t, []string{"a", "b"}, inst.ID)
	}
}

func TestHealthBiasedAlwaysPicksMaxScore(t *testing.T) {
	p := New(StrategyHealth)
	candidates := []Instance{{ID: "a", HealthScore: 0.4}, {ID: "b", HealthScore: 0.9}, {ID: "c", HealthScore: 0.1}}
	for i := 0; i < 20; i++ {
		inst, err := p.Pick("svc", candidates)
		require.NoError(t, err)
		assert.Equal(t, "b", inst.ID)
	}
}

func TestHealthBiasedRotatesRoundRobinAcrossTopScoringTies(t *testing.T) {
	p := New(StrategyHealth)
	candidates := []Instance{{ID: "a", HealthScore: 0.8}, {ID: "b", HealthScore: 0.8}, {ID: "c", HealthScore: 0.2}}

	var picks []string
	for i := 0; i < 4; i++ {
		inst, err := p.Pick("svc", candidates)
		require.NoError(t, err)
		picks = append(picks, inst.ID)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, picks)
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
