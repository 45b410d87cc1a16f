// Package loadbalancer implements instance selection across the replicas
// of a single logical server (C5): round_robin, weighted, and health-biased
// strategies, all operating over a caller-supplied set of healthy
// candidates (health filtering itself lives in routeregistry/breaker).
package loadbalancer

import (
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// ErrNoHealthyInstance is returned when candidates is empty.
var ErrNoHealthyInstance = errors.New("loadbalancer: no healthy instance")

type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyWeighted   Strategy = "weighted"
	StrategyHealth     Strategy = "health"
)

// Instance is the subset of instance state the load balancer needs to pick
// among candidates; routeregistry owns the authoritative instance records.
type Instance struct {
	ID          string
	Weight      int
	HealthScore float64 // 0..100, higher is better
}

// Picker selects one instance from a slice of candidates for a given
// logical server key. A Picker is safe for concurrent use.
type Picker struct {
	strategy Strategy
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

func New(strategy Strategy) *Picker {
	return &Picker{strategy: strategy, counters: make(map[string]*atomic.Uint64)}
}

// Pick chooses one of candidates for serverKey. candidates must be
// non-empty and already filtered to instances the caller considers
// eligible (circuit not open, registry marks it healthy).
func (p *Picker) Pick(serverKey string, candidates []Instance) (Instance, error) {
	if len(candidates) == 0 {
		return Instance{}, ErrNoHealthyInstance
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	switch p.strategy {
	case StrategyWeighted:
		return p.pickWeighted(candidates), nil
	case StrategyHealth:
		return p.pickHealthBiased(serverKey, candidates), nil
	default:
		return p.pickRoundRobin(serverKey, candidates), nil
	}
}

func (p *Picker) counterFor(key string) *atomic.Uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counters[key]
	if !ok {
		c = &atomic.Uint64{}
		p.counters[key] = c
	}
	return c
}

func (p *Picker) pickRoundRobin(serverKey string, candidates []Instance) Instance {
	c := p.counterFor(serverKey)
	n := c.Add(1) - 1
	return candidates[int(n%uint64(len(candidates)))]
}

// pickWeighted draws from the weighted cumulative distribution over
// candidates' Weight fields, treating non-positive weights as 1.
func (p *Picker) pickWeighted(candidates []Instance) Instance {
	total := 0
	weights := make([]int, len(candidates))
	for i, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	draw := rand.IntN(total)
	cum := 0
	for i, w := range weights {
		cum += w
		if draw < cum {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// pickHealthBiased selects the candidate(s) with the maximum HealthScore,
// round-robining across ties (including the common case of every candidate
// sharing the same score) so the top-scoring set is still spread evenly.
func (p *Picker) pickHealthBiased(serverKey string, candidates []Instance) Instance {
	best := candidates[0].HealthScore
	for _, c := range candidates[1:] {
		if c.HealthScore > best {
			best = c.HealthScore
		}
	}

	top := make([]Instance, 0, len(candidates))
	for _, c := range candidates {
		if c.HealthScore == best {
			top = append(top, c)
		}
	}
	if len(top) == 1 {
		return top[0]
	}
	return p.pickRoundRobin(serverKey, top)
}
