// Package routeregistry implements C6: the per-server instance list, the
// short-TTL resolution cache, and health-score bookkeeping. It deliberately
// never calls the circuit breaker's OnSuccess/OnFailure — those belong
// solely to whatever executes the call (the router, through the breaker) —
// fixing the double-update bug where both the registry and the breaker
// tracked success/failure independently.
package routeregistry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullrunner/mcp-gateway/pkg/breaker"
	"github.com/nullrunner/mcp-gateway/pkg/loadbalancer"
)

const (
	defaultCacheTTL        = 5 * time.Second
	defaultLatencyBudgetMs = 200.0
	healthUp               = 2.0
	healthDown             = 10.0
	maxHealth              = 100.0
	minHealth              = 0.0
)

// Instance is one replica of a logical server.
type Instance struct {
	ID          string
	URL         string
	Weight      int
	HealthScore float64
}

type cacheEntry struct {
	instance   Instance
	pickedAt   time.Time
}

// serverState holds one logical server's instance list and resolution
// cache. The instance slice is replaced wholesale on UpdateServers; the
// cache entry is a lock-free atomic pointer so the hot Pick path never
// blocks behind a writer.
type serverState struct {
	mu        sync.RWMutex
	instances []Instance
	cache     atomic.Pointer[cacheEntry]
}

// Registry tracks every known logical server's instances.
type Registry struct {
	mu       sync.RWMutex
	servers  map[string]*serverState
	breaker  *breaker.Breaker
	picker   *loadbalancer.Picker
	cacheTTL time.Duration
	now      func() time.Time
}

func New(br *breaker.Breaker, picker *loadbalancer.Picker) *Registry {
	return &Registry{
		servers:  make(map[string]*serverState),
		breaker:  br,
		picker:   picker,
		cacheTTL: defaultCacheTTL,
		now:      time.Now,
	}
}

func (r *Registry) stateFor(serverID string) *serverState {
	r.mu.RLock()
	s, ok := r.servers[serverID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok = r.servers[serverID]
	if !ok {
		s = &serverState{}
		r.servers[serverID] = s
	}
	return s
}

// UpdateServers replaces the instance list for serverID wholesale (used on
// config reload or discovery refresh).
func (r *Registry) UpdateServers(serverID string, instances []Instance) {
	s := r.stateFor(serverID)
	s.mu.Lock()
	s.instances = instances
	s.mu.Unlock()
	s.cache.Store(nil)
}

func breakerKey(serverID, instanceID string) string {
	return serverID + "::" + instanceID
}

// Pick returns a healthy instance for serverID: filter by circuit-breaker
// admissibility, delegate to the load balancer, cache the result for
// cacheTTL. The cache is bypassed (and refreshed) whenever the previously
// cached instance's circuit is no longer admissible.
func (r *Registry) Pick(serverID string) (Instance, bool) {
	s := r.stateFor(serverID)

	if cached := s.cache.Load(); cached != nil {
		if r.now().Sub(cached.pickedAt) < r.cacheTTL && r.breaker.Allowed(breakerKey(serverID, cached.instance.ID)) {
			return cached.instance, true
		}
	}

	s.mu.RLock()
	all := make([]Instance, len(s.instances))
	copy(all, s.instances)
	s.mu.RUnlock()

	eligible := make([]loadbalancer.Instance, 0, len(all))
	byID := make(map[string]Instance, len(all))
	for _, inst := range all {
		if r.breaker.Allowed(breakerKey(serverID, inst.ID)) {
			eligible = append(eligible, loadbalancer.Instance{ID: inst.ID, Weight: inst.Weight, HealthScore: inst.HealthScore})
			byID[inst.ID] = inst
		}
	}

	picked, err := r.picker.Pick(serverID, eligible)
	if err != nil {
		return Instance{}, false
	}

	chosen := byID[picked.ID]
	s.cache.Store(&cacheEntry{instance: chosen, pickedAt: r.now()})
	return chosen, true
}

// latencyFactor decays from 1.0 toward 0 as latency exceeds budgetMs,
// per spec's "decays past a latency budget" rule.
func latencyFactor(latencyMs float64, budgetMs float64) float64 {
	if latencyMs <= budgetMs {
		return 1.0
	}
	return budgetMs / latencyMs
}

// MarkSuccess raises instanceID's health score; it never touches breaker
// state.
func (r *Registry) MarkSuccess(serverID, instanceID string, latencyMs float64) {
	r.adjustHealth(serverID, instanceID, func(score float64) float64 {
		delta := healthUp * latencyFactor(latencyMs, defaultLatencyBudgetMs)
		return min(maxHealth, score+delta)
	})
}

// MarkFailure lowers instanceID's health score; it never touches breaker
// state.
func (r *Registry) MarkFailure(serverID, instanceID string) {
	r.adjustHealth(serverID, instanceID, func(score float64) float64 {
		return max(minHealth, score-healthDown)
	})
}

func (r *Registry) adjustHealth(serverID, instanceID string, f func(float64) float64) {
	s := r.stateFor(serverID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.instances {
		if s.instances[i].ID == instanceID {
			s.instances[i].HealthScore = f(s.instances[i].HealthScore)
			break
		}
	}
}

// Refresh clears every server's resolution cache, forcing the next Pick to
// re-evaluate breaker admissibility and re-run the load balancer.
func (r *Registry) Refresh() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.servers {
		s.cache.Store(nil)
	}
}
