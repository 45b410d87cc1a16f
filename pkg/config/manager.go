package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
	"github.com/nullrunner/mcp-gateway/pkg/log"
)

// Subscriber is notified of a candidate configuration change in two
// phases: Prepare may veto by returning an error (the candidate is
// discarded and the previous snapshot stays active); Commit applies a
// prepared change and must not fail for reasons Prepare could have caught.
type Subscriber interface {
	Prepare(next, prev MasterConfig) error
	Commit(next MasterConfig)
}

// Section classifies how a given dotted config path may change at runtime.
type Section int

const (
	SectionSafe Section = iota
	SectionRequiresRestart
)

// classify implements §4.12's hot-reload classification table.
func classify(path string) Section {
	switch {
	case path == "hosting.port", path == "hosting.platform":
		return SectionRequiresRestart
	case path == "security.config_key_env":
		return SectionRequiresRestart
	default:
		return SectionSafe
	}
}

// restartOnlyDiff reports the requires-restart paths whose values differ
// between prev and next, so Manager can reject a runtime apply that would
// silently change them.
func restartOnlyDiff(prev, next MasterConfig) []string {
	var changed []string
	if prev.Hosting.Port != next.Hosting.Port {
		changed = append(changed, "hosting.port")
	}
	if prev.Hosting.Platform != next.Hosting.Platform {
		changed = append(changed, "hosting.platform")
	}
	if prev.Security.ConfigKeyEnv != next.Security.ConfigKeyEnv {
		changed = append(changed, "security.config_key_env")
	}
	return changed
}

// Manager owns the current "last known good" MasterConfig snapshot and
// drives the two-phase apply described in §4.12: candidate load+validate,
// subscriber prepare (any veto aborts), then commit. Applies are rate
// limited to one per 500ms and requests for a restart-only-section change
// are rejected outright rather than silently ignored.
type Manager struct {
	mu          sync.RWMutex
	current     MasterConfig
	subscribers []Subscriber

	applyMu      sync.Mutex
	lastApply    time.Time
	minApplyGap  time.Duration
	allowRestart bool // true only at process startup
}

// NewManager constructs a Manager seeded with an already-loaded snapshot.
func NewManager(initial MasterConfig) *Manager {
	return &Manager{
		current:      initial,
		minApplyGap:  500 * time.Millisecond,
		allowRestart: true,
	}
}

// Current returns the active snapshot.
func (m *Manager) Current() MasterConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers s to participate in future two-phase applies.
func (m *Manager) Subscribe(s Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, s)
}

// StartupDone marks the initial load complete: subsequent Apply calls that
// would touch a requires-restart section are rejected rather than applied.
func (m *Manager) StartupDone() {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	m.allowRestart = false
}

// Apply runs the two-phase apply for a freshly loaded candidate. It is safe
// to call from multiple goroutines (e.g. both a file-watch and a manual
// reload command); concurrent callers serialize on the rate limiter.
func (m *Manager) Apply(ctx context.Context, next MasterConfig) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if !m.lastApply.IsZero() && time.Since(m.lastApply) < m.minApplyGap {
		return gwerrors.Config(gwerrors.CodeSchema, fmt.Sprintf("config apply rate limited, retry in %s", m.minApplyGap-time.Since(m.lastApply)), nil)
	}

	prev := m.Current()

	if !m.allowRestart {
		if changed := restartOnlyDiff(prev, next); len(changed) > 0 {
			return gwerrors.Config(gwerrors.CodeSchema, fmt.Sprintf("config change to %v requires a restart, rejected at runtime", changed), nil)
		}
	}

	m.mu.RLock()
	subs := append([]Subscriber(nil), m.subscribers...)
	m.mu.RUnlock()

	for _, s := range subs {
		if err := s.Prepare(next, prev); err != nil {
			return gwerrors.Config(gwerrors.CodeSchema, "subscriber vetoed config change", err)
		}
	}

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	for _, s := range subs {
		s.Commit(next)
	}

	m.lastApply = time.Now()
	log.Logf("config: applied new snapshot (environment=%s, servers=%d)", next.Environment, len(next.Servers))
	return nil
}

// Watch loads a fresh candidate and applies it every time source reports a
// change, until ctx is cancelled or source is stopped. Load errors and
// veto'd applies are logged but never crash the watch loop — the previous
// snapshot stays active.
func (m *Manager) Watch(ctx context.Context, source ChangeSource, src Source) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-source.Changes():
			if !ok {
				return
			}
			next, err := Load(ctx, src)
			if err != nil {
				log.Errorf("config: reload failed, keeping previous snapshot: %v", err)
				continue
			}
			if err := m.Apply(ctx, next); err != nil {
				log.Errorf("config: reload rejected, keeping previous snapshot: %v", err)
			}
		}
	}
}
