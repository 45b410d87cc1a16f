package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	vetoNext bool
	prepared []MasterConfig
	commited []MasterConfig
}

func (s *recordingSubscriber) Prepare(next, prev MasterConfig) error {
	s.prepared = append(s.prepared, next)
	if s.vetoNext {
		return assert.AnError
	}
	return nil
}

func (s *recordingSubscriber) Commit(next MasterConfig) {
	s.commited = append(s.commited, next)
}

func TestManagerAppliesAndCommitsWhenNoVeto(t *testing.T) {
	initial := Default()
	m := NewManager(initial)
	m.minApplyGap = 0
	m.StartupDone()

	sub := &recordingSubscriber{}
	m.Subscribe(sub)

	next := Default()
	next.Logging.Level = "debug"
	next.Environment = "development"

	require.NoError(t, m.Apply(context.Background(), next))
	assert.Equal(t, "debug", m.Current().Logging.Level)
	require.Len(t, sub.commited, 1)
	assert.Equal(t, "debug", sub.commited[0].Logging.Level)
}

func TestManagerVetoKeepsPreviousSnapshot(t *testing.T) {
	initial := Default()
	initial.Logging.Level = "warn"
	m := NewManager(initial)
	m.minApplyGap = 0
	m.StartupDone()

	sub := &recordingSubscriber{vetoNext: true}
	m.Subscribe(sub)

	next := Default()
	next.Logging.Level = "debug"

	err := m.Apply(context.Background(), next)
	require.Error(t, err)
	assert.Equal(t, "warn", m.Current().Logging.Level)
	assert.Empty(t, sub.commited)
}

func TestManagerRejectsRestartOnlyChangeAfterStartup(t *testing.T) {
	initial := Default()
	initial.Hosting.Port = 8080
	m := NewManager(initial)
	m.minApplyGap = 0
	m.StartupDone()

	next := Default()
	next.Hosting.Port = 9090

	err := m.Apply(context.Background(), next)
	require.Error(t, err)
	assert.Equal(t, 8080, m.Current().Hosting.Port)
}

func TestManagerAllowsRestartOnlyChangeBeforeStartupDone(t *testing.T) {
	initial := Default()
	initial.Hosting.Port = 8080
	m := NewManager(initial)
	m.minApplyGap = 0

	next := Default()
	next.Hosting.Port = 9090

	require.NoError(t, m.Apply(context.Background(), next))
	assert.Equal(t, 9090, m.Current().Hosting.Port)
}

func TestManagerRateLimitsApplies(t *testing.T) {
	initial := Default()
	m := NewManager(initial)
	m.StartupDone()
	m.minApplyGap = time.Hour

	first := Default()
	first.Logging.Level = "debug"
	require.NoError(t, m.Apply(context.Background(), first))

	second := Default()
	second.Logging.Level = "warn"
	err := m.Apply(context.Background(), second)
	require.Error(t, err)
	assert.Equal(t, "debug", m.Current().Logging.Level)
}
