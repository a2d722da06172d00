package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/session"
)

func TestScheduler_TriggerRunsRound(t *testing.T) {
	te := createTestEngine(t, WithEntityTypes())
	enqueueSale(t, te.queue, "s1")

	reports := make(chan CycleReport, 4)
	s := NewScheduler(te.Engine, []string{tenant, "store-002"},
		WithInterval(time.Hour),
		WithCycleHook(func(r CycleReport, err error) {
			assert.NoError(t, err)
			reports <- r
		}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.True(t, s.Trigger())

	first := <-reports
	second := <-reports
	assert.Equal(t, tenant, first.TenantID)
	assert.Equal(t, 1, first.Push.Partitions["sale"].Pushed)
	assert.Equal(t, "store-002", second.TenantID)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, s.Running())
}

func TestScheduler_RunOnStart(t *testing.T) {
	te := createTestEngine(t, WithEntityTypes())

	reports := make(chan CycleReport, 1)
	s := NewScheduler(te.Engine, []string{tenant},
		WithInterval(time.Hour),
		WithRunOnStart(true),
		WithCycleHook(func(r CycleReport, err error) { reports <- r }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	r := <-reports
	assert.Equal(t, "session-1", r.SessionID)

	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_TriggerCoalesces(t *testing.T) {
	te := createTestEngine(t)
	s := NewScheduler(te.Engine, []string{tenant})

	assert.True(t, s.Trigger())
	assert.False(t, s.Trigger())
}

func TestScheduler_SingleRun(t *testing.T) {
	te := createTestEngine(t, WithEntityTypes())

	started := make(chan struct{})
	s := NewScheduler(te.Engine, []string{tenant},
		WithInterval(time.Hour),
		WithRunOnStart(true),
		WithCycleHook(func(CycleReport, error) { close(started) }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-started

	err := s.Run(ctx)
	require.Error(t, err)
	assert.True(t, session.IsCycleInProgress(err))

	cancel()
	require.NoError(t, <-done)
}
