package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/tillsync/internal/retry"
	"github.com/roach88/tillsync/internal/session"
)

// DefaultInterval is the time between scheduled cycles.
const DefaultInterval = 5 * time.Minute

// Scheduler runs cycles for a fixed set of tenants periodically and on demand.
//
// Thread-safety: Trigger is safe from any goroutine. Run must be called from
// exactly one goroutine.
type Scheduler struct {
	engine     *Engine
	tenants    []string
	interval   time.Duration
	runOnStart bool
	trigger    chan struct{}
	onCycle    func(CycleReport, error)
	running    atomic.Bool
	logger     *slog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the time between scheduled cycles.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRunOnStart runs one round as soon as Run is called.
func WithRunOnStart(v bool) SchedulerOption {
	return func(s *Scheduler) {
		s.runOnStart = v
	}
}

// WithCycleHook calls fn after every cycle the scheduler runs.
func WithCycleHook(fn func(CycleReport, error)) SchedulerOption {
	return func(s *Scheduler) {
		s.onCycle = fn
	}
}

// NewScheduler creates a scheduler over e for tenants.
func NewScheduler(e *Engine, tenants []string, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:   e,
		tenants:  append([]string(nil), tenants...),
		interval: DefaultInterval,
		trigger:  make(chan struct{}, 1),
		logger:   e.logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger requests a round outside the schedule. It never blocks; requests
// made while one is already queued are coalesced. Returns false when a
// request was already queued.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run runs a round of cycles, one per tenant, on every tick and trigger
// until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return &session.Error{Code: session.ErrCodeCycleInProgress, Message: "scheduler already running"}
	}
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tenants", len(s.tenants), "interval", s.interval)
	if s.runOnStart {
		s.round(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.round(ctx)
		case <-s.trigger:
			s.round(ctx)
		}
	}
}

// round runs one cycle per tenant in order.
func (s *Scheduler) round(ctx context.Context) {
	for _, tenantID := range s.tenants {
		if ctx.Err() != nil {
			return
		}
		report, err := s.engine.RunCycle(ctx, tenantID, false)
		switch {
		case err == nil:
		case session.IsCycleInProgress(err):
			s.logger.Debug("cycle already in progress, skipping", "tenant", tenantID)
		case session.IsRevoked(err):
			s.logger.Warn("tenant blocked by remote", "tenant", tenantID, "error", err)
		default:
			s.logger.Error("cycle failed", "tenant", tenantID, "error", retry.Sanitize(err))
		}
		if s.onCycle != nil {
			s.onCycle(report, err)
		}
	}
}
