// Package session runs sync cycles against the remote session API, one at a
// time per process.
//
// A cycle opens a remote session, runs caller-supplied operations with a
// *Context they report statistics through, and always attempts to close the
// remote session with the aggregated statistics. The Orchestrator is an
// explicit service object owned by whatever hosts the sync loop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/retry"
)

// DefaultCompleteTimeout bounds the best-effort session closure.
const DefaultCompleteTimeout = 30 * time.Second

// State is the lifecycle position of the orchestrator.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateCompleting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StateCompleting:
		return "COMPLETING"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Remote is the session half of the remote API.
type Remote interface {
	StartSyncSession(ctx context.Context, tenantID string) (remote.StartResponse, error)
	CompleteSyncSession(ctx context.Context, sessionID string, lastSequence int64, stats map[string]remote.OperationStats) error
}

// Operations is the work of one cycle.
type Operations func(ctx context.Context, sc *Context) error

// Orchestrator is the single-flight cycle runner.
//
// Thread-safety: All methods are safe for concurrent use. RunCycle admits
// one caller at a time across all tenants; the others are rejected with
// ErrCycleInProgress without blocking.
type Orchestrator struct {
	remote          Remote
	now             func() time.Time
	tracer          trace.Tracer
	logger          *slog.Logger
	completeTimeout time.Duration

	// mu serializes ownership changes; readers use the atomics directly.
	mu         sync.Mutex
	state      atomic.Int32
	generation atomic.Uint64
	active     atomic.Pointer[Snapshot]
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the time source for session start times.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTracer sets the tracer cycles are recorded with.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCompleteTimeout bounds the session closure call.
func WithCompleteTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.completeTimeout = d
		}
	}
}

// New creates an idle orchestrator.
func New(r Remote, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		remote:          r,
		now:             time.Now,
		tracer:          otel.Tracer("github.com/roach88/tillsync/internal/session"),
		logger:          slog.Default(),
		completeTimeout: DefaultCompleteTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// GetActiveSession returns the in-flight session, or nil when idle. The
// returned snapshot is never mutated; progress publishes a new one.
func (o *Orchestrator) GetActiveSession() *Snapshot {
	return o.active.Load()
}

// ForceCleanup discards in-memory session state unconditionally. A cycle
// still running afterwards can no longer publish state or release the
// orchestrator; its remote closure is still attempted.
func (o *Orchestrator) ForceCleanup() {
	o.mu.Lock()
	o.generation.Add(1)
	prev := State(o.state.Swap(int32(StateIdle)))
	stale := o.active.Swap(nil)
	o.mu.Unlock()

	if prev != StateIdle || stale != nil {
		o.logger.Warn("forced session cleanup", "previous_state", prev.String())
	}
}

// RunCycle runs ops inside a remote session for tenantID.
//
// It fails fast with ErrCycleInProgress when any cycle is in flight, with an
// ErrCodeStartFailed *Error when the session cannot be opened, and with a
// *SessionRevokedError when the remote blocks the tenant; ops is not run in
// the last two cases. Closure is attempted on every path after a session was
// opened, and its failure never fails the cycle. The returned snapshot is the
// final state of the session, nil if none was opened.
func (o *Orchestrator) RunCycle(ctx context.Context, tenantID string, ops Operations) (_ *Snapshot, err error) {
	if tenantID == "" {
		return nil, &Error{Code: ErrCodeTenantRequired, Message: "tenant id is required"}
	}

	gen, ok := o.acquire()
	if !ok {
		o.logger.Debug("cycle rejected", "tenant", tenantID, "state", o.State().String())
		return nil, &Error{Code: ErrCodeCycleInProgress, Message: ErrCycleInProgress.Message, TenantID: tenantID}
	}
	defer o.release(gen)

	ctx, span := o.tracer.Start(ctx, "sync.cycle", trace.WithAttributes(attribute.String("tenant", tenantID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, retry.Sanitize(err))
		}
		span.End()
	}()

	sc := &Context{
		o:          o,
		generation: gen,
		snap: Snapshot{
			TenantID:  tenantID,
			State:     StateStarting,
			StartedAt: o.now(),
			Stats:     map[string]remote.OperationStats{},
		},
	}
	sc.publish()

	resp, err := o.remote.StartSyncSession(ctx, tenantID)
	if err != nil {
		o.logger.Warn("session start failed", "tenant", tenantID, "error", retry.Sanitize(err))
		return nil, &Error{
			Code:     ErrCodeStartFailed,
			Message:  "remote session could not be opened",
			TenantID: tenantID,
			Err:      err,
		}
	}
	resp.RevocationStatus = ir.ParseRevocationStatus(string(resp.RevocationStatus))
	if !resp.RevocationStatus.Known() {
		o.logger.Warn("unknown revocation status, treating tenant as blocked",
			"tenant", tenantID,
			"session_id", resp.SessionID,
			"status", resp.RevocationStatus)
	}
	span.SetAttributes(
		attribute.String("session_id", resp.SessionID),
		attribute.String("revocation_status", string(resp.RevocationStatus)))

	sc.opened(resp)
	defer o.complete(ctx, sc)

	if resp.RevocationStatus.Blocked() {
		o.logger.Warn("session blocked by remote",
			"tenant", tenantID,
			"session_id", resp.SessionID,
			"status", resp.RevocationStatus)
		return sc.final(), &SessionRevokedError{
			TenantID:  tenantID,
			SessionID: resp.SessionID,
			Status:    resp.RevocationStatus,
			Message:   resp.LockoutMessage,
		}
	}

	o.setState(gen, StateActive)
	sc.setState(StateActive)
	o.logger.Info("session started",
		"tenant", tenantID,
		"session_id", resp.SessionID,
		"pull_pending", resp.PullPendingCount)

	if err := ops(ctx, sc); err != nil {
		return sc.final(), fmt.Errorf("sync cycle: %w", err)
	}
	return sc.final(), nil
}

// complete closes the remote session with the aggregated stats. It never
// fails the cycle.
func (o *Orchestrator) complete(ctx context.Context, sc *Context) {
	o.setState(sc.generation, StateCompleting)
	sc.setState(StateCompleting)
	snap := sc.Snapshot()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.completeTimeout)
	defer cancel()

	if err := o.remote.CompleteSyncSession(cctx, snap.SessionID, snap.LastSequence, snap.Stats); err != nil {
		o.logger.Warn("session completion failed",
			"tenant", snap.TenantID,
			"session_id", snap.SessionID,
			"error", retry.Sanitize(err))
		trace.SpanFromContext(ctx).AddEvent("completion_failed")
	} else {
		totals := snap.Totals()
		o.logger.Info("session completed",
			"tenant", snap.TenantID,
			"session_id", snap.SessionID,
			"last_sequence", snap.LastSequence,
			"pushed", totals.Pushed,
			"pulled", totals.Pulled,
			"failed", totals.Failed,
			"dead_lettered", totals.DeadLettered)
	}
	sc.markCompleted()
}

// acquire takes the orchestrator for one cycle. The compare-and-swap happens
// before any I/O so two callers can never both pass.
func (o *Orchestrator) acquire() (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return 0, false
	}
	return o.generation.Load(), true
}

// release returns the orchestrator to IDLE unless a forced cleanup already
// handed it on.
func (o *Orchestrator) release(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation.Load() != gen {
		return
	}
	o.active.Store(nil)
	o.state.Store(int32(StateIdle))
}

func (o *Orchestrator) setState(gen uint64, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation.Load() == gen {
		o.state.Store(int32(s))
	}
}

func (o *Orchestrator) publish(gen uint64, snap *Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation.Load() == gen {
		o.active.Store(snap)
	}
}
