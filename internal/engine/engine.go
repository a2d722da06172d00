package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/outbox"
	"github.com/roach88/tillsync/internal/pull"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/retry"
	"github.com/roach88/tillsync/internal/session"
	"github.com/roach88/tillsync/internal/store"
)

// Order is the sequence of the pull and push steps in a cycle.
type Order string

const (
	OrderPullFirst Order = "pull_first"
	OrderPushFirst Order = "push_first"
)

// Valid reports whether o is a known order.
func (o Order) Valid() bool {
	return o == OrderPullFirst || o == OrderPushFirst
}

// Remote is everything a cycle needs from the sync service.
// Implemented by remote.HTTPClient and testutil.FakeRemote.
type Remote interface {
	session.Remote
	pull.Source
	outbox.Pusher
}

// CycleReport describes one finished cycle.
type CycleReport struct {
	Token      string                           `json:"token"`
	TenantID   string                           `json:"tenant_id"`
	SessionID  string                           `json:"session_id,omitempty"`
	StartedAt  time.Time                        `json:"started_at"`
	FinishedAt time.Time                        `json:"finished_at"`
	Reset      int                              `json:"reset,omitempty"`
	Pulls      []pull.Result                    `json:"pulls,omitempty"`
	PullErrors map[string]string                `json:"pull_errors,omitempty"`
	Push       outbox.DrainResult               `json:"push"`
	Stats      map[string]remote.OperationStats `json:"stats,omitempty"`
	Error      string                           `json:"error,omitempty"`
}

// Totals sums the per-partition stats.
func (r CycleReport) Totals() remote.OperationStats {
	var total remote.OperationStats
	for _, s := range r.Stats {
		total = total.Add(s)
	}
	return total
}

// Engine runs sync cycles for tenants of one local store.
type Engine struct {
	store        *store.Store
	queue        *outbox.Queue
	tracker      *pull.Tracker
	puller       *pull.Puller
	dispatcher   *outbox.Dispatcher
	orchestrator *session.Orchestrator
	remote       Remote
	applier      pull.Applier

	entityTypes []string
	order       Order
	tokens      TokenGenerator
	clock       Clock
	logger      *slog.Logger

	pullOpts     []pull.Option
	dispatchOpts []outbox.DispatcherOption
	sessionOpts  []session.Option

	mu   sync.Mutex
	last map[string]CycleReport
}

// Option configures an Engine.
type Option func(*Engine)

// WithEntityTypes sets the entity types pulled each cycle, in order.
func WithEntityTypes(types ...string) Option {
	return func(e *Engine) {
		e.entityTypes = append([]string(nil), types...)
	}
}

// WithOrder sets whether a cycle pulls or pushes first.
func WithOrder(o Order) Option {
	return func(e *Engine) {
		if o.Valid() {
			e.order = o
		}
	}
}

// WithTokenGenerator sets the cycle token source.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.tokens = g
		}
	}
}

// WithClock sets the time source of cycle reports.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the logger of the engine and the components it builds.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithPullOptions passes options to the Puller.
func WithPullOptions(opts ...pull.Option) Option {
	return func(e *Engine) {
		e.pullOpts = append(e.pullOpts, opts...)
	}
}

// WithDispatchOptions passes options to the Dispatcher.
func WithDispatchOptions(opts ...outbox.DispatcherOption) Option {
	return func(e *Engine) {
		e.dispatchOpts = append(e.dispatchOpts, opts...)
	}
}

// WithSessionOptions passes options to the session Orchestrator.
func WithSessionOptions(opts ...session.Option) Option {
	return func(e *Engine) {
		e.sessionOpts = append(e.sessionOpts, opts...)
	}
}

// New wires an engine over st and q. Pulled changes are handed to applier.
func New(st *store.Store, q *outbox.Queue, r Remote, applier pull.Applier, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		queue:   q,
		remote:  r,
		applier: applier,
		order:   OrderPullFirst,
		tokens:  UUIDv7Generator{},
		clock:   SystemClock{},
		logger:  slog.Default(),
		last:    make(map[string]CycleReport),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.tracker = pull.NewTracker(st, e.logger)
	pullOpts := append([]pull.Option{
		pull.WithPolicy(q.Policy()),
		pull.WithTracking(q),
		pull.WithLogger(e.logger),
	}, e.pullOpts...)
	e.puller = pull.NewPuller(e.tracker, pullOpts...)

	dispatchOpts := append([]outbox.DispatcherOption{outbox.WithDispatchLogger(e.logger)}, e.dispatchOpts...)
	e.dispatcher = outbox.NewDispatcher(q, dispatchOpts...)

	sessionOpts := append([]session.Option{
		session.WithClock(e.clock.Now),
		session.WithLogger(e.logger),
	}, e.sessionOpts...)
	e.orchestrator = session.New(r, sessionOpts...)
	return e
}

// Orchestrator returns the session orchestrator cycles run through.
func (e *Engine) Orchestrator() *session.Orchestrator {
	return e.orchestrator
}

// Queue returns the outbox queue.
func (e *Engine) Queue() *outbox.Queue {
	return e.queue
}

// RunCycle runs one cycle for tenantID. With forceReset every entity type is
// pulled from the beginning. The report is returned even when err is set.
func (e *Engine) RunCycle(ctx context.Context, tenantID string, forceReset bool) (CycleReport, error) {
	report := CycleReport{
		Token:     e.tokens.Generate(),
		TenantID:  tenantID,
		StartedAt: e.clock.Now(),
	}
	logger := e.logger.With("cycle", report.Token, "tenant", tenantID)
	logger.Debug("cycle starting", "order", string(e.order), "force_reset", forceReset)

	snap, err := e.orchestrator.RunCycle(ctx, tenantID, func(ctx context.Context, sc *session.Context) error {
		n, err := e.queue.ResetStuckInBackoff(ctx, tenantID, false)
		if err != nil {
			return err
		}
		report.Reset = n

		steps := []func(context.Context, *session.Context) error{
			func(ctx context.Context, sc *session.Context) error {
				return e.pullAll(ctx, sc, logger, forceReset, &report)
			},
			func(ctx context.Context, sc *session.Context) error {
				return e.push(ctx, sc, &report)
			},
		}
		if e.order == OrderPushFirst {
			steps[0], steps[1] = steps[1], steps[0]
		}
		for _, step := range steps {
			if err := step(ctx, sc); err != nil {
				return err
			}
		}
		return nil
	})

	report.FinishedAt = e.clock.Now()
	if snap != nil {
		report.SessionID = snap.SessionID
		report.Stats = snap.Stats
	}
	if err != nil && !session.IsCycleInProgress(err) {
		report.Error = retry.Sanitize(err)
	}
	if !session.IsCycleInProgress(err) {
		e.remember(report)
	}

	totals := report.Totals()
	logger.Info("cycle finished",
		"session_id", report.SessionID,
		"pushed", totals.Pushed,
		"pulled", totals.Pulled,
		"applied", totals.Applied,
		"failed", totals.Failed,
		"dead_lettered", totals.DeadLettered,
		"duration", report.FinishedAt.Sub(report.StartedAt),
		"error", report.Error)

	if err != nil {
		return report, fmt.Errorf("cycle %s: %w", report.Token, err)
	}
	return report, nil
}

// pullAll pulls every entity type. A failing entity type is recorded and the
// others still run; only cancellation stops the step.
func (e *Engine) pullAll(ctx context.Context, sc *session.Context, logger *slog.Logger, forceReset bool, report *CycleReport) error {
	for _, et := range e.entityTypes {
		res, err := e.puller.Pull(ctx, sc.TenantID(), et, e.remote, e.applier, forceReset)
		report.Pulls = append(report.Pulls, res)

		stats := res.Stats()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stats.Failed++
			if report.PullErrors == nil {
				report.PullErrors = make(map[string]string)
			}
			report.PullErrors[et] = retry.Sanitize(err)
			logger.Warn("pull failed", "entity_type", et, "error", retry.Sanitize(err))
		}
		sc.RecordOperationStats(et, stats)
		sc.RecordSequence(res.Sequence)
	}
	return nil
}

func (e *Engine) push(ctx context.Context, sc *session.Context, report *CycleReport) error {
	res, err := e.dispatcher.Drain(ctx, sc.TenantID(), e.remote)
	report.Push = res
	for part, stats := range res.Partitions {
		sc.RecordOperationStats(part, stats)
	}
	return err
}

func (e *Engine) remember(r CycleReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last[r.TenantID] = r
}

// LastCycle returns the most recent finished cycle of a tenant.
func (e *Engine) LastCycle(tenantID string) (CycleReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.last[tenantID]
	return r, ok
}

// Status is the observability view of one tenant. It holds counts and
// sanitized summaries only.
type Status struct {
	TenantID    string             `json:"tenant_id"`
	Queue       outbox.Depth       `json:"queue"`
	DeadLetters ir.DeadLetterStats `json:"dead_letters"`
	Cursors     []ir.Cursor        `json:"cursors"`
	Gaps        []ir.SyncTimestamp `json:"gaps,omitempty"`
	State       string             `json:"state"`
	Session     *session.Snapshot  `json:"session,omitempty"`
	LastCycle   *CycleReport       `json:"last_cycle,omitempty"`
}

// Status reports queue depth, dead letters, pull progress and the session
// state for tenantID.
func (e *Engine) Status(ctx context.Context, tenantID string) (Status, error) {
	st := Status{TenantID: tenantID}

	depth, err := e.queue.Depth(ctx, tenantID)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	st.Queue = depth

	if st.DeadLetters, err = e.queue.DeadLetterStats(ctx, tenantID); err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	if st.Cursors, err = e.tracker.Cursors(ctx, tenantID); err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	if st.Gaps, err = e.tracker.Gaps(ctx, tenantID); err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}

	st.State = e.orchestrator.State().String()
	if active := e.orchestrator.GetActiveSession(); active != nil && active.TenantID == tenantID {
		st.Session = active
	}
	if last, ok := e.LastCycle(tenantID); ok {
		st.LastCycle = &last
	}
	return st, nil
}
