package pull

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/outbox"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/retry"
	"github.com/roach88/tillsync/internal/store"
)

const (
	DefaultPageSize     = 100
	DefaultMaxPages     = 50
	DefaultFetchRetries = 2
)

// Source serves pages of remote changes.
type Source interface {
	FetchPage(ctx context.Context, req remote.PageRequest) (remote.Page, error)
}

// Applier writes remote changes into the local domain tables. It receives
// only changes that are new or changed, in ascending sequence order.
type Applier interface {
	Apply(ctx context.Context, tenantID, entityType string, changes []remote.Change) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, tenantID, entityType string, changes []remote.Change) error

func (f ApplierFunc) Apply(ctx context.Context, tenantID, entityType string, changes []remote.Change) error {
	return f(ctx, tenantID, entityType, changes)
}

// Result summarizes one Pull.
type Result struct {
	EntityType string `json:"entity_type"`
	Resumed    bool   `json:"resumed"`
	Pages      int    `json:"pages"`
	Fetched    int    `json:"fetched"`
	Applied    int    `json:"applied"`
	Duplicates int    `json:"duplicates"`
	Stale      int    `json:"stale"`
	Failed     int    `json:"failed"`
	Sequence   int64  `json:"sequence"`
	Completed  bool   `json:"completed"`
}

// Stats converts r to the counters reported at session closure.
func (r Result) Stats() remote.OperationStats {
	return remote.OperationStats{
		Pulled:  r.Fetched,
		Applied: r.Applied,
		Skipped: r.Duplicates + r.Stale,
		Failed:  r.Failed,
	}
}

// Puller pages through the remote change feed of one entity type at a time.
type Puller struct {
	tracker      *Tracker
	queue        *outbox.Queue
	policy       retry.Policy
	pageSize     int
	maxPages     int
	fetchRetries int
	sleep        func(context.Context, time.Duration) error
	logger       *slog.Logger
}

// Option configures a Puller.
type Option func(*Puller)

// WithPageSize sets the page size requested from the remote.
func WithPageSize(n int) Option {
	return func(p *Puller) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// WithMaxPages bounds the pages fetched per Pull. An unfinished pull resumes
// on the next call.
func WithMaxPages(n int) Option {
	return func(p *Puller) {
		if n > 0 {
			p.maxPages = n
		}
	}
}

// WithFetchRetries sets how often a transient fetch failure is retried
// within one Pull.
func WithFetchRetries(n int) Option {
	return func(p *Puller) {
		if n >= 0 {
			p.fetchRetries = n
		}
	}
}

// WithPolicy sets the backoff used between fetch retries.
func WithPolicy(policy retry.Policy) Option {
	return func(p *Puller) {
		p.policy = policy
	}
}

// WithTracking records failed pages as pull_tracking items in q so they
// surface in queue depth and the dead-letter partition.
func WithTracking(q *outbox.Queue) Option {
	return func(p *Puller) {
		p.queue = q
	}
}

// WithSleep replaces the wait between fetch retries.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(p *Puller) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Puller) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPuller creates a Puller.
func NewPuller(tracker *Tracker, opts ...Option) *Puller {
	p := &Puller{
		tracker:      tracker,
		policy:       retry.DefaultPolicy(),
		pageSize:     DefaultPageSize,
		maxPages:     DefaultMaxPages,
		fetchRetries: DefaultFetchRetries,
		sleep:        sleepContext,
		logger:       tracker.logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pull fetches and applies pages until the remote reports no more, the page
// bound is hit, or an error occurs. A page is recorded only after it was
// applied, so a failed or interrupted pull resumes at the first unapplied
// page.
func (p *Puller) Pull(ctx context.Context, tenantID, entityType string, src Source, applier Applier, forceReset bool) (Result, error) {
	res := Result{EntityType: entityType}

	sess, err := p.tracker.StartOrResume(ctx, tenantID, entityType, forceReset)
	if err != nil {
		return res, err
	}
	res.Resumed = sess.IsResumed
	res.Sequence = sess.Sequence

	for res.Pages < p.maxPages {
		page, err := p.fetch(ctx, src, sess)
		if err != nil {
			if ctx.Err() == nil {
				p.track(ctx, sess, err)
			}
			return res, fmt.Errorf("pull %s: %w", entityType, err)
		}
		res.Pages++
		res.Fetched += len(page.Changes)

		seq := page.MaxSequence()
		if _, err := p.tracker.AdvanceSeenSequence(ctx, tenantID, entityType, seq); err != nil {
			return res, err
		}

		applied, err := p.applyPage(ctx, sess, page, applier, &res)
		if err != nil {
			if ctx.Err() == nil {
				p.track(ctx, sess, err)
			}
			return res, fmt.Errorf("pull %s: %w", entityType, err)
		}

		if err := p.tracker.CommitPage(ctx, sess, applied, store.PageUpdate{
			Token:      page.NextCursor,
			HasMore:    page.HasMore,
			Sequence:   seq,
			ServerTime: page.ServerTime,
			Records:    len(page.Changes),
		}); err != nil {
			return res, err
		}
		res.Applied += len(applied)
		res.Sequence = sess.Sequence

		if !page.HasMore {
			res.Completed = true
			break
		}
	}

	p.resolveTracking(ctx, tenantID, entityType)

	p.logger.Info("pull finished",
		"tenant", tenantID,
		"entity_type", entityType,
		"resumed", res.Resumed,
		"pages", res.Pages,
		"applied", res.Applied,
		"duplicates", res.Duplicates,
		"stale", res.Stale,
		"completed", res.Completed)
	return res, nil
}

// fetch requests the next page, retrying transient failures with backoff.
func (p *Puller) fetch(ctx context.Context, src Source, sess *Session) (remote.Page, error) {
	req := remote.PageRequest{
		TenantID:      sess.TenantID,
		EntityType:    sess.EntityType,
		Cursor:        sess.Cursor,
		SinceSequence: sess.SinceSequence,
		Limit:         p.pageSize,
	}
	for attempt := 1; ; attempt++ {
		page, err := src.FetchPage(ctx, req)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return remote.Page{}, ctx.Err()
		}
		category := retry.Classify(err, retry.StatusOf(err))
		if category != ir.CategoryTransient || attempt > p.fetchRetries {
			return remote.Page{}, err
		}
		delay := p.policy.NextAttemptDelay(attempt, category)
		p.logger.Warn("page fetch failed, retrying",
			"tenant", sess.TenantID,
			"entity_type", sess.EntityType,
			"attempt", attempt,
			"delay", delay,
			"error", retry.Sanitize(err))
		if err := p.sleep(ctx, delay); err != nil {
			return remote.Page{}, err
		}
	}
}

// applyPage filters a page against the ledger and applies what is new or
// changed. It returns the applied candidates for the ledger. Changes whose
// payload cannot be hashed are dead-lettered as tracking items.
func (p *Puller) applyPage(ctx context.Context, sess *Session, page remote.Page, applier Applier, res *Result) ([]Candidate, error) {
	changes := make(map[string]remote.Change, len(page.Changes))
	candidates := make([]Candidate, 0, len(page.Changes))
	for _, ch := range page.Changes {
		payload := ch.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		hash, err := ir.ContentHash(payload)
		if err != nil {
			res.Failed++
			p.logger.Warn("skipping malformed change",
				"tenant", sess.TenantID,
				"entity_type", sess.EntityType,
				"record_id", ch.RecordID,
				"sequence", ch.Sequence,
				"error", retry.Sanitize(err))
			p.trackMalformed(ctx, sess, ch, err)
			continue
		}
		if prev, ok := changes[ch.RecordID]; !ok || ch.Sequence >= prev.Sequence {
			changes[ch.RecordID] = ch
		}
		candidates = append(candidates, Candidate{
			RecordID:    ch.RecordID,
			Sequence:    ch.Sequence,
			ContentHash: hash,
		})
	}

	filtered, err := p.tracker.FilterAlreadyApplied(ctx, sess.TenantID, sess.EntityType, candidates)
	if err != nil {
		return nil, err
	}
	res.Duplicates += len(filtered.Duplicates)
	res.Stale += len(filtered.Stale)

	toApply := filtered.ToApply()
	if len(toApply) == 0 {
		return nil, nil
	}
	batch := make([]remote.Change, 0, len(toApply))
	for _, c := range toApply {
		batch = append(batch, changes[c.RecordID])
	}
	if err := applier.Apply(ctx, sess.TenantID, sess.EntityType, batch); err != nil {
		return nil, err
	}
	return toApply, nil
}

// trackMalformed dead-letters one unreadable record version as a
// pull_tracking item keyed by record id and sequence. A later valid version
// of the record resolves it.
func (p *Puller) trackMalformed(ctx context.Context, sess *Session, ch remote.Change, cause error) {
	if p.queue == nil {
		return
	}
	payload, err := json.Marshal(malformedRecord{RecordID: ch.RecordID, Sequence: ch.Sequence})
	if err != nil {
		return
	}
	item, _, err := p.queue.EnqueueIdempotent(ctx, sess.TenantID, outbox.Request{
		EntityType: sess.EntityType,
		EntityID:   ch.RecordID,
		Operation:  ir.OperationUpdate,
		Payload:    payload,
		Direction:  ir.DirectionPullTracking,
	}, "")
	if err != nil {
		p.logger.Warn("tracking malformed change",
			"tenant", sess.TenantID,
			"entity_type", sess.EntityType,
			"record_id", ch.RecordID,
			"error", retry.Sanitize(err))
		return
	}
	if item.Synced || item.DeadLettered {
		return
	}
	cause = retry.Wrap(ir.CategoryStructural,
		fmt.Errorf("record %s at sequence %d: malformed payload: %w", ch.RecordID, ch.Sequence, cause))
	if _, err := p.queue.IncrementAttempt(ctx, sess.TenantID, item.ID, cause, ir.Diagnostics{}); err != nil {
		p.logger.Warn("tracking malformed change",
			"tenant", sess.TenantID,
			"entity_type", sess.EntityType,
			"record_id", ch.RecordID,
			"error", retry.Sanitize(err))
	}
}

// malformedRecord is the payload of a record-level tracking item.
type malformedRecord struct {
	RecordID string `json:"record_id"`
	Sequence int64  `json:"sequence"`
}


// track records a failed page as a pull_tracking item. Failures here are
// logged and never mask the pull error.
func (p *Puller) track(ctx context.Context, sess *Session, cause error) {
	if p.queue == nil {
		return
	}
	entityID := sess.Cursor
	if entityID == "" {
		entityID = "start"
	}
	payload, err := json.Marshal(map[string]any{
		"cursor":         sess.Cursor,
		"since_sequence": sess.SinceSequence,
	})
	if err != nil {
		return
	}

	item, _, err := p.queue.EnqueueIdempotent(ctx, sess.TenantID, outbox.Request{
		EntityType: sess.EntityType,
		EntityID:   entityID,
		Operation:  ir.OperationUpdate,
		Payload:    payload,
		Direction:  ir.DirectionPullTracking,
	}, "")
	if err != nil {
		p.logger.Warn("tracking pull failure",
			"tenant", sess.TenantID,
			"entity_type", sess.EntityType,
			"error", retry.Sanitize(err))
		return
	}
	if item.Synced || item.DeadLettered {
		return
	}
	if _, err := p.queue.IncrementAttempt(ctx, sess.TenantID, item.ID, cause, remote.DiagnosticsOf(cause)); err != nil {
		p.logger.Warn("tracking pull failure",
			"tenant", sess.TenantID,
			"entity_type", sess.EntityType,
			"error", retry.Sanitize(err))
	}
}

// resolveTracking marks the entity type's pending tracking items synced
// after a pull got past them. A record-level item is resolved only once the
// ledger holds that record at or beyond its sequence.
func (p *Puller) resolveTracking(ctx context.Context, tenantID, entityType string) {
	if p.queue == nil {
		return
	}
	items, err := p.queue.PendingTracking(ctx, tenantID, entityType)
	if err != nil {
		p.logger.Warn("listing pull tracking", "tenant", tenantID, "entity_type", entityType, "error", err)
		return
	}
	for _, it := range items {
		var rec malformedRecord
		if json.Unmarshal(it.Payload, &rec) == nil && rec.RecordID != "" {
			ok, err := p.tracker.AppliedSince(ctx, tenantID, entityType, rec.RecordID, rec.Sequence)
			if err != nil {
				p.logger.Warn("resolving pull tracking", "tenant", tenantID, "id", it.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		if _, err := p.queue.MarkSynced(ctx, tenantID, it.ID, ir.Diagnostics{}); err != nil {
			p.logger.Warn("resolving pull tracking", "tenant", tenantID, "id", it.ID, "error", err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
