// Package pull keeps inbound synchronization resumable and convergent.
//
// The Tracker owns pull cursors, the applied-record ledger and the sequence
// high-water marks. The Puller drives one entity type through the remote's
// change feed using the Tracker.
package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/store"
)

// Session is the in-progress pull of one (tenant, entity type).
type Session struct {
	TenantID      string
	EntityType    string
	IsResumed     bool
	Cursor        string
	Sequence      int64
	SinceSequence int64
	PagesFetched  int
	RecordsPulled int
	Completed     bool
	StartedAt     time.Time
}

// Candidate is one inbound record version considered for application.
type Candidate struct {
	RecordID    string
	Sequence    int64
	ContentHash string
}

// FilterResult partitions candidates against the applied ledger.
type FilterResult struct {
	// New records have never been applied.
	New []Candidate
	// Changed records were applied before with different content.
	Changed []Candidate
	// Duplicates carry content identical to what was applied.
	Duplicates []Candidate
	// Stale versions are older than what the ledger already holds, or were
	// superseded by a newer version in the same batch.
	Stale []Candidate
}

// ToApply returns New and Changed in ascending sequence order.
func (r FilterResult) ToApply() []Candidate {
	out := make([]Candidate, 0, len(r.New)+len(r.Changed))
	out = append(out, r.New...)
	out = append(out, r.Changed...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Tracker is the pull consistency tracker.
type Tracker struct {
	store  *store.Store
	logger *slog.Logger
}

// NewTracker creates a tracker over st.
func NewTracker(st *store.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: st, logger: logger}
}

// StartOrResume resumes an interrupted pull, or starts a fresh one when the
// previous pull completed, none exists, or forceReset is set. A fresh pull
// asks only for changes after the applied high-water mark; a forced reset
// asks for everything.
func (t *Tracker) StartOrResume(ctx context.Context, tenantID, entityType string, forceReset bool) (*Session, error) {
	sc, err := t.store.Tenant(tenantID)
	if err != nil {
		return nil, fmt.Errorf("start pull: %w", err)
	}

	if !forceReset {
		c, err := sc.GetCursor(ctx, entityType)
		switch {
		case err == nil && c.Interrupted():
			ts, err := sc.Timestamp(ctx, entityType)
			if err != nil {
				return nil, fmt.Errorf("start pull: %w", err)
			}
			t.logger.Info("resuming pull",
				"tenant", tenantID,
				"entity_type", entityType,
				"pages_fetched", c.PagesFetched,
				"sequence", c.Sequence)
			return sessionFrom(c, true, ts.LastAppliedSequence), nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("start pull: %w", err)
		}
	}

	c, err := sc.StartCursor(ctx, entityType, forceReset)
	if err != nil {
		return nil, fmt.Errorf("start pull: %w", err)
	}

	var since int64
	if !forceReset {
		ts, err := sc.Timestamp(ctx, entityType)
		if err != nil {
			return nil, fmt.Errorf("start pull: %w", err)
		}
		since = ts.LastAppliedSequence
	}
	t.logger.Debug("starting pull",
		"tenant", tenantID,
		"entity_type", entityType,
		"since", since,
		"force_reset", forceReset)
	return sessionFrom(c, false, since), nil
}

func sessionFrom(c ir.Cursor, resumed bool, since int64) *Session {
	return &Session{
		TenantID:      c.TenantID,
		EntityType:    c.EntityType,
		IsResumed:     resumed,
		Cursor:        c.Token,
		Sequence:      c.Sequence,
		SinceSequence: since,
		PagesFetched:  c.PagesFetched,
		RecordsPulled: c.RecordsPulled,
		Completed:     c.Completed,
		StartedAt:     c.StartedAt,
	}
}

func (s *Session) advance(c ir.Cursor) {
	s.Cursor = c.Token
	s.Sequence = c.Sequence
	s.PagesFetched = c.PagesFetched
	s.RecordsPulled = c.RecordsPulled
	s.Completed = c.Completed
}

// RecordPage persists the progress of one applied page and updates sess.
func (t *Tracker) RecordPage(ctx context.Context, sess *Session, cursor string, hasMore bool, sequence int64, serverTime *time.Time, records int) error {
	sc, err := t.store.Tenant(sess.TenantID)
	if err != nil {
		return fmt.Errorf("record page: %w", err)
	}
	c, err := sc.RecordPage(ctx, sess.EntityType, store.PageUpdate{
		Token:      cursor,
		HasMore:    hasMore,
		Sequence:   sequence,
		ServerTime: serverTime,
		Records:    records,
	})
	if err != nil {
		return err
	}
	sess.advance(c)
	return nil
}

// FilterAlreadyApplied partitions candidates against the ledger. Of several
// versions of one record in the batch only the highest sequence is
// considered; the rest are stale.
func (t *Tracker) FilterAlreadyApplied(ctx context.Context, tenantID, entityType string, candidates []Candidate) (FilterResult, error) {
	var res FilterResult
	if len(candidates) == 0 {
		return res, nil
	}

	latest := make(map[string]int, len(candidates))
	var order []string
	for i, c := range candidates {
		j, seen := latest[c.RecordID]
		if !seen {
			latest[c.RecordID] = i
			order = append(order, c.RecordID)
			continue
		}
		if c.Sequence >= candidates[j].Sequence {
			res.Stale = append(res.Stale, candidates[j])
			latest[c.RecordID] = i
		} else {
			res.Stale = append(res.Stale, c)
		}
	}

	sc, err := t.store.Tenant(tenantID)
	if err != nil {
		return FilterResult{}, fmt.Errorf("filter applied: %w", err)
	}
	ledger, err := sc.AppliedRecords(ctx, entityType, order)
	if err != nil {
		return FilterResult{}, fmt.Errorf("filter applied: %w", err)
	}

	for _, id := range order {
		c := candidates[latest[id]]
		prev, ok := ledger[id]
		switch {
		case !ok:
			res.New = append(res.New, c)
		case c.Sequence < prev.Sequence:
			res.Stale = append(res.Stale, c)
		case c.ContentHash == prev.ContentHash:
			res.Duplicates = append(res.Duplicates, c)
		default:
			res.Changed = append(res.Changed, c)
		}
	}
	return res, nil
}

// RecordApplied adds one candidate to the ledger.
func (t *Tracker) RecordApplied(ctx context.Context, tenantID, entityType string, c Candidate) error {
	sc, err := t.store.Tenant(tenantID)
	if err != nil {
		return fmt.Errorf("record applied: %w", err)
	}
	_, err = sc.RecordApplied(ctx, ledgerEntry(entityType, c))
	return err
}

// BatchRecordApplied adds candidates to the ledger in one transaction.
func (t *Tracker) BatchRecordApplied(ctx context.Context, tenantID, entityType string, cs []Candidate) (int, error) {
	if len(cs) == 0 {
		return 0, nil
	}
	sc, err := t.store.Tenant(tenantID)
	if err != nil {
		return 0, fmt.Errorf("record applied: %w", err)
	}
	recs := make([]ir.AppliedRecord, 0, len(cs))
	for _, c := range cs {
		recs = append(recs, ledgerEntry(entityType, c))
	}
	return sc.RecordAppliedBatch(ctx, recs)
}

// CommitPage records an applied page in one transaction: the applied
// candidates join the ledger, the applied mark rises to the page's sequence,
// and the cursor moves past the page. sess is updated on success.
func (t *Tracker) CommitPage(ctx context.Context, sess *Session, applied []Candidate, page store.PageUpdate) error {
	var c ir.Cursor
	err := t.store.WithTx(ctx, func(tx *store.Tx) error {
		sc, err := tx.Tenant(sess.TenantID)
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			recs := make([]ir.AppliedRecord, 0, len(applied))
			for _, a := range applied {
				recs = append(recs, ledgerEntry(sess.EntityType, a))
			}
			if _, err := sc.RecordAppliedBatch(ctx, recs); err != nil {
				return err
			}
		}
		if _, err := sc.AdvanceApplied(ctx, sess.EntityType, page.Sequence); err != nil {
			return err
		}
		c, err = sc.RecordPage(ctx, sess.EntityType, page)
		return err
	})
	if err != nil {
		return fmt.Errorf("commit page: %w", err)
	}
	sess.advance(c)
	return nil
}

// AppliedSince reports whether the ledger holds recordID at seq or later.
func (t *Tracker) AppliedSince(ctx context.Context, tenantID, entityType, recordID string, seq int64) (bool, error) {
	sc, err := t.store.Tenant(tenantID)
	if err != nil {
		return false, fmt.Errorf("applied since: %w", err)
	}
	ledger, err := sc.AppliedRecords(ctx, entityType, []string{recordID})
	if err != nil {
		return false, fmt.Errorf("applied since: %w", err)
	}
	rec, ok := ledger[recordID]
	return ok && rec.Sequence >= seq, nil
}

func ledgerEntry(entityType string, c Candidate) ir.AppliedRecord {
	return ir.AppliedRecord{
		EntityType:  entityType,
		RecordID:    c.RecordID,
		ContentHash: c.ContentHash,
		Sequence:    c.Sequence,
	}
}

// AdvanceAppliedSequence raises the applied high-water mark. Lower values are no-ops.
func (t *Tracker) AdvanceAppliedSequence(ctx context.Context, tenantID, entityType string, seq int64) (ir.SyncTimestamp, error) {
	sc, err := t.store.Tenant(tenantID)
	if err != nil {
		return ir.SyncTimestamp{}, fmt.Errorf("advance applied: %w", err)
	}
	return sc.AdvanceApplied(ctx, entityType, seq)
}

// AdvanceSeenSequence raises the seen high-water mark. Lower values are no-ops.
func (t *Tracker) AdvanceSeenSequence(ctx context.Context, tenantID, entityType string, seq int64) (ir.SyncTimestamp, error) {
	sc, err := t.store.Tenant(tenantID)
	if err != nil {
		return ir.SyncTimestamp{}, fmt.Errorf("advance seen: %w", err)
	}
	return sc.AdvanceSeen(ctx, entityType, seq)
}

// Gaps returns the entity types whose seen mark is ahead of the applied mark.
func (t *Tracker) Gaps(ctx context.Context, tenantID string) ([]ir.SyncTimestamp, error) {
	sc, err := t.store.Tenant(tenantID)
	if err != nil {
		return nil, fmt.Errorf("gaps: %w", err)
	}
	all, err := sc.Timestamps(ctx)
	if err != nil {
		return nil, err
	}
	var gaps []ir.SyncTimestamp
	for _, ts := range all {
		if ts.Gap() > 0 {
			gaps = append(gaps, ts)
		}
	}
	return gaps, nil
}

// Cursors returns every cursor of a tenant.
func (t *Tracker) Cursors(ctx context.Context, tenantID string) ([]ir.Cursor, error) {
	sc, err := t.store.Tenant(tenantID)
	if err != nil {
		return nil, fmt.Errorf("cursors: %w", err)
	}
	return sc.ListCursors(ctx)
}
