package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/retry"
)

// List paging bounds.
const (
	MinListLimit = 1
	MaxListLimit = 100
)

// DeadLetter quarantines one item. It returns false, without error, when the
// item is already dead-lettered.
func (q *Queue) DeadLetter(ctx context.Context, tenantID string, id int64, reason string, category ir.ErrorCategory, errMsg string) (bool, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return false, fmt.Errorf("dead letter: %w", err)
	}
	if reason == "" {
		reason = ir.ReasonManual
	}
	ok, err := sc.DeadLetter(ctx, id, reason, category, retry.SanitizeMessage(errMsg))
	if err != nil {
		return false, err
	}
	if ok {
		q.logger.Warn("dead lettered", "tenant", tenantID, "id", id, "reason", reason, "category", category)
	}
	return ok, nil
}

// DeadLetterMany quarantines items atomically and returns how many transitioned.
func (q *Queue) DeadLetterMany(ctx context.Context, tenantID string, ids []int64, reason string, category ir.ErrorCategory) (int, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return 0, fmt.Errorf("dead letter many: %w", err)
	}
	if reason == "" {
		reason = ir.ReasonManual
	}
	n, err := sc.DeadLetterMany(ctx, ids, reason, category)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("dead lettered batch", "tenant", tenantID, "count", n, "requested", len(ids), "reason", reason)
	}
	return n, nil
}

// Restore returns a quarantined item to the queue with a fresh attempt budget.
func (q *Queue) Restore(ctx context.Context, tenantID string, id int64) (bool, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return false, fmt.Errorf("restore: %w", err)
	}
	ok, err := sc.Restore(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		q.logger.Info("restored from dead letter", "tenant", tenantID, "id", id)
	}
	return ok, nil
}

// ListDeadLetters returns sanitized summaries of quarantined items, newest
// first. limit is clamped to [1, 100] and a negative offset is treated as 0.
func (q *Queue) ListDeadLetters(ctx context.Context, tenantID string, limit, offset int) ([]ir.DeadLetterSummary, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	limit = ClampLimit(limit)
	offset = max(offset, 0)

	items, err := sc.ListDeadLetters(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]ir.DeadLetterSummary, 0, len(items))
	for _, it := range items {
		out = append(out, Summarize(it, q.summaryFields))
	}
	return out, nil
}

// DeadLetterStats aggregates a tenant's quarantine.
func (q *Queue) DeadLetterStats(ctx context.Context, tenantID string) (ir.DeadLetterStats, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return ir.DeadLetterStats{}, fmt.Errorf("dead letter stats: %w", err)
	}
	return sc.DeadLetterStats(ctx)
}

// PurgeDeadLetters deletes items quarantined longer than olderThan.
func (q *Queue) PurgeDeadLetters(ctx context.Context, tenantID string, olderThan time.Duration) (int, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	n, err := sc.PurgeDeadLetters(ctx, q.store.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("purged dead letters", "tenant", tenantID, "count", n, "older_than", olderThan)
	}
	return n, nil
}

// ClampLimit bounds a page size to [MinListLimit, MaxListLimit].
func ClampLimit(limit int) int {
	return min(max(limit, MinListLimit), MaxListLimit)
}

// Summarize builds the operator view of a dead-lettered item. Only
// allow-listed top-level scalar payload fields survive, and the error text is
// sanitized again.
func Summarize(it ir.QueueItem, fields []string) ir.DeadLetterSummary {
	s := ir.DeadLetterSummary{
		ID:            it.ID,
		EntityType:    it.EntityType,
		EntityID:      it.EntityID,
		Operation:     it.Operation,
		Reason:        it.DeadLetterReason,
		ErrorCategory: it.ErrorCategory,
		Error:         retry.SanitizeMessage(it.LastError),
		Attempts:      it.Attempts,
		StatusCode:    it.Diagnostics.StatusCode,
	}
	if it.DeadLetteredAt != nil {
		s.DeadLetteredAt = *it.DeadLetteredAt
	}
	s.Payload = allowedFields(it.Payload, fields)
	return s
}

func allowedFields(payload json.RawMessage, fields []string) map[string]any {
	if len(payload) == 0 || len(fields) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil
	}

	out := make(map[string]any)
	for _, f := range fields {
		v, ok := obj[f]
		if !ok {
			continue
		}
		switch v := v.(type) {
		case string:
			out[f] = retry.Truncate(v, retry.MaxErrorLength)
		case json.Number, bool, nil:
			out[f] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
