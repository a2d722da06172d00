package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

// DeadLetter moves a pending item into quarantine. It returns true on the
// transition and false when the item is already dead-lettered or synced.
// An empty errMsg keeps the item's last recorded error.
func (s *Scope) DeadLetter(ctx context.Context, id int64, reason string, category ir.ErrorCategory, errMsg string) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE outbox_items
		SET dead_lettered = 1, dead_letter_reason = ?, dead_lettered_at = ?,
		    error_category = COALESCE(?, error_category),
		    last_error = COALESCE(?, last_error)
		WHERE tenant_id = ? AND id = ? AND dead_lettered = 0 AND synced = 0
	`,
		reason,
		toMillis(s.now()),
		nullString(string(category)),
		nullString(errMsg),
		s.tenant, id,
	)
	if err != nil {
		return false, fmt.Errorf("dead letter: %w", err)
	}
	return s.transitioned(ctx, result, id, "dead letter")
}

// DeadLetterMany quarantines a set of items atomically and returns how many
// actually transitioned. Unknown or already quarantined ids are not counted.
func (s *Scope) DeadLetterMany(ctx context.Context, ids []int64, reason string, category ir.ErrorCategory) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var total int
	err := s.atomically(ctx, func(q querier) error {
		for _, chunk := range chunkIDs(ids, maxBindChunk) {
			args := []any{reason, toMillis(s.now()), nullString(string(category)), s.tenant}
			for _, id := range chunk {
				args = append(args, id)
			}
			result, err := q.ExecContext(ctx, `
				UPDATE outbox_items
				SET dead_lettered = 1, dead_letter_reason = ?, dead_lettered_at = ?,
				    error_category = COALESCE(?, error_category)
				WHERE tenant_id = ? AND dead_lettered = 0 AND synced = 0
				  AND id IN (`+placeholders(len(chunk))+`)
			`, args...)
			if err != nil {
				return err
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			total += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("dead letter many: %w", err)
	}
	return total, nil
}

// Restore returns a dead-lettered item to the pending queue with a fresh
// attempt budget, due immediately. It returns false when the item is not
// dead-lettered.
func (s *Scope) Restore(ctx context.Context, id int64) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE outbox_items
		SET dead_lettered = 0, dead_letter_reason = NULL, dead_lettered_at = NULL,
		    attempts = 0, last_error = NULL, error_category = NULL,
		    next_attempt_at = ?
		WHERE tenant_id = ? AND id = ? AND dead_lettered = 1
	`, toMillis(s.now()), s.tenant, id)
	if err != nil {
		return false, fmt.Errorf("restore: %w", err)
	}
	return s.transitioned(ctx, result, id, "restore")
}

// ListDeadLetters returns one page of quarantined items, newest first.
// Callers clamp limit and offset.
func (s *Scope) ListDeadLetters(ctx context.Context, limit, offset int) ([]ir.QueueItem, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM outbox_items
		WHERE tenant_id = ? AND dead_lettered = 1
		ORDER BY dead_lettered_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, s.tenant, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return items, nil
}

// DeadLetterStats aggregates the tenant's quarantine.
func (s *Scope) DeadLetterStats(ctx context.Context) (ir.DeadLetterStats, error) {
	stats := ir.DeadLetterStats{
		ByReason:     make(map[string]int),
		ByEntityType: make(map[string]int),
		ByCategory:   make(map[string]int),
	}

	var oldest, newest sql.NullInt64
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(dead_lettered_at), MAX(dead_lettered_at)
		FROM outbox_items
		WHERE tenant_id = ? AND dead_lettered = 1
	`, s.tenant).Scan(&stats.Total, &oldest, &newest)
	if err != nil {
		return ir.DeadLetterStats{}, fmt.Errorf("dead letter stats: %w", err)
	}
	stats.Oldest = timePtr(oldest)
	stats.Newest = timePtr(newest)

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"dead_letter_reason", stats.ByReason},
		{"entity_type", stats.ByEntityType},
		{"error_category", stats.ByCategory},
	}
	for _, g := range groups {
		if err := s.countBy(ctx, g.column, g.into); err != nil {
			return ir.DeadLetterStats{}, fmt.Errorf("dead letter stats: %w", err)
		}
	}
	return stats, nil
}

// countBy fills into with dead-letter counts grouped by a fixed column name.
func (s *Scope) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.q.QueryContext(ctx, `
		SELECT COALESCE(`+column+`, ''), COUNT(*)
		FROM outbox_items
		WHERE tenant_id = ? AND dead_lettered = 1
		GROUP BY 1
	`, s.tenant)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// PurgeDeadLetters deletes quarantined items dead-lettered before cutoff.
func (s *Scope) PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.q.ExecContext(ctx, `
		DELETE FROM outbox_items
		WHERE tenant_id = ? AND dead_lettered = 1 AND dead_lettered_at < ?
	`, s.tenant, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return int(n), nil
}

// maxBindChunk keeps IN lists well under SQLite's bound parameter limit.
const maxBindChunk = 500

func chunkIDs(ids []int64, size int) [][]int64 {
	var chunks [][]int64
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}
