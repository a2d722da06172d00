package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

// Enqueue inserts a pending outbox item.
//
// When item.IdempotencyKey is set the insert uses ON CONFLICT DO NOTHING and,
// on conflict, returns the row already stored under that key with
// inserted=false. The stored payload is never overwritten; the first write wins.
//
// maxPending bounds the tenant's pending depth (0 = unbounded). A bounded
// enqueue fails with ErrQueueFull unless the key already exists.
func (s *Scope) Enqueue(ctx context.Context, item ir.QueueItem, maxPending int) (stored ir.QueueItem, inserted bool, err error) {
	now := s.now()
	item.TenantID = s.tenant
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = ir.DefaultMaxAttempts
	}
	if item.Direction == "" {
		item.Direction = ir.DirectionPush
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = item.CreatedAt
	}

	payload, err := marshalPayload(item.Payload)
	if err != nil {
		return ir.QueueItem{}, false, fmt.Errorf("enqueue: %w", err)
	}

	err = s.atomically(ctx, func(q querier) error {
		if item.IdempotencyKey != "" {
			existing, err := s.byKey(ctx, q, item.IdempotencyKey)
			if err == nil {
				stored = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		if maxPending > 0 {
			var depth int
			if err := q.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM outbox_items
				WHERE tenant_id = ? AND synced = 0 AND dead_lettered = 0
			`, s.tenant).Scan(&depth); err != nil {
				return fmt.Errorf("count pending: %w", err)
			}
			if depth >= maxPending {
				return ErrQueueFull
			}
		}

		result, err := q.ExecContext(ctx, `
			INSERT INTO outbox_items
			(tenant_id, entity_type, entity_id, operation, payload, priority, direction,
			 max_attempts, next_attempt_at, idempotency_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`,
			s.tenant,
			item.EntityType,
			item.EntityID,
			string(item.Operation),
			payload,
			item.Priority,
			string(item.Direction),
			item.MaxAttempts,
			toMillis(item.NextAttemptAt),
			nullString(item.IdempotencyKey),
			toMillis(item.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}

		if rowsAffected == 0 {
			// Conflict - another writer stored this key first.
			existing, err := s.byKey(ctx, q, item.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("select existing: %w", err)
			}
			stored = existing
			return nil
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		stored, err = s.get(ctx, q, id)
		if err != nil {
			return fmt.Errorf("select inserted: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return ir.QueueItem{}, false, fmt.Errorf("enqueue: %w", err)
	}
	return stored, inserted, nil
}

// Get returns one item of this tenant.
func (s *Scope) Get(ctx context.Context, id int64) (ir.QueueItem, error) {
	it, err := s.get(ctx, s.q, id)
	if err != nil {
		return ir.QueueItem{}, fmt.Errorf("get item %d: %w", id, err)
	}
	return it, nil
}

// GetByKey returns the item stored under an idempotency key.
func (s *Scope) GetByKey(ctx context.Context, key string) (ir.QueueItem, error) {
	it, err := s.byKey(ctx, s.q, key)
	if err != nil {
		return ir.QueueItem{}, fmt.Errorf("get item by key: %w", err)
	}
	return it, nil
}

func (s *Scope) get(ctx context.Context, q querier, id int64) (ir.QueueItem, error) {
	it, err := scanItem(q.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM outbox_items WHERE tenant_id = ? AND id = ?`,
		s.tenant, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.QueueItem{}, ErrNotFound
	}
	return it, err
}

func (s *Scope) byKey(ctx context.Context, q querier, key string) (ir.QueueItem, error) {
	it, err := scanItem(q.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM outbox_items WHERE tenant_id = ? AND idempotency_key = ?`,
		s.tenant, key))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.QueueItem{}, ErrNotFound
	}
	return it, err
}

// Eligible returns due, pending items of one direction in dispatch order:
// priority DESC, created_at ASC, id ASC.
func (s *Scope) Eligible(ctx context.Context, direction ir.Direction, limit int) ([]ir.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM outbox_items
		WHERE tenant_id = ? AND direction = ?
		  AND synced = 0 AND dead_lettered = 0
		  AND next_attempt_at <= ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?
	`, s.tenant, string(direction), toMillis(s.now()), limit)
	if err != nil {
		return nil, fmt.Errorf("eligible items: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("eligible items: %w", err)
	}
	return items, nil
}

// Pending returns every pending item of one direction and entity type,
// regardless of its next attempt time, oldest first.
func (s *Scope) Pending(ctx context.Context, direction ir.Direction, entityType string) ([]ir.QueueItem, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM outbox_items
		WHERE tenant_id = ? AND direction = ? AND entity_type = ?
		  AND synced = 0 AND dead_lettered = 0
		ORDER BY created_at ASC, id ASC
	`, s.tenant, string(direction), entityType)
	if err != nil {
		return nil, fmt.Errorf("pending items: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("pending items: %w", err)
	}
	return items, nil
}

// MarkSynced records a successful delivery. It returns false when the item is
// already synced or dead-lettered.
func (s *Scope) MarkSynced(ctx context.Context, id int64, diag ir.Diagnostics) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE outbox_items
		SET synced = 1, synced_at = ?,
		    endpoint = ?, status_code = ?, response_snippet = ?
		WHERE tenant_id = ? AND id = ? AND synced = 0 AND dead_lettered = 0
	`,
		toMillis(s.now()),
		nullString(diag.Endpoint),
		nullInt(diag.StatusCode),
		nullString(diag.ResponseSnippet),
		s.tenant, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark synced: %w", err)
	}
	return s.transitioned(ctx, result, id, "mark synced")
}

// Attempt describes one failed delivery attempt.
type Attempt struct {
	Error       string
	Category    ir.ErrorCategory
	Diagnostics ir.Diagnostics
}

// RecordAttempt increments the attempt counter and stores the failure, then
// returns the updated item. Items that are no longer pending yield ErrNotPending.
func (s *Scope) RecordAttempt(ctx context.Context, id int64, a Attempt) (ir.QueueItem, error) {
	var updated ir.QueueItem
	err := s.atomically(ctx, func(q querier) error {
		result, err := q.ExecContext(ctx, `
			UPDATE outbox_items
			SET attempts = attempts + 1,
			    last_error = ?, error_category = ?, last_attempt_at = ?,
			    endpoint = ?, status_code = ?, response_snippet = ?
			WHERE tenant_id = ? AND id = ? AND synced = 0 AND dead_lettered = 0
		`,
			nullString(a.Error),
			nullString(string(a.Category)),
			toMillis(s.now()),
			nullString(a.Diagnostics.Endpoint),
			nullInt(a.Diagnostics.StatusCode),
			nullString(a.Diagnostics.ResponseSnippet),
			s.tenant, id,
		)
		if err != nil {
			return err
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}

		updated, err = s.get(ctx, q, id)
		if err != nil {
			return err
		}
		if rowsAffected == 0 {
			return ErrNotPending
		}
		return nil
	})
	if err != nil {
		return ir.QueueItem{}, fmt.Errorf("record attempt on item %d: %w", id, err)
	}
	return updated, nil
}

// ScheduleAttempt sets when a pending item becomes eligible again.
func (s *Scope) ScheduleAttempt(ctx context.Context, id int64, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE outbox_items SET next_attempt_at = ?
		WHERE tenant_id = ? AND id = ? AND synced = 0 AND dead_lettered = 0
	`, toMillis(at), s.tenant, id)
	if err != nil {
		return fmt.Errorf("schedule attempt: %w", err)
	}
	return nil
}

// Delete removes an item. It reports whether a row was removed.
func (s *Scope) Delete(ctx context.Context, id int64) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		`DELETE FROM outbox_items WHERE tenant_id = ? AND id = ?`, s.tenant, id)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	return n > 0, nil
}

// PartitionDepths returns pending counts keyed by entity type.
func (s *Scope) PartitionDepths(ctx context.Context) (map[string]int, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT entity_type, COUNT(*)
		FROM outbox_items
		WHERE tenant_id = ? AND synced = 0 AND dead_lettered = 0
		GROUP BY entity_type
		ORDER BY entity_type
	`, s.tenant)
	if err != nil {
		return nil, fmt.Errorf("partition depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[string]int)
	for rows.Next() {
		var entityType string
		var n int
		if err := rows.Scan(&entityType, &n); err != nil {
			return nil, fmt.Errorf("partition depths: %w", err)
		}
		depths[entityType] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("partition depths: %w", err)
	}
	return depths, nil
}

// QueueStats is the pending-side summary of one tenant's outbox.
type QueueStats struct {
	Pending       int
	Due           int
	Synced        int
	DeadLettered  int
	OldestPending *time.Time
}

// Stats summarizes the tenant's outbox.
func (s *Scope) Stats(ctx context.Context) (QueueStats, error) {
	var (
		st     QueueStats
		oldest sql.NullInt64
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN synced = 0 AND dead_lettered = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND dead_lettered = 0 AND next_attempt_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(synced), 0),
			COALESCE(SUM(dead_lettered), 0),
			MIN(CASE WHEN synced = 0 AND dead_lettered = 0 THEN created_at END)
		FROM outbox_items
		WHERE tenant_id = ?
	`, toMillis(s.now()), s.tenant).Scan(&st.Pending, &st.Due, &st.Synced, &st.DeadLettered, &oldest)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	st.OldestPending = timePtr(oldest)
	return st, nil
}

// ResetBackoff makes backing-off items due now. Without all, only items whose
// schedule shows clock skew are reset: a next attempt beyond now+horizon, or a
// last attempt recorded in the future.
func (s *Scope) ResetBackoff(ctx context.Context, horizon time.Duration, all bool) (int, error) {
	now := toMillis(s.now())
	result, err := s.q.ExecContext(ctx, `
		UPDATE outbox_items
		SET next_attempt_at = ?
		WHERE tenant_id = ? AND synced = 0 AND dead_lettered = 0
		  AND next_attempt_at > ?
		  AND (? OR next_attempt_at > ? OR last_attempt_at > ?)
	`, now, s.tenant, now, all, now+horizon.Milliseconds(), now)
	if err != nil {
		return 0, fmt.Errorf("reset backoff: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset backoff: %w", err)
	}
	return int(n), nil
}

// transitioned interprets a guarded single-row UPDATE: true when the row
// changed, false when it exists but was not in the expected state, and
// ErrNotFound when the tenant has no such item.
func (s *Scope) transitioned(ctx context.Context, result sql.Result, id int64, op string) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_items WHERE tenant_id = ? AND id = ?`, s.tenant, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if exists == 0 {
		return false, fmt.Errorf("%s item %d: %w", op, id, ErrNotFound)
	}
	return false, nil
}
