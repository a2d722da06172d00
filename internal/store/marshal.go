package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

// toMillis converts a time to the unix millisecond representation stored in SQLite.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// fromMillis converts stored unix milliseconds back to UTC time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

// marshalPayload canonicalizes a payload for storage so equal content always
// produces equal TEXT.
func marshalPayload(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return "{}", nil
	}
	data, err := ir.CanonicalizePayload(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

const itemColumns = `id, tenant_id, entity_type, entity_id, operation, payload, priority, direction,
	attempts, max_attempts, last_error, error_category, last_attempt_at, next_attempt_at,
	synced, synced_at, dead_lettered, dead_letter_reason, dead_lettered_at, idempotency_key,
	endpoint, status_code, response_snippet, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanItem reads one outbox row selected with itemColumns.
func scanItem(r rowScanner) (ir.QueueItem, error) {
	var (
		it                     ir.QueueItem
		op, dir, payload       string
		lastErr, category      sql.NullString
		reason, key            sql.NullString
		endpoint, snippet      sql.NullString
		lastAttempt, syncedAt  sql.NullInt64
		deadLetteredAt, status sql.NullInt64
		nextAttempt, createdAt int64
	)
	err := r.Scan(
		&it.ID, &it.TenantID, &it.EntityType, &it.EntityID, &op, &payload, &it.Priority, &dir,
		&it.Attempts, &it.MaxAttempts, &lastErr, &category, &lastAttempt, &nextAttempt,
		&it.Synced, &syncedAt, &it.DeadLettered, &reason, &deadLetteredAt, &key,
		&endpoint, &status, &snippet, &createdAt,
	)
	if err != nil {
		return ir.QueueItem{}, err
	}

	it.Operation = ir.Operation(op)
	it.Direction = ir.Direction(dir)
	it.Payload = json.RawMessage(payload)
	it.LastError = lastErr.String
	it.ErrorCategory = ir.ErrorCategory(category.String)
	it.LastAttemptAt = timePtr(lastAttempt)
	it.NextAttemptAt = fromMillis(nextAttempt)
	it.SyncedAt = timePtr(syncedAt)
	it.DeadLetterReason = reason.String
	it.DeadLetteredAt = timePtr(deadLetteredAt)
	it.IdempotencyKey = key.String
	it.Diagnostics = ir.Diagnostics{
		Endpoint:        endpoint.String,
		StatusCode:      int(status.Int64),
		ResponseSnippet: snippet.String,
	}
	it.CreatedAt = fromMillis(createdAt)
	return it, nil
}

// scanItems drains rows into queue items.
func scanItems(rows *sql.Rows) ([]ir.QueueItem, error) {
	defer rows.Close()

	var items []ir.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
