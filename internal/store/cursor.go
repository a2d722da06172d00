package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

const cursorColumns = `tenant_id, entity_type, cursor_token, sequence, server_time, has_more,
	completed, pages_fetched, records_pulled, started_at, updated_at`

func scanCursor(r rowScanner) (ir.Cursor, error) {
	var (
		c                  ir.Cursor
		token              sql.NullString
		serverTime         sql.NullInt64
		started, updatedAt int64
	)
	err := r.Scan(&c.TenantID, &c.EntityType, &token, &c.Sequence, &serverTime, &c.HasMore,
		&c.Completed, &c.PagesFetched, &c.RecordsPulled, &started, &updatedAt)
	if err != nil {
		return ir.Cursor{}, err
	}
	c.Token = token.String
	c.ServerTime = timePtr(serverTime)
	c.StartedAt = fromMillis(started)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

// GetCursor returns the pull cursor for an entity type.
func (s *Scope) GetCursor(ctx context.Context, entityType string) (ir.Cursor, error) {
	c, err := scanCursor(s.q.QueryRowContext(ctx,
		`SELECT `+cursorColumns+` FROM pull_cursors WHERE tenant_id = ? AND entity_type = ?`,
		s.tenant, entityType))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Cursor{}, fmt.Errorf("get cursor %s: %w", entityType, ErrNotFound)
	}
	if err != nil {
		return ir.Cursor{}, fmt.Errorf("get cursor %s: %w", entityType, err)
	}
	return c, nil
}

// StartCursor begins a fresh pull for an entity type: the token and counters
// are cleared and the cursor is marked in progress. The sequence baseline is
// kept unless resetSequence is set.
func (s *Scope) StartCursor(ctx context.Context, entityType string, resetSequence bool) (ir.Cursor, error) {
	now := toMillis(s.now())
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO pull_cursors
		(tenant_id, entity_type, cursor_token, sequence, server_time, has_more,
		 completed, pages_fetched, records_pulled, started_at, updated_at)
		VALUES (?, ?, NULL, 0, NULL, 1, 0, 0, 0, ?, ?)
		ON CONFLICT(tenant_id, entity_type) DO UPDATE SET
			cursor_token = NULL,
			server_time = NULL,
			has_more = 1,
			completed = 0,
			pages_fetched = 0,
			records_pulled = 0,
			sequence = CASE WHEN ? THEN 0 ELSE sequence END,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at
	`, s.tenant, entityType, now, now, resetSequence)
	if err != nil {
		return ir.Cursor{}, fmt.Errorf("start cursor %s: %w", entityType, err)
	}
	return s.GetCursor(ctx, entityType)
}

// PageUpdate is the progress recorded after a page has been applied.
type PageUpdate struct {
	Token      string
	HasMore    bool
	Sequence   int64
	ServerTime *time.Time
	Records    int
}

// RecordPage advances the cursor by one applied page. The sequence never
// moves backwards and the cursor completes when the page reports no more data.
func (s *Scope) RecordPage(ctx context.Context, entityType string, page PageUpdate) (ir.Cursor, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE pull_cursors
		SET cursor_token = ?,
		    has_more = ?,
		    completed = ?,
		    sequence = MAX(sequence, ?),
		    server_time = COALESCE(?, server_time),
		    pages_fetched = pages_fetched + 1,
		    records_pulled = records_pulled + ?,
		    updated_at = ?
		WHERE tenant_id = ? AND entity_type = ?
	`,
		nullString(page.Token),
		page.HasMore,
		!page.HasMore,
		page.Sequence,
		nullMillis(page.ServerTime),
		page.Records,
		toMillis(s.now()),
		s.tenant, entityType,
	)
	if err != nil {
		return ir.Cursor{}, fmt.Errorf("record page %s: %w", entityType, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return ir.Cursor{}, fmt.Errorf("record page %s: %w", entityType, err)
	}
	if n == 0 {
		return ir.Cursor{}, fmt.Errorf("record page %s: %w", entityType, ErrNotFound)
	}
	return s.GetCursor(ctx, entityType)
}

// ListCursors returns every cursor of the tenant ordered by entity type.
func (s *Scope) ListCursors(ctx context.Context) ([]ir.Cursor, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+cursorColumns+` FROM pull_cursors WHERE tenant_id = ? ORDER BY entity_type`,
		s.tenant)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []ir.Cursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("list cursors: %w", err)
		}
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	return cursors, nil
}
