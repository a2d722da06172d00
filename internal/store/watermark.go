package store

import (
	"context"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// AdvanceApplied raises the applied high-water mark (and the seen mark with
// it) to seq. Lower values leave the marks unchanged. Returns the stored marks.
func (s *Scope) AdvanceApplied(ctx context.Context, entityType string, seq int64) (ir.SyncTimestamp, error) {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_timestamps
		(tenant_id, entity_type, last_applied_sequence, last_seen_sequence, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, entity_type) DO UPDATE SET
			last_applied_sequence = MAX(last_applied_sequence, excluded.last_applied_sequence),
			last_seen_sequence = MAX(last_seen_sequence, excluded.last_applied_sequence),
			updated_at = excluded.updated_at
	`, s.tenant, entityType, seq, seq, toMillis(s.now()))
	if err != nil {
		return ir.SyncTimestamp{}, fmt.Errorf("advance applied %s: %w", entityType, err)
	}
	return s.Timestamp(ctx, entityType)
}

// AdvanceSeen raises the seen high-water mark to seq. Lower values are no-ops.
func (s *Scope) AdvanceSeen(ctx context.Context, entityType string, seq int64) (ir.SyncTimestamp, error) {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_timestamps
		(tenant_id, entity_type, last_applied_sequence, last_seen_sequence, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(tenant_id, entity_type) DO UPDATE SET
			last_seen_sequence = MAX(last_seen_sequence, excluded.last_seen_sequence),
			updated_at = excluded.updated_at
	`, s.tenant, entityType, seq, toMillis(s.now()))
	if err != nil {
		return ir.SyncTimestamp{}, fmt.Errorf("advance seen %s: %w", entityType, err)
	}
	return s.Timestamp(ctx, entityType)
}

// Timestamp returns the marks for an entity type; zero marks when none exist.
func (s *Scope) Timestamp(ctx context.Context, entityType string) (ir.SyncTimestamp, error) {
	ts := ir.SyncTimestamp{TenantID: s.tenant, EntityType: entityType}
	rows, err := s.q.QueryContext(ctx, `
		SELECT last_applied_sequence, last_seen_sequence
		FROM sync_timestamps
		WHERE tenant_id = ? AND entity_type = ?
	`, s.tenant, entityType)
	if err != nil {
		return ts, fmt.Errorf("timestamp %s: %w", entityType, err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&ts.LastAppliedSequence, &ts.LastSeenSequence); err != nil {
			return ts, fmt.Errorf("timestamp %s: %w", entityType, err)
		}
	}
	if err := rows.Err(); err != nil {
		return ts, fmt.Errorf("timestamp %s: %w", entityType, err)
	}
	return ts, nil
}

// Timestamps returns the marks of every entity type of the tenant.
func (s *Scope) Timestamps(ctx context.Context) ([]ir.SyncTimestamp, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT entity_type, last_applied_sequence, last_seen_sequence
		FROM sync_timestamps
		WHERE tenant_id = ?
		ORDER BY entity_type
	`, s.tenant)
	if err != nil {
		return nil, fmt.Errorf("timestamps: %w", err)
	}
	defer rows.Close()

	var out []ir.SyncTimestamp
	for rows.Next() {
		ts := ir.SyncTimestamp{TenantID: s.tenant}
		if err := rows.Scan(&ts.EntityType, &ts.LastAppliedSequence, &ts.LastSeenSequence); err != nil {
			return nil, fmt.Errorf("timestamps: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timestamps: %w", err)
	}
	return out, nil
}
