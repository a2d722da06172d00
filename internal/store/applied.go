package store

import (
	"context"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// AppliedRecords returns ledger entries for the given record ids, keyed by id.
// Ids without an entry are absent from the map.
func (s *Scope) AppliedRecords(ctx context.Context, entityType string, recordIDs []string) (map[string]ir.AppliedRecord, error) {
	out := make(map[string]ir.AppliedRecord, len(recordIDs))
	for start := 0; start < len(recordIDs); start += maxBindChunk {
		end := min(start+maxBindChunk, len(recordIDs))
		chunk := recordIDs[start:end]

		args := []any{s.tenant, entityType}
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := s.q.QueryContext(ctx, `
			SELECT record_id, content_hash, sequence, applied_at
			FROM applied_records
			WHERE tenant_id = ? AND entity_type = ?
			  AND record_id IN (`+placeholders(len(chunk))+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("applied records: %w", err)
		}

		for rows.Next() {
			rec := ir.AppliedRecord{TenantID: s.tenant, EntityType: entityType}
			var appliedAt int64
			if err := rows.Scan(&rec.RecordID, &rec.ContentHash, &rec.Sequence, &appliedAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("applied records: %w", err)
			}
			rec.AppliedAt = fromMillis(appliedAt)
			out[rec.RecordID] = rec
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("applied records: %w", err)
		}
	}
	return out, nil
}

// RecordApplied upserts one ledger entry. An entry whose sequence is lower
// than the stored one is ignored, as is an identical rewrite at the same
// sequence; the return value reports whether the ledger changed.
func (s *Scope) RecordApplied(ctx context.Context, rec ir.AppliedRecord) (bool, error) {
	changed, err := s.upsertApplied(ctx, s.q, rec)
	if err != nil {
		return false, fmt.Errorf("record applied %s/%s: %w", rec.EntityType, rec.RecordID, err)
	}
	return changed, nil
}

// RecordAppliedBatch upserts ledger entries in one transaction and returns
// how many changed the ledger.
func (s *Scope) RecordAppliedBatch(ctx context.Context, recs []ir.AppliedRecord) (int, error) {
	var changed int
	err := s.atomically(ctx, func(q querier) error {
		for _, rec := range recs {
			ok, err := s.upsertApplied(ctx, q, rec)
			if err != nil {
				return fmt.Errorf("%s/%s: %w", rec.EntityType, rec.RecordID, err)
			}
			if ok {
				changed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record applied batch: %w", err)
	}
	return changed, nil
}

func (s *Scope) upsertApplied(ctx context.Context, q querier, rec ir.AppliedRecord) (bool, error) {
	appliedAt := rec.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = s.now()
	}
	result, err := q.ExecContext(ctx, `
		INSERT INTO applied_records
		(tenant_id, entity_type, record_id, content_hash, sequence, applied_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, entity_type, record_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			sequence = excluded.sequence,
			applied_at = excluded.applied_at
		WHERE excluded.sequence > applied_records.sequence
		   OR (excluded.sequence = applied_records.sequence
		       AND excluded.content_hash <> applied_records.content_hash)
	`,
		s.tenant,
		rec.EntityType,
		rec.RecordID,
		rec.ContentHash,
		rec.Sequence,
		toMillis(appliedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
