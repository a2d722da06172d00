package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Scope is a tenant-bound view of the store.
type Scope struct {
	store  *Store
	tenant string
	q      querier
	inTx   bool
}

// TenantID returns the tenant this scope is bound to.
func (s *Scope) TenantID() string {
	return s.tenant
}

func (s *Scope) now() time.Time {
	return s.store.Now()
}

// atomically runs fn in a transaction. A scope already bound to a Tx reuses it.
func (s *Scope) atomically(ctx context.Context, fn func(q querier) error) error {
	if s.inTx {
		return fn(s.q)
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
