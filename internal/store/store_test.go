package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)

		var count int
		require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM outbox_items").Scan(&count))
		s.Close()
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s, _ := createTestStore(t)

	var journalMode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, s.DB().QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var version int
	require.NoError(t, s.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.DB().Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	s.Close()

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestTenant_RequiresID(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Tenant("")
	assert.ErrorIs(t, err, ErrTenantRequired)

	err = s.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.Tenant("")
		return err
	})
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestWithTx_RollbackDiscardsEnqueue(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.DB().Exec(`CREATE TABLE sales (id TEXT PRIMARY KEY, total INTEGER NOT NULL)`)
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.SQL().ExecContext(ctx, `INSERT INTO sales (id, total) VALUES ('s-1', 100)`); err != nil {
			return err
		}
		sc, err := tx.Tenant("store-001")
		if err != nil {
			return err
		}
		if _, _, err := sc.Enqueue(ctx, createTestItem("sale", "s-1", 0), 0); err != nil {
			return err
		}
		// Duplicate primary key aborts the whole unit.
		_, err = tx.SQL().ExecContext(ctx, `INSERT INTO sales (id, total) VALUES ('s-1', 200)`)
		return err
	})
	require.Error(t, err)

	var sales int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM sales").Scan(&sales))
	assert.Equal(t, 0, sales)

	stats, err := tenantScope(t, s, "store-001").Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

func TestWithTx_CommitKeepsBoth(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.DB().Exec(`CREATE TABLE sales (id TEXT PRIMARY KEY, total INTEGER NOT NULL)`)
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.SQL().ExecContext(ctx, `INSERT INTO sales (id, total) VALUES ('s-1', 100)`); err != nil {
			return err
		}
		sc, err := tx.Tenant("store-001")
		if err != nil {
			return err
		}
		_, _, err = sc.Enqueue(ctx, createTestItem("sale", "s-1", 0), 0)
		return err
	})
	require.NoError(t, err)

	stats, err := tenantScope(t, s, "store-001").Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}
