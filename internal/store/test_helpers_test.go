package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
)

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// testClock is a settable clock for store tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: testEpoch}
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// tenantScope returns a scope for tenant on s.
func tenantScope(t *testing.T, s *Store, tenant string) *Scope {
	t.Helper()
	sc, err := s.Tenant(tenant)
	require.NoError(t, err)
	return sc
}

// createTestItem creates a push item with minimal required fields.
func createTestItem(entityType, entityID string, priority int) ir.QueueItem {
	return ir.QueueItem{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  ir.OperationUpdate,
		Payload:    json.RawMessage(`{"id":"` + entityID + `"}`),
		Priority:   priority,
	}
}

// mustEnqueue enqueues item and returns the stored row.
func mustEnqueue(t *testing.T, sc *Scope, item ir.QueueItem) ir.QueueItem {
	t.Helper()
	stored, _, err := sc.Enqueue(context.Background(), item, 0)
	require.NoError(t, err)
	return stored
}
