package pull

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

const tenant = "store-001"

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestTracker creates a tracker over a temp store with a manual clock.
func createTestTracker(t *testing.T) (*Tracker, *store.Store, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(testEpoch)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewTracker(st, discardLogger()), st, clock
}

func change(id string, seq int64, payload string) remote.Change {
	return remote.Change{
		RecordID:  id,
		Sequence:  seq,
		Operation: ir.OperationUpdate,
		Payload:   json.RawMessage(payload),
	}
}

func candidate(t *testing.T, id string, seq int64, payload string) Candidate {
	t.Helper()
	hash, err := ir.ContentHash([]byte(payload))
	require.NoError(t, err)
	return Candidate{RecordID: id, Sequence: seq, ContentHash: hash}
}

// memoryApplier is a local table keyed by record id.
type memoryApplier struct {
	mu      sync.Mutex
	rows    map[string]string
	batches [][]string
	failOn  map[string]error
}

func newMemoryApplier() *memoryApplier {
	return &memoryApplier{rows: make(map[string]string), failOn: make(map[string]error)}
}

func (a *memoryApplier) Apply(ctx context.Context, tenantID, entityType string, changes []remote.Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []string
	for _, ch := range changes {
		if err, ok := a.failOn[ch.RecordID]; ok {
			delete(a.failOn, ch.RecordID)
			return err
		}
		ids = append(ids, ch.RecordID)
	}
	for _, ch := range changes {
		a.rows[ch.RecordID] = string(ch.Payload)
	}
	a.batches = append(a.batches, ids)
	return nil
}

func (a *memoryApplier) applied() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, b := range a.batches {
		out = append(out, b...)
	}
	return out
}
