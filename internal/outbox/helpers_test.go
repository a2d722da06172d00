package outbox

import (
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/retry"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

const tenant = "store-001"

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// testPolicy is the default schedule without jitter.
func testPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Rand = nil
	return p
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestQueue creates a queue over a temp store with a manual clock.
func createTestQueue(t *testing.T, opts ...Option) (*Queue, *store.Store, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(testEpoch)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	opts = append([]Option{WithPolicy(testPolicy()), WithLogger(discardLogger())}, opts...)
	return New(st, opts...), st, clock
}

func saleRequest(id string, priority int) Request {
	return Request{
		EntityType: "sale",
		EntityID:   id,
		Operation:  ir.OperationCreate,
		Payload:    json.RawMessage(`{"id":"` + id + `","total":100}`),
		Priority:   priority,
	}
}
