package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/testutil"
)

const testTenant = "store-001"

// cliEnv runs commands against one temp database and one fake remote.
type cliEnv struct {
	db     string
	remote *testutil.FakeRemote
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	return &cliEnv{
		db:     filepath.Join(t.TempDir(), "tillsync.db"),
		remote: testutil.NewFakeRemote(),
	}
}

func (e *cliEnv) command(args ...string) (*bytes.Buffer, *bytes.Buffer, func(context.Context) error) {
	opts := &RootOptions{
		Remote: e.remote,
		Tokens: testutil.NewFixedTokenGenerator("cycle-test"),
	}
	cmd := newRootCommand(opts)
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--db", e.db, "--tenant", testTenant}, args...))
	return out, errOut, cmd.ExecuteContext
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, _, exec := e.command(args...)
	err := exec(context.Background())
	return out.String(), err
}

// runJSON runs a command with --format json and decodes the response data.
func (e *cliEnv) runJSON(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	out, err := e.run(t, append([]string{"--format", "json"}, args...)...)
	if out == "" {
		return nil, err
	}
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	if resp.Status == "ok" {
		assert.Equal(t, testTenant, resp.Tenant)
	}
	data, _ := resp.Data.(map[string]any)
	return data, err
}

func (e *cliEnv) enqueueSale(t *testing.T, id string) int64 {
	t.Helper()
	data, err := e.runJSON(t, "enqueue",
		"--entity-type", "sale",
		"--entity-id", id,
		"--payload", `{"id":"`+id+`","total":1250}`)
	require.NoError(t, err)
	return int64(data["id"].(float64))
}

func TestEnqueue_Idempotent(t *testing.T) {
	env := newCLIEnv(t)
	args := []string{"enqueue", "--entity-type", "sale", "--entity-id", "s-1", "--payload", `{"id":"s-1","total":1250}`, "--key", "sale-s-1"}

	first, err := env.runJSON(t, args...)
	require.NoError(t, err)
	assert.Equal(t, true, first["inserted"])
	assert.Equal(t, "sale-s-1", first["idempotency_key"])

	second, err := env.runJSON(t, args...)
	require.NoError(t, err)
	assert.Equal(t, false, second["inserted"])
	assert.Equal(t, first["id"], second["id"])
}

func TestEnqueue_WithoutKeyAlwaysInserts(t *testing.T) {
	env := newCLIEnv(t)
	args := []string{"enqueue", "--entity-type", "pack", "--entity-id", "pack-1", "--op", "update", "--payload", `{"status":"open"}`}

	first, err := env.runJSON(t, args...)
	require.NoError(t, err)
	assert.Equal(t, true, first["inserted"])
	assert.NotContains(t, first, "idempotency_key")

	second, err := env.runJSON(t, args...)
	require.NoError(t, err)
	assert.Equal(t, true, second["inserted"])
	assert.NotEqual(t, first["id"], second["id"])
}

func TestEnqueue_TextOutput(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "enqueue", "--entity-type", "product", "--entity-id", "p-1", "--op", "update", "--payload", `{"sku":"A1"}`)
	require.NoError(t, err)
	assert.Equal(t, "Enqueued item #1\n", out)
}

func TestEnqueue_PayloadFromFile(t *testing.T) {
	env := newCLIEnv(t)
	path := filepath.Join(t.TempDir(), "sale.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"s-9","total":10}`), 0o644))

	data, err := env.runJSON(t, "enqueue", "--entity-type", "sale", "--entity-id", "s-9", "--payload", "@"+path)
	require.NoError(t, err)
	assert.Equal(t, true, data["inserted"])
}

func TestEnqueue_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"payload_not_json", []string{"--entity-type", "sale", "--entity-id", "s-1", "--payload", "{nope"}},
		{"unknown_operation", []string{"--entity-type", "sale", "--entity-id", "s-1", "--op", "upsert", "--payload", "{}"}},
		{"payload_file_missing", []string{"--entity-type", "sale", "--entity-id", "s-1", "--payload", "@/does/not/exist.json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newCLIEnv(t)
			_, err := env.run(t, append([]string{"enqueue"}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestEnqueue_MissingRequiredFlags(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "enqueue", "--entity-type", "sale")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestSync_PushesQueuedItems(t *testing.T) {
	env := newCLIEnv(t)
	env.enqueueSale(t, "s-1")
	env.enqueueSale(t, "s-2")

	data, err := env.runJSON(t, "sync")
	require.NoError(t, err)
	assert.Equal(t, "cycle-test", data["token"])
	assert.Equal(t, "session-1", data["session_id"])
	assert.Len(t, env.remote.Pushes(), 2)
	require.Len(t, env.remote.Completes(), 1)

	status, err := env.runJSON(t, "status")
	require.NoError(t, err)
	queue := status["queue"].(map[string]any)
	assert.Equal(t, float64(0), queue["pending"])
	assert.Equal(t, float64(2), queue["synced"])
}

func TestSync_PullsConfiguredEntityTypes(t *testing.T) {
	env := newCLIEnv(t)
	env.remote.SetPages("product", remote.Page{
		Changes: []remote.Change{
			{RecordID: "p-1", Sequence: 1, Operation: ir.OperationCreate, Payload: json.RawMessage(`{"sku":"A1"}`)},
			{RecordID: "p-2", Sequence: 2, Operation: ir.OperationCreate, Payload: json.RawMessage(`{"sku":"B2"}`)},
		},
		Sequence: 2,
	})

	out, err := env.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Cycle cycle-test for store-001 (session session-1)")
	assert.Contains(t, out, "pull product")
	assert.Contains(t, out, "applied=2")

	status, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, status, "Tenant: store-001")
	assert.Contains(t, status, "product")
}

func TestSync_RevokedTenant(t *testing.T) {
	env := newCLIEnv(t)
	env.remote.Revocation = ir.RevocationRevoked
	env.remote.LockoutMessage = "licence expired"

	out, err := env.run(t, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeTenantBlocked)
	assert.Empty(t, env.remote.Pushes())
}

func TestDLQ_ListStatsRestore(t *testing.T) {
	env := newCLIEnv(t)
	id := env.enqueueSale(t, "s-1")
	env.remote.FailPush("s-1", &remote.StatusError{StatusCode: http.StatusBadRequest, Message: "rejected"})

	_, err := env.run(t, "sync")
	require.NoError(t, err)

	list, err := env.runJSON(t, "dlq", "list")
	require.NoError(t, err)
	items := list["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, float64(id), item["id"])
	assert.Equal(t, ir.ReasonPermanentError, item["reason"])
	assert.Equal(t, float64(http.StatusBadRequest), item["status_code"])

	stats, err := env.runJSON(t, "dlq", "stats")
	require.NoError(t, err)
	assert.Equal(t, float64(1), stats["total"])

	text, err := env.run(t, "dlq", "stats")
	require.NoError(t, err)
	assert.Contains(t, text, "Dead letters: 1")
	assert.Contains(t, text, ir.ReasonPermanentError)

	restored, err := env.runJSON(t, "dlq", "restore", "1")
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1)}, restored["restored"])

	after, err := env.run(t, "dlq", "list")
	require.NoError(t, err)
	assert.Equal(t, "No dead letters.\n", after)
}

func TestDLQ_RestoreUnknownID(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "dlq", "restore", "99")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = env.run(t, "dlq", "restore", "abc")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDLQ_PurgeKeepsRecentItems(t *testing.T) {
	env := newCLIEnv(t)
	env.enqueueSale(t, "s-1")
	env.remote.FailPush("s-1", &remote.StatusError{StatusCode: http.StatusUnprocessableEntity})
	_, err := env.run(t, "sync")
	require.NoError(t, err)

	data, err := env.runJSON(t, "dlq", "purge")
	require.NoError(t, err)
	assert.Equal(t, float64(0), data["purged"])
	assert.Equal(t, "720h0m0s", data["older_than"])

	_, err = env.run(t, "dlq", "purge", "--older-than", "-1h")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestResetStuck(t *testing.T) {
	env := newCLIEnv(t)
	env.enqueueSale(t, "s-1")

	out, err := env.run(t, "reset-stuck")
	require.NoError(t, err)
	assert.Equal(t, "Reset 0 item(s)\n", out)

	data, err := env.runJSON(t, "reset-stuck", "--all")
	require.NoError(t, err)
	assert.Equal(t, float64(0), data["reset"])
}

func TestStatus_UnreadableDatabase(t *testing.T) {
	env := newCLIEnv(t)
	env.db = t.TempDir() // a directory cannot be opened as a database

	_, err := env.run(t, "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte("tenants: [store-001, store-002]\nbatch_size: 25\n"), 0o644))
	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("batch_size: 0\n"), 0o644))

	env := newCLIEnv(t)

	out, err := env.run(t, "validate", valid)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid (2 tenant(s), 3 entity type(s), 0 schema(s))")

	out, err = env.run(t, "--format", "json", "validate", invalid)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeConfig, resp.Error.Code)

	_, err = env.run(t, "validate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigFlag_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tillsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("order: sideways\n"), 0o644))

	env := newCLIEnv(t)
	_, err := env.run(t, "--config", path, "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRun_StopsWhenContextCancelled(t *testing.T) {
	env := newCLIEnv(t)
	env.enqueueSale(t, "s-1")

	_, errOut, exec := env.command("run", "--interval", "1h")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- exec(ctx) }()

	require.Eventually(t, func() bool {
		return len(env.remote.Completes()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	assert.Len(t, env.remote.Pushes(), 1)
	assert.Contains(t, errOut.String(), "Syncing 1 tenant(s) every 1h0m0s")
}
