package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One enqueue and one cycle"
entity_types: [products]
steps:
  - enqueue:
      entity_type: sales
      entity_id: sale-1
      payload: { total: 100 }
  - cycle: {}
assertions:
  - type: trace_count
    kind: push
    count: 1
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	assert.Equal(t, []string{"products"}, scenario.EntityTypes)
	require.Len(t, scenario.Steps, 2)
	require.NotNil(t, scenario.Steps[0].Enqueue)
	assert.Equal(t, "sale-1", scenario.Steps[0].Enqueue.EntityID)
	assert.Equal(t, map[string]any{"total": 100}, scenario.Steps[0].Enqueue.Payload)
	require.NotNil(t, scenario.Steps[1].Cycle)
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, AssertTraceCount, scenario.Assertions[0].Type)
	assert.Equal(t, 1, scenario.Assertions[0].Count)
}

func TestLoadScenario_FileNotFound(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_RemoteSetup(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: remote
description: "Scripted remote"
order: push_first
max_attempts: 3
remote:
  revocation: SUSPENDED
  lockout_message: "Billing overdue"
  pages:
    products:
      - has_more: true
        sequence: 10
        changes:
          - { record_id: p-1, sequence: 9, operation: delete, payload: {} }
  fetch_failures:
    products: [503]
  push_failures:
    sale-1: [500, 409]
steps:
  - advance: 90s
assertions:
  - type: trace_order
    kinds: [advance]
`))
	require.NoError(t, err)

	assert.Equal(t, "push_first", scenario.Order)
	assert.Equal(t, 3, scenario.MaxAttempts)
	assert.Equal(t, "SUSPENDED", scenario.Remote.Revocation)
	assert.Equal(t, "Billing overdue", scenario.Remote.LockoutMessage)

	pages := scenario.Remote.Pages["products"]
	require.Len(t, pages, 1)
	assert.True(t, pages[0].HasMore)
	assert.Equal(t, int64(10), pages[0].Sequence)
	require.Len(t, pages[0].Changes, 1)
	assert.Equal(t, "delete", pages[0].Changes[0].Operation)

	assert.Equal(t, []int{503}, scenario.Remote.FetchFailures["products"])
	assert.Equal(t, []int{500, 409}, scenario.Remote.PushFailures["sale-1"])
}

func TestParseScenario_StepKinds(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: steps
description: "Every step kind"
steps:
  - enqueue: { entity_type: sales, entity_id: s-1, payload: {}, priority: 2, key: k-1 }
  - cycle: { force_reset: true, expect: { outcome: ok } }
  - advance: -1h
  - reset_stuck: { all: true }
  - restore: s-1
  - fail_push: { s-1: [503] }
  - fail_fetch: { products: [500] }
assertions:
  - type: trace_count
    kind: cycle
    count: 1
`))
	require.NoError(t, err)

	want := []string{"enqueue", "cycle", "advance", "reset_stuck", "restore", "fail_push", "fail_fetch"}
	require.Len(t, scenario.Steps, len(want))
	for i, step := range scenario.Steps {
		kind, err := step.kind()
		require.NoError(t, err)
		assert.Equal(t, want[i], kind)
	}

	assert.Equal(t, "k-1", scenario.Steps[0].Enqueue.Key)
	assert.Equal(t, 2, scenario.Steps[0].Enqueue.Priority)
	assert.True(t, scenario.Steps[1].Cycle.ForceReset)
	assert.Equal(t, map[string]any{"outcome": "ok"}, scenario.Steps[1].Cycle.Expect)
	assert.True(t, scenario.Steps[3].ResetStuck.All)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: x\nsteps: [{advance: 1s}]\nassertions: [{type: trace_order, kinds: [advance]}]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: x\nsteps: [{advance: 1s}]\nassertions: [{type: trace_order, kinds: [advance]}]",
			wantErr: "description is required",
		},
		{
			name:    "unknown field",
			yaml:    "name: x\ndescription: x\nflow: []\nsteps: [{advance: 1s}]\nassertions: [{type: trace_order, kinds: [advance]}]",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "no steps",
			yaml:    "name: x\ndescription: x\nassertions: [{type: trace_order, kinds: [advance]}]",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			yaml:    "name: x\ndescription: x\nsteps: [{advance: 1s}]",
			wantErr: "assertions list is required",
		},
		{
			name:    "bad order",
			yaml:    "name: x\ndescription: x\norder: sideways\nsteps: [{advance: 1s}]\nassertions: [{type: trace_order, kinds: [advance]}]",
			wantErr: "order must be pull_first or push_first",
		},
		{
			name:    "negative max attempts",
			yaml:    "name: x\ndescription: x\nmax_attempts: -1\nsteps: [{advance: 1s}]\nassertions: [{type: trace_order, kinds: [advance]}]",
			wantErr: "max_attempts must be non-negative",
		},
		{
			name:    "unknown revocation",
			yaml:    "name: x\ndescription: x\nremote: {revocation: BANNED}\nsteps: [{advance: 1s}]\nassertions: [{type: trace_order, kinds: [advance]}]",
			wantErr: "unknown status",
		},
		{
			name:    "change without record id",
			yaml:    "name: x\ndescription: x\nremote: {pages: {products: [{changes: [{sequence: 1}]}]}}\nsteps: [{advance: 1s}]\nassertions: [{type: trace_order, kinds: [advance]}]",
			wantErr: "record_id is required",
		},
		{
			name:    "empty step",
			yaml:    "name: x\ndescription: x\nsteps: [{}]\nassertions: [{type: trace_order, kinds: [advance]}]",
			wantErr: "no action",
		},
		{
			name:    "two actions in one step",
			yaml:    "name: x\ndescription: x\nsteps: [{advance: 1s, restore: s-1}]\nassertions: [{type: trace_order, kinds: [advance]}]",
			wantErr: "more than one action",
		},
		{
			name:    "enqueue without entity id",
			yaml:    "name: x\ndescription: x\nsteps: [{enqueue: {entity_type: sales, payload: {}}}]\nassertions: [{type: trace_order, kinds: [enqueue]}]",
			wantErr: "entity_type and entity_id are required",
		},
		{
			name:    "enqueue without payload",
			yaml:    "name: x\ndescription: x\nsteps: [{enqueue: {entity_type: sales, entity_id: s-1}}]\nassertions: [{type: trace_order, kinds: [enqueue]}]",
			wantErr: "payload is required",
		},
		{
			name:    "bad duration",
			yaml:    "name: x\ndescription: x\nsteps: [{advance: soon}]\nassertions: [{type: trace_order, kinds: [advance]}]",
			wantErr: "steps[0].advance",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_InvalidAssertions(t *testing.T) {
	tests := []struct {
		name      string
		assertion string
		wantErr   string
	}{
		{"missing type", "{kind: push}", "type is required"},
		{"unknown type", "{type: eventually}", "unknown assertion type"},
		{"contains without kind", "{type: trace_contains}", "kind is required for trace_contains"},
		{"order without kinds", "{type: trace_order}", "kinds list is required"},
		{"count without kind", "{type: trace_count, count: 1}", "kind is required for trace_count"},
		{"negative count", "{type: trace_count, kind: push, count: -1}", "count must be non-negative"},
		{"state without table", "{type: final_state, expect: {synced: true}}", "table is required"},
		{"state without expect", "{type: final_state, table: outbox_items}", "expect is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := "name: x\ndescription: x\nsteps: [{advance: 1s}]\nassertions: [" + tt.assertion + "]"
			_, err := ParseScenario([]byte(yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "assertions[0]")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenarioDir(t *testing.T) {
	scenarios, err := LoadScenarioDir(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	names := make([]string, 0, len(scenarios))
	for _, s := range scenarios {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "push_retry_dead_letter")
	assert.Contains(t, names, "revoked_tenant")
	assert.IsIncreasing(t, names)
}

func TestLoadScenarioDir_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(minimalScenario), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(minimalScenario), 0644))

	_, err := LoadScenarioDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `scenario name "minimal" already used by a.yaml`)
}

func TestLoadScenarioDir_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [unterminated"), 0644))

	_, err := LoadScenarioDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}
