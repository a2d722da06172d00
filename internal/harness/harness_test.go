package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Scenarios(t *testing.T) {
	scenarios, err := LoadScenarioDir(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)

	for _, scenario := range scenarios {
		t.Run(scenario.Name, func(t *testing.T) {
			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "push_retry_dead_letter.yaml"))
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := MarshalTrace(first.Trace)
	require.NoError(t, err)
	b, err := MarshalTrace(second.Trace)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_SeqIsMonotonic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "pull_recovers_after_fetch_failures.yaml"))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NotEmpty(t, result.Trace)
	for i, event := range result.Trace {
		assert.Equal(t, int64(i+1), event.Seq)
	}
}

func TestRun_CycleExpectationFails(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wrong_expectation
description: "The cycle pushes one item but two are expected"
steps:
  - enqueue: { entity_type: sales, entity_id: sale-1, payload: { total: 1 } }
  - cycle:
      expect: { pushed: 2 }
assertions:
  - type: trace_count
    kind: push
    count: 1
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "cycle 1: expected")
}

func TestRun_AssertionFails(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: failing_assertion
description: "Nothing is pushed when the outbox is empty"
steps:
  - cycle: {}
assertions:
  - type: trace_count
    kind: push
    count: 1
  - type: final_state
    table: outbox_items
    where: { entity_id: sale-1 }
    expect: { synced: true }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "0 occurrences")
	assert.Contains(t, result.Errors[1], "row not found")
}

func TestRun_PermanentFailureDeadLettersImmediately(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: permanent_failure
description: "A 400 dead-letters on the first attempt"
remote:
  push_failures:
    sale-1: [400]
steps:
  - enqueue: { entity_type: sales, entity_id: sale-1, payload: { total: 1 } }
  - cycle:
      expect: { failed: 1, dead_lettered: 1 }
  - restore: sale-1
  - restore: sale-1
assertions:
  - type: trace_contains
    kind: restore
    detail: { restored: true }
  - type: trace_contains
    kind: restore
    detail: { id: 0, restored: false }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRun_ForceResetPullsFromStart(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: force_reset
description: "A forced reset asks for every change again"
entity_types: [products]
remote:
  pages:
    products:
      - changes:
          - { record_id: p-1, sequence: 4, payload: { name: Tea } }
steps:
  - cycle:
      expect: { applied: 1 }
  - cycle:
      force_reset: true
      expect: { pulled: 1, applied: 0, skipped: 1 }
assertions:
  - type: trace_count
    kind: fetch
    detail: { since: 0 }
    count: 2
  - type: final_state
    table: pull_cursors
    where: { entity_type: products }
    expect: { sequence: 4, completed: true, pages_fetched: 1 }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRun_MidScenarioFailures(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: mid_failures
description: "Failures scripted between cycles"
entity_types: [products]
steps:
  - enqueue: { entity_type: sales, entity_id: sale-1, payload: { total: 1 } }
  - fail_push: { sale-1: [409] }
  - fail_fetch: { products: [404] }
  - cycle:
      expect: { failed: 2 }
assertions:
  - type: trace_contains
    kind: push
    detail: { status: 409 }
  - type: trace_contains
    kind: fetch
    detail: { status: 404 }
  - type: final_state
    table: outbox_items
    where: { direction: pull_tracking }
    expect: { dead_lettered: true, dead_letter_reason: permanent_error }
  - type: final_state
    table: outbox_items
    where: { entity_id: sale-1 }
    expect: { error_category: CONFLICT, dead_lettered: false }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRunContext_Cancelled(t *testing.T) {
	scenario, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = RunContext(ctx, scenario)
	require.Error(t, err)
}
