package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tillsync/internal/ir"
)

// Scenario defines a sync conformance scenario.
// A scenario scripts the remote service, drives the engine through a list of
// steps, and asserts on the resulting trace and final local state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Tenant is the tenant every step runs for. Defaults to DefaultTenant.
	Tenant string `yaml:"tenant,omitempty"`

	// CycleToken is the fixed cycle token for deterministic traces.
	// If empty, defaults to "test-cycle-default".
	CycleToken string `yaml:"cycle_token,omitempty"`

	// Order is pull_first (default) or push_first.
	Order string `yaml:"order,omitempty"`

	// EntityTypes are pulled each cycle, in order.
	EntityTypes []string `yaml:"entity_types"`

	// MaxAttempts is the attempt budget of enqueued items. 0 keeps the
	// queue default.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Remote scripts the fake sync service before the first step.
	Remote RemoteSetup `yaml:"remote,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultTenant is used when a scenario names no tenant.
const DefaultTenant = "store-001"

// RemoteSetup scripts the fake sync service.
type RemoteSetup struct {
	// Revocation is the status returned when a session starts (VALID,
	// SUSPENDED, REVOKED). Empty means VALID.
	Revocation     string `yaml:"revocation,omitempty"`
	LockoutMessage string `yaml:"lockout_message,omitempty"`

	// Pages are served per entity type in order.
	Pages map[string][]PageSetup `yaml:"pages,omitempty"`

	// FetchFailures and PushFailures are HTTP statuses returned by the next
	// fetches of an entity type and pushes of an entity id, in order.
	FetchFailures map[string][]int `yaml:"fetch_failures,omitempty"`
	PushFailures  map[string][]int `yaml:"push_failures,omitempty"`
}

// PageSetup is one scripted pull page.
type PageSetup struct {
	Changes  []ChangeSetup `yaml:"changes"`
	HasMore  bool          `yaml:"has_more,omitempty"`
	Sequence int64         `yaml:"sequence,omitempty"`
}

// ChangeSetup is one remote record version.
type ChangeSetup struct {
	RecordID  string         `yaml:"record_id"`
	Sequence  int64          `yaml:"sequence"`
	Operation string         `yaml:"operation,omitempty"`
	Payload   map[string]any `yaml:"payload"`
}

// Step is one scenario action. Exactly one field must be set.
type Step struct {
	// Enqueue queues a local change.
	Enqueue *EnqueueStep `yaml:"enqueue,omitempty"`

	// Cycle runs one sync cycle and optionally checks its outcome.
	Cycle *CycleStep `yaml:"cycle,omitempty"`

	// Advance moves the clock, e.g. "10m". A negative duration moves it back.
	Advance string `yaml:"advance,omitempty"`

	// ResetStuck makes items stuck in backoff due.
	ResetStuck *ResetStuckStep `yaml:"reset_stuck,omitempty"`

	// Restore returns the dead letter of an entity id to the queue.
	Restore string `yaml:"restore,omitempty"`

	// FailPush and FailFetch script more failures mid-scenario.
	FailPush  map[string][]int `yaml:"fail_push,omitempty"`
	FailFetch map[string][]int `yaml:"fail_fetch,omitempty"`
}

// EnqueueStep queues a local change for push.
type EnqueueStep struct {
	EntityType string         `yaml:"entity_type"`
	EntityID   string         `yaml:"entity_id"`
	Operation  string         `yaml:"operation,omitempty"`
	Payload    map[string]any `yaml:"payload"`
	Priority   int            `yaml:"priority,omitempty"`
	Key        string         `yaml:"key,omitempty"`
}

// CycleStep runs one cycle.
type CycleStep struct {
	ForceReset bool `yaml:"force_reset,omitempty"`

	// Expect is a subset match against the detail of the cycle trace event.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// ResetStuckStep resets items in backoff.
type ResetStuckStep struct {
	All bool `yaml:"all,omitempty"`
}

// kind returns the name of the single action set on the step.
func (s Step) kind() (string, error) {
	var kinds []string
	if s.Enqueue != nil {
		kinds = append(kinds, "enqueue")
	}
	if s.Cycle != nil {
		kinds = append(kinds, "cycle")
	}
	if s.Advance != "" {
		kinds = append(kinds, "advance")
	}
	if s.ResetStuck != nil {
		kinds = append(kinds, "reset_stuck")
	}
	if s.Restore != "" {
		kinds = append(kinds, "restore")
	}
	if s.FailPush != nil {
		kinds = append(kinds, "fail_push")
	}
	if s.FailFetch != nil {
		kinds = append(kinds, "fail_fetch")
	}
	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("no action")
	case 1:
		return kinds[0], nil
	default:
		sort.Strings(kinds)
		return "", fmt.Errorf("more than one action: %v", kinds)
	}
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check an event of Kind with Detail appears in the trace
	// - "trace_order": Check event kinds appear in order
	// - "trace_count": Check events of Kind (matching Detail) appear exactly Count times
	// - "final_state": Query a table and verify expected values
	Type string `yaml:"type"`

	// Kind is the trace event kind (used by trace_contains, trace_count).
	Kind string `yaml:"kind,omitempty"`

	// Detail are expected event details (subset match).
	Detail map[string]any `yaml:"detail,omitempty"`

	// Kinds are the event kinds in expected order (used by trace_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// Count is the expected number of events (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Table is the state table name (used by final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (used by final_state). The scenario
	// tenant is added unless tenant_id is given.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values (used by final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarioDir loads every *.yaml scenario in dir, ordered by file name.
func LoadScenarioDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	seen := make(map[string]string)
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		if prev, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", filepath.Base(p), s.Name, prev)
		}
		seen[s.Name] = filepath.Base(p)
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Order != "" && s.Order != "pull_first" && s.Order != "push_first" {
		return fmt.Errorf("order must be pull_first or push_first, got %q", s.Order)
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative")
	}
	if r := ir.RevocationStatus(s.Remote.Revocation); r != "" &&
		r != ir.RevocationValid && r != ir.RevocationSuspended && r != ir.RevocationRevoked {
		return fmt.Errorf("remote.revocation: unknown status %q", s.Remote.Revocation)
	}
	for et, pages := range s.Remote.Pages {
		for i, p := range pages {
			for j, c := range p.Changes {
				if c.RecordID == "" {
					return fmt.Errorf("remote.pages.%s[%d].changes[%d]: record_id is required", et, i, j)
				}
			}
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		kind, err := step.kind()
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		switch kind {
		case "enqueue":
			if step.Enqueue.EntityType == "" || step.Enqueue.EntityID == "" {
				return fmt.Errorf("steps[%d].enqueue: entity_type and entity_id are required", i)
			}
			if step.Enqueue.Payload == nil {
				return fmt.Errorf("steps[%d].enqueue: payload is required (use empty map if none)", i)
			}
		case "advance":
			if _, err := time.ParseDuration(step.Advance); err != nil {
				return fmt.Errorf("steps[%d].advance: %w", i, err)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
