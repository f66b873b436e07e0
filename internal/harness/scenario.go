package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run of sessions on one or more nodes sharing a
// store, with expectations on each step and assertions on the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes lists the repositories taking part. Several nodes share the
	// store and exchange invalidations in-process. Defaults to one node "a".
	Nodes []string `yaml:"nodes,omitempty"`

	// Sessions maps each session name to the node it is opened on.
	// Sessions are opened on first use.
	Sessions map[string]string `yaml:"sessions"`

	// Setup rows are written to the store before any node starts.
	Setup []SetupRow `yaml:"setup,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and store.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// SetupRow is a row present in the store before the scenario starts.
type SetupRow struct {
	Table  string         `yaml:"table,omitempty"` // defaults to the hierarchy table
	ID     string         `yaml:"id"`
	Values map[string]any `yaml:"values"`
}

// Step is one operation of a session, or of a node's lock manager.
type Step struct {
	Op string `yaml:"op"`

	// Session runs the op. Lock ops may name a Node instead.
	Session string `yaml:"session,omitempty"`
	Node    string `yaml:"node,omitempty"`

	Table  string         `yaml:"table,omitempty"` // defaults to the hierarchy table
	ID     string         `yaml:"id,omitempty"`
	Key    string         `yaml:"key,omitempty"`
	Values map[string]any `yaml:"values,omitempty"`
	Amount int64          `yaml:"amount,omitempty"`
	Owner  string         `yaml:"owner,omitempty"`
	Force  bool           `yaml:"force,omitempty"`

	// Expect, if set, is checked against the step's outcome. Without it
	// any error fails the scenario.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies a step's expected outcome.
type ExpectClause struct {
	// Result is compared to the step's result. Integers compare by value.
	Result any `yaml:"result,omitempty"`

	// Null expects a null result, such as reading a missing row.
	Null bool `yaml:"null,omitempty"`

	// Error is the expected error code: concurrent_modification,
	// concurrent_update, invariant, closed or error.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event with Op, and Target and Session if set
	// - "trace_order": the first events of Ops appear in order
	// - "trace_count": Op appears exactly Count times
	// - "final_state": the store row Table/ID has the Expect values
	Type string `yaml:"type"`

	Op      string   `yaml:"op,omitempty"`
	Target  string   `yaml:"target,omitempty"`
	Session string   `yaml:"session,omitempty"`
	Count   int      `yaml:"count,omitempty"`
	Ops     []string `yaml:"ops,omitempty"`

	Table  string         `yaml:"table,omitempty"`
	ID     string         `yaml:"id,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Absent asserts the row does not exist (used by final_state).
	Absent bool `yaml:"absent,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Step ops.
const (
	OpCreate   = "create"
	OpPut      = "put"
	OpAdd      = "add"
	OpRead     = "read"
	OpRemove   = "remove"
	OpChildren = "children"
	OpSave     = "save"
	OpClear    = "clear"
	OpClose    = "close"
	OpLock     = "lock"
	OpGetLock  = "get_lock"
	OpUnlock   = "unlock"
)

var sessionOps = []string{OpCreate, OpPut, OpAdd, OpRead, OpRemove, OpChildren, OpSave, OpClear, OpClose}

var lockOps = []string{OpLock, OpGetLock, OpUnlock}

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

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(scenario.Nodes) == 0 {
		scenario.Nodes = []string{"a"}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for name, node := range s.Sessions {
		if !slices.Contains(s.Nodes, node) {
			return fmt.Errorf("session %s: unknown node %q", name, node)
		}
	}
	for i, row := range s.Setup {
		if row.ID == "" {
			return fmt.Errorf("setup[%d]: id is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(s, i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Scenario, i int, step *Step) error {
	switch {
	case slices.Contains(sessionOps, step.Op):
		if _, ok := s.Sessions[step.Session]; !ok {
			return fmt.Errorf("steps[%d]: unknown session %q", i, step.Session)
		}
	case slices.Contains(lockOps, step.Op):
		if step.Node != "" && !slices.Contains(s.Nodes, step.Node) {
			return fmt.Errorf("steps[%d]: unknown node %q", i, step.Node)
		}
		if step.Node == "" {
			if _, ok := s.Sessions[step.Session]; !ok {
				return fmt.Errorf("steps[%d]: lock ops need a node or a session", i)
			}
		}
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
	}

	switch step.Op {
	case OpCreate, OpPut:
		if step.ID == "" || len(step.Values) == 0 {
			return fmt.Errorf("steps[%d]: %s needs id and values", i, step.Op)
		}
	case OpAdd, OpRead:
		if step.ID == "" || step.Key == "" {
			return fmt.Errorf("steps[%d]: %s needs id and key", i, step.Op)
		}
	case OpRemove, OpChildren, OpLock, OpGetLock, OpUnlock:
		if step.ID == "" {
			return fmt.Errorf("steps[%d]: %s needs id", i, step.Op)
		}
	}
	if step.Op == OpLock && step.Owner == "" {
		return fmt.Errorf("steps[%d]: lock needs owner", i)
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
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for final_state", index)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
