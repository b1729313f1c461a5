package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a sync conformance scenario.
// A scenario seeds a fake persistence server, drives the engine through a
// sequence of mutations, push events and loads, and asserts on the
// resulting snapshot.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is an optional CUE entity file, relative to the scenario file.
	// Empty means the built-in membership schema.
	Schema string `yaml:"schema,omitempty"`

	// Server holds the records the fake server starts with, per kind,
	// newest first.
	Server map[string][]map[string]any `yaml:"server,omitempty"`

	// ServerIDs fixes the ids the server assigns to created records, per kind.
	ServerIDs map[string][]string `yaml:"server_ids,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final snapshot and trace.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action against the engine. Exactly one of Create, Update,
// Delete, Load, Push, Release or Check is set.
type Step struct {
	Create  string `yaml:"create,omitempty"`
	Update  string `yaml:"update,omitempty"`
	Delete  string `yaml:"delete,omitempty"`
	Load    string `yaml:"load,omitempty"`
	Push    string `yaml:"push,omitempty"`
	Release string `yaml:"release,omitempty"`

	// Check evaluates assertions at this point of the flow.
	Check []Assertion `yaml:"check,omitempty"`

	// ID is the target of update and delete.
	ID string `yaml:"id,omitempty"`

	// Data is the create payload, the update patch or the push payload.
	Data any `yaml:"data,omitempty"`

	// Hold labels a request that waits at the server until a later
	// `release: <label>` step.
	Hold string `yaml:"hold,omitempty"`

	// Fail queues server failures for this step's request, in order.
	Fail []Failure `yaml:"fail,omitempty"`

	// Expect validates the outcome. Nil means success is expected.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// Failure is one queued server failure. Network simulates a transport
// error; otherwise the server answers Status with Message.
type Failure struct {
	Status  int    `yaml:"status,omitempty"`
	Message string `yaml:"message,omitempty"`
	Network string `yaml:"network,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Error is the expected syncerr code. Empty means success.
	Error string `yaml:"error,omitempty"`

	// Message is the expected user-facing message.
	Message string `yaml:"message,omitempty"`

	// Result is a subset of the returned record.
	Result map[string]any `yaml:"result,omitempty"`
}

// Action returns the step's verb.
func (s Step) Action() string {
	switch {
	case s.Create != "":
		return "create"
	case s.Update != "":
		return "update"
	case s.Delete != "":
		return "delete"
	case s.Load != "":
		return "load"
	case s.Push != "":
		return "push"
	case s.Release != "":
		return "release"
	case len(s.Check) > 0:
		return "check"
	}
	return ""
}

// Target returns the kind, event name or hold label the step acts on.
func (s Step) Target() string {
	for _, v := range []string{s.Create, s.Update, s.Delete, s.Load, s.Push, s.Release} {
		if v != "" {
			return v
		}
	}
	return ""
}

// Label returns the step as written in traces, e.g. "create member".
func (s Step) Label() string {
	if s.Action() == "check" {
		return "check"
	}
	return s.Action() + " " + s.Target()
}

// Assertion types.
const (
	AssertCollection    = "collection"
	AssertRecord        = "record"
	AssertCounter       = "counter"
	AssertStatus        = "status"
	AssertCalls         = "calls"
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// Assertion validates the snapshot or the trace.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Kind is the entity kind (collection, record, calls).
	Kind string `yaml:"kind,omitempty"`

	// ID is the entity id (record, status).
	ID string `yaml:"id,omitempty"`

	// IDs is the exact id order of a collection, newest first.
	IDs []string `yaml:"ids,omitempty"`

	// ProvisionalIDs lists the collection entries expected to be
	// provisional; every other entry must be authoritative.
	ProvisionalIDs []string `yaml:"provisional_ids,omitempty"`

	// Expect is a subset of the record's fields.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Provisional, if set, is the record's expected provisional flag.
	Provisional *bool `yaml:"provisional,omitempty"`

	// Absent asserts that no record has ID.
	Absent bool `yaml:"absent,omitempty"`

	// Name and Value check a counter.
	Name  string `yaml:"name,omitempty"`
	Value *int64 `yaml:"value,omitempty"`

	// Status is the expected effective invoice status.
	Status string `yaml:"status,omitempty"`

	// Op and Count check the number of server calls, or with Step the
	// number of trace entries.
	Op    string `yaml:"op,omitempty"`
	Count *int   `yaml:"count,omitempty"`

	// Step and Outcome match trace entries; Steps is an expected order.
	Step    string   `yaml:"step,omitempty"`
	Outcome string   `yaml:"outcome,omitempty"`
	Steps   []string `yaml:"steps,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) {
		scenario.Schema = filepath.Join(filepath.Dir(path), scenario.Schema)
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

	if s.Schema != "" {
		if _, err := os.Stat(s.Schema); os.IsNotExist(err) {
			return fmt.Errorf("schema file not found: %s", s.Schema)
		}
	}

	holds := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, holds); err != nil {
			return err
		}
	}
	for label := range holds {
		return fmt.Errorf("hold %q is never released", label)
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(fmt.Sprintf("assertions[%d]", i), &a); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(i int, step Step, holds map[string]bool) error {
	set := 0
	for _, v := range []string{step.Create, step.Update, step.Delete, step.Load, step.Push, step.Release} {
		if v != "" {
			set++
		}
	}
	if len(step.Check) > 0 {
		set++
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of create, update, delete, load, push, release, check is required", i)
	}

	switch step.Action() {
	case "create":
		if step.Data == nil {
			return fmt.Errorf("steps[%d]: data is required for create", i)
		}
	case "update":
		if step.Data == nil {
			return fmt.Errorf("steps[%d]: data is required for update", i)
		}
	case "push":
		if step.Hold != "" || len(step.Fail) > 0 {
			return fmt.Errorf("steps[%d]: push cannot hold or fail", i)
		}
	case "release":
		if !holds[step.Release] {
			return fmt.Errorf("steps[%d]: release of unknown hold %q", i, step.Release)
		}
		delete(holds, step.Release)
	case "check":
		for j, a := range step.Check {
			if err := validateAssertion(fmt.Sprintf("steps[%d].check[%d]", i, j), &a); err != nil {
				return err
			}
		}
	}

	if step.Hold != "" {
		if step.Action() == "load" {
			return fmt.Errorf("steps[%d]: load cannot hold", i)
		}
		if holds[step.Hold] {
			return fmt.Errorf("steps[%d]: hold %q already pending", i, step.Hold)
		}
		holds[step.Hold] = true
	}

	for j, f := range step.Fail {
		if f.Network == "" && (f.Status < 400 || f.Status > 599) {
			return fmt.Errorf("steps[%d].fail[%d]: status must be 4xx or 5xx, or set network", i, j)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(where string, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("%s: type is required", where)
	}

	switch a.Type {
	case AssertCollection:
		if a.Kind == "" {
			return fmt.Errorf("%s: kind is required for collection", where)
		}
	case AssertRecord:
		if a.Kind == "" || a.ID == "" {
			return fmt.Errorf("%s: kind and id are required for record", where)
		}
		if !a.Absent && a.Expect == nil && a.Provisional == nil {
			return fmt.Errorf("%s: record needs expect, provisional or absent", where)
		}
	case AssertCounter:
		if a.Name == "" || a.Value == nil {
			return fmt.Errorf("%s: name and value are required for counter", where)
		}
	case AssertStatus:
		if a.ID == "" || a.Status == "" {
			return fmt.Errorf("%s: id and status are required for status", where)
		}
	case AssertCalls:
		if a.Kind == "" || a.Op == "" || a.Count == nil {
			return fmt.Errorf("%s: kind, op and count are required for calls", where)
		}
	case AssertTraceContains:
		if a.Step == "" {
			return fmt.Errorf("%s: step is required for trace_contains", where)
		}
	case AssertTraceOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("%s: steps list is required for trace_order", where)
		}
	case AssertTraceCount:
		if a.Step == "" || a.Count == nil {
			return fmt.Errorf("%s: step and count are required for trace_count", where)
		}
		if *a.Count < 0 {
			return fmt.Errorf("%s: count must be non-negative for trace_count", where)
		}
	default:
		return fmt.Errorf("%s: unknown assertion type %q", where, a.Type)
	}

	return nil
}
