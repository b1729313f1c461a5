package harness

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/memsync/internal/engine"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/snapshot"
	"github.com/roach88/memsync/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	// Header with assertion type
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)

	// Expected vs Actual (most important info)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", ev.Seq, ev.Step)
			if ev.ID != "" {
				fmt.Fprintf(&buf, " %s", ev.ID)
			}
			fmt.Fprintf(&buf, " -> %s\n", ev.Outcome)
		}
	}

	return buf.String()
}

// AssertionContext provides the live objects snapshot assertions read.
type AssertionContext struct {
	Engine *engine.Engine
	API    *testutil.FakeAPI
}

// matchTrace reports whether ev is an entry for step with outcome.
// An empty outcome matches every final outcome but not "pending".
func matchTrace(ev TraceEvent, step, outcome string) bool {
	if ev.Step != step {
		return false
	}
	if outcome == "" {
		return ev.Outcome != OutcomePending
	}
	return ev.Outcome == outcome
}

func describeTrace(step, outcome, id string) string {
	s := step
	if id != "" {
		s += " " + id
	}
	if outcome != "" {
		s += " -> " + outcome
	}
	return s
}

// assertTraceContains checks that some trace entry matches the step,
// outcome and id of the assertion.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matchTrace(ev, a.Step, a.Outcome) && (a.ID == "" || ev.ID == a.ID) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describeTrace(a.Step, a.Outcome, a.ID),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that steps completed in the specified order.
// Steps don't need to be consecutive and pending entries are ignored.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		for _, step := range a.Steps {
			if matchTrace(ev, step, "") && positions[step] == 0 {
				positions[step] = i + 1 // 1-indexed for readability
			}
		}
	}

	for _, step := range a.Steps {
		if positions[step] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all steps present: %v", a.Steps),
				Actual:   fmt.Sprintf("missing step: %s", step),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Steps); i++ {
		prev, curr := a.Steps[i-1], a.Steps[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("steps in order: %v", a.Steps),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the step appears exactly the specified
// number of times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matchTrace(ev, a.Step, a.Outcome) {
			count++
		}
	}

	if count != *a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s appears %d times", describeTrace(a.Step, a.Outcome, ""), *a.Count),
			Actual:   fmt.Sprintf("appears %d times", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertCollection checks the id order, size and provisional entries of a
// collection.
func assertCollection(eng *engine.Engine, a Assertion) error {
	k, ok := eng.Schema().Kind(a.Kind)
	if !ok {
		return fmt.Errorf("collection: unknown kind %q", a.Kind)
	}
	coll := eng.Snapshot(a.Kind)

	ids := make([]string, len(coll))
	var provisional []string
	for i, ent := range coll {
		ids[i], _ = k.ID(ent.Fields)
		if ent.Provisional {
			provisional = append(provisional, ids[i])
		}
	}

	if a.IDs != nil && !slices.Equal(ids, a.IDs) {
		return &AssertionError{
			Type:     AssertCollection,
			Expected: fmt.Sprintf("%s ids %v", a.Kind, a.IDs),
			Actual:   fmt.Sprintf("%v", ids),
		}
	}
	if a.Count != nil && len(coll) != *a.Count {
		return &AssertionError{
			Type:     AssertCollection,
			Expected: fmt.Sprintf("%s has %d entries", a.Kind, *a.Count),
			Actual:   fmt.Sprintf("%d entries %v", len(coll), ids),
		}
	}
	if a.ProvisionalIDs != nil {
		want := slices.Sorted(slices.Values(a.ProvisionalIDs))
		got := slices.Sorted(slices.Values(provisional))
		if !slices.Equal(want, got) {
			return &AssertionError{
				Type:     AssertCollection,
				Expected: fmt.Sprintf("%s provisional ids %v", a.Kind, want),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}

func findEntity(eng *engine.Engine, kind, id string) (snapshot.Entity, bool) {
	coll := eng.Snapshot(kind)
	if i := eng.Resolver().IndexByID(kind, coll, id); i >= 0 {
		return coll[i], true
	}
	return snapshot.Entity{}, false
}

// assertRecord checks one entity's fields and provisional flag, or its
// absence.
func assertRecord(eng *engine.Engine, a Assertion) error {
	ent, found := findEntity(eng, a.Kind, a.ID)

	if a.Absent {
		if found {
			return &AssertionError{
				Type:     AssertRecord,
				Expected: fmt.Sprintf("no %s %s", a.Kind, a.ID),
				Actual:   fmt.Sprintf("found %s", ToJSON(ent.Fields)),
			}
		}
		return nil
	}
	if !found {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s %s", a.Kind, a.ID),
			Actual:   "not found",
		}
	}

	if a.Provisional != nil && ent.Provisional != *a.Provisional {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s %s provisional=%t", a.Kind, a.ID, *a.Provisional),
			Actual:   fmt.Sprintf("provisional=%t", ent.Provisional),
		}
	}
	if mismatches := matchFields(ent.Fields, a.Expect); len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s %s with %v", a.Kind, a.ID, a.Expect),
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}

func assertCounter(eng *engine.Engine, a Assertion) error {
	if got := eng.Counter(a.Name); got != *a.Value {
		return &AssertionError{
			Type:     AssertCounter,
			Expected: fmt.Sprintf("%s = %d", a.Name, *a.Value),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// assertStatus checks the effective status of an invoice.
func assertStatus(eng *engine.Engine, a Assertion) error {
	kind := a.Kind
	if kind == "" {
		kind = schema.Invoice
	}
	ent, ok := findEntity(eng, kind, a.ID)
	if !ok {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s %s with status %q", kind, a.ID, a.Status),
			Actual:   "not found",
		}
	}
	if got := eng.EffectiveStatus(ent.Fields); got != a.Status {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s %s status %q", kind, a.ID, a.Status),
			Actual:   fmt.Sprintf("%q", got),
		}
	}
	return nil
}

func assertCalls(api *testutil.FakeAPI, a Assertion) error {
	if got := api.CallCount(a.Kind, a.Op); got != *a.Count {
		return &AssertionError{
			Type:     AssertCalls,
			Expected: fmt.Sprintf("%d %s %s calls", *a.Count, a.Kind, a.Op),
			Actual:   fmt.Sprintf("%d calls", got),
		}
	}
	return nil
}

// matchFields compares expected against actual with subset semantics and
// returns one message per mismatching field. An expected null matches an
// absent field.
func matchFields(actual record.Object, expected map[string]any) []string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, field := range keys {
		want, err := record.FromAny(expected[field])
		if err != nil {
			out = append(out, fmt.Sprintf("%s: %v", field, err))
			continue
		}
		got, ok := actual.Get(field)
		if !ok {
			if _, isNull := want.(record.Null); isNull {
				continue
			}
			out = append(out, fmt.Sprintf("%s: missing, want %s", field, ToJSON(want)))
			continue
		}
		if !record.Equal(got, want) {
			out = append(out, fmt.Sprintf("%s: got %s, want %s", field, ToJSON(got), ToJSON(want)))
		}
	}
	return out
}

// ToJSON renders v as canonical JSON for messages.
func ToJSON(v record.Value) string {
	data, err := record.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides the engine and server for snapshot assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertCollection, AssertRecord, AssertCounter, AssertStatus:
			if actx == nil || actx.Engine == nil {
				err = fmt.Errorf("assertion[%d]: %s requires an engine", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertCollection:
				err = assertCollection(actx.Engine, assertion)
			case AssertRecord:
				err = assertRecord(actx.Engine, assertion)
			case AssertCounter:
				err = assertCounter(actx.Engine, assertion)
			case AssertStatus:
				err = assertStatus(actx.Engine, assertion)
			}
		case AssertCalls:
			if actx == nil || actx.API == nil {
				err = fmt.Errorf("assertion[%d]: calls requires a server", i)
				break
			}
			err = assertCalls(actx.API, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
