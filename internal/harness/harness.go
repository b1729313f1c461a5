package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/memsync/internal/engine"
	"github.com/roach88/memsync/internal/reconcile"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/store"
	"github.com/roach88/memsync/internal/syncerr"
	"github.com/roach88/memsync/internal/testutil"
)

// stepTimeout bounds every wait on the engine.
const stepTimeout = 5 * time.Second

// RetryPolicy is the bulk-load policy used for scenarios: three attempts a
// few milliseconds apart.
func RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		Timeout:         2 * time.Second,
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		MaxInterval:     10 * time.Millisecond,
		MaxAttempts:     3,
	}
}

// Harness is the state of one scenario run.
type Harness struct {
	schema *schema.Schema
	api    *testutil.FakeAPI
	engine *engine.Engine
	clock  *testutil.DeterministicClock
	held   map[string]*heldStep
	result *Result
}

type heldStep struct {
	index int
	step  Step
	gate  *testutil.Gate
	done  chan outcome
}

type outcome struct {
	result record.Object
	err    error
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs with a fresh engine and in-memory journal.
// Execution flow:
// 1. Seed the fake server
// 2. Start the engine
// 3. Execute steps, validating expect clauses
// 4. Evaluate assertions against the final snapshot
//
// A returned error means the scenario could not be executed; failed
// expectations are reported through Result.
func Run(scenario *Scenario) (*Result, error) {
	s := schema.Default()
	if scenario.Schema != "" {
		var err error
		if s, err = schema.LoadFile(scenario.Schema); err != nil {
			return nil, fmt.Errorf("failed to load schema: %w", err)
		}
	}

	journal, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer journal.Close()

	api := testutil.NewFakeAPI(s)
	for kind, recs := range scenario.Server {
		for i, m := range recs {
			obj, err := record.ObjectFromMap(m)
			if err != nil {
				return nil, fmt.Errorf("server.%s[%d]: %w", kind, i, err)
			}
			api.Seed(kind, obj)
		}
	}
	for kind, ids := range scenario.ServerIDs {
		api.AssignIDs(kind, ids...)
	}

	eng := engine.New(s, api,
		engine.WithJournal(journal),
		engine.WithRetryPolicy(RetryPolicy()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()
	defer func() {
		cancel()
		<-runErr
	}()

	h := &Harness{
		schema: s,
		api:    api,
		engine: eng,
		clock:  testutil.NewDeterministicClock(),
		held:   make(map[string]*heldStep),
		result: NewResult(),
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Label(), err)
		}
	}

	state, err := decodeState(eng)
	if err != nil {
		return nil, err
	}
	h.result.State = state

	actx := &AssertionContext{Engine: eng, API: api}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}

	return h.result, nil
}

func (h *Harness) execute(ctx context.Context, i int, step Step) error {
	switch step.Action() {
	case "check":
		actx := &AssertionContext{Engine: h.engine, API: h.api}
		for _, msg := range EvaluateAssertions(h.result, step.Check, actx) {
			h.result.AddError(fmt.Sprintf("steps[%d]: %s", i, msg))
		}
		return nil
	case "push":
		return h.push(ctx, step)
	case "release":
		return h.release(step)
	}

	op, err := apiOp(step)
	if err != nil {
		return err
	}
	for _, f := range step.Fail {
		h.api.FailNext(step.Target(), op, failure(step.Target(), op, f))
	}

	if step.Hold == "" {
		o := h.call(ctx, step)
		h.finish(i, step, o)
		return nil
	}
	return h.hold(ctx, i, step, op)
}

// hold starts step with its request parked at the server and returns once
// the request has arrived, or once the step finished without sending one.
func (h *Harness) hold(ctx context.Context, i int, step Step, op string) error {
	hs := &heldStep{
		index: i,
		step:  step,
		gate:  h.api.Hold(step.Target(), op),
		done:  make(chan outcome, 1),
	}
	go func() { hs.done <- h.call(ctx, step) }()

	select {
	case <-hs.gate.Arrived():
		h.held[step.Hold] = hs
		h.result.AddTrace(TraceEvent{
			Seq:     h.clock.Next(),
			Step:    step.Label(),
			ID:      step.ID,
			Outcome: OutcomePending,
		})
		return nil
	case o := <-hs.done:
		// Rejected before sending; leave the gate open for the next call.
		hs.gate.Release()
		hs.done <- o
		h.held[step.Hold] = hs
		return nil
	case <-time.After(stepTimeout):
		return fmt.Errorf("request never reached the server")
	}
}

// release lets a held request proceed and waits for its step to finish.
// An expect clause on the release step replaces the held step's.
func (h *Harness) release(step Step) error {
	hs, ok := h.held[step.Release]
	if !ok {
		return fmt.Errorf("unknown hold %q", step.Release)
	}
	delete(h.held, step.Release)

	held := hs.step
	if step.Expect != nil {
		held.Expect = step.Expect
	}

	hs.gate.Release()
	select {
	case o := <-hs.done:
		h.finish(hs.index, held, o)
		return nil
	case <-time.After(stepTimeout):
		return fmt.Errorf("held %s never completed", hs.step.Label())
	}
}

func (h *Harness) call(ctx context.Context, step Step) outcome {
	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	kind := step.Target()
	switch step.Action() {
	case "create":
		data, err := objectData(step.Data)
		if err != nil {
			return outcome{err: err}
		}
		res, err := h.engine.Create(ctx, kind, data)
		return outcome{result: res, err: err}
	case "update":
		data, err := objectData(step.Data)
		if err != nil {
			return outcome{err: err}
		}
		res, err := h.engine.Update(ctx, kind, step.ID, data)
		return outcome{result: res, err: err}
	case "delete":
		return outcome{err: h.engine.Delete(ctx, kind, step.ID)}
	case "load":
		return outcome{err: h.engine.Load(ctx, kind)}
	}
	return outcome{err: fmt.Errorf("unsupported action %q", step.Action())}
}

func (h *Harness) push(ctx context.Context, step Step) error {
	payload, err := record.FromAny(step.Data)
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	ev, err := reconcile.ParseEvent(h.schema, step.Push, payload)
	if err != nil {
		h.result.AddTrace(TraceEvent{
			Seq:     h.clock.Next(),
			Step:    step.Label(),
			Outcome: OutcomeDropped,
			Message: err.Error(),
		})
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	if err := h.engine.Apply(ctx, ev); err != nil {
		return err
	}

	k, _ := h.schema.Kind(ev.Kind)
	h.result.AddTrace(TraceEvent{
		Seq:     h.clock.Next(),
		Step:    step.Label(),
		ID:      ev.EntityID(k),
		Outcome: OutcomeOK,
	})
	return nil
}

// finish traces the outcome of step and checks its expect clause.
func (h *Harness) finish(i int, step Step, o outcome) {
	ev := TraceEvent{
		Seq:     h.clock.Next(),
		Step:    step.Label(),
		ID:      step.ID,
		Outcome: OutcomeOK,
	}
	if o.err != nil {
		ev.Outcome = outcomeOf(o.err)
		ev.Message = userMessage(o.err)
	} else if k, ok := h.schema.Kind(step.Target()); ok && o.result != nil {
		if id, ok := k.ID(o.result); ok {
			ev.ID = id
		}
	}
	h.result.AddTrace(ev)

	for _, msg := range checkExpect(step.Expect, o) {
		h.result.AddError(fmt.Sprintf("steps[%d] (%s): %s", i, step.Label(), msg))
	}
}

func checkExpect(expect *ExpectClause, o outcome) []string {
	want := ""
	if expect != nil {
		want = expect.Error
	}

	if o.err != nil {
		got := outcomeOf(o.err)
		if want == "" {
			return []string{fmt.Sprintf("unexpected error: %v", o.err)}
		}
		var errs []string
		if got != want {
			errs = append(errs, fmt.Sprintf("expected error %s, got %s (%v)", want, got, o.err))
		}
		if expect.Message != "" && userMessage(o.err) != expect.Message {
			errs = append(errs, fmt.Sprintf("expected message %q, got %q", expect.Message, userMessage(o.err)))
		}
		return errs
	}

	if want != "" {
		return []string{fmt.Sprintf("expected error %s, got success", want)}
	}
	if expect == nil {
		return nil
	}
	return matchFields(o.result, expect.Result)
}

func apiOp(step Step) (string, error) {
	switch step.Action() {
	case "create":
		return testutil.OpCreate, nil
	case "update":
		return testutil.OpUpdate, nil
	case "delete":
		return testutil.OpDelete, nil
	case "load":
		return testutil.OpList, nil
	}
	return "", fmt.Errorf("unsupported action %q", step.Action())
}

func failure(kind, op string, f Failure) error {
	if f.Network != "" {
		return errors.New(f.Network)
	}
	return syncerr.ServerRejected(kind, op, f.Status, f.Message)
}

func objectData(data any) (record.Object, error) {
	v, err := record.FromAny(data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	obj, ok := v.(record.Object)
	if !ok {
		return nil, fmt.Errorf("data is %s, want object", record.KindOf(v))
	}
	return obj, nil
}

func outcomeOf(err error) string {
	if code := syncerr.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

func userMessage(err error) string {
	var se *syncerr.Error
	if errors.As(err, &se) {
		return se.UserMessage()
	}
	return err.Error()
}

func decodeState(eng *engine.Engine) (map[string]any, error) {
	data, err := eng.Store().Canonical()
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return state, nil
}
