package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/memsync/internal/dedup"
	"github.com/roach88/memsync/internal/identity"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/snapshot"
	"github.com/roach88/memsync/internal/status"
	"github.com/roach88/memsync/internal/store"
)

// API is the persistence collaborator, one call per HTTP endpoint.
//
// Implementations classify failures with the syncerr codes. Any other error
// is treated as a network failure.
type API interface {
	List(ctx context.Context, kind string) ([]record.Object, error)
	Create(ctx context.Context, kind string, payload record.Object) (record.Object, error)
	Update(ctx context.Context, kind, id string, patch record.Object) (record.Object, error)
	Delete(ctx context.Context, kind, id string) error
}

// Journal records applied changes and collection checkpoints.
// *store.Store implements it.
type Journal interface {
	WriteChange(ctx context.Context, c store.Change) (bool, error)
	WriteCheckpoint(ctx context.Context, cp store.Checkpoint) error
}

// Engine owns the snapshot store and serializes every write to it.
//
// Thread-safety model:
//   - Create, Update, Delete, Load, Enqueue: safe from any goroutine
//   - Snapshot, Counter, EffectiveStatus: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//
// Mutations and Load block until Run executes their tasks, so Run must be
// started before they are called.
type Engine struct {
	schema   *schema.Schema
	resolver *identity.Resolver
	store    *snapshot.Store
	api      API
	guard    *dedup.Guard
	queue    *taskQueue
	clock    *Clock
	ids      IDGenerator
	journal  Journal
	metrics  *Metrics
	retry    RetryPolicy

	// Run-goroutine state.
	overlays map[string]*overlay
	deletes  map[string][]*pendingDelete

	started atomic.Bool
	done    chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator sets the provisional id generator (default temp-1, temp-2, ...).
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithJournal records applied changes and checkpoints in j.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithMetrics reports engine activity to m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRetryPolicy overrides the bulk-load timeout and backoff.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithClock sets the journal clock. Used after replay to resume from the
// last journaled seq.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithStore starts the engine from an existing snapshot store, such as one
// restored by store.Replay.
func WithStore(s *snapshot.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithGuard shares a deduplication guard.
func WithGuard(g *dedup.Guard) Option {
	return func(e *Engine) {
		e.guard = g
	}
}

// New creates an Engine for the kinds of s, talking to api.
func New(s *schema.Schema, api API, opts ...Option) *Engine {
	e := &Engine{
		schema:   s,
		resolver: identity.New(s),
		store:    snapshot.New(),
		api:      api,
		guard:    dedup.NewGuard(),
		queue:    newTaskQueue(),
		clock:    NewClock(),
		ids:      NewSequenceGenerator(),
		retry:    DefaultRetryPolicy(),
		overlays: make(map[string]*overlay),
		deletes:  make(map[string][]*pendingDelete),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run starts the single-writer task loop.
// Blocks until ctx is cancelled or Stop is called.
//
// After Stop, tasks already queued are still executed before Run returns.
// After cancellation, queued tasks are abandoned and their callers receive
// ErrStopped.
//
// ERROR HANDLING: tasks never return errors to the loop. Failures are logged
// with their context and the loop continues.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	defer close(e.done)

	slog.Info("engine starting", "kinds", e.schema.Names())

	for {
		t, ok := e.queue.TryDequeue()
		if ok {
			e.runTask(t)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel is closed with the queue, so this fires
			// immediately once stopped.
			if e.queue.Closed() && e.queue.Len() == 0 {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

func (e *Engine) runTask(t *task) {
	if !t.state.CompareAndSwap(taskPending, taskRunning) {
		slog.Debug("skipping abandoned task", "task", t.name)
		return
	}
	defer close(t.done)
	e.metrics.setQueueDepth(e.queue.Len())
	t.run()
}

// Stop closes the task queue. Run drains queued tasks and returns.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Shutdown checkpoints every collection to the journal (if any), stops the
// engine and waits for Run to return or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.started.Load() {
		return ErrNotRunning
	}

	var cpErr error
	if e.journal != nil {
		cpErr = e.Checkpoint(ctx, e.schema.Names()...)
	}

	e.Stop()
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return cpErr
}

// do runs fn on the Run goroutine and waits for it.
//
// If ctx ends before fn starts, fn is abandoned and ctx.Err() returned.
// Once fn has started do always waits for it to finish.
func (e *Engine) do(ctx context.Context, name string, fn func()) error {
	t := newTask(name, fn)
	if !e.queue.Enqueue(t) {
		return ErrStopped
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		if t.state.CompareAndSwap(taskPending, taskAbandoned) {
			return ctx.Err()
		}
	case <-e.done:
		if t.state.CompareAndSwap(taskPending, taskAbandoned) {
			return ErrStopped
		}
	}
	<-t.done
	return nil
}

// Schema returns the engine's entity schema.
func (e *Engine) Schema() *schema.Schema {
	return e.schema
}

// Resolver returns the identity resolver for the engine's schema.
func (e *Engine) Resolver() *identity.Resolver {
	return e.resolver
}

// Store returns the snapshot store. Callers must treat it as read-only.
func (e *Engine) Store() *snapshot.Store {
	return e.store
}

// Guard returns the deduplication guard.
func (e *Engine) Guard() *dedup.Guard {
	return e.guard
}

// Clock returns the journal clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// QueueLen returns the number of queued tasks.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Snapshot returns a copy of kind's collection, newest first.
func (e *Engine) Snapshot(kind string) snapshot.Collection {
	return e.store.Snapshot(kind)
}

// Counter returns an aggregate counter such as total_members.
func (e *Engine) Counter(name string) int64 {
	return e.store.Counter(name)
}

// EffectiveStatus derives the display status of invoice from the current
// payments snapshot.
func (e *Engine) EffectiveStatus(invoice record.Object) string {
	return status.Effective(e.resolver, invoice, e.store.Snapshot(schema.Payment))
}

// InvoiceViews returns every invoice with its derived status.
func (e *Engine) InvoiceViews() []status.View {
	return status.Annotate(e.resolver, e.store.Snapshot(schema.Invoice), e.store.Snapshot(schema.Payment))
}

// Checkpoint writes the authoritative view of each kind to the journal.
// Provisional creates are left out and pending updates are written as
// their last confirmed value.
func (e *Engine) Checkpoint(ctx context.Context, kinds ...string) error {
	if e.journal == nil {
		return nil
	}

	var cp store.Checkpoint
	err := e.do(ctx, "checkpoint", func() {
		cp = e.buildCheckpoint(kinds)
	})
	if err != nil {
		return err
	}

	if err := e.journal.WriteCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	slog.Info("checkpoint written", "seq", cp.Seq, "kinds", kinds)
	return nil
}

func (e *Engine) buildCheckpoint(kinds []string) store.Checkpoint {
	cp := store.Checkpoint{
		Seq:         e.clock.Next(),
		Collections: make(map[string]snapshot.Collection, len(kinds)),
		Counters:    e.store.Counters(),
	}
	for _, kind := range kinds {
		k, ok := e.schema.Kind(kind)
		if !ok {
			continue
		}
		coll := e.store.Snapshot(kind)
		out := make(snapshot.Collection, 0, len(coll))
		dropped := 0
		for _, ent := range coll {
			id, ok := k.ID(ent.Fields)
			if ok && identity.IsProvisional(id) {
				dropped++
				continue
			}
			if ov, ok := e.overlays[overlayKey(kind, id)]; ok {
				ent = snapshot.Entity{Fields: ov.base.Clone()}
			}
			out = append(out, snapshot.Entity{Fields: ent.Fields})
		}
		cp.Collections[kind] = out
		if k.Counter != "" {
			cp.Counters[k.Counter] -= int64(dropped)
		}
	}
	return cp
}

// journalChange appends one applied change. Errors are logged, not returned.
// Called only from the Run goroutine.
func (e *Engine) journalChange(kind, change, entityID string, payload record.Object, source string) {
	if e.journal == nil {
		return
	}

	seq := e.clock.Next()
	id, err := record.ChangeID(kind, change, entityID, payload, seq)
	if err != nil {
		slog.Error("journal change id", "kind", kind, "change", change, "entity_id", entityID, "error", err)
		return
	}

	c := store.Change{
		ID:       id,
		Seq:      seq,
		Kind:     kind,
		Change:   change,
		EntityID: entityID,
		Payload:  payload,
		Source:   source,
	}
	if _, err := e.journal.WriteChange(context.Background(), c); err != nil {
		slog.Error("journal write failed",
			"kind", kind,
			"change", change,
			"entity_id", entityID,
			"seq", seq,
			"error", err,
		)
	}
}
