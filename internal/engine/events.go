package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/memsync/internal/reconcile"
	"github.com/roach88/memsync/internal/snapshot"
)

// Enqueue schedules a push event for reconciliation without waiting.
// Returns false if the engine is stopped.
func (e *Engine) Enqueue(ev reconcile.Event) bool {
	ok := e.queue.Enqueue(newTask("event "+ev.Name(), func() {
		e.applyEvent(ev)
	}))
	if !ok {
		slog.Warn("push event dropped: engine stopped", "event", ev.Name())
		e.metrics.eventDropped(ev.Kind)
	}
	return ok
}

// Apply reconciles a push event and waits until it is applied.
// Malformed events are logged and dropped, never returned as errors.
func (e *Engine) Apply(ctx context.Context, ev reconcile.Event) error {
	return e.do(ctx, "event "+ev.Name(), func() {
		e.applyEvent(ev)
	})
}

func (e *Engine) applyEvent(ev reconcile.Event) {
	k, ok := e.schema.Kind(ev.Kind)
	if !ok {
		slog.Warn("push event dropped: unknown kind", "event", ev.Name())
		e.metrics.eventDropped(ev.Kind)
		return
	}

	var (
		out reconcile.Outcome
		bad error
	)
	e.store.Update(k.Name, func(c snapshot.Collection) snapshot.Collection {
		next, o, err := reconcile.Apply(e.resolver, c, ev)
		if err != nil {
			bad = err
			return c
		}
		out = o
		return next
	})
	if bad != nil {
		slog.Warn("push event dropped", "event", ev.Name(), "error", bad)
		e.metrics.eventDropped(k.Name)
		return
	}

	id := ev.EntityID(k)
	if ev.Change == reconcile.Deleted {
		// The entity may already be gone locally through a pending delete.
		key := overlayKey(k.Name, id)
		delete(e.overlays, key)
		for _, pd := range e.deletes[key] {
			pd.gone = true
		}
	}

	e.metrics.eventApplied(k.Name, string(out.Action))
	if !out.Changed() {
		slog.Debug("push event ignored", "event", ev.Name(), "id", id)
		return
	}

	if k.Counter != "" {
		switch out.Action {
		case reconcile.Inserted:
			e.store.AddCounter(k.Counter, 1)
		case reconcile.Removed:
			e.store.AddCounter(k.Counter, -int64(len(out.Removed)))
		}
	}

	if ev.Change != reconcile.Deleted {
		e.rebase(k.Name, id, ev.Payload(k))
	}

	slog.Debug("push event applied", "event", ev.Name(), "id", id, "action", string(out.Action))
	e.journalChange(k.Name, string(ev.Change), id, ev.Payload(k), SourcePush)
	e.metrics.setSize(k.Name, e.store.Len(k.Name))
}
