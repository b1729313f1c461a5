package engine

import (
	"context"

	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/snapshot"
)

// Handle binds the engine operations to one entity kind.
type Handle struct {
	e    *Engine
	kind string
}

// Kind returns a handle for the named kind. Operations on an unknown kind
// fail with InvalidOperation.
func (e *Engine) Kind(name string) *Handle {
	return &Handle{e: e, kind: name}
}

func (e *Engine) Members() *Handle   { return e.Kind(schema.Member) }
func (e *Engine) Invoices() *Handle  { return e.Kind(schema.Invoice) }
func (e *Engine) Payments() *Handle  { return e.Kind(schema.Payment) }
func (e *Engine) Donations() *Handle { return e.Kind(schema.Donation) }
func (e *Engine) Admins() *Handle    { return e.Kind(schema.Admin) }

// Name returns the handle's kind.
func (h *Handle) Name() string {
	return h.kind
}

func (h *Handle) Create(ctx context.Context, candidate record.Object) (record.Object, error) {
	return h.e.Create(ctx, h.kind, candidate)
}

func (h *Handle) Update(ctx context.Context, id string, patch record.Object) (record.Object, error) {
	return h.e.Update(ctx, h.kind, id, patch)
}

func (h *Handle) Delete(ctx context.Context, id string) error {
	return h.e.Delete(ctx, h.kind, id)
}

func (h *Handle) Load(ctx context.Context) error {
	return h.e.Load(ctx, h.kind)
}

// Snapshot returns a copy of the collection, newest first.
func (h *Handle) Snapshot() snapshot.Collection {
	return h.e.Snapshot(h.kind)
}

// Find returns the fields of the entity with id, provisional ids included.
func (h *Handle) Find(id string) (record.Object, bool) {
	coll := h.e.Snapshot(h.kind)
	if i := h.e.resolver.IndexByID(h.kind, coll, id); i >= 0 {
		return coll[i].Fields, true
	}
	return nil, false
}
