package engine

import (
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/snapshot"
)

// overlay tracks the pending updates of one entity.
// Only the Run goroutine touches overlays.
type overlay struct {
	base    record.Object
	patches []pendingPatch
}

type pendingPatch struct {
	seq   uint64
	patch record.Object
}

func overlayKey(kind, id string) string {
	return kind + "\x00" + id
}

// view returns the base with every pending patch applied in order.
func (o *overlay) view() record.Object {
	fields := o.base.Clone()
	for _, p := range o.patches {
		fields = fields.Merge(p.patch)
	}
	return fields
}

func (o *overlay) drop(seq uint64) {
	for i, p := range o.patches {
		if p.seq == seq {
			o.patches = append(o.patches[:i], o.patches[i+1:]...)
			return
		}
	}
}

// render writes the overlay view of kind/id into the store. With no patches
// left the entity becomes authoritative again and the overlay is released.
// An overlay whose entity is not in the collection is kept while a delete of
// the entity may still roll back and reinsert it.
func (e *Engine) render(kind, id string) {
	key := overlayKey(kind, id)
	ov, ok := e.overlays[key]
	if !ok {
		return
	}

	present := false
	e.store.Update(kind, func(c snapshot.Collection) snapshot.Collection {
		i := e.resolver.IndexByID(kind, c, id)
		if i < 0 {
			return c
		}
		present = true
		c[i] = snapshot.Entity{Fields: ov.view(), Provisional: len(ov.patches) > 0}
		return c
	})

	if len(ov.patches) == 0 && (present || len(e.deletes[key]) == 0) {
		delete(e.overlays, key)
	}
}

// rebase replaces the authoritative base of an overlaid entity, after a push
// event or a load delivered a newer server value.
func (e *Engine) rebase(kind, id string, base record.Object) {
	ov, ok := e.overlays[overlayKey(kind, id)]
	if !ok {
		return
	}
	ov.base = base.Clone()
	e.render(kind, id)
}
