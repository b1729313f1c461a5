package engine

import (
	"context"
	"log/slog"
	"slices"

	"github.com/roach88/memsync/internal/dedup"
	"github.com/roach88/memsync/internal/identity"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/snapshot"
	"github.com/roach88/memsync/internal/syncerr"
)

// Journal sources.
const (
	SourcePush     = "push"
	SourceMutation = "mutation"
)

// Create inserts candidate optimistically and persists it.
//
// A provisional copy with a fresh temp- id is visible to readers before the
// request is sent. On success the provisional copy is replaced by the
// server record, or dropped in favor of an authoritative record with the
// same id that a push event delivered meanwhile. On failure the provisional
// copy is removed and the error returned. Creates are never retried here.
func (e *Engine) Create(ctx context.Context, kind string, candidate record.Object) (record.Object, error) {
	const op = "create"

	k, err := e.kindFor(kind, op)
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		return nil, syncerr.InvalidOperation(kind, op, "%s payload is required", kind)
	}

	payload := candidate.Without(k.IDField)
	key, err := dedup.CreateKey(payload)
	if err != nil {
		return nil, syncerr.InvalidOperation(kind, op, "%v", err)
	}
	sig := e.guard.Sign(kind, dedup.OpCreate, key)
	tempID := e.ids.Generate()

	if err := e.do(ctx, "create.apply", func() {
		e.applyCreate(k, tempID, payload)
	}); err != nil {
		return nil, err
	}

	// The request is under way from here on; the caller can no longer cancel.
	follow := context.WithoutCancel(ctx)

	if !e.guard.Begin(sig) {
		e.rollback(follow, "create", kind, func() { e.rollbackCreate(k, tempID) })
		e.metrics.mutation(kind, op, outcomeDuplicate)
		return nil, syncerr.DuplicateRequest(kind, op, sig.String())
	}

	result, err := e.api.Create(follow, kind, payload.Clone())
	e.guard.End(sig)
	if err == nil {
		if _, ok := e.resolver.AuthoritativeID(kind, result); !ok {
			err = syncerr.ServerRejected(kind, op, 0, "server returned "+kind+" without "+k.IDField)
		}
	}
	if err != nil {
		err = classify(kind, op, err)
		e.rollback(follow, "create", kind, func() { e.rollbackCreate(k, tempID) })
		slog.Warn("create rolled back", "kind", kind, "temp_id", tempID, "error", err)
		e.metrics.mutation(kind, op, outcomeFailed)
		return nil, err
	}

	var stored record.Object
	if err := e.do(follow, "create.confirm", func() {
		stored = e.confirmCreate(k, tempID, result)
	}); err != nil {
		return nil, err
	}

	e.metrics.mutation(kind, op, outcomeOK)
	return stored, nil
}

func (e *Engine) applyCreate(k *schema.Kind, tempID string, payload record.Object) {
	fields := payload.With(k.IDField, record.String(tempID))
	e.store.Update(k.Name, func(c snapshot.Collection) snapshot.Collection {
		return slices.Insert(c, 0, snapshot.Entity{Fields: fields, Provisional: true})
	})
	if k.Counter != "" {
		e.store.AddCounter(k.Counter, 1)
	}

	slog.Debug("provisional create applied", "kind", k.Name, "temp_id", tempID)
	e.metrics.setSize(k.Name, e.store.Len(k.Name))
}

func (e *Engine) rollbackCreate(k *schema.Kind, tempID string) {
	removed := e.removeProvisional(k.Name, tempID)
	if removed && k.Counter != "" {
		e.store.AddCounter(k.Counter, -1)
	}

	e.metrics.rollback(k.Name, "create")
	e.metrics.setSize(k.Name, e.store.Len(k.Name))
}

func (e *Engine) removeProvisional(kind, tempID string) bool {
	removed := false
	e.store.Update(kind, func(c snapshot.Collection) snapshot.Collection {
		i := e.resolver.IndexByID(kind, c, tempID)
		if i < 0 || !c[i].Provisional {
			return c
		}
		removed = true
		return slices.Delete(c, i, i+1)
	})
	return removed
}

// confirmCreate swaps the provisional copy for the server record and returns
// the record as stored.
func (e *Engine) confirmCreate(k *schema.Kind, tempID string, result record.Object) record.Object {
	kind := k.Name
	id, _ := k.ID(result)
	removed := e.removeProvisional(kind, tempID)

	var stored record.Object
	existing := false
	e.store.Update(kind, func(c snapshot.Collection) snapshot.Collection {
		if i := e.resolver.IndexByID(kind, c, id); i >= 0 {
			// A push event got here first; its fields win.
			existing = true
			stored = result.Merge(c[i].Fields)
			c[i] = snapshot.Entity{Fields: stored, Provisional: c[i].Provisional}
			return c
		}
		stored = result.Clone()
		return slices.Insert(c, 0, snapshot.Entity{Fields: stored.Clone()})
	})

	if ov, ok := e.overlays[overlayKey(kind, id)]; ok {
		ov.base = result.Merge(ov.base)
		stored = ov.base.Clone()
		e.render(kind, id)
	}

	if k.Counter != "" {
		switch {
		case existing && removed:
			e.store.AddCounter(k.Counter, -1)
		case !existing && !removed:
			e.store.AddCounter(k.Counter, 1)
		}
	}

	slog.Info("create confirmed", "kind", kind, "temp_id", tempID, "id", id, "merged", existing)
	e.journalChange(kind, "created", id, stored, SourceMutation)
	e.metrics.setSize(kind, e.store.Len(kind))
	return stored.Clone()
}

// Update applies patch to entity id optimistically and persists it.
//
// The entity is shown with the patch applied and marked provisional until
// the request resolves. On success it takes the server record; on failure
// it returns to its previous full value.
func (e *Engine) Update(ctx context.Context, kind, id string, patch record.Object) (record.Object, error) {
	const op = "update"

	k, err := e.kindFor(kind, op)
	if err != nil {
		return nil, err
	}
	if err := checkTargetID(k, op, id); err != nil {
		return nil, err
	}
	if patch == nil {
		return nil, syncerr.InvalidOperation(kind, op, "%s patch is required", kind)
	}
	if pid, ok := k.ID(patch); ok && pid != id {
		return nil, syncerr.InvalidOperation(kind, op, "patch changes %s from %q to %q", k.IDField, id, pid)
	}
	patch = patch.Without(k.IDField)

	key, err := dedup.UpdateKey(id, patch)
	if err != nil {
		return nil, syncerr.InvalidOperation(kind, op, "%v", err)
	}
	sig := e.guard.Sign(kind, dedup.OpUpdate, key)

	var invalid error
	if err := e.do(ctx, "update.apply", func() {
		invalid = e.applyUpdate(k, id, sig.Seq, patch)
	}); err != nil {
		return nil, err
	}
	if invalid != nil {
		e.metrics.mutation(kind, op, outcomeInvalid)
		return nil, invalid
	}

	follow := context.WithoutCancel(ctx)

	if !e.guard.Begin(sig) {
		e.rollback(follow, "update", kind, func() { e.rollbackUpdate(k, id, sig.Seq) })
		e.metrics.mutation(kind, op, outcomeDuplicate)
		return nil, syncerr.DuplicateRequest(kind, op, sig.String())
	}

	result, err := e.api.Update(follow, kind, id, patch.Clone())
	e.guard.End(sig)
	if err != nil {
		err = classify(kind, op, err)
		e.rollback(follow, "update", kind, func() { e.rollbackUpdate(k, id, sig.Seq) })
		slog.Warn("update rolled back", "kind", kind, "id", id, "error", err)
		e.metrics.mutation(kind, op, outcomeFailed)
		return nil, err
	}

	var stored record.Object
	if err := e.do(follow, "update.confirm", func() {
		stored = e.confirmUpdate(k, id, sig.Seq, result)
	}); err != nil {
		return nil, err
	}

	e.metrics.mutation(kind, op, outcomeOK)
	return stored, nil
}

func (e *Engine) applyUpdate(k *schema.Kind, id string, seq uint64, patch record.Object) error {
	kind := k.Name

	var invalid error
	e.store.Update(kind, func(c snapshot.Collection) snapshot.Collection {
		i := e.resolver.IndexByID(kind, c, id)
		if i < 0 {
			if e.resolver.IndexByBusinessKey(kind, c, id) >= 0 {
				invalid = businessRefError(k, "update", id)
			}
			return c
		}

		key := overlayKey(kind, id)
		ov, ok := e.overlays[key]
		if !ok {
			ov = &overlay{base: c[i].Fields.Clone()}
			e.overlays[key] = ov
		}
		ov.patches = append(ov.patches, pendingPatch{seq: seq, patch: patch.Clone()})
		c[i] = snapshot.Entity{Fields: ov.view(), Provisional: true}
		return c
	})

	if invalid == nil {
		slog.Debug("provisional update applied", "kind", kind, "id", id, "seq", seq)
	}
	return invalid
}

func (e *Engine) rollbackUpdate(k *schema.Kind, id string, seq uint64) {
	if ov, ok := e.overlays[overlayKey(k.Name, id)]; ok {
		ov.drop(seq)
		e.render(k.Name, id)
	}
	e.metrics.rollback(k.Name, "update")
}

func (e *Engine) confirmUpdate(k *schema.Kind, id string, seq uint64, result record.Object) record.Object {
	kind := k.Name
	if _, ok := k.ID(result); !ok {
		result = result.With(k.IDField, record.String(id))
	}

	if ov, ok := e.overlays[overlayKey(kind, id)]; ok {
		ov.base = result.Clone()
		ov.drop(seq)
		e.render(kind, id)
	} else {
		e.store.Update(kind, func(c snapshot.Collection) snapshot.Collection {
			if i := e.resolver.IndexByID(kind, c, id); i >= 0 {
				c[i] = snapshot.Entity{Fields: result.Clone()}
			}
			return c
		})
	}

	slog.Info("update confirmed", "kind", kind, "id", id)
	e.journalChange(kind, "updated", id, result, SourceMutation)
	return result.Clone()
}

// pendingDelete remembers what an in-flight delete removed.
type pendingDelete struct {
	removed []removedEntity

	// gone is set when a push event deleted the entity meanwhile; the
	// removed records are then not restored on failure.
	gone bool
}

type removedEntity struct {
	index  int
	entity snapshot.Entity
}

// Delete removes entity id optimistically and persists the removal.
//
// On failure the removed records are reinserted at their previous
// positions, unless an entity with the same id has appeared since.
func (e *Engine) Delete(ctx context.Context, kind, id string) error {
	const op = "delete"

	k, err := e.kindFor(kind, op)
	if err != nil {
		return err
	}
	if err := checkTargetID(k, op, id); err != nil {
		return err
	}

	sig := e.guard.Sign(kind, dedup.OpDelete, dedup.DeleteKey(id))
	pd := &pendingDelete{}

	var invalid error
	if err := e.do(ctx, "delete.apply", func() {
		invalid = e.applyDelete(k, id, pd)
	}); err != nil {
		return err
	}
	if invalid != nil {
		e.metrics.mutation(kind, op, outcomeInvalid)
		return invalid
	}

	follow := context.WithoutCancel(ctx)

	if !e.guard.Begin(sig) {
		e.rollback(follow, "delete", kind, func() { e.rollbackDelete(k, id, pd) })
		e.metrics.mutation(kind, op, outcomeDuplicate)
		return syncerr.DuplicateRequest(kind, op, sig.String())
	}

	err = e.api.Delete(follow, kind, id)
	e.guard.End(sig)
	if err != nil {
		err = classify(kind, op, err)
		e.rollback(follow, "delete", kind, func() { e.rollbackDelete(k, id, pd) })
		slog.Warn("delete rolled back", "kind", kind, "id", id, "restored", len(pd.removed), "error", err)
		e.metrics.mutation(kind, op, outcomeFailed)
		return err
	}

	if err := e.do(follow, "delete.confirm", func() {
		e.confirmDelete(k, id, pd)
	}); err != nil {
		return err
	}

	e.metrics.mutation(kind, op, outcomeOK)
	return nil
}

func (e *Engine) applyDelete(k *schema.Kind, id string, pd *pendingDelete) error {
	kind := k.Name

	var invalid error
	e.store.Update(kind, func(c snapshot.Collection) snapshot.Collection {
		out := make(snapshot.Collection, 0, len(c))
		for i, ent := range c {
			if got, ok := k.ID(ent.Fields); ok && got == id {
				pd.removed = append(pd.removed, removedEntity{index: i, entity: ent})
				continue
			}
			out = append(out, ent)
		}
		if len(pd.removed) == 0 && e.resolver.IndexByBusinessKey(kind, c, id) >= 0 {
			invalid = businessRefError(k, "delete", id)
		}
		return out
	})
	if invalid != nil {
		return invalid
	}

	key := overlayKey(kind, id)
	e.deletes[key] = append(e.deletes[key], pd)
	if k.Counter != "" && len(pd.removed) > 0 {
		e.store.AddCounter(k.Counter, -int64(len(pd.removed)))
	}

	slog.Debug("provisional delete applied", "kind", kind, "id", id, "removed", len(pd.removed))
	e.metrics.setSize(kind, e.store.Len(kind))
	return nil
}

func (e *Engine) rollbackDelete(k *schema.Kind, id string, pd *pendingDelete) {
	kind := k.Name
	e.forgetDelete(kind, id, pd)

	if pd.gone {
		slog.Info("delete failed after remote delete; not restoring", "kind", kind, "id", id)
		e.metrics.rollback(kind, "delete")
		return
	}

	restored := 0
	e.store.Update(kind, func(c snapshot.Collection) snapshot.Collection {
		for _, r := range pd.removed {
			if e.resolver.IndexByID(kind, c, id) >= 0 {
				continue
			}
			c = slices.Insert(c, min(r.index, len(c)), r.entity.Clone())
			restored++
		}
		return c
	})
	if k.Counter != "" && restored > 0 {
		e.store.AddCounter(k.Counter, int64(restored))
	}
	e.render(kind, id)

	e.metrics.rollback(kind, "delete")
	e.metrics.setSize(kind, e.store.Len(kind))
}

func (e *Engine) confirmDelete(k *schema.Kind, id string, pd *pendingDelete) {
	kind := k.Name
	e.forgetDelete(kind, id, pd)
	delete(e.overlays, overlayKey(kind, id))

	// A push redelivered while the request was in flight may have put the
	// entity back. The server has deleted it, so drop it again.
	var stale int
	e.store.Update(kind, func(c snapshot.Collection) snapshot.Collection {
		out := c[:0]
		for _, ent := range c {
			if got, ok := k.ID(ent.Fields); ok && got == id {
				stale++
				continue
			}
			out = append(out, ent)
		}
		return out
	})
	if stale > 0 {
		if k.Counter != "" {
			e.store.AddCounter(k.Counter, -int64(stale))
		}
		slog.Debug("dropped entity reinserted during delete", "kind", kind, "id", id, "count", stale)
		e.metrics.setSize(kind, e.store.Len(kind))
	}

	slog.Info("delete confirmed", "kind", kind, "id", id)
	e.journalChange(kind, "deleted", id, record.Object{k.IDField: record.String(id)}, SourceMutation)
}

func (e *Engine) forgetDelete(kind, id string, pd *pendingDelete) {
	key := overlayKey(kind, id)
	pending := e.deletes[key]
	for i, p := range pending {
		if p == pd {
			pending = slices.Delete(pending, i, i+1)
			break
		}
	}
	if len(pending) == 0 {
		delete(e.deletes, key)
	} else {
		e.deletes[key] = pending
	}
}

// rollback runs fn on the Run goroutine. If the engine has stopped the
// rollback cannot run and the optimistic change stays in the snapshot.
func (e *Engine) rollback(ctx context.Context, op, kind string, fn func()) {
	if err := e.do(ctx, op+".rollback", fn); err != nil {
		slog.Warn("rollback skipped", "kind", kind, "op", op, "error", err)
	}
}

func (e *Engine) kindFor(kind, op string) (*schema.Kind, error) {
	k, ok := e.schema.Kind(kind)
	if !ok {
		return nil, syncerr.InvalidOperation(kind, op, "unknown entity kind %q", kind)
	}
	return k, nil
}

// checkTargetID rejects ids that cannot address a persisted entity.
func checkTargetID(k *schema.Kind, op, id string) error {
	switch {
	case id == "":
		return syncerr.InvalidOperation(k.Name, op, "%s %s requires %s", op, k.Name, k.IDField)
	case identity.IsProvisional(id):
		return syncerr.InvalidOperation(k.Name, op, "%s %q is not confirmed yet", k.Name, id)
	case k.LooksLikeBusinessRef(id):
		return businessRefError(k, op, id)
	}
	return nil
}

func businessRefError(k *schema.Kind, op, id string) error {
	ref := k.BusinessKey
	if ref == "" {
		ref = "business reference"
	}
	return syncerr.InvalidOperation(k.Name, op, "%q is a %s, not a %s %s", id, ref, k.Name, k.IDField)
}

// classify maps errors that the API did not classify to network failures.
func classify(kind, op string, err error) error {
	if syncerr.CodeOf(err) != "" {
		return err
	}
	return syncerr.NetworkFailure(kind, op, err)
}
