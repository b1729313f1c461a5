// Package identity decides whether two records denote the same logical entity.
//
// The rule per kind:
//
//   - both records carry an authoritative id: the ids must be equal;
//   - otherwise, if the kind has a business key, the business keys must be
//     present and equal;
//   - otherwise, if the kind has natural keys, every natural key must be
//     present and equal on both sides;
//   - otherwise the records are different.
//
// Absent, null and empty values never match anything. The resolver never
// fails; an unknown kind simply matches nothing.
package identity

import (
	"strings"

	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/snapshot"
)

// ProvisionalPrefix marks locally generated ids. Server ids never use it.
const ProvisionalPrefix = "temp-"

// IsProvisional reports whether id is a locally generated placeholder.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Resolver applies the identity rules of a schema.
type Resolver struct {
	schema *schema.Schema
}

// New returns a resolver for s.
func New(s *schema.Schema) *Resolver {
	return &Resolver{schema: s}
}

// Schema returns the schema the resolver was built with.
func (r *Resolver) Schema() *schema.Schema {
	return r.schema
}

// Kind looks up a kind by name.
func (r *Resolver) Kind(name string) (*schema.Kind, bool) {
	return r.schema.Kind(name)
}

// AuthoritativeID returns obj's id when it is present and not provisional.
func (r *Resolver) AuthoritativeID(kind string, obj record.Object) (string, bool) {
	k, ok := r.schema.Kind(kind)
	if !ok {
		return "", false
	}
	return authoritativeID(k, obj)
}

func authoritativeID(k *schema.Kind, obj record.Object) (string, bool) {
	id, ok := k.ID(obj)
	if !ok || IsProvisional(id) {
		return "", false
	}
	return id, true
}

// SameEntity reports whether a and b denote the same entity of kind.
func (r *Resolver) SameEntity(kind string, a, b record.Object) bool {
	k, ok := r.schema.Kind(kind)
	if !ok {
		return false
	}

	idA, okA := authoritativeID(k, a)
	idB, okB := authoritativeID(k, b)
	if okA && okB {
		return idA == idB
	}

	if k.BusinessKey != "" {
		return sameText(a, b, k.BusinessKey)
	}
	if len(k.NaturalKeys) > 0 {
		for _, f := range k.NaturalKeys {
			if !sameText(a, b, f) {
				return false
			}
		}
		return true
	}
	return false
}

func sameText(a, b record.Object, field string) bool {
	va, okA := a.Text(field)
	vb, okB := b.Text(field)
	return okA && okB && va == vb
}

// IndexOf returns the index of the first entity in coll that is the same
// entity as probe, or -1.
func (r *Resolver) IndexOf(kind string, coll snapshot.Collection, probe record.Object) int {
	for i, e := range coll {
		if r.SameEntity(kind, e.Fields, probe) {
			return i
		}
	}
	return -1
}

// IndexOfProvisional is IndexOf restricted to provisional entities.
func (r *Resolver) IndexOfProvisional(kind string, coll snapshot.Collection, probe record.Object) int {
	for i, e := range coll {
		if e.Provisional && r.SameEntity(kind, e.Fields, probe) {
			return i
		}
	}
	return -1
}

// IndexByID returns the index of the first entity whose id field equals id,
// or -1. Provisional ids are matched too.
func (r *Resolver) IndexByID(kind string, coll snapshot.Collection, id string) int {
	k, ok := r.schema.Kind(kind)
	if !ok || id == "" {
		return -1
	}
	for i, e := range coll {
		if got, ok := k.ID(e.Fields); ok && got == id {
			return i
		}
	}
	return -1
}

// IndexByBusinessKey returns the index of the first entity whose business
// key equals ref, or -1.
func (r *Resolver) IndexByBusinessKey(kind string, coll snapshot.Collection, ref string) int {
	k, ok := r.schema.Kind(kind)
	if !ok || k.BusinessKey == "" || ref == "" {
		return -1
	}
	for i, e := range coll {
		if got, ok := k.Business(e.Fields); ok && got == ref {
			return i
		}
	}
	return -1
}

// References reports whether ref names target: it equals target's
// authoritative id or, failing that, its business key.
func (r *Resolver) References(kind string, target record.Object, ref string) bool {
	k, ok := r.schema.Kind(kind)
	if !ok || ref == "" {
		return false
	}
	if id, ok := authoritativeID(k, target); ok && id == ref {
		return true
	}
	if bk, ok := k.Business(target); ok && bk == ref {
		return true
	}
	return false
}
