// Package reconcile merges change events into a collection.
//
// Apply is a pure function: given a collection and an event it returns the
// new collection and what happened. It is idempotent, so applying the same
// event twice leaves the collection as after the first application, which
// absorbs the at-least-once delivery of the push channel.
//
// Created: an entity with the same authoritative id is replaced; otherwise a
// provisional entity that resolves to the same identity is promoted in place;
// otherwise the record is prepended.
//
// Updated: the entity with the same id is replaced; unknown ids are ignored.
//
// Deleted: the entity with the same id is removed; unknown ids are ignored.
package reconcile

import (
	"fmt"

	"github.com/roach88/memsync/internal/identity"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/snapshot"
)

// Action says what Apply did.
type Action string

const (
	Inserted Action = "inserted"
	Promoted Action = "promoted"
	Replaced Action = "replaced"
	Removed  Action = "removed"
	Ignored  Action = "ignored"
)

// Outcome describes the effect of one Apply.
type Outcome struct {
	Action Action

	// Index is the position touched, -1 when ignored.
	Index int

	// Removed holds the entities taken out by a Deleted event.
	Removed []snapshot.Entity
}

// Changed reports whether the collection was modified.
func (o Outcome) Changed() bool {
	return o.Action != Ignored
}

// Apply merges ev into coll. coll may be modified in place; callers pass a
// private copy. Malformed events return an error wrapping ErrMalformed and
// leave coll untouched.
func Apply(res *identity.Resolver, coll snapshot.Collection, ev Event) (snapshot.Collection, Outcome, error) {
	ignored := Outcome{Action: Ignored, Index: -1}

	k, ok := res.Kind(ev.Kind)
	if !ok {
		return coll, ignored, fmt.Errorf("%w: unknown kind %q", ErrMalformed, ev.Kind)
	}

	switch ev.Change {
	case Created, Updated:
		if ev.Record == nil {
			return coll, ignored, fmt.Errorf("%w: %s without record", ErrMalformed, ev.Name())
		}
		id, ok := res.AuthoritativeID(ev.Kind, ev.Record)
		if !ok {
			return coll, ignored, fmt.Errorf("%w: %s without authoritative %s", ErrMalformed, ev.Name(), k.IDField)
		}

		if i := res.IndexByID(ev.Kind, coll, id); i >= 0 {
			if !coll[i].Provisional && record.Equal(coll[i].Fields, ev.Record) {
				return coll, ignored, nil
			}
			coll[i] = snapshot.Entity{Fields: ev.Record.Clone()}
			return coll, Outcome{Action: Replaced, Index: i}, nil
		}
		if ev.Change == Updated {
			return coll, ignored, nil
		}

		if i := res.IndexOfProvisional(ev.Kind, coll, ev.Record); i >= 0 {
			coll[i] = snapshot.Entity{Fields: ev.Record.Clone()}
			return coll, Outcome{Action: Promoted, Index: i}, nil
		}

		out := make(snapshot.Collection, 0, len(coll)+1)
		out = append(out, snapshot.Entity{Fields: ev.Record.Clone()})
		out = append(out, coll...)
		return out, Outcome{Action: Inserted, Index: 0}, nil

	case Deleted:
		if ev.ID == "" {
			return coll, ignored, fmt.Errorf("%w: %s without id", ErrMalformed, ev.Name())
		}
		first := -1
		var removed []snapshot.Entity
		out := coll[:0:0]
		for i, e := range coll {
			if got, ok := k.ID(e.Fields); ok && got == ev.ID {
				if first < 0 {
					first = i
				}
				removed = append(removed, e)
				continue
			}
			out = append(out, e)
		}
		if first < 0 {
			return coll, ignored, nil
		}
		return out, Outcome{Action: Removed, Index: first, Removed: removed}, nil

	default:
		return coll, ignored, fmt.Errorf("%w: unknown change %q", ErrMalformed, ev.Change)
	}
}
