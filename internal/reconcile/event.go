package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
)

// ErrMalformed is wrapped by every event that cannot be parsed or applied.
var ErrMalformed = errors.New("malformed event")

// Change is the variant tag of an Event.
type Change string

const (
	Created Change = "created"
	Updated Change = "updated"
	Deleted Change = "deleted"
)

// Valid reports whether c is one of the three known changes.
func (c Change) Valid() bool {
	switch c {
	case Created, Updated, Deleted:
		return true
	}
	return false
}

// Event is one change notification for one entity.
// Created and Updated carry the full authoritative Record; Deleted carries ID.
type Event struct {
	Kind   string
	Change Change
	Record record.Object
	ID     string
}

// Name returns the wire name, e.g. "member:created".
func (e Event) Name() string {
	return e.Kind + ":" + string(e.Change)
}

// EntityID returns the id the event is about.
func (e Event) EntityID(k *schema.Kind) string {
	if e.Change == Deleted {
		return e.ID
	}
	id, _ := k.ID(e.Record)
	return id
}

// Payload returns the journal payload: the record, or {id_field: id} for
// deletes.
func (e Event) Payload(k *schema.Kind) record.Object {
	if e.Change == Deleted {
		return record.Object{k.IDField: record.String(e.ID)}
	}
	return e.Record
}

// ParseEvent builds an Event from a wire name and its JSON payload.
//
// The entity part of name may be the kind ("member") or its collection
// ("members"). Delete payloads carry the id under the kind's id field, or
// under "id" or "_id"; a bare string is accepted as the id.
func ParseEvent(s *schema.Schema, name string, payload record.Value) (Event, error) {
	entity, change, ok := strings.Cut(name, ":")
	if !ok {
		return Event{}, fmt.Errorf("%w: name %q is not entity:change", ErrMalformed, name)
	}

	k, ok := s.Kind(entity)
	if !ok {
		k, ok = s.ByCollection(entity)
	}
	if !ok {
		return Event{}, fmt.Errorf("%w: unknown entity %q", ErrMalformed, entity)
	}

	ev := Event{Kind: k.Name, Change: Change(change)}
	if !ev.Change.Valid() {
		return Event{}, fmt.Errorf("%w: unknown change %q", ErrMalformed, change)
	}

	if ev.Change == Deleted {
		id, err := deletedID(k, payload)
		if err != nil {
			return Event{}, err
		}
		ev.ID = id
		return ev, nil
	}

	obj, ok := payload.(record.Object)
	if !ok {
		return Event{}, fmt.Errorf("%w: %s payload is %s, want object", ErrMalformed, name, record.KindOf(payload))
	}
	ev.Record = obj
	return ev, nil
}

func deletedID(k *schema.Kind, payload record.Value) (string, error) {
	switch p := payload.(type) {
	case record.String:
		if p != "" {
			return string(p), nil
		}
	case record.Object:
		for _, field := range []string{k.IDField, "id", "_id"} {
			if id, ok := p.Text(field); ok {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s:deleted without id", ErrMalformed, k.Name)
}
