// Package snapshot holds the in-memory mirror of every entity collection.
//
// A Store is owned by one engine. All writes go through Replace and Update,
// which the engine only calls from its single writer goroutine; reads may
// happen from any goroutine and always receive a deep copy.
package snapshot

import (
	"slices"
	"sync"

	"github.com/roach88/memsync/internal/record"
)

// Entity is one record plus its provisional flag.
type Entity struct {
	Fields      record.Object
	Provisional bool
}

// Clone returns a deep copy of e.
func (e Entity) Clone() Entity {
	return Entity{Fields: e.Fields.Clone(), Provisional: e.Provisional}
}

// Collection is the ordered contents of one kind, newest first.
type Collection []Entity

// Clone returns a deep copy of c.
func (c Collection) Clone() Collection {
	if c == nil {
		return nil
	}
	out := make(Collection, len(c))
	for i, e := range c {
		out[i] = e.Clone()
	}
	return out
}

// Value renders c as a record array for canonical encoding.
// Each element is {"fields": {...}, "provisional": bool}.
func (c Collection) Value() record.Array {
	arr := make(record.Array, len(c))
	for i, e := range c {
		fields := e.Fields
		if fields == nil {
			fields = record.Object{}
		}
		arr[i] = record.Object{
			"fields":      fields,
			"provisional": record.Bool(e.Provisional),
		}
	}
	return arr
}

// Canonical returns the canonical JSON of c. Two collections are equal
// exactly when their canonical encodings are byte-equal.
func (c Collection) Canonical() ([]byte, error) {
	return record.MarshalCanonical(c.Value())
}

// Provisional returns the provisional entities of c, in order.
func (c Collection) Provisional() Collection {
	var out Collection
	for _, e := range c {
		if e.Provisional {
			out = append(out, e)
		}
	}
	return out
}

// Store is the set of collections and aggregate counters.
type Store struct {
	mu          sync.RWMutex
	collections map[string]Collection
	counters    map[string]int64
	version     uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		collections: make(map[string]Collection),
		counters:    make(map[string]int64),
	}
}

// Snapshot returns a deep copy of kind's collection.
func (s *Store) Snapshot(kind string) Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections[kind].Clone()
}

// Len returns the number of entities of kind.
func (s *Store) Len(kind string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[kind])
}

// Replace atomically swaps kind's collection for coll.
// The store keeps its own copy.
func (s *Store) Replace(kind string, coll Collection) {
	coll = coll.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[kind] = coll
	s.version++
}

// Update applies fn to kind's collection and stores the result.
//
// fn receives a private copy and may modify it in place or return a new
// slice. Update reports whether fn's result differs from the previous value.
func (s *Store) Update(kind string, fn func(Collection) Collection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.collections[kind]
	after := fn(before.Clone())
	if equalCollections(before, after) {
		return false
	}
	s.collections[kind] = after
	s.version++
	return true
}

// Counter returns the value of the named aggregate counter.
func (s *Store) Counter(name string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[name]
}

// AddCounter adds delta to the named counter and returns the new value.
func (s *Store) AddCounter(name string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
	if delta != 0 {
		s.version++
	}
	return s.counters[name]
}

// SetCounter sets the named counter.
func (s *Store) SetCounter(name string, v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] = v
	s.version++
}

// Counters returns a copy of every counter.
func (s *Store) Counters() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// Kinds returns the kinds with a collection, sorted.
func (s *Store) Kinds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kinds := make([]string, 0, len(s.collections))
	for k := range s.collections {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Version increases on every effective write. Readers use it to detect
// change without comparing collections.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Reset drops every collection and counter.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[string]Collection)
	s.counters = make(map[string]int64)
	s.version++
}

// Canonical returns the canonical JSON of the whole store:
// {"collections": {kind: [...]}, "counters": {name: n}}.
func (s *Store) Canonical() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	colls := make(record.Object, len(s.collections))
	for k, c := range s.collections {
		colls[k] = c.Value()
	}
	counters := make(record.Object, len(s.counters))
	for k, v := range s.counters {
		counters[k] = record.Int(v)
	}
	return record.MarshalCanonical(record.Object{
		"collections": colls,
		"counters":    counters,
	})
}

func equalCollections(a, b Collection) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Provisional != b[i].Provisional || !record.Equal(a[i].Fields, b[i].Fields) {
			return false
		}
	}
	return true
}
