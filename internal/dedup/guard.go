// Package dedup keeps two identical mutations from being in flight at once.
//
// A mutation is identified by its Signature. The guard key (kind:op:key) is
// derived from the operation's content, so a retry of the same logical
// operation reproduces the key and is vetoed while the first attempt is in
// flight, and unrelated operations never collide:
//
//	create  key = hash of the candidate payload
//	update  key = id + hash of the patch
//	delete  key = id
//
// Seq is a monotonic counter stamped on every signature. It is not part of
// the key; End uses it so that a vetoed duplicate cannot release the key
// held by the original.
package dedup

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/memsync/internal/record"
)

// Op is a mutation operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Signature identifies one mutation attempt.
type Signature struct {
	Kind string
	Op   Op
	Key  string
	Seq  uint64
}

// String returns the guard key, kind:op:key.
func (s Signature) String() string {
	return s.Kind + ":" + string(s.Op) + ":" + s.Key
}

// CreateKey returns the disambiguator for a create of payload.
func CreateKey(payload record.Object) (string, error) {
	h, err := record.ContentHash(record.DomainSignature, payload)
	if err != nil {
		return "", fmt.Errorf("create key: %w", err)
	}
	return h, nil
}

// UpdateKey returns the disambiguator for an update of id with patch.
func UpdateKey(id string, patch record.Object) (string, error) {
	h, err := record.ContentHash(record.DomainSignature, patch)
	if err != nil {
		return "", fmt.Errorf("update key: %w", err)
	}
	return id + "/" + h, nil
}

// DeleteKey returns the disambiguator for a delete of id.
func DeleteKey(id string) string {
	return id
}

// Guard tracks in-flight signatures. It is safe for concurrent use.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]Signature
	seq      atomic.Uint64
}

// NewGuard returns an empty guard.
func NewGuard() *Guard {
	return &Guard{inflight: make(map[string]Signature)}
}

// Sign stamps a new signature with the next sequence number.
func (g *Guard) Sign(kind string, op Op, key string) Signature {
	return Signature{Kind: kind, Op: op, Key: key, Seq: g.seq.Add(1)}
}

// Begin registers sig. It returns false, leaving the guard unchanged, when
// a signature with the same key is already in flight.
func (g *Guard) Begin(sig Signature) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := sig.String()
	if _, busy := g.inflight[key]; busy {
		return false
	}
	g.inflight[key] = sig
	return true
}

// End releases sig. Releasing a signature that does not own its key
// (a vetoed duplicate, or one already released) is a no-op.
func (g *Guard) End(sig Signature) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := sig.String()
	if held, ok := g.inflight[key]; ok && held.Seq == sig.Seq {
		delete(g.inflight, key)
	}
}

// Pending reports whether a signature with sig's key is in flight.
func (g *Guard) Pending(sig Signature) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[sig.String()]
	return ok
}

// InFlight returns the in-flight signatures ordered by Seq.
func (g *Guard) InFlight() []Signature {
	g.mu.Lock()
	out := make([]Signature, 0, len(g.inflight))
	for _, s := range g.inflight {
		out = append(out, s)
	}
	g.mu.Unlock()

	slices.SortFunc(out, func(a, b Signature) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out
}
