package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/memsync/internal/identity"
)

// IDGenerator produces provisional ids for optimistic creates.
// Every id must carry identity.ProvisionalPrefix and be unique.
type IDGenerator interface {
	Generate() string
}

// SequenceGenerator produces temp-1, temp-2, ...
//
// Safe for concurrent use.
type SequenceGenerator struct {
	clock *Clock
}

// NewSequenceGenerator returns a generator whose first id is temp-1.
func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{clock: NewClock()}
}

// Generate returns the next provisional id.
func (g *SequenceGenerator) Generate() string {
	return fmt.Sprintf("%s%d", identity.ProvisionalPrefix, g.clock.Next())
}

// UUIDv7Generator produces time-sortable ids of the form temp-<uuidv7>.
// Useful when provisional ids must stay unique across process restarts.
type UUIDv7Generator struct{}

// Generate creates a new provisional id.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return identity.ProvisionalPrefix + uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids for testing.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed, to catch a test that creates more
// records than it planned for.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
