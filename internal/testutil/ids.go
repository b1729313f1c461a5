package testutil

import "fmt"

// ServerIDs mints authoritative ids the way a server would: a fixed list
// first, then prefix1, prefix2, ...
//
// Thread-safety: safe for concurrent use.
type ServerIDs struct {
	prefix string
	clock  *DeterministicClock
	fixed  *queue[string]
}

// NewServerIDs creates a minter. If prefix is empty, "id-" is used.
func NewServerIDs(prefix string, fixed ...string) *ServerIDs {
	if prefix == "" {
		prefix = "id-"
	}
	return &ServerIDs{
		prefix: prefix,
		clock:  NewDeterministicClock(),
		fixed:  newQueue(fixed...),
	}
}

// Push appends ids to hand out before falling back to the counter.
func (g *ServerIDs) Push(ids ...string) {
	g.fixed.push(ids...)
}

// Generate returns the next id.
func (g *ServerIDs) Generate() string {
	if id, ok := g.fixed.pop(); ok {
		return id
	}
	return fmt.Sprintf("%s%d", g.prefix, g.clock.Next())
}
