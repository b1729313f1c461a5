package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/memsync/internal/identity"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestChange builds a change with a content-addressed id.
func createTestChange(t *testing.T, kind, change, entityID string, payload record.Object, seq int64) Change {
	t.Helper()
	id, err := record.ChangeID(kind, change, entityID, payload, seq)
	if err != nil {
		t.Fatalf("ChangeID() failed: %v", err)
	}
	return Change{
		ID:       id,
		Seq:      seq,
		Kind:     kind,
		Change:   change,
		EntityID: entityID,
		Payload:  payload,
		Source:   "push",
	}
}

func mustWriteChange(t *testing.T, s *Store, c Change) {
	t.Helper()
	if _, err := s.WriteChange(context.Background(), c); err != nil {
		t.Fatalf("WriteChange() failed: %v", err)
	}
}

func testResolver() *identity.Resolver {
	return identity.New(schema.Default())
}

func member(id, name string) record.Object {
	return record.Object{
		"id":    record.String(id),
		"name":  record.String(name),
		"email": record.String(name + "@example.com"),
	}
}
