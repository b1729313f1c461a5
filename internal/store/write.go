package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/snapshot"
)

// Change is one journaled change to one entity.
type Change struct {
	// ID is the content-addressed id from record.ChangeID.
	ID  string
	Seq int64

	Kind     string
	Change   string // created, updated or deleted
	EntityID string

	// Payload is the full record for created/updated and {id_field: id}
	// for deleted.
	Payload record.Object

	// Source is "push" or "mutation".
	Source string
}

// Checkpoint is the authoritative state of some collections and every
// counter at one seq.
type Checkpoint struct {
	Seq         int64
	Collections map[string]snapshot.Collection
	Counters    map[string]int64
}

// WriteChange appends a change to the journal.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are silently
// ignored, reported as inserted=false. Other constraint violations (e.g. an
// unknown change) still return errors.
func (s *Store) WriteChange(ctx context.Context, c Change) (bool, error) {
	payloadJSON, err := marshalPayload(c.Payload)
	if err != nil {
		return false, fmt.Errorf("write change: %w", err)
	}

	source := c.Source
	if source == "" {
		source = "push"
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO changes
		(id, seq, kind, change, entity_id, payload, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		c.ID,
		c.Seq,
		c.Kind,
		c.Change,
		c.EntityID,
		payloadJSON,
		source,
	)
	if err != nil {
		return false, fmt.Errorf("write change: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write change: %w", err)
	}
	return n > 0, nil
}

// WriteCheckpoint stores every collection and counter of cp in one
// transaction. Rewriting the same checkpoint replaces its rows.
func (s *Store) WriteCheckpoint(ctx context.Context, cp Checkpoint) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	kinds := make([]string, 0, len(cp.Collections))
	for kind := range cp.Collections {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		coll := cp.Collections[kind]
		data, err := marshalCollection(coll)
		if err != nil {
			return fmt.Errorf("write checkpoint %s: %w", kind, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (kind, seq, data, size)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(kind, seq) DO UPDATE SET data = excluded.data, size = excluded.size
		`, kind, cp.Seq, data, len(coll)); err != nil {
			return fmt.Errorf("write checkpoint %s: %w", kind, err)
		}
	}

	for name, value := range cp.Counters {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO counters (name, seq, value)
			VALUES (?, ?, ?)
			ON CONFLICT(name, seq) DO UPDATE SET value = excluded.value
		`, name, cp.Seq, value); err != nil {
			return fmt.Errorf("write checkpoint counter %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Compact removes changes and checkpoints superseded by the newest
// checkpoint of their kind or counter. Returns the number of rows removed.
func (s *Store) Compact(ctx context.Context) (int64, error) {
	stmts := []string{
		`DELETE FROM changes
		 WHERE seq <= (SELECT MAX(s.seq) FROM snapshots s WHERE s.kind = changes.kind)`,
		`DELETE FROM snapshots
		 WHERE seq < (SELECT MAX(s.seq) FROM snapshots s WHERE s.kind = snapshots.kind)`,
		`DELETE FROM counters
		 WHERE seq < (SELECT MAX(c.seq) FROM counters c WHERE c.name = counters.name)`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, stmt := range stmts {
		res, err := tx.ExecContext(ctx, stmt)
		if err != nil {
			return 0, fmt.Errorf("compact: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("compact: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	return total, nil
}
