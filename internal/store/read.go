package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/memsync/internal/snapshot"
)

// ReadChanges returns every change with seq greater than afterSeq.
// Results are ordered deterministically: ORDER BY seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) if there are no such changes.
func (s *Store) ReadChanges(ctx context.Context, afterSeq int64) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, kind, change, entity_id, payload, source
		FROM changes
		WHERE seq > ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	return collectChanges(rows)
}

// ReadEntityHistory returns the journaled changes of one entity in seq order.
func (s *Store) ReadEntityHistory(ctx context.Context, kind, entityID string) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, kind, change, entity_id, payload, source
		FROM changes
		WHERE kind = ? AND entity_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, kind, entityID)
	if err != nil {
		return nil, fmt.Errorf("query entity history: %w", err)
	}
	return collectChanges(rows)
}

func collectChanges(rows *sql.Rows) ([]Change, error) {
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

func scanChange(rows *sql.Rows) (Change, error) {
	var (
		c           Change
		payloadJSON string
	)
	if err := rows.Scan(&c.ID, &c.Seq, &c.Kind, &c.Change, &c.EntityID, &payloadJSON, &c.Source); err != nil {
		return Change{}, fmt.Errorf("scan change: %w", err)
	}

	payload, err := unmarshalPayload(payloadJSON)
	if err != nil {
		return Change{}, fmt.Errorf("scan change %s: %w", c.ID, err)
	}
	c.Payload = payload
	return c, nil
}

// CheckpointState is the newest checkpointed value of each collection and
// counter, with the seq it was taken at.
type CheckpointState struct {
	Collections map[string]snapshot.Collection
	KindSeq     map[string]int64
	Counters    map[string]int64
	CounterSeq  map[string]int64
}

// LatestCheckpoints reads the newest checkpoint of every kind and counter.
func (s *Store) LatestCheckpoints(ctx context.Context) (CheckpointState, error) {
	state := CheckpointState{
		Collections: make(map[string]snapshot.Collection),
		KindSeq:     make(map[string]int64),
		Counters:    make(map[string]int64),
		CounterSeq:  make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.kind, s.seq, s.data
		FROM snapshots s
		WHERE s.seq = (SELECT MAX(seq) FROM snapshots WHERE kind = s.kind)
		ORDER BY s.kind COLLATE BINARY ASC
	`)
	if err != nil {
		return state, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind string
			seq  int64
			data string
		)
		if err := rows.Scan(&kind, &seq, &data); err != nil {
			return state, fmt.Errorf("scan snapshot: %w", err)
		}
		coll, err := unmarshalCollection(data)
		if err != nil {
			return state, fmt.Errorf("snapshot %s@%d: %w", kind, seq, err)
		}
		state.Collections[kind] = coll
		state.KindSeq[kind] = seq
	}
	if err := rows.Err(); err != nil {
		return state, fmt.Errorf("iterate snapshots: %w", err)
	}

	crows, err := s.db.QueryContext(ctx, `
		SELECT c.name, c.seq, c.value
		FROM counters c
		WHERE c.seq = (SELECT MAX(seq) FROM counters WHERE name = c.name)
		ORDER BY c.name COLLATE BINARY ASC
	`)
	if err != nil {
		return state, fmt.Errorf("query counters: %w", err)
	}
	defer crows.Close()

	for crows.Next() {
		var (
			name  string
			seq   int64
			value int64
		)
		if err := crows.Scan(&name, &seq, &value); err != nil {
			return state, fmt.Errorf("scan counter: %w", err)
		}
		state.Counters[name] = value
		state.CounterSeq[name] = seq
	}
	if err := crows.Err(); err != nil {
		return state, fmt.Errorf("iterate counters: %w", err)
	}

	return state, nil
}

// LastSeq returns the highest seq in the journal, or 0 if it is empty.
// A restarted engine resumes its clock from here.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM (
			SELECT COALESCE(MAX(seq), 0) AS seq FROM changes
			UNION ALL
			SELECT COALESCE(MAX(seq), 0) FROM snapshots
			UNION ALL
			SELECT COALESCE(MAX(seq), 0) FROM counters
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// Stats counts the rows of each journal table.
type Stats struct {
	Changes   int64
	Snapshots int64
	Counters  int64
}

// Stats returns the journal's row counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM changes),
			(SELECT COUNT(*) FROM snapshots),
			(SELECT COUNT(*) FROM counters)
	`).Scan(&st.Changes, &st.Snapshots, &st.Counters)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}
