package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/memsync/internal/identity"
	"github.com/roach88/memsync/internal/reconcile"
	"github.com/roach88/memsync/internal/snapshot"
)

// ReplayResult summarizes a Replay.
type ReplayResult struct {
	// LastSeq is the highest seq seen; the engine clock resumes from it.
	LastSeq int64

	// Applied counts the changes merged on top of the checkpoints.
	Applied int

	// Skipped counts changes already covered by a checkpoint or that no
	// longer apply.
	Skipped int
}

// Replay restores dst from the newest checkpoints plus every later change.
//
// Changes are merged with reconcile.Apply in seq order, so replaying a
// journal that holds the same change twice gives the same result as
// replaying it once. Counters are adjusted by the changes that follow their
// own checkpoint.
func (s *Store) Replay(ctx context.Context, res *identity.Resolver, dst *snapshot.Store) (ReplayResult, error) {
	var result ReplayResult

	state, err := s.LatestCheckpoints(ctx)
	if err != nil {
		return result, fmt.Errorf("replay: %w", err)
	}

	for kind, coll := range state.Collections {
		dst.Replace(kind, coll)
		result.LastSeq = max(result.LastSeq, state.KindSeq[kind])
	}
	for name, value := range state.Counters {
		dst.SetCounter(name, value)
		result.LastSeq = max(result.LastSeq, state.CounterSeq[name])
	}

	changes, err := s.ReadChanges(ctx, 0)
	if err != nil {
		return result, fmt.Errorf("replay: %w", err)
	}

	for _, c := range changes {
		result.LastSeq = max(result.LastSeq, c.Seq)

		k, ok := res.Kind(c.Kind)
		if !ok {
			slog.Warn("replay: change for unknown kind", "kind", c.Kind, "id", c.ID)
			result.Skipped++
			continue
		}
		if c.Seq <= state.KindSeq[c.Kind] {
			result.Skipped++
			continue
		}

		ev := reconcile.Event{Kind: c.Kind, Change: reconcile.Change(c.Change)}
		if ev.Change == reconcile.Deleted {
			ev.ID = c.EntityID
		} else {
			ev.Record = c.Payload
		}

		var (
			out   reconcile.Outcome
			apErr error
		)
		dst.Update(c.Kind, func(coll snapshot.Collection) snapshot.Collection {
			next, o, err := reconcile.Apply(res, coll, ev)
			if err != nil {
				apErr = err
				return coll
			}
			out = o
			return next
		})
		if apErr != nil {
			return result, fmt.Errorf("replay change %s (seq %d): %w", c.ID, c.Seq, apErr)
		}
		if !out.Changed() {
			result.Skipped++
			continue
		}
		result.Applied++

		if k.Counter == "" || c.Seq <= state.CounterSeq[k.Counter] {
			continue
		}
		switch out.Action {
		case reconcile.Inserted:
			dst.AddCounter(k.Counter, 1)
		case reconcile.Removed:
			dst.AddCounter(k.Counter, -int64(len(out.Removed)))
		}
	}

	slog.Info("journal replayed",
		"kinds", len(state.Collections),
		"applied", result.Applied,
		"skipped", result.Skipped,
		"last_seq", result.LastSeq,
	)
	return result, nil
}
