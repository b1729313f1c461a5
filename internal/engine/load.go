package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/memsync/internal/identity"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/snapshot"
	"github.com/roach88/memsync/internal/syncerr"
)

// RetryPolicy bounds a bulk load.
type RetryPolicy struct {
	// Timeout is the hard limit of one fetch attempt.
	Timeout time.Duration

	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration

	// MaxAttempts counts the first attempt.
	MaxAttempts uint

	// Notify, if set, is called before each retry with the error and the
	// delay that follows.
	Notify func(err error, next time.Duration)
}

// DefaultRetryPolicy returns a 15s timeout and three attempts spaced 1s and
// 2s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:         15 * time.Second,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     3,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = max(p.MaxInterval, p.InitialInterval)
	return b
}

// Load fetches kind's collection and replaces the authoritative records.
//
// Failed fetches are retried per the engine's RetryPolicy. Permanent
// failures (4xx rejections) are not retried. When every attempt fails the
// collection is left unchanged and the last error returned.
func (e *Engine) Load(ctx context.Context, kind string) error {
	k, err := e.kindFor(kind, "load")
	if err != nil {
		return err
	}
	p := e.retry

	notify := func(err error, next time.Duration) {
		slog.Warn("load failed, retrying", "kind", kind, "retry_in", next, "error", err)
		if p.Notify != nil {
			p.Notify(err, next)
		}
	}

	records, err := backoff.Retry(ctx, func() ([]record.Object, error) {
		recs, err := e.fetch(ctx, kind, p.Timeout)
		if err != nil {
			e.metrics.loadAttempt(kind, loadFailed)
			if syncerr.IsPermanent(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		e.metrics.loadAttempt(kind, loadOK)
		return recs, nil
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithNotify(notify),
	)
	if err != nil {
		slog.Error("load failed", "kind", kind, "error", err)
		return err
	}

	var n int
	if err := e.do(ctx, "load "+kind, func() {
		n = e.applyLoad(k, records)
	}); err != nil {
		return err
	}
	slog.Info("collection loaded", "kind", kind, "records", n)

	if err := e.Checkpoint(ctx, kind); err != nil {
		slog.Error("checkpoint after load", "kind", kind, "error", err)
	}
	return nil
}

// fetch runs one List call bounded by timeout, whether or not the API
// honors its context.
func (e *Engine) fetch(ctx context.Context, kind string, timeout time.Duration) ([]record.Object, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		recs []record.Object
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		recs, err := e.api.List(actx, kind)
		ch <- result{recs, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, timeoutError(kind, timeout)
			}
			return nil, classify(kind, "load", r.err)
		}
		return r.recs, nil
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutError(kind, timeout)
	}
}

func timeoutError(kind string, timeout time.Duration) error {
	return syncerr.NetworkFailure(kind, "load", fmt.Errorf("no response within %s: %w", timeout, context.DeadlineExceeded))
}

// applyLoad installs records as kind's authoritative collection and returns
// the new size.
//
// Provisional creates stay at the front unless the load already carries
// their authoritative record. Records with a delete in flight are held back.
// Entities with pending updates are rebased onto the loaded value.
func (e *Engine) applyLoad(k *schema.Kind, records []record.Object) int {
	kind := k.Name
	loaded := make(map[string]record.Object, len(records))

	e.store.Update(kind, func(c snapshot.Collection) snapshot.Collection {
		fresh := make(snapshot.Collection, 0, len(records))
		for _, r := range records {
			id, ok := k.ID(r)
			if ok {
				if _, dup := loaded[id]; dup {
					continue
				}
				if len(e.deletes[overlayKey(kind, id)]) > 0 {
					continue
				}
				loaded[id] = r
			}
			fresh = append(fresh, snapshot.Entity{Fields: r.Clone()})
		}

		out := make(snapshot.Collection, 0, len(fresh)+len(c))
		for _, ent := range c {
			if !ent.Provisional {
				continue
			}
			if id, ok := k.ID(ent.Fields); !ok || !identity.IsProvisional(id) {
				continue
			}
			if e.resolver.IndexOf(kind, fresh, ent.Fields) >= 0 {
				continue
			}
			out = append(out, ent)
		}
		return append(out, fresh...)
	})

	for id, r := range loaded {
		e.rebase(kind, id, r)
	}

	n := e.store.Len(kind)
	if k.Counter != "" {
		e.store.SetCounter(k.Counter, int64(n))
	}
	e.metrics.setSize(kind, n)
	return n
}

// LoadAll loads every kind concurrently. Failures of one kind do not stop
// the others; their errors are joined.
func (e *Engine) LoadAll(ctx context.Context) error {
	names := e.schema.Names()
	errs := make([]error, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			if err := e.Load(ctx, name); err != nil {
				errs[i] = fmt.Errorf("load %s: %w", name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
