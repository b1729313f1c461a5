package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/syncerr"
)

// API operations as recorded by FakeAPI.
const (
	OpList   = "list"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Call is one request received by FakeAPI.
type Call struct {
	Op      string
	Kind    string
	ID      string
	Payload record.Object
}

// Responder overrides the result of one call.
type Responder func(Call) (record.Object, error)

// Gate holds one call until released.
type Gate struct {
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *Gate {
	return &Gate{arrived: make(chan struct{}), release: make(chan struct{})}
}

// Arrived is closed when the held call reaches the server.
func (g *Gate) Arrived() <-chan struct{} {
	return g.arrived
}

// Release lets the held call proceed. Safe to call more than once.
func (g *Gate) Release() {
	g.once.Do(func() { close(g.release) })
}

// FakeAPI is an in-memory persistence server implementing engine.API.
//
// Records live in per-kind collections, newest first. Tests can queue
// failures or custom responses per kind and operation and hold calls at a
// gate to interleave them with push events.
//
// Thread-safety: safe for concurrent use.
type FakeAPI struct {
	schema *schema.Schema

	mu         sync.Mutex
	data       map[string][]record.Object
	ids        map[string]*ServerIDs
	responders map[string]*queue[Responder]
	gates      map[string]*queue[*Gate]
	calls      []Call
}

// NewFakeAPI creates an empty server for the kinds of s.
func NewFakeAPI(s *schema.Schema) *FakeAPI {
	return &FakeAPI{
		schema:     s,
		data:       make(map[string][]record.Object),
		ids:        make(map[string]*ServerIDs),
		responders: make(map[string]*queue[Responder]),
		gates:      make(map[string]*queue[*Gate]),
	}
}

// Seed appends records to kind's server collection.
func (f *FakeAPI) Seed(kind string, recs ...record.Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range recs {
		f.data[kind] = append(f.data[kind], r.Clone())
	}
}

// Records returns a copy of kind's server collection.
func (f *FakeAPI) Records(kind string) []record.Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneAll(f.data[kind])
}

// AssignIDs fixes the ids given to the next records created for kind.
func (f *FakeAPI) AssignIDs(kind string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minter(kind).Push(ids...)
}

// Respond overrides the next call of op on kind.
func (f *FakeAPI) Respond(kind, op string, r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := kind + ":" + op
	if f.responders[key] == nil {
		f.responders[key] = newQueue[Responder]()
	}
	f.responders[key].push(r)
}

// FailNext makes the next len(errs) calls of op on kind fail, in order.
func (f *FakeAPI) FailNext(kind, op string, errs ...error) {
	for _, err := range errs {
		f.Respond(kind, op, func(Call) (record.Object, error) { return nil, err })
	}
}

// Hold makes the next call of op on kind wait until the returned gate is
// released or the call's context ends.
func (f *FakeAPI) Hold(kind, op string) *Gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := kind + ":" + op
	if f.gates[key] == nil {
		f.gates[key] = newQueue[*Gate]()
	}
	g := newGate()
	f.gates[key].push(g)
	return g
}

// Calls returns every call received so far, in arrival order.
func (f *FakeAPI) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallCount returns how many calls of op on kind were received.
func (f *FakeAPI) CallCount(kind, op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Kind == kind && c.Op == op {
			n++
		}
	}
	return n
}

func (f *FakeAPI) List(ctx context.Context, kind string) ([]record.Object, error) {
	res, err := f.serve(ctx, Call{Op: OpList, Kind: kind}, func(k *schema.Kind) (record.Object, error) {
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if res != nil {
		// A responder may return {"data": [...]} for a custom list.
		if arr, ok := res["data"].(record.Array); ok {
			out := make([]record.Object, 0, len(arr))
			for _, v := range arr {
				if obj, ok := v.(record.Object); ok {
					out = append(out, obj)
				}
			}
			return out, nil
		}
	}
	return f.Records(kind), nil
}

func (f *FakeAPI) Create(ctx context.Context, kind string, payload record.Object) (record.Object, error) {
	return f.serve(ctx, Call{Op: OpCreate, Kind: kind, Payload: payload.Clone()}, func(k *schema.Kind) (record.Object, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		rec := payload.With(k.IDField, record.String(f.minter(kind).Generate()))
		f.data[kind] = slices.Insert(f.data[kind], 0, rec)
		return rec.Clone(), nil
	})
}

func (f *FakeAPI) Update(ctx context.Context, kind, id string, patch record.Object) (record.Object, error) {
	return f.serve(ctx, Call{Op: OpUpdate, Kind: kind, ID: id, Payload: patch.Clone()}, func(k *schema.Kind) (record.Object, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		i := f.index(k, id)
		if i < 0 {
			return nil, syncerr.ServerRejected(kind, OpUpdate, 404, fmt.Sprintf("%s %s not found", kind, id))
		}
		rec := f.data[kind][i].Merge(patch)
		f.data[kind][i] = rec
		return rec.Clone(), nil
	})
}

func (f *FakeAPI) Delete(ctx context.Context, kind, id string) error {
	_, err := f.serve(ctx, Call{Op: OpDelete, Kind: kind, ID: id}, func(k *schema.Kind) (record.Object, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		i := f.index(k, id)
		if i < 0 {
			return nil, syncerr.ServerRejected(kind, OpDelete, 404, fmt.Sprintf("%s %s not found", kind, id))
		}
		f.data[kind] = slices.Delete(f.data[kind], i, i+1)
		return nil, nil
	})
	return err
}

// serve records c, waits at its gate if one is set, then runs the queued
// responder or the default handler.
func (f *FakeAPI) serve(ctx context.Context, c Call, handle func(*schema.Kind) (record.Object, error)) (record.Object, error) {
	key := c.Kind + ":" + c.Op

	f.mu.Lock()
	f.calls = append(f.calls, c)
	var gate *Gate
	if q := f.gates[key]; q != nil {
		gate, _ = q.pop()
	}
	var responder Responder
	if q := f.responders[key]; q != nil {
		responder, _ = q.pop()
	}
	f.mu.Unlock()

	if gate != nil {
		close(gate.arrived)
		select {
		case <-gate.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if responder != nil {
		return responder(c)
	}

	k, ok := f.schema.Kind(c.Kind)
	if !ok {
		return nil, syncerr.ServerRejected(c.Kind, c.Op, 404, fmt.Sprintf("unknown collection %q", c.Kind))
	}
	return handle(k)
}

// index must be called with f.mu held.
func (f *FakeAPI) index(k *schema.Kind, id string) int {
	return slices.IndexFunc(f.data[k.Name], func(r record.Object) bool {
		got, ok := k.ID(r)
		return ok && got == id
	})
}

// minter must be called with f.mu held.
func (f *FakeAPI) minter(kind string) *ServerIDs {
	g, ok := f.ids[kind]
	if !ok {
		g = NewServerIDs(kind + "-")
		f.ids[kind] = g
	}
	return g
}

func cloneAll(recs []record.Object) []record.Object {
	out := make([]record.Object, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}

// queue is a small mutex-guarded FIFO.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func newQueue[T any](items ...T) *queue[T] {
	return &queue[T]{items: items}
}

func (q *queue[T]) push(items ...T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
}

func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}
