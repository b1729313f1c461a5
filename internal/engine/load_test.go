package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/reconcile"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/syncerr"
	"github.com/roach88/memsync/internal/testutil"
)

// fastRetry keeps retry delays short enough for tests.
func fastRetry() RetryPolicy {
	return RetryPolicy{
		Timeout:         time.Second,
		InitialInterval: 10 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     time.Second,
		MaxAttempts:     3,
	}
}

func TestLoad_ReplacesCollection(t *testing.T) {
	api := testutil.NewFakeAPI(schema.Default())
	api.Seed(schema.Member, member("M3", "cy"), member("M2", "bob"), member("M1", "ann"))
	e := startEngine(t, api, WithRetryPolicy(fastRetry()))
	seedMembers(t, e, member("M0", "old"))

	require.NoError(t, e.Members().Load(context.Background()))

	assert.Equal(t, []string{"M3", "M2", "M1"}, ids(t, e, schema.Member))
	assert.Equal(t, int64(3), e.Counter("total_members"))
	assert.Equal(t, 1, api.CallCount(schema.Member, testutil.OpList))
}

func TestLoad_DuplicateRecordsCollapsed(t *testing.T) {
	api := testutil.NewFakeAPI(schema.Default())
	api.Seed(schema.Member, member("M2", "bob"), member("M1", "ann"), member("M2", "bob"))
	e := startEngine(t, api, WithRetryPolicy(fastRetry()))

	require.NoError(t, e.Members().Load(context.Background()))

	assert.Equal(t, []string{"M2", "M1"}, ids(t, e, schema.Member))
}

func TestLoad_KeepsProvisionalCreates(t *testing.T) {
	api := testutil.NewFakeAPI(schema.Default())
	api.Seed(schema.Member, member("M1", "ann"))
	api.AssignIDs(schema.Member, "M2")
	e := startEngine(t, api, WithRetryPolicy(fastRetry()))
	ctx := context.Background()

	gate := api.Hold(schema.Member, testutil.OpCreate)
	res := async(func() (record.Object, error) {
		return e.Members().Create(ctx, member("", "bob"))
	})
	waitArrived(t, gate)

	require.NoError(t, e.Members().Load(ctx))

	coll := e.Members().Snapshot()
	require.Len(t, coll, 2)
	assert.True(t, coll[0].Provisional)
	assert.Equal(t, []string{"temp-1", "M1"}, ids(t, e, schema.Member))
	assert.Equal(t, int64(2), e.Counter("total_members"))

	gate.Release()
	require.NoError(t, await(t, res).err)
	assert.Equal(t, []string{"M2", "M1"}, ids(t, e, schema.Member))
	assert.Equal(t, int64(2), e.Counter("total_members"))
}

func TestLoad_DropsProvisionalAlreadyPersisted(t *testing.T) {
	api := testutil.NewFakeAPI(schema.Default())
	api.AssignIDs(schema.Member, "M1")
	e := startEngine(t, api, WithRetryPolicy(fastRetry()))
	ctx := context.Background()

	gate := api.Hold(schema.Member, testutil.OpCreate)
	res := async(func() (record.Object, error) {
		return e.Members().Create(ctx, member("", "ann"))
	})
	waitArrived(t, gate)

	// The server already has the record when the list arrives.
	api.Seed(schema.Member, member("M1", "ann"))
	require.NoError(t, e.Members().Load(ctx))
	assert.Equal(t, []string{"M1"}, ids(t, e, schema.Member))

	gate.Release()
	require.NoError(t, await(t, res).err)
	assert.Equal(t, []string{"M1"}, ids(t, e, schema.Member))
	assert.Equal(t, int64(1), e.Counter("total_members"))
}

func TestLoad_HoldsBackPendingDelete(t *testing.T) {
	api := testutil.NewFakeAPI(schema.Default())
	api.Seed(schema.Member, member("M2", "bob"), member("M1", "ann"))
	e := startEngine(t, api, WithRetryPolicy(fastRetry()))
	seedMembers(t, e, member("M2", "bob"), member("M1", "ann"))
	ctx := context.Background()

	gate := api.Hold(schema.Member, testutil.OpDelete)
	res := async(func() (record.Object, error) {
		return nil, e.Members().Delete(ctx, "M1")
	})
	waitArrived(t, gate)

	require.NoError(t, e.Members().Load(ctx))
	assert.Equal(t, []string{"M2"}, ids(t, e, schema.Member))

	gate.Release()
	require.NoError(t, await(t, res).err)
	assert.Equal(t, []string{"M2"}, ids(t, e, schema.Member))
}

func TestLoad_RebasesPendingUpdate(t *testing.T) {
	api := testutil.NewFakeAPI(schema.Default())
	api.Seed(schema.Member, member("M1", "ann"))
	e := startEngine(t, api, WithRetryPolicy(fastRetry()))
	seedMembers(t, e, member("M1", "ann"))
	ctx := context.Background()

	gate := api.Hold(schema.Member, testutil.OpUpdate)
	api.FailNext(schema.Member, testutil.OpUpdate, errors.New("offline"))
	res := async(func() (record.Object, error) {
		return e.Members().Update(ctx, "M1", record.Object{"name": record.String("anne")})
	})
	waitArrived(t, gate)

	api.Respond(schema.Member, testutil.OpList, func(testutil.Call) (record.Object, error) {
		return record.Object{"data": record.Array{member("M1", "ann").With("phone", record.String("555"))}}, nil
	})
	require.NoError(t, e.Members().Load(ctx))

	got, _ := e.Members().Find("M1")
	assert.Equal(t, record.String("anne"), got["name"], "pending patch survives the load")
	assert.Equal(t, record.String("555"), got["phone"])

	gate.Release()
	require.Error(t, await(t, res).err)

	got, _ = e.Members().Find("M1")
	assert.Equal(t, record.String("ann"), got["name"])
	assert.Equal(t, record.String("555"), got["phone"], "rollback lands on the loaded value")
}

func TestLoad_RetriesThenGivesUp(t *testing.T) {
	api := testutil.NewFakeAPI(schema.Default())
	api.Seed(schema.Invoice, invoice("I9", "INV-0009", "paid"))

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	p := fastRetry()
	p.Notify = func(_ error, next time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, next)
	}

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := startEngine(t, api, WithRetryPolicy(p), WithMetrics(m))
	ctx := context.Background()
	require.NoError(t, e.Apply(ctx, reconcile.Event{Kind: schema.Invoice, Change: reconcile.Created, Record: invoice("I1", "INV-0001", "unpaid")}))
	before := canonical(t, e)

	api.FailNext(schema.Invoice, testutil.OpList,
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
	)
	err := e.Invoices().Load(ctx)

	require.Error(t, err)
	assert.True(t, syncerr.IsNetworkFailure(err))
	assert.Equal(t, 3, api.CallCount(schema.Invoice, testutil.OpList))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
	assert.Equal(t, before, canonical(t, e), "failed load leaves the collection untouched")
	assert.Equal(t, float64(3), promtest.ToFloat64(m.loadAttempts.WithLabelValues(schema.Invoice, loadFailed)))
}

func TestLoad_RecoversOnRetry(t *testing.T) {
	api := testutil.NewFakeAPI(schema.Default())
	api.Seed(schema.Invoice, invoice("I1", "INV-0001", "unpaid"))
	e := startEngine(t, api, WithRetryPolicy(fastRetry()))

	api.FailNext(schema.Invoice, testutil.OpList, errors.New("reset"))
	require.NoError(t, e.Invoices().Load(context.Background()))

	assert.Equal(t, 2, api.CallCount(schema.Invoice, testutil.OpList))
	assert.Equal(t, []string{"I1"}, ids(t, e, schema.Invoice))
}

func TestLoad_PermanentFailureNotRetried(t *testing.T) {
	api := testutil.NewFakeAPI(schema.Default())
	e := startEngine(t, api, WithRetryPolicy(fastRetry()))

	api.FailNext(schema.Invoice, testutil.OpList, syncerr.ServerRejected(schema.Invoice, "list", 403, "Forbidden"))
	err := e.Invoices().Load(context.Background())

	assert.True(t, syncerr.IsServerRejected(err))
	assert.Equal(t, 1, api.CallCount(schema.Invoice, testutil.OpList))
}

func TestLoad_Timeout(t *testing.T) {
	api := testutil.NewFakeAPI(schema.Default())
	p := fastRetry()
	p.Timeout = 20 * time.Millisecond
	p.MaxAttempts = 1
	e := startEngine(t, api, WithRetryPolicy(p))

	gate := api.Hold(schema.Member, testutil.OpList)
	t.Cleanup(gate.Release)

	err := e.Members().Load(context.Background())

	assert.True(t, syncerr.IsNetworkFailure(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoad_UnknownKind(t *testing.T) {
	api := testutil.NewFakeAPI(schema.Default())
	e := startEngine(t, api)

	err := e.Load(context.Background(), "widget")

	assert.True(t, syncerr.IsInvalidOperation(err))
	assert.Empty(t, api.Calls())
}

func TestLoad_WritesCheckpoint(t *testing.T) {
	s := setupTestStore(t)
	api := testutil.NewFakeAPI(schema.Default())
	api.Seed(schema.Member, member("M1", "ann"))
	e := startEngine(t, api, WithRetryPolicy(fastRetry()), WithJournal(s))
	ctx := context.Background()

	require.NoError(t, e.Members().Load(ctx))

	state, err := s.LatestCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, state.Collections[schema.Member], 1)
	assert.Equal(t, int64(1), state.Counters["total_members"])
}

func TestLoadAll_JoinsFailures(t *testing.T) {
	api := testutil.NewFakeAPI(schema.Default())
	api.Seed(schema.Member, member("M1", "ann"))
	p := fastRetry()
	p.MaxAttempts = 1
	e := startEngine(t, api, WithRetryPolicy(p))

	api.FailNext(schema.Payment, testutil.OpList, errors.New("payments down"))
	api.FailNext(schema.Admin, testutil.OpList, syncerr.ServerRejected(schema.Admin, "list", 401, "Unauthorized"))

	err := e.LoadAll(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "load payment")
	assert.Contains(t, err.Error(), "load admin")
	assert.NotContains(t, err.Error(), "load member")
	assert.True(t, syncerr.IsServerRejected(err) || syncerr.IsNetworkFailure(err))
	assert.Equal(t, []string{"M1"}, ids(t, e, schema.Member), "other kinds still load")
}
