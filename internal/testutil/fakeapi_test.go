package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/syncerr"
)

func TestFakeAPI_CreateAssignsIDs(t *testing.T) {
	api := NewFakeAPI(schema.Default())
	api.AssignIDs(schema.Member, "HK1001")
	ctx := context.Background()

	rec, err := api.Create(ctx, schema.Member, record.Object{"name": record.String("ann")})
	require.NoError(t, err)
	assert.Equal(t, record.String("HK1001"), rec["id"])

	rec, err = api.Create(ctx, schema.Member, record.Object{"name": record.String("bob")})
	require.NoError(t, err)
	assert.Equal(t, record.String("member-1"), rec["id"])

	recs := api.Records(schema.Member)
	require.Len(t, recs, 2)
	assert.Equal(t, record.String("bob"), recs[0]["name"], "newest first")
}

func TestFakeAPI_UpdateAndDelete(t *testing.T) {
	api := NewFakeAPI(schema.Default())
	api.Seed(schema.Invoice, record.Object{"_id": record.String("I1"), "status": record.String("unpaid")})
	ctx := context.Background()

	rec, err := api.Update(ctx, schema.Invoice, "I1", record.Object{"status": record.String("paid")})
	require.NoError(t, err)
	assert.Equal(t, record.String("paid"), rec["status"])
	assert.Equal(t, record.String("I1"), rec["_id"])

	require.NoError(t, api.Delete(ctx, schema.Invoice, "I1"))
	assert.Empty(t, api.Records(schema.Invoice))

	err = api.Delete(ctx, schema.Invoice, "I1")
	assert.True(t, syncerr.IsServerRejected(err))
}

func TestFakeAPI_FailNextInOrder(t *testing.T) {
	api := NewFakeAPI(schema.Default())
	first := errors.New("first")
	second := errors.New("second")
	api.FailNext(schema.Member, OpList, first, second)
	ctx := context.Background()

	_, err := api.List(ctx, schema.Member)
	assert.Same(t, first, err)
	_, err = api.List(ctx, schema.Member)
	assert.Same(t, second, err)
	_, err = api.List(ctx, schema.Member)
	assert.NoError(t, err)

	assert.Equal(t, 3, api.CallCount(schema.Member, OpList))
}

func TestFakeAPI_HoldUntilRelease(t *testing.T) {
	api := NewFakeAPI(schema.Default())
	gate := api.Hold(schema.Member, OpCreate)

	done := make(chan error, 1)
	go func() {
		_, err := api.Create(context.Background(), schema.Member, record.Object{"name": record.String("ann")})
		done <- err
	}()

	select {
	case <-gate.Arrived():
	case <-time.After(time.Second):
		t.Fatal("call never arrived")
	}

	select {
	case <-done:
		t.Fatal("held call returned before release")
	default:
	}

	gate.Release()
	gate.Release()
	require.NoError(t, <-done)
}

func TestFakeAPI_HoldHonorsContext(t *testing.T) {
	api := NewFakeAPI(schema.Default())
	api.Hold(schema.Member, OpList)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := api.List(ctx, schema.Member)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFakeAPI_UnknownKind(t *testing.T) {
	api := NewFakeAPI(schema.Default())

	_, err := api.Create(context.Background(), "widget", record.Object{})
	assert.True(t, syncerr.IsServerRejected(err))
}
