package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/memsync/internal/identity"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/snapshot"
)

func newResolver() *identity.Resolver {
	return identity.New(schema.Default())
}

func memberRecord(id, name, email string) record.Object {
	return record.Object{
		"id":    record.String(id),
		"name":  record.String(name),
		"email": record.String(email),
	}
}

func created(rec record.Object) Event {
	return Event{Kind: schema.Member, Change: Created, Record: rec}
}

func TestApply_CreatedPrepends(t *testing.T) {
	res := newResolver()
	coll := snapshot.Collection{{Fields: memberRecord("HK1", "Old", "old@x.com")}}

	got, out, err := Apply(res, coll, created(memberRecord("HK2", "New", "new@x.com")))
	require.NoError(t, err)

	assert.Equal(t, Inserted, out.Action)
	require.Len(t, got, 2)
	assert.Equal(t, record.String("HK2"), got[0].Fields["id"])
	assert.False(t, got[0].Provisional)
}

func TestApply_CreatedTwiceIsIdempotent(t *testing.T) {
	res := newResolver()
	ev := created(memberRecord("HK2", "New", "new@x.com"))

	once, _, err := Apply(res, snapshot.Collection{}, ev)
	require.NoError(t, err)
	onceBytes, err := once.Canonical()
	require.NoError(t, err)

	twice, out, err := Apply(res, once.Clone(), ev)
	require.NoError(t, err)
	twiceBytes, err := twice.Canonical()
	require.NoError(t, err)

	assert.Equal(t, Ignored, out.Action)
	assert.Equal(t, string(onceBytes), string(twiceBytes))
}

func TestApply_CreatedExistingIDReplaces(t *testing.T) {
	res := newResolver()
	coll := snapshot.Collection{
		{Fields: memberRecord("HK2", "Other", "o@x.com")},
		{Fields: memberRecord("HK1", "Old", "a@x.com")},
	}

	got, out, err := Apply(res, coll, created(memberRecord("HK1", "Renamed", "a@x.com")))
	require.NoError(t, err)

	assert.Equal(t, Replaced, out.Action)
	assert.Equal(t, 1, out.Index)
	require.Len(t, got, 2)
	assert.Equal(t, record.String("Renamed"), got[1].Fields["name"])
}

func TestApply_CreatedPromotesProvisional(t *testing.T) {
	res := newResolver()
	coll := snapshot.Collection{
		{Fields: memberRecord("HK5", "Z", "z@x.com")},
		{Fields: memberRecord("temp-1", "A", "a@x.com"), Provisional: true},
	}

	got, out, err := Apply(res, coll, created(memberRecord("HK1001", "A", "a@x.com")))
	require.NoError(t, err)

	assert.Equal(t, Promoted, out.Action)
	assert.Equal(t, 1, out.Index)
	require.Len(t, got, 2)
	assert.Equal(t, record.String("HK1001"), got[1].Fields["id"])
	assert.False(t, got[1].Provisional)
}

func TestApply_CreatedDoesNotPromoteAuthoritativeLookalike(t *testing.T) {
	res := newResolver()
	coll := snapshot.Collection{{Fields: memberRecord("HK1", "A", "a@x.com")}}

	got, out, err := Apply(res, coll, created(memberRecord("HK2", "A", "a@x.com")))
	require.NoError(t, err)

	assert.Equal(t, Inserted, out.Action)
	assert.Len(t, got, 2)
}

func TestApply_UpdatedReplacesInPlace(t *testing.T) {
	res := newResolver()
	coll := snapshot.Collection{
		{Fields: record.Object{"_id": record.String("I-1"), "status": record.String("Unpaid")}},
		{Fields: record.Object{"_id": record.String("I-9"), "status": record.String("Unpaid")}},
	}

	got, out, err := Apply(res, coll, Event{
		Kind:   schema.Invoice,
		Change: Updated,
		Record: record.Object{"_id": record.String("I-9"), "status": record.String("Paid")},
	})
	require.NoError(t, err)

	assert.Equal(t, Replaced, out.Action)
	assert.Equal(t, record.String("Paid"), got[1].Fields["status"])
	assert.Equal(t, record.String("I-1"), got[0].Fields["_id"])
}

func TestApply_UpdatedUnknownIsIgnored(t *testing.T) {
	res := newResolver()
	coll := snapshot.Collection{{Fields: record.Object{"_id": record.String("I-1")}}}

	got, out, err := Apply(res, coll, Event{
		Kind:   schema.Invoice,
		Change: Updated,
		Record: record.Object{"_id": record.String("I-2")},
	})
	require.NoError(t, err)

	assert.Equal(t, Ignored, out.Action)
	assert.Len(t, got, 1)
}

func TestApply_Deleted(t *testing.T) {
	res := newResolver()
	coll := snapshot.Collection{
		{Fields: record.Object{"_id": record.String("I-1")}},
		{Fields: record.Object{"_id": record.String("I-9")}},
	}
	ev := Event{Kind: schema.Invoice, Change: Deleted, ID: "I-9"}

	got, out, err := Apply(res, coll, ev)
	require.NoError(t, err)
	assert.Equal(t, Removed, out.Action)
	assert.Equal(t, 1, out.Index)
	require.Len(t, out.Removed, 1)
	require.Len(t, got, 1)

	again, out, err := Apply(res, got, ev)
	require.NoError(t, err)
	assert.Equal(t, Ignored, out.Action)
	assert.Len(t, again, 1)
}

func TestApply_Malformed(t *testing.T) {
	res := newResolver()
	coll := snapshot.Collection{{Fields: memberRecord("HK1", "A", "a@x.com")}}

	tests := []struct {
		name string
		ev   Event
	}{
		{"unknown kind", Event{Kind: "subscription", Change: Created, Record: record.Object{}}},
		{"missing record", Event{Kind: schema.Member, Change: Created}},
		{"missing id", Event{Kind: schema.Member, Change: Updated, Record: record.Object{"name": record.String("A")}}},
		{"provisional id", Event{Kind: schema.Member, Change: Created, Record: memberRecord("temp-3", "A", "a@x.com")}},
		{"delete without id", Event{Kind: schema.Member, Change: Deleted}},
		{"unknown change", Event{Kind: schema.Member, Change: "archived", Record: memberRecord("HK1", "A", "a@x.com")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, out, err := Apply(res, coll.Clone(), tt.ev)
			require.ErrorIs(t, err, ErrMalformed)
			assert.Equal(t, Ignored, out.Action)
			assert.Len(t, got, 1)
		})
	}
}
