package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/memsync/internal/record"
)

func TestDefault_Kinds(t *testing.T) {
	s := Default()

	assert.Equal(t, []string{Member, Invoice, Payment, Donation, Admin}, s.Names())

	member, ok := s.Kind(Member)
	require.True(t, ok)
	assert.Equal(t, "members", member.Collection)
	assert.Equal(t, "id", member.IDField)
	assert.Equal(t, []string{"email", "name"}, member.NaturalKeys)
	assert.Equal(t, "total_members", member.Counter)
	assert.Empty(t, member.BusinessKey)

	invoice, ok := s.Kind(Invoice)
	require.True(t, ok)
	assert.Equal(t, "_id", invoice.IDField)
	assert.Equal(t, "invoiceNumber", invoice.BusinessKey)
	assert.Equal(t, "status", invoice.StatusField)

	payment, ok := s.ByCollection("payments")
	require.True(t, ok)
	assert.Equal(t, Payment, payment.Name)
	assert.Equal(t, "invoiceId", payment.InvoiceRefField)

	_, ok = s.Kind("subscription")
	assert.False(t, ok)
}

func TestKind_LooksLikeBusinessRef(t *testing.T) {
	invoice, _ := Default().Kind(Invoice)
	member, _ := Default().Kind(Member)

	assert.True(t, invoice.LooksLikeBusinessRef("INV-2024-0042"))
	assert.False(t, invoice.LooksLikeBusinessRef("65f1c0ffee"))
	assert.False(t, invoice.LooksLikeBusinessRef("I-9"))
	assert.False(t, member.LooksLikeBusinessRef("INV-1"))
}

func TestKind_MissingRequired(t *testing.T) {
	member, _ := Default().Kind(Member)

	assert.Empty(t, member.MissingRequired(record.Object{
		"name":  record.String("A"),
		"email": record.String("a@x.com"),
	}))
	assert.Equal(t, []string{"name", "email"}, member.MissingRequired(record.Object{
		"name":  record.String(""),
		"email": record.Null{},
	}))
}

func TestKind_IDAndBusiness(t *testing.T) {
	invoice, _ := Default().Kind(Invoice)
	obj := record.Object{"_id": record.String("I-9"), "invoiceNumber": record.String("INV-7")}

	id, ok := invoice.ID(obj)
	assert.True(t, ok)
	assert.Equal(t, "I-9", id)

	ref, ok := invoice.Business(obj)
	assert.True(t, ok)
	assert.Equal(t, "INV-7", ref)

	admin, _ := Default().Kind(Admin)
	_, ok = admin.Business(obj)
	assert.False(t, ok)
}

func TestLoad_CustomFileWithoutDefinition(t *testing.T) {
	src := `
entities: {
	member: {
		collection: "people"
		id_field: "id"
		natural_keys: ["email"]
	}
	invoice: {
		collection: "bills"
		business_key: "number"
	}
}
`
	path := filepath.Join(t.TempDir(), "entities.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)

	invoice, ok := s.Kind(Invoice)
	require.True(t, ok)
	assert.Equal(t, "_id", invoice.IDField, "id_field defaults to _id")
	assert.Equal(t, "bills", invoice.Collection)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name:    "syntax",
			src:     `entities: {`,
			wantErr: "",
		},
		{
			name:    "bad collection",
			src:     `entities: member: collection: "Members"`,
			wantErr: "",
		},
		{
			name:    "no entities",
			src:     `other: 1`,
			wantErr: "entities is required",
		},
		{
			name: "duplicate collection",
			src: `entities: {
	a: collection: "things"
	b: collection: "things"
}`,
			wantErr: "already used by a",
		},
		{
			name:    "bad pattern",
			src:     `entities: invoice: {collection: "invoices", business_pattern: "("}`,
			wantErr: "business_pattern",
		},
		{
			name:    "business key equals id",
			src:     `entities: invoice: {collection: "invoices", business_key: "_id"}`,
			wantErr: "business_key must differ from id_field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("test.cue", tt.src)
			require.Error(t, err)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_PositionedErrors(t *testing.T) {
	_, err := Load("bad.cue", "entities: member: collection: 42\n")
	require.Error(t, err)

	var le *LoadError
	if assert.ErrorAs(t, err, &le) {
		assert.True(t, le.Pos.IsValid())
	}
}
