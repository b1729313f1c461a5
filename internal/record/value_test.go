package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Number("12.50")
	var _ Value = Bool(true)
	var _ Value = Array{String("a"), Int(1)}
	var _ Value = Object{"key": String("value")}
}

func TestObjectText(t *testing.T) {
	obj := Object{
		"name":  String("Ada"),
		"empty": String(""),
		"nil":   Null{},
		"num":   Int(1001),
		"flag":  Bool(true),
	}

	tests := []struct {
		field string
		want  string
		ok    bool
	}{
		{"name", "Ada", true},
		{"empty", "", false},
		{"nil", "", false},
		{"num", "1001", true},
		{"flag", "", false},
		{"missing", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got, ok := obj.Text(tt.field)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObjectGet_NullIsPresent(t *testing.T) {
	obj := Object{"notes": Null{}}

	v, ok := obj.Get("notes")
	assert.True(t, ok)
	assert.Equal(t, Null{}, v)

	_, ok = obj.Get("other")
	assert.False(t, ok)

	var nilObj Object
	_, ok = nilObj.Get("anything")
	assert.False(t, ok)
}

func TestObjectClone_IsDeep(t *testing.T) {
	orig := Object{
		"tags":    Array{String("a")},
		"address": Object{"city": String("Oslo")},
	}

	clone := orig.Clone()
	clone["tags"].(Array)[0] = String("b")
	clone["address"].(Object)["city"] = String("Bergen")

	assert.Equal(t, String("a"), orig["tags"].(Array)[0])
	assert.Equal(t, String("Oslo"), orig["address"].(Object)["city"])
}

func TestObjectMerge(t *testing.T) {
	base := Object{"name": String("A"), "status": String("Unpaid")}
	patch := Object{"status": String("Paid"), "note": Null{}}

	merged := base.Merge(patch)

	assert.Equal(t, Object{"name": String("A"), "status": String("Paid"), "note": Null{}}, merged)
	assert.Equal(t, String("Unpaid"), base["status"], "merge must not modify the receiver")
}

func TestObjectWithAndWithout(t *testing.T) {
	base := Object{"id": String("temp-1"), "name": String("A")}

	with := base.With("id", String("HK1001"))
	without := base.Without("id")

	assert.Equal(t, String("HK1001"), with["id"])
	assert.Equal(t, String("temp-1"), base["id"])
	assert.Equal(t, Object{"name": String("A")}, without)
}

func TestEqual(t *testing.T) {
	a := Object{"n": Int(1), "list": Array{Number("1.5"), Null{}}}
	b := Object{"n": Int(1), "list": Array{Number("1.5"), Null{}}}
	c := Object{"n": Int(1), "list": Array{Number("1.50"), Null{}}}

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(Int(1), Number("1")))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, Null{}))
}

func TestSortedKeysRFC8785Order(t *testing.T) {
	obj := Object{
		"a":  Int(1),
		"A":  Int(2),
		"aa": Int(3),
		"aA": Int(4),
		"Aa": Int(5),
		"AA": Int(6),
	}

	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aA", "aa"}, obj.SortedKeys())
}
