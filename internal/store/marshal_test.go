package store

import (
	"testing"

	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/snapshot"
)

func TestMarshalPayload_Nil(t *testing.T) {
	got, err := marshalPayload(nil)
	if err != nil {
		t.Fatalf("marshalPayload() failed: %v", err)
	}
	if got != "{}" {
		t.Errorf("got %s, want {}", got)
	}
}

func TestMarshalPayload_SortedKeys(t *testing.T) {
	got, err := marshalPayload(record.Object{
		"b": record.Int(2),
		"a": record.String("x"),
	})
	if err != nil {
		t.Fatalf("marshalPayload() failed: %v", err)
	}
	if want := `{"a":"x","b":2}`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestUnmarshalPayload_EmptyString(t *testing.T) {
	got, err := unmarshalPayload("")
	if err != nil {
		t.Fatalf("unmarshalPayload() failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %v, want empty object", got)
	}
}

func TestUnmarshalPayload_InvalidJSON(t *testing.T) {
	if _, err := unmarshalPayload("{not json"); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestUnmarshalPayload_RejectsArray(t *testing.T) {
	if _, err := unmarshalPayload(`[1,2]`); err == nil {
		t.Error("expected error for array payload")
	}
}

func TestUnmarshalPayload_LargeInteger(t *testing.T) {
	got, err := unmarshalPayload(`{"n":9007199254740993}`)
	if err != nil {
		t.Fatalf("unmarshalPayload() failed: %v", err)
	}
	if n, ok := got["n"].(record.Int); !ok || n != 9007199254740993 {
		t.Errorf("n = %#v, want Int(9007199254740993)", got["n"])
	}
}

func TestMarshalCollection_DropsProvisionalFlag(t *testing.T) {
	coll := snapshot.Collection{
		{Fields: record.Object{"id": record.String("M1")}, Provisional: true},
		{Fields: nil},
	}
	got, err := marshalCollection(coll)
	if err != nil {
		t.Fatalf("marshalCollection() failed: %v", err)
	}
	if want := `[{"id":"M1"},{}]`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestUnmarshalCollection(t *testing.T) {
	coll, err := unmarshalCollection(`[{"id":"M2"},{"id":"M1"}]`)
	if err != nil {
		t.Fatalf("unmarshalCollection() failed: %v", err)
	}
	if len(coll) != 2 {
		t.Fatalf("len = %d, want 2", len(coll))
	}
	for i, want := range []string{"M2", "M1"} {
		if id, _ := coll[i].Fields.Text("id"); id != want {
			t.Errorf("coll[%d] = %s, want %s", i, id, want)
		}
		if coll[i].Provisional {
			t.Errorf("coll[%d] restored as provisional", i)
		}
	}
}

func TestUnmarshalCollection_Errors(t *testing.T) {
	tests := map[string]string{
		"not json":    `[`,
		"not array":   `{"id":"M1"}`,
		"not objects": `["M1"]`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := unmarshalCollection(data); err == nil {
				t.Errorf("unmarshalCollection(%s) succeeded, want error", data)
			}
		})
	}
}
