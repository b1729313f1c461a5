package store

import (
	"fmt"

	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/snapshot"
)

// marshalPayload converts a record to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON so equal payloads are stored byte-equal.
func marshalPayload(payload record.Object) (string, error) {
	if payload == nil {
		payload = record.Object{}
	}
	data, err := record.MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses canonical JSON TEXT to a record.
// Numbers keep their literal so integers beyond 2^53 survive the round trip.
func unmarshalPayload(data string) (record.Object, error) {
	if data == "" || data == "{}" {
		return record.Object{}, nil
	}
	obj, err := record.DecodeObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

// marshalCollection stores the fields of each entity, in order.
// Checkpoints hold authoritative records only, so the provisional flag is
// not kept.
func marshalCollection(coll snapshot.Collection) (string, error) {
	arr := make(record.Array, len(coll))
	for i, e := range coll {
		fields := e.Fields
		if fields == nil {
			fields = record.Object{}
		}
		arr[i] = fields
	}
	data, err := record.MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("marshal collection: %w", err)
	}
	return string(data), nil
}

func unmarshalCollection(data string) (snapshot.Collection, error) {
	v, err := record.Decode([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal collection: %w", err)
	}
	arr, ok := v.(record.Array)
	if !ok {
		return nil, fmt.Errorf("unmarshal collection: expected array, got %s", record.KindOf(v))
	}

	coll := make(snapshot.Collection, 0, len(arr))
	for i, item := range arr {
		obj, ok := item.(record.Object)
		if !ok {
			return nil, fmt.Errorf("unmarshal collection: element %d is %s, not object", i, record.KindOf(item))
		}
		coll = append(coll, snapshot.Entity{Fields: obj})
	}
	return coll, nil
}
