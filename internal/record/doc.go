// Package record models the loosely-typed records exchanged with the
// membership API and the push channel.
//
// Server payloads carry optional fields whose presence varies by entity and
// by endpoint. Instead of decoding into fixed structs, records are kept as a
// sealed tagged value tree (Null, String, Int, Number, Bool, Array, Object).
// Every read reports absence explicitly:
//
//	name, ok := obj.Text("name") // ok is false when absent, null, non-string or ""
//
// Numbers are never converted to float64. Integral values decode to Int;
// everything else keeps its decimal literal in Number so amounts round-trip
// exactly.
//
// MarshalCanonical produces deterministic JSON (sorted keys, NFC strings, no
// HTML escaping). It is used for snapshot comparison, golden files and the
// content hashes in hash.go.
package record
