// Package harness runs sync conformance scenarios against the real engine.
//
// Each scenario gets a fresh engine, an in-memory fake persistence server
// and an in-memory journal. Steps call the engine exactly as an
// application would; held requests let a scenario interleave push events
// with mutations that are still in flight.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	server:                      # records the fake server starts with
//	  invoice:
//	    - { _id: I1, invoiceNumber: INV-1, status: Unpaid }
//	server_ids:                  # ids handed out to created records
//	  member: [HK1001]
//	steps:
//	  - load: invoice
//	  - update: invoice
//	    id: I1
//	    data: { status: Paid }
//	    hold: save               # park the request at the server
//	    fail: [{ status: 500 }]
//	  - push: invoice:updated
//	    data: { _id: I1, invoiceNumber: INV-1, status: Unpaid }
//	  - release: save
//	    expect: { error: SERVER_REJECTED }
//	assertions:
//	  - type: record
//	    kind: invoice
//	    id: I1
//	    expect: { status: Unpaid }
//
// # Assertion Types
//
//   - collection: id order, size and provisional entries of a collection
//   - record: fields, provisional flag or absence of one entity
//   - counter: value of an aggregate counter
//   - status: effective status of an invoice
//   - calls: number of requests the server received
//   - trace_contains: a step finished with the given outcome
//   - trace_order: steps finished in the given order
//   - trace_count: a step finished exactly N times
//
// The same assertions can run mid-scenario in a check step.
//
// # Deterministic Testing
//
// Provisional ids come from the engine's sequence generator (temp-1,
// temp-2, ...), server ids from server_ids or kind-1, kind-2, ..., and trace
// entries are numbered by testutil.DeterministicClock. Steps never overlap
// except through hold and release, so traces are identical across runs and
// can be compared against golden files.
package harness
