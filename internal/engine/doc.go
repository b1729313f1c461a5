// Package engine implements the client-side sync engine.
//
// ARCHITECTURE:
//
// Single-Writer Task Loop:
// Every write to the snapshot store happens on the goroutine running
// Engine.Run. Mutation entry points and push events submit tasks to an
// unbounded FIFO queue; Run executes them one at a time. Logical operations
// interleave only between tasks, never inside one.
//
// Optimistic Mutations:
//
//	caller goroutine            Run goroutine
//	----------------            -------------
//	validate
//	enqueue apply       ──▶     provisional write
//	network call
//	enqueue confirm     ──▶     authoritative write
//	  (or rollback)     ──▶     restore prior value
//
// The network call runs on the caller's goroutine between two tasks. Once it
// has started the operation is no longer cancellable: the call and its
// follow-up task run with context.WithoutCancel.
//
// Push Events:
// Enqueue schedules reconcile.Apply on the same loop, so events and mutation
// follow-ups are applied in the order their tasks run. Idempotent merging
// makes that order safe without global sequence numbers.
//
// Pending Updates:
// An entity with updates in flight is kept as an overlay: the last
// authoritative value plus the ordered pending patches. The displayed entity
// is the base with every patch applied. Confirmation moves the base forward;
// failure drops one patch. A push event for the entity replaces the base, so
// a late rollback never undoes a change made elsewhere.
//
// ERROR HANDLING:
// Mutation failures are returned to the caller after state is restored.
// Event failures are logged and counted, never returned.
package engine
