// Package store provides the SQLite-backed change journal.
//
// The journal holds:
//   - Changes: every change the engine applied (push events and confirmed
//     mutations), content-addressed and append-only
//   - Snapshots: checkpointed authoritative collections, one row per kind
//     and checkpoint
//   - Counters: checkpointed aggregate counters
//
// # Ordering
//
// All ordering uses seq INTEGER (the engine's logical clock), never
// timestamps. Queries order by seq ASC, id ASC COLLATE BINARY so that replay
// yields identical results every time.
//
// # Idempotency
//
// Change ids are computed by record.ChangeID from canonical JSON and SHA-256
// with domain separation. Writing the same change twice is a no-op.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
