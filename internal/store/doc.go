// Package store provides the durable, ordered operation log behind the
// offline queue.
//
// The log is the single source of truth for "what is pending". It is backed
// by SQLite by default (one file per client session) and by PostgreSQL when
// the queue runs as a shared daemon.
//
// # Guarantees
//
// Ordering:
//   - Every operation receives a monotonically increasing seq on insert.
//   - All reads use ORDER BY seq ASC; insertion order survives restarts.
//
// Crash recovery:
//   - Open resets in_flight rows to pending. No acknowledgment can be assumed
//     for an attempt that was running when the process died.
//
// Atomicity:
//   - A single mutex serialises all mutations (enqueue, status transitions,
//     deletion). IDs are generated inside the lock, so concurrent enqueues
//     never share an id.
//
// Capacity:
//   - When the medium cannot take another record (configured capacity,
//     SQLITE_FULL, PostgreSQL class 53 errors) Enqueue returns
//     ErrStorageExhausted and the log is unchanged.
//
// Isolation of bad records:
//   - A row that cannot be decoded surfaces as *CorruptRecordError carrying
//     its id so the caller can fail it terminally instead of jamming the queue.
//
// # Schema versions
//
//	1 - operations table
//	2 - last_error column
//	3 - fingerprint column
//
// Migrations run on every Open. A database written by a newer version is
// refused rather than silently reinterpreted.
//
// # Database Configuration (SQLite)
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: the log must survive power loss, not just crashes
//   - busy_timeout=5000: wait for locks up to 5 seconds
package store
