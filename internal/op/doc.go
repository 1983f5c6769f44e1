// Package op defines the unit of work carried by the offline queue.
//
// An Operation is a single mutation intent (create, update or delete of an
// opaque resource) captured while the client may be disconnected. The queue
// never interprets the payload; it only serializes, fingerprints, persists
// and replays it.
//
// IDENTITY:
//
// Every operation carries two identifiers:
//   - ID: locally generated (UUIDv7), stable for the operation's lifetime,
//     used as the log's primary key.
//   - IdempotencyKey: derived from the operation's fingerprint and sent to the
//     remote system on every submission attempt so duplicate deliveries
//     collapse remotely.
//
// Fingerprints are computed over canonical JSON (sorted keys, NFC strings,
// no HTML escaping) so that semantically identical payloads always hash to
// the same value regardless of the key order the caller used.
package op
