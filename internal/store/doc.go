// Package store provides the shared key-value state behind the gateway's
// persistent mirror.
//
// The external store is modeled as named hashes holding string fields, the
// same shape a Redis HSET/HGET deployment would expose:
//
//	s, err := store.NewSQLiteStore("/var/lib/sacmes/gateway.db")
//	err = s.HSet(ctx, "sacmes:agents", tenantID, recordJSON)
//	value, err := s.HGet(ctx, "sacmes:agents", tenantID)
//
// Implementations:
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode, one row per (hash, field).
//     Several gateway instances may point at the same file.
//   - MemoryStore: in-memory, with SetFailure for simulating outages.
//
// Every operation is atomic on its own. Callers that need best-effort
// semantics (the mirror) wrap this interface rather than the other way round.
package store
