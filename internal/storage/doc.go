// Package storage persists herald's durable state: schedule definitions,
// deferred dispatch requests, and per-dispatch audit records.
//
// The registry writes through the store synchronously before mutating its
// in-memory view, so memory is never ahead of durable state for destructive
// operations. Dispatch audit writes are fire-and-forget from the engine's
// perspective.
//
// The only backend is SQLite (modernc.org/sqlite, no cgo). Storage may be
// disabled entirely ("none"), in which case the registry runs memory-only
// and deferred dispatches are rejected.
package storage
