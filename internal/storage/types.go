package storage

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist within the
	// caller's tenant+persona scope. A row owned by another tenant is
	// indistinguishable from a missing row.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates malformed input parameters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflictRequiresSupersedes indicates a confirm targeted a slot type
	// that already has a different active holder, and the caller did not
	// name that holder via supersedes_id (or named the wrong item, or named
	// one when no holder exists).
	ErrConflictRequiresSupersedes = errors.New("conflict: requires supersedes")

	// ErrTransient indicates a lock/busy condition. Safe to retry with
	// backoff; never surfaced as a hard failure.
	ErrTransient = errors.New("transient storage contention")
)

// WriteResult reports the outcome of a memory upsert.
type WriteResult struct {
	// Existed is true when the write updated an existing
	// (tenant, persona, type, key) row instead of inserting a new one.
	Existed bool
	ID      int64
}

// ConfirmResult reports the outcome of a confirm transition.
type ConfirmResult struct {
	// Updated is false when the item was already settled (active or
	// revoked) and the call was an idempotent no-op.
	Updated      bool   `json:"updated"`
	Status       string `json:"status"`
	SupersedesID *int64 `json:"supersedes_id,omitempty"`
}

// RevokeResult reports the outcome of a revoke transition.
type RevokeResult struct {
	// Updated is false when the item was already revoked.
	Updated bool   `json:"updated"`
	Status  string `json:"status"`
}

// Metrics holds whole-database row counts for the /metrics endpoint.
type Metrics struct {
	Personas    int `json:"personas"`
	Messages    int `json:"messages"`
	MemoryItems int `json:"memory_items"`
}
