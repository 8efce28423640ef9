// Package storage defines the tenant-scoped storage contract for Keepsake.
//
// Every method takes a types.Scope carrying the tenant and persona
// identifiers; backends must apply both predicates on every statement. The
// conflict-resolution primitives run inside a single transaction supplied by
// the backend so that concurrent confirms for the same slot serialize on the
// engine's native locking.
package storage

import (
	"context"

	"github.com/keepsake-ai/keepsake/pkg/types"
)

// Store is the complete storage contract implemented by each backend.
type Store interface {
	// Personas.

	// CreatePersona inserts a persona row; creating an existing persona is
	// a no-op, never an error.
	CreatePersona(ctx context.Context, scope types.Scope, displayName, description string) error

	// GetPersona returns the persona row, or ErrNotFound.
	GetPersona(ctx context.Context, scope types.Scope) (*types.Persona, error)

	// Memory items.

	// WriteMemory upserts by (tenant, persona, type, key). Content, tags,
	// ttl, status and provenance fields are replaced; the row identity and
	// created_at are preserved on update.
	WriteMemory(ctx context.Context, scope types.Scope, item *types.MemoryItem) (WriteResult, error)

	// ListMemory returns all active, non-expired items, newest-updated first.
	ListMemory(ctx context.Context, scope types.Scope) ([]types.MemoryItem, error)

	// SearchMemory returns up to limit active, non-expired items matching
	// the query via the search index, or a substring scan when the index is
	// unavailable.
	SearchMemory(ctx context.Context, scope types.Scope, query string, limit int) ([]types.MemoryItem, error)

	// ForgetMemory hard-deletes the row regardless of status, together with
	// its index entry. Returns the number of rows removed.
	ForgetMemory(ctx context.Context, scope types.Scope, itemType types.ItemType, key string) (int64, error)

	// GetMemoryByID returns the item, or ErrNotFound when absent or owned
	// by another tenant.
	GetMemoryByID(ctx context.Context, scope types.Scope, id int64) (*types.MemoryItem, error)

	// Resolve runs fn against a transaction-scoped view of this scope's
	// rows. The whole of fn executes as one atomic unit; returning an error
	// rolls every change back.
	Resolve(ctx context.Context, scope types.Scope, fn func(ResolverTx) error) error

	// Persona slots.

	// GetSlots returns all slot rows for the scope, newest-updated first.
	GetSlots(ctx context.Context, scope types.Scope) ([]types.PersonaSlot, error)

	// SetSlot upserts one slot row, last writer wins. Exclusivity is the
	// conflict resolver's job; this layer trusts its caller.
	SetSlot(ctx context.Context, scope types.Scope, slotName, valueJSON, provenanceJSON string) error

	// Messages.

	AppendMessage(ctx context.Context, scope types.Scope, msg *types.Message) (int64, error)

	// RecentMessages returns up to limit messages, newest first. When days
	// is positive only messages within that window are returned.
	RecentMessages(ctx context.Context, scope types.Scope, limit, days int) ([]types.Message, error)

	// PurgeMessages deletes messages created before the given unix time and
	// returns the number removed.
	PurgeMessages(ctx context.Context, scope types.Scope, beforeTS int64) (int64, error)

	// Goals.

	CreateGoal(ctx context.Context, scope types.Scope, title, details string) (int64, error)
	ListGoals(ctx context.Context, scope types.Scope) ([]types.Goal, error)
	UpdateGoalStatus(ctx context.Context, scope types.Scope, goalID int64, status types.GoalStatus) error
	LinkGoal(ctx context.Context, scope types.Scope, goalID int64, memoryID *int64, note string) (int64, error)

	// Search index.

	// SearchEnabled reports whether the full-text index survived the
	// startup probe. The flag is fixed for the process lifetime.
	SearchEnabled() bool

	// RebuildIndex drops and resynchronizes the scope's index entries from
	// the primary rows. No-op when the index is unavailable.
	RebuildIndex(ctx context.Context, scope types.Scope) error

	// Operational.

	Metrics(ctx context.Context) (Metrics, error)
	Close() error
}

// ResolverTx is the transaction-scoped view handed to the conflict resolver.
// The scope is fixed when the transaction opens, so no primitive can reach
// another tenant's rows.
type ResolverTx interface {
	// GetItem returns the item within the transaction, or ErrNotFound.
	GetItem(id int64) (*types.MemoryItem, error)

	// ActiveHolder returns the current non-expired active item of the given
	// slot type excluding excludeID, or nil when the slot has no holder.
	ActiveHolder(slotType types.ItemType, excludeID int64) (*types.MemoryItem, error)

	// MarkRevoked sets status=revoked on the given item.
	MarkRevoked(id int64) error

	// MarkActive sets status=active and persists the supersedes link.
	MarkActive(id int64, supersedesID *int64) error

	// UpsertSlot projects a confirmed slot value, last writer wins.
	UpsertSlot(slotName, valueJSON, provenanceJSON string) error
}
