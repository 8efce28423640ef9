package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/pkg/types"
)

// Resolve runs fn inside a single transaction whose primitives are all bound
// to the given scope. With one open connection and WAL mode the transaction
// observes and mutates a consistent snapshot, which is what makes the
// conflict resolver's check-then-act sequences safe under concurrency.
func (s *Store) Resolve(ctx context.Context, scope types.Scope, fn func(storage.ResolverTx) error) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin resolve: %w", mapErr(err))
	}

	rtx := &resolverTx{ctx: ctx, tx: tx, scope: scope, now: s.now()}
	if err := fn(rtx); err != nil {
		tx.Rollback()
		return mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit resolve: %w", mapErr(err))
	}
	return nil
}

// resolverTx implements storage.ResolverTx over one SQLite transaction.
type resolverTx struct {
	ctx   context.Context
	tx    *sql.Tx
	scope types.Scope
	now   int64
}

func (r *resolverTx) GetItem(id int64) (*types.MemoryItem, error) {
	row := r.tx.QueryRowContext(r.ctx,
		`SELECT `+memoryColumns+` FROM memory_items WHERE id=? AND tenant_id=? AND persona_id=?`,
		id, r.scope.TenantID, r.scope.PersonaID,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get item in resolve: %w", err)
	}
	return item, nil
}

func (r *resolverTx) ActiveHolder(slotType types.ItemType, excludeID int64) (*types.MemoryItem, error) {
	row := r.tx.QueryRowContext(r.ctx,
		`SELECT `+memoryColumns+` FROM memory_items
		 WHERE tenant_id=? AND persona_id=? AND type=? AND id<>? AND `+validMemoryClause+`
		 ORDER BY updated_at DESC, id DESC LIMIT 1`,
		r.scope.TenantID, r.scope.PersonaID, slotType, excludeID, r.now, r.now,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to find slot holder: %w", err)
	}
	return item, nil
}

func (r *resolverTx) MarkRevoked(id int64) error {
	result, err := r.tx.ExecContext(r.ctx,
		`UPDATE memory_items SET status='revoked', updated_at=? WHERE id=? AND tenant_id=? AND persona_id=?`,
		r.now, id, r.scope.TenantID, r.scope.PersonaID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to revoke item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *resolverTx) MarkActive(id int64, supersedesID *int64) error {
	result, err := r.tx.ExecContext(r.ctx,
		`UPDATE memory_items SET status='active', supersedes_id=?, updated_at=?
		 WHERE id=? AND tenant_id=? AND persona_id=?`,
		nullableInt(supersedesID), r.now, id, r.scope.TenantID, r.scope.PersonaID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to activate item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *resolverTx) UpsertSlot(slotName, valueJSON, provenanceJSON string) error {
	_, err := r.tx.ExecContext(r.ctx,
		`INSERT INTO persona_slots(tenant_id, persona_id, slot_name, value_json, provenance_json, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, persona_id, slot_name) DO UPDATE SET
			value_json=excluded.value_json,
			provenance_json=excluded.provenance_json,
			updated_at=excluded.updated_at`,
		r.scope.TenantID, r.scope.PersonaID, slotName, valueJSON, nullableString(provenanceJSON), r.now,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to project slot: %w", err)
	}
	return nil
}
