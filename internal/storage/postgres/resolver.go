package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/pkg/types"
)

// Resolve runs fn inside one transaction. Unlike SQLite there can be many
// concurrent writers, so the transaction takes an advisory lock on the scope
// before fn runs: two confirms racing for the same slot must serialize even
// when the slot is empty, and with no active holder there is no row for a
// FOR UPDATE to conflict on.
func (s *Store) Resolve(ctx context.Context, scope types.Scope, fn func(storage.ResolverTx) error) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin resolve: %w", mapErr(err))
	}

	// Released automatically at commit or rollback.
	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		scope.TenantID+"\x00"+scope.PersonaID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("postgres: failed to lock scope: %w", mapErr(err))
	}

	rtx := &resolverTx{ctx: ctx, tx: tx, scope: scope, now: s.now()}
	if err := fn(rtx); err != nil {
		tx.Rollback()
		return mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit resolve: %w", mapErr(err))
	}
	return nil
}

type resolverTx struct {
	ctx   context.Context
	tx    *sql.Tx
	scope types.Scope
	now   int64
}

func (r *resolverTx) GetItem(id int64) (*types.MemoryItem, error) {
	row := r.tx.QueryRowContext(r.ctx,
		`SELECT `+memoryColumns+` FROM memory_items
		 WHERE id=$1 AND tenant_id=$2 AND persona_id=$3 FOR UPDATE`,
		id, r.scope.TenantID, r.scope.PersonaID,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get item in resolve: %w", mapErr(err))
	}
	return item, nil
}

func (r *resolverTx) ActiveHolder(slotType types.ItemType, excludeID int64) (*types.MemoryItem, error) {
	row := r.tx.QueryRowContext(r.ctx,
		`SELECT `+memoryColumns+` FROM memory_items
		 WHERE tenant_id=$1 AND persona_id=$2 AND type=$3 AND id<>$4 AND `+validMemoryClause(5, 6)+`
		 ORDER BY updated_at DESC, id DESC LIMIT 1 FOR UPDATE`,
		r.scope.TenantID, r.scope.PersonaID, slotType, excludeID, r.now, r.now,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to find slot holder: %w", mapErr(err))
	}
	return item, nil
}

func (r *resolverTx) MarkRevoked(id int64) error {
	result, err := r.tx.ExecContext(r.ctx,
		`UPDATE memory_items SET status='revoked', updated_at=$1
		 WHERE id=$2 AND tenant_id=$3 AND persona_id=$4`,
		r.now, id, r.scope.TenantID, r.scope.PersonaID,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to revoke item: %w", mapErr(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *resolverTx) MarkActive(id int64, supersedesID *int64) error {
	result, err := r.tx.ExecContext(r.ctx,
		`UPDATE memory_items SET status='active', supersedes_id=$1, updated_at=$2
		 WHERE id=$3 AND tenant_id=$4 AND persona_id=$5`,
		nullableInt(supersedesID), r.now, id, r.scope.TenantID, r.scope.PersonaID,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to activate item: %w", mapErr(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *resolverTx) UpsertSlot(slotName, valueJSON, provenanceJSON string) error {
	_, err := r.tx.ExecContext(r.ctx,
		`INSERT INTO persona_slots(tenant_id, persona_id, slot_name, value_json, provenance_json, updated_at)
		 VALUES($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, persona_id, slot_name) DO UPDATE SET
			value_json=EXCLUDED.value_json,
			provenance_json=EXCLUDED.provenance_json,
			updated_at=EXCLUDED.updated_at`,
		r.scope.TenantID, r.scope.PersonaID, slotName, valueJSON, nullableString(provenanceJSON), r.now,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to project slot: %w", mapErr(err))
	}
	return nil
}
