package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/pkg/types"
)

// SearchMemory returns up to limit active, non-expired items matching the
// query via websearch_to_tsquery, or an ILIKE scan when the probe failed.
// Results come back in insertion order, oldest first, not relevance-ranked.
func (s *Store) SearchMemory(ctx context.Context, scope types.Scope, query string, limit int) ([]types.MemoryItem, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	now := s.now()

	if s.ftsEnabled {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+memoryColumns+` FROM memory_items
			 WHERE tenant_id=$1 AND persona_id=$2
			   AND to_tsvector('english', content) @@ websearch_to_tsquery('english', $3)
			   AND `+validMemoryClause(4, 5)+`
			 ORDER BY id ASC LIMIT $6`,
			scope.TenantID, scope.PersonaID, query, now, now, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: search failed: %w", mapErr(err))
		}
		defer rows.Close()
		return scanItems(rows)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_items
		 WHERE tenant_id=$1 AND persona_id=$2 AND content ILIKE $3 AND `+validMemoryClause(4, 5)+`
		 ORDER BY id ASC LIMIT $6`,
		scope.TenantID, scope.PersonaID, "%"+escapeLike(query)+"%", now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: search failed: %w", mapErr(err))
	}
	defer rows.Close()
	return scanItems(rows)
}

// RebuildIndex is a no-op: the GIN expression index is maintained by the
// engine and never drifts from the primary rows.
func (s *Store) RebuildIndex(ctx context.Context, scope types.Scope) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	return nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
