package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/pkg/types"
)

// SearchMemory returns up to limit active, non-expired items matching the
// query. With FTS5 available the query runs against the index; otherwise a
// case-insensitive substring scan serves the same contract. Results come back
// in insertion order, oldest first, not relevance-ranked.
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
		match := sanitizeFTSQuery(query)
		if match == "" {
			return nil, nil
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+memoryColumns+` FROM memory_items
			 WHERE id IN (
				SELECT rowid FROM fts_memory WHERE fts_memory MATCH ? AND tenant_id=? AND persona_id=?
			 ) AND tenant_id=? AND persona_id=? AND `+validMemoryClause+`
			 ORDER BY id ASC LIMIT ?`,
			match, scope.TenantID, scope.PersonaID, scope.TenantID, scope.PersonaID, now, now, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite: search failed: %w", mapErr(err))
		}
		defer rows.Close()
		return scanItems(rows)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_items
		 WHERE tenant_id=? AND persona_id=? AND content LIKE ? ESCAPE '\' AND `+validMemoryClause+`
		 ORDER BY id ASC LIMIT ?`,
		scope.TenantID, scope.PersonaID, "%"+escapeLike(query)+"%", now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search failed: %w", mapErr(err))
	}
	defer rows.Close()
	return scanItems(rows)
}

// RebuildIndex drops and resynchronizes this scope's index entries from the
// primary memory and message rows. No-op when FTS5 is unavailable.
func (s *Store) RebuildIndex(ctx context.Context, scope types.Scope) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if !s.ftsEnabled {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin rebuild: %w", mapErr(err))
	}
	defer tx.Rollback()

	steps := []struct{ drop, fill string }{
		{
			drop: `DELETE FROM fts_memory WHERE tenant_id=? AND persona_id=?`,
			fill: `INSERT INTO fts_memory(rowid, content, tenant_id, persona_id)
			       SELECT id, content, tenant_id, persona_id FROM memory_items WHERE tenant_id=? AND persona_id=?`,
		},
		{
			drop: `DELETE FROM fts_messages WHERE tenant_id=? AND persona_id=?`,
			fill: `INSERT INTO fts_messages(rowid, content, tenant_id, persona_id)
			       SELECT id, content, tenant_id, persona_id FROM messages WHERE tenant_id=? AND persona_id=?`,
		},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.drop, scope.TenantID, scope.PersonaID); err != nil {
			return fmt.Errorf("sqlite: failed to clear index: %w", mapErr(err))
		}
		if _, err := tx.ExecContext(ctx, step.fill, scope.TenantID, scope.PersonaID); err != nil {
			return fmt.Errorf("sqlite: failed to refill index: %w", mapErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit rebuild: %w", mapErr(err))
	}
	return nil
}

// sanitizeFTSQuery turns free text into a safe FTS5 MATCH expression by
// quoting each token, so user input can't inject MATCH operators like NEAR
// or column filters.
func sanitizeFTSQuery(query string) string {
	fields := strings.Fields(query)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		tokens = append(tokens, `"`+f+`"`)
	}
	return strings.Join(tokens, " ")
}

// escapeLike escapes LIKE wildcards in user input for the fallback scan.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
