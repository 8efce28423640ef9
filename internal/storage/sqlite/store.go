// Package sqlite implements the Keepsake storage contract on SQLite using
// the CGO-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/pkg/types"
)

// Ensure *Store satisfies the storage contract at compile time.
var _ storage.Store = (*Store)(nil)

// Store implements storage.Store using SQLite.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	// ftsEnabled is decided once by the startup probe and never re-checked.
	ftsEnabled bool

	// now is swappable in tests to exercise TTL expiry deterministically.
	now func() int64
}

// New opens a SQLite database, configures WAL mode and the busy timeout,
// runs migrations, and probes FTS5 availability once. If the FTS5 module is
// missing the store logs a single capability downgrade and serves every
// subsequent search with a substring scan.
func New(dsn string, busyTimeoutMS int, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; WAL
	// mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	// Callers wait for the lock instead of getting an immediate SQLITE_BUSY.
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS)); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable foreign keys: %w", err)
	}

	mgr, err := storage.NewMigrationManager(db, migrations)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := mgr.Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to run migrations: %w", err)
	}

	s := &Store{db: db, log: log, now: func() int64 { return time.Now().Unix() }}
	s.probeFTS()
	log.Info().Str("dsn", dsn).Bool("fts", s.ftsEnabled).Msg("db.init")
	return s, nil
}

// probeFTS attempts to create the FTS5 virtual tables exactly once. Failure
// is remembered for the process lifetime; there is no per-query retry.
func (s *Store) probeFTS() {
	_, errMem := s.db.Exec(ftsMemorySQL)
	_, errMsg := s.db.Exec(ftsMessagesSQL)
	s.ftsEnabled = errMem == nil && errMsg == nil

	flag := "0"
	if s.ftsEnabled {
		flag = "1"
	}
	_, _ = s.db.Exec("INSERT OR REPLACE INTO meta(key, value) VALUES('fts_enabled', ?)", flag)

	if !s.ftsEnabled {
		s.log.Warn().Msg("fts.fallback: FTS5 unavailable, using substring search for this process")
	}
}

// SearchEnabled reports the startup probe result.
func (s *Store) SearchEnabled() bool { return s.ftsEnabled }

// GetDB exposes the underlying connection for operational tooling.
func (s *Store) GetDB() *sql.DB { return s.db }

// Close flushes the WAL into the main database file and releases resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("sqlite: WAL checkpoint on close failed (non-fatal)")
	}
	return s.db.Close()
}

// mapErr converts driver-level lock contention into the retryable sentinel.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	return err
}

// --- Personas ---

// CreatePersona inserts a persona row; re-creating an existing persona is a no-op.
func (s *Store) CreatePersona(ctx context.Context, scope types.Scope, displayName, description string) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO personas(tenant_id, persona_id, display_name, description, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		scope.TenantID, scope.PersonaID, nullableString(displayName), nullableString(description), now, now,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create persona: %w", mapErr(err))
	}
	return nil
}

// GetPersona returns the persona row for the scope.
func (s *Store) GetPersona(ctx context.Context, scope types.Scope) (*types.Persona, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	var p types.Persona
	var displayName, description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, persona_id, display_name, description, created_at, updated_at
		 FROM personas WHERE tenant_id=? AND persona_id=?`,
		scope.TenantID, scope.PersonaID,
	).Scan(&p.ID, &p.TenantID, &p.PersonaID, &displayName, &description, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get persona: %w", mapErr(err))
	}
	if displayName.Valid {
		p.DisplayName = displayName.String
	}
	if description.Valid {
		p.Description = description.String
	}
	return &p, nil
}

// --- Memory items ---

// memoryColumns is the canonical SELECT column list; scanItem must match.
const memoryColumns = `id, tenant_id, persona_id, type, mkey, content, tags_json,
	ttl_seconds, status, scope, source_type, source_ref, confidence,
	expires_at, supersedes_id, created_at, updated_at`

// validMemoryClause restricts rows to active, non-expired items. The two
// placeholders are both the current unix time.
const validMemoryClause = `status='active'
	AND (ttl_seconds IS NULL OR created_at + ttl_seconds > ?)
	AND (expires_at IS NULL OR expires_at > ?)`

// WriteMemory upserts by (tenant, persona, type, key) and keeps the search
// index entry in sync within the same transaction.
func (s *Store) WriteMemory(ctx context.Context, scope types.Scope, item *types.MemoryItem) (storage.WriteResult, error) {
	var res storage.WriteResult
	if !scope.Valid() {
		return res, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if item == nil || !item.Type.Valid() || item.Key == "" || item.Content == "" {
		return res, fmt.Errorf("%w: type, key and content are required", storage.ErrInvalidInput)
	}
	if item.Status == "" {
		item.Status = types.StatusCandidate
	}
	if item.Scope == "" {
		item.Scope = types.ScopePersona
	}
	if item.SourceType == "" {
		item.SourceType = types.SourceUserExplicit
	}

	tagsJSON, err := json.Marshal(item.Tags)
	if err != nil {
		return res, fmt.Errorf("sqlite: failed to marshal tags: %w", err)
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("sqlite: failed to begin write: %w", mapErr(err))
	}
	defer tx.Rollback()

	var existingID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM memory_items WHERE tenant_id=? AND persona_id=? AND type=? AND mkey=?`,
		scope.TenantID, scope.PersonaID, item.Type, item.Key,
	).Scan(&existingID)

	switch {
	case err == sql.ErrNoRows:
		result, err := tx.ExecContext(ctx,
			`INSERT INTO memory_items(tenant_id, persona_id, type, mkey, content, tags_json,
				ttl_seconds, status, scope, source_type, source_ref, confidence,
				expires_at, supersedes_id, created_at, updated_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			scope.TenantID, scope.PersonaID, item.Type, item.Key, item.Content, string(tagsJSON),
			nullableInt(item.TTLSeconds), item.Status, item.Scope, item.SourceType,
			nullableString(item.SourceRef), nullableFloat(item.Confidence),
			nullableInt(item.ExpiresAt), nullableInt(item.SupersedesID), now, now,
		)
		if err != nil {
			return res, fmt.Errorf("sqlite: failed to insert memory: %w", mapErr(err))
		}
		id, err := result.LastInsertId()
		if err != nil {
			return res, fmt.Errorf("sqlite: failed to read insert id: %w", err)
		}
		res = storage.WriteResult{Existed: false, ID: id}
	case err != nil:
		return res, fmt.Errorf("sqlite: failed to probe memory key: %w", mapErr(err))
	default:
		// Overwrite content and lifecycle fields, preserve identity and created_at.
		_, err := tx.ExecContext(ctx,
			`UPDATE memory_items SET content=?, tags_json=?, ttl_seconds=?, status=?, scope=?,
				source_type=?, source_ref=?, confidence=?, expires_at=?, supersedes_id=?, updated_at=?
			 WHERE id=?`,
			item.Content, string(tagsJSON), nullableInt(item.TTLSeconds), item.Status, item.Scope,
			item.SourceType, nullableString(item.SourceRef), nullableFloat(item.Confidence),
			nullableInt(item.ExpiresAt), nullableInt(item.SupersedesID), now, existingID,
		)
		if err != nil {
			return res, fmt.Errorf("sqlite: failed to update memory: %w", mapErr(err))
		}
		res = storage.WriteResult{Existed: true, ID: existingID}
	}

	if s.ftsEnabled {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fts_memory WHERE rowid=?`, res.ID); err != nil {
			return res, fmt.Errorf("sqlite: failed to clear index entry: %w", mapErr(err))
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fts_memory(rowid, content, tenant_id, persona_id) VALUES(?, ?, ?, ?)`,
			res.ID, item.Content, scope.TenantID, scope.PersonaID,
		); err != nil {
			return res, fmt.Errorf("sqlite: failed to index memory: %w", mapErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.WriteResult{}, fmt.Errorf("sqlite: failed to commit write: %w", mapErr(err))
	}

	item.ID = res.ID
	item.TenantID = scope.TenantID
	item.PersonaID = scope.PersonaID
	item.UpdatedAt = now
	if !res.Existed {
		item.CreatedAt = now
	}
	return res, nil
}

// ListMemory returns all active, non-expired items, newest-updated first.
func (s *Store) ListMemory(ctx context.Context, scope types.Scope) ([]types.MemoryItem, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_items
		 WHERE tenant_id=? AND persona_id=? AND `+validMemoryClause+`
		 ORDER BY updated_at DESC, id DESC`,
		scope.TenantID, scope.PersonaID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list memory: %w", mapErr(err))
	}
	defer rows.Close()
	return scanItems(rows)
}

// GetMemoryByID returns the item regardless of status, or ErrNotFound when
// absent or owned by another tenant.
func (s *Store) GetMemoryByID(ctx context.Context, scope types.Scope, id int64) (*types.MemoryItem, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_items WHERE id=? AND tenant_id=? AND persona_id=?`,
		id, scope.TenantID, scope.PersonaID,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get memory: %w", mapErr(err))
	}
	return item, nil
}

// ForgetMemory hard-deletes the row and its index entry, any status.
func (s *Store) ForgetMemory(ctx context.Context, scope types.Scope, itemType types.ItemType, key string) (int64, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to begin forget: %w", mapErr(err))
	}
	defer tx.Rollback()

	if s.ftsEnabled {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM fts_memory WHERE rowid IN (
				SELECT id FROM memory_items WHERE tenant_id=? AND persona_id=? AND type=? AND mkey=?)`,
			scope.TenantID, scope.PersonaID, itemType, key,
		); err != nil {
			return 0, fmt.Errorf("sqlite: failed to drop index entry: %w", mapErr(err))
		}
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM memory_items WHERE tenant_id=? AND persona_id=? AND type=? AND mkey=?`,
		scope.TenantID, scope.PersonaID, itemType, key,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to forget memory: %w", mapErr(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: failed to commit forget: %w", mapErr(err))
	}
	return n, nil
}

// --- Persona slots ---

// GetSlots returns all slot rows for the scope, newest-updated first.
func (s *Store) GetSlots(ctx context.Context, scope types.Scope) ([]types.PersonaSlot, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, persona_id, slot_name, value_json, provenance_json, updated_at
		 FROM persona_slots WHERE tenant_id=? AND persona_id=? ORDER BY updated_at DESC, slot_name`,
		scope.TenantID, scope.PersonaID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get slots: %w", mapErr(err))
	}
	defer rows.Close()

	var slots []types.PersonaSlot
	for rows.Next() {
		var slot types.PersonaSlot
		var provenance sql.NullString
		if err := rows.Scan(&slot.TenantID, &slot.PersonaID, &slot.SlotName, &slot.ValueJSON, &provenance, &slot.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan slot: %w", err)
		}
		if provenance.Valid {
			slot.ProvenanceJSON = provenance.String
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating slots: %w", err)
	}
	return slots, nil
}

// SetSlot upserts one slot row, last writer wins.
func (s *Store) SetSlot(ctx context.Context, scope types.Scope, slotName, valueJSON, provenanceJSON string) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if slotName == "" || valueJSON == "" {
		return fmt.Errorf("%w: slot name and value are required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO persona_slots(tenant_id, persona_id, slot_name, value_json, provenance_json, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, persona_id, slot_name) DO UPDATE SET
			value_json=excluded.value_json,
			provenance_json=excluded.provenance_json,
			updated_at=excluded.updated_at`,
		scope.TenantID, scope.PersonaID, slotName, valueJSON, nullableString(provenanceJSON), s.now(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to set slot: %w", mapErr(err))
	}
	return nil
}

// --- Messages ---

// AppendMessage stores one conversation turn and indexes its content.
func (s *Store) AppendMessage(ctx context.Context, scope types.Scope, msg *types.Message) (int64, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if msg == nil || msg.Role == "" || msg.Content == "" {
		return 0, fmt.Errorf("%w: role and content are required", storage.ErrInvalidInput)
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to begin append: %w", mapErr(err))
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO messages(tenant_id, persona_id, session_id, source_app, role, content, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		scope.TenantID, scope.PersonaID, nullableString(msg.SessionID), nullableString(msg.SourceApp),
		msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to append message: %w", mapErr(err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to read message id: %w", err)
	}

	if s.ftsEnabled {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fts_messages(rowid, content, tenant_id, persona_id) VALUES(?, ?, ?, ?)`,
			id, msg.Content, scope.TenantID, scope.PersonaID,
		); err != nil {
			return 0, fmt.Errorf("sqlite: failed to index message: %w", mapErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: failed to commit append: %w", mapErr(err))
	}
	msg.ID = id
	msg.TenantID = scope.TenantID
	msg.PersonaID = scope.PersonaID
	return id, nil
}

// RecentMessages returns up to limit messages, newest first, optionally
// restricted to the last `days` days.
func (s *Store) RecentMessages(ctx context.Context, scope types.Scope, limit, days int) ([]types.Message, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, tenant_id, persona_id, session_id, source_app, role, content, created_at
		FROM messages WHERE tenant_id=? AND persona_id=?`
	args := []interface{}{scope.TenantID, scope.PersonaID}
	if days > 0 {
		query += ` AND created_at >= ?`
		args = append(args, s.now()-int64(days)*86400)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to read messages: %w", mapErr(err))
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var m types.Message
		var sessionID, sourceApp sql.NullString
		if err := rows.Scan(&m.ID, &m.TenantID, &m.PersonaID, &sessionID, &sourceApp, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan message: %w", err)
		}
		if sessionID.Valid {
			m.SessionID = sessionID.String
		}
		if sourceApp.Valid {
			m.SourceApp = sourceApp.String
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating messages: %w", err)
	}
	return msgs, nil
}

// PurgeMessages deletes messages created before beforeTS and their index rows.
func (s *Store) PurgeMessages(ctx context.Context, scope types.Scope, beforeTS int64) (int64, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if beforeTS <= 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to begin purge: %w", mapErr(err))
	}
	defer tx.Rollback()

	if s.ftsEnabled {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM fts_messages WHERE rowid IN (
				SELECT id FROM messages WHERE tenant_id=? AND persona_id=? AND created_at < ?)`,
			scope.TenantID, scope.PersonaID, beforeTS,
		); err != nil {
			return 0, fmt.Errorf("sqlite: failed to drop message index rows: %w", mapErr(err))
		}
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE tenant_id=? AND persona_id=? AND created_at < ?`,
		scope.TenantID, scope.PersonaID, beforeTS,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to purge messages: %w", mapErr(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: failed to commit purge: %w", mapErr(err))
	}
	return n, nil
}

// --- Goals ---

// CreateGoal inserts a goal in the active status.
func (s *Store) CreateGoal(ctx context.Context, scope types.Scope, title, details string) (int64, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if title == "" {
		return 0, fmt.Errorf("%w: title is required", storage.ErrInvalidInput)
	}
	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO goals(tenant_id, persona_id, title, details, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, 'active', ?, ?)`,
		scope.TenantID, scope.PersonaID, title, nullableString(details), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to create goal: %w", mapErr(err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to read goal id: %w", err)
	}
	return id, nil
}

// ListGoals returns all goals for the scope, newest-updated first.
func (s *Store) ListGoals(ctx context.Context, scope types.Scope) ([]types.Goal, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, persona_id, title, details, status, created_at, updated_at
		 FROM goals WHERE tenant_id=? AND persona_id=? ORDER BY updated_at DESC, id DESC`,
		scope.TenantID, scope.PersonaID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list goals: %w", mapErr(err))
	}
	defer rows.Close()

	var goals []types.Goal
	for rows.Next() {
		var g types.Goal
		var details sql.NullString
		if err := rows.Scan(&g.ID, &g.TenantID, &g.PersonaID, &g.Title, &details, &g.Status, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan goal: %w", err)
		}
		if details.Valid {
			g.Details = details.String
		}
		goals = append(goals, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating goals: %w", err)
	}
	return goals, nil
}

// UpdateGoalStatus transitions a goal to the given status.
func (s *Store) UpdateGoalStatus(ctx context.Context, scope types.Scope, goalID int64, status types.GoalStatus) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown goal status %q", storage.ErrInvalidInput, status)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE goals SET status=?, updated_at=? WHERE id=? AND tenant_id=? AND persona_id=?`,
		status, s.now(), goalID, scope.TenantID, scope.PersonaID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update goal: %w", mapErr(err))
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

// LinkGoal attaches a memory item or note to an existing goal.
func (s *Store) LinkGoal(ctx context.Context, scope types.Scope, goalID int64, memoryID *int64, note string) (int64, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}

	var exists int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM goals WHERE id=? AND tenant_id=? AND persona_id=?`,
		goalID, scope.TenantID, scope.PersonaID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to resolve goal: %w", mapErr(err))
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO goal_links(tenant_id, persona_id, goal_id, memory_id, note, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		scope.TenantID, scope.PersonaID, goalID, nullableInt(memoryID), nullableString(note), s.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to link goal: %w", mapErr(err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to read link id: %w", err)
	}
	return id, nil
}

// --- Operational ---

// Metrics reports whole-database row counts.
func (s *Store) Metrics(ctx context.Context) (storage.Metrics, error) {
	var m storage.Metrics
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM personas`).Scan(&m.Personas); err != nil {
		return m, fmt.Errorf("sqlite: failed to count personas: %w", mapErr(err))
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&m.Messages); err != nil {
		return m, fmt.Errorf("sqlite: failed to count messages: %w", mapErr(err))
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_items`).Scan(&m.MemoryItems); err != nil {
		return m, fmt.Errorf("sqlite: failed to count memory items: %w", mapErr(err))
	}
	return m, nil
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanItem reads one memory row. The column order must match memoryColumns.
func scanItem(row rowScanner) (*types.MemoryItem, error) {
	var m types.MemoryItem
	var tagsJSON, sourceRef sql.NullString
	var ttlSeconds, expiresAt, supersedesID sql.NullInt64
	var confidence sql.NullFloat64

	err := row.Scan(
		&m.ID, &m.TenantID, &m.PersonaID, &m.Type, &m.Key, &m.Content, &tagsJSON,
		&ttlSeconds, &m.Status, &m.Scope, &m.SourceType, &sourceRef, &confidence,
		&expiresAt, &supersedesID, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &m.Tags); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal tags: %w", err)
		}
	}
	if sourceRef.Valid {
		m.SourceRef = sourceRef.String
	}
	if ttlSeconds.Valid {
		m.TTLSeconds = &ttlSeconds.Int64
	}
	if expiresAt.Valid {
		m.ExpiresAt = &expiresAt.Int64
	}
	if supersedesID.Valid {
		m.SupersedesID = &supersedesID.Int64
	}
	if confidence.Valid {
		m.Confidence = &confidence.Float64
	}
	return &m, nil
}

// scanItems drains a result set of memory rows.
func scanItems(rows *sql.Rows) ([]types.MemoryItem, error) {
	var items []types.MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan memory: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating memory: %w", err)
	}
	return items, nil
}

// nullableString converts a string to sql.NullString; empty means NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullableInt converts an int64 pointer to sql.NullInt64.
func nullableInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// nullableFloat converts a float64 pointer to sql.NullFloat64.
func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
