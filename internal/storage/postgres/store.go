// Package postgres implements the Keepsake storage contract on PostgreSQL
// via lib/pq. It serves multi-instance deployments where SQLite's single
// writer is not enough; concurrent conflict resolution serializes on row
// locks instead of a single connection.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/pkg/types"
)

var _ storage.Store = (*Store)(nil)

// Store implements storage.Store using PostgreSQL.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	// ftsEnabled is decided once by the startup probe.
	ftsEnabled bool

	now func() int64
}

// New connects to Postgres, runs migrations, and probes websearch_to_tsquery
// support once. On servers predating it the store logs a single downgrade
// and serves every subsequent search with ILIKE.
func New(dsn string, maxConns int, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to reach database: %w", err)
	}

	mgr, err := storage.NewMigrationManager(db, migrations)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := mgr.Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to run migrations: %w", err)
	}

	s := &Store{db: db, log: log, now: func() int64 { return time.Now().Unix() }}
	s.probeFTS()
	log.Info().Bool("fts", s.ftsEnabled).Msg("db.init")
	return s, nil
}

// probeFTS checks websearch_to_tsquery availability exactly once.
func (s *Store) probeFTS() {
	var ok string
	err := s.db.QueryRow(`SELECT websearch_to_tsquery('english', 'probe')::text`).Scan(&ok)
	s.ftsEnabled = err == nil
	if !s.ftsEnabled {
		s.log.Warn().Msg("fts.fallback: websearch_to_tsquery unavailable, using substring search for this process")
	}
}

// SearchEnabled reports the startup probe result.
func (s *Store) SearchEnabled() bool { return s.ftsEnabled }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// mapErr converts serialization and lock contention into the retryable
// sentinel. 40001 serialization_failure, 40P01 deadlock_detected,
// 55P03 lock_not_available.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
	}
	return err
}

// --- Personas ---

func (s *Store) CreatePersona(ctx context.Context, scope types.Scope, displayName, description string) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO personas(tenant_id, persona_id, display_name, description, created_at, updated_at)
		 VALUES($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, persona_id) DO NOTHING`,
		scope.TenantID, scope.PersonaID, nullableString(displayName), nullableString(description), now, now,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create persona: %w", mapErr(err))
	}
	return nil
}

func (s *Store) GetPersona(ctx context.Context, scope types.Scope) (*types.Persona, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	var p types.Persona
	var displayName, description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, persona_id, display_name, description, created_at, updated_at
		 FROM personas WHERE tenant_id=$1 AND persona_id=$2`,
		scope.TenantID, scope.PersonaID,
	).Scan(&p.ID, &p.TenantID, &p.PersonaID, &displayName, &description, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get persona: %w", mapErr(err))
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

const memoryColumns = `id, tenant_id, persona_id, type, mkey, content, tags_json,
	ttl_seconds, status, scope, source_type, source_ref, confidence,
	expires_at, supersedes_id, created_at, updated_at`

// validMemoryClause restricts rows to active, non-expired items. $N indexes
// are filled by validClauseAt.
func validMemoryClause(nowArg1, nowArg2 int) string {
	return fmt.Sprintf(`status='active'
	AND (ttl_seconds IS NULL OR created_at + ttl_seconds > $%d)
	AND (expires_at IS NULL OR expires_at > $%d)`, nowArg1, nowArg2)
}

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
		return res, fmt.Errorf("postgres: failed to marshal tags: %w", err)
	}
	now := s.now()

	// Upsert in one statement; xmax=0 distinguishes insert from update.
	var existed bool
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO memory_items(tenant_id, persona_id, type, mkey, content, tags_json,
			ttl_seconds, status, scope, source_type, source_ref, confidence,
			expires_at, supersedes_id, created_at, updated_at)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (tenant_id, persona_id, type, mkey) DO UPDATE SET
			content=EXCLUDED.content,
			tags_json=EXCLUDED.tags_json,
			ttl_seconds=EXCLUDED.ttl_seconds,
			status=EXCLUDED.status,
			scope=EXCLUDED.scope,
			source_type=EXCLUDED.source_type,
			source_ref=EXCLUDED.source_ref,
			confidence=EXCLUDED.confidence,
			expires_at=EXCLUDED.expires_at,
			supersedes_id=EXCLUDED.supersedes_id,
			updated_at=EXCLUDED.updated_at
		 RETURNING id, (xmax <> 0)`,
		scope.TenantID, scope.PersonaID, item.Type, item.Key, item.Content, string(tagsJSON),
		nullableInt(item.TTLSeconds), item.Status, item.Scope, item.SourceType,
		nullableString(item.SourceRef), nullableFloat(item.Confidence),
		nullableInt(item.ExpiresAt), nullableInt(item.SupersedesID), now, now,
	).Scan(&res.ID, &existed)
	if err != nil {
		return storage.WriteResult{}, fmt.Errorf("postgres: failed to write memory: %w", mapErr(err))
	}
	res.Existed = existed

	item.ID = res.ID
	item.TenantID = scope.TenantID
	item.PersonaID = scope.PersonaID
	item.UpdatedAt = now
	if !existed {
		item.CreatedAt = now
	}
	return res, nil
}

func (s *Store) ListMemory(ctx context.Context, scope types.Scope) ([]types.MemoryItem, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_items
		 WHERE tenant_id=$1 AND persona_id=$2 AND `+validMemoryClause(3, 4)+`
		 ORDER BY updated_at DESC, id DESC`,
		scope.TenantID, scope.PersonaID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list memory: %w", mapErr(err))
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *Store) GetMemoryByID(ctx context.Context, scope types.Scope, id int64) (*types.MemoryItem, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_items WHERE id=$1 AND tenant_id=$2 AND persona_id=$3`,
		id, scope.TenantID, scope.PersonaID,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get memory: %w", mapErr(err))
	}
	return item, nil
}

func (s *Store) ForgetMemory(ctx context.Context, scope types.Scope, itemType types.ItemType, key string) (int64, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_items WHERE tenant_id=$1 AND persona_id=$2 AND type=$3 AND mkey=$4`,
		scope.TenantID, scope.PersonaID, itemType, key,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to forget memory: %w", mapErr(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	return n, nil
}

// --- Persona slots ---

func (s *Store) GetSlots(ctx context.Context, scope types.Scope) ([]types.PersonaSlot, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, persona_id, slot_name, value_json, provenance_json, updated_at
		 FROM persona_slots WHERE tenant_id=$1 AND persona_id=$2 ORDER BY updated_at DESC, slot_name`,
		scope.TenantID, scope.PersonaID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get slots: %w", mapErr(err))
	}
	defer rows.Close()

	var slots []types.PersonaSlot
	for rows.Next() {
		var slot types.PersonaSlot
		var provenance sql.NullString
		if err := rows.Scan(&slot.TenantID, &slot.PersonaID, &slot.SlotName, &slot.ValueJSON, &provenance, &slot.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan slot: %w", err)
		}
		if provenance.Valid {
			slot.ProvenanceJSON = provenance.String
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating slots: %w", err)
	}
	return slots, nil
}

func (s *Store) SetSlot(ctx context.Context, scope types.Scope, slotName, valueJSON, provenanceJSON string) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if slotName == "" || valueJSON == "" {
		return fmt.Errorf("%w: slot name and value are required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO persona_slots(tenant_id, persona_id, slot_name, value_json, provenance_json, updated_at)
		 VALUES($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, persona_id, slot_name) DO UPDATE SET
			value_json=EXCLUDED.value_json,
			provenance_json=EXCLUDED.provenance_json,
			updated_at=EXCLUDED.updated_at`,
		scope.TenantID, scope.PersonaID, slotName, valueJSON, nullableString(provenanceJSON), s.now(),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to set slot: %w", mapErr(err))
	}
	return nil
}

// --- Messages ---

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
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages(tenant_id, persona_id, session_id, source_app, role, content, created_at)
		 VALUES($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		scope.TenantID, scope.PersonaID, nullableString(msg.SessionID), nullableString(msg.SourceApp),
		msg.Role, msg.Content, msg.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to append message: %w", mapErr(err))
	}
	msg.ID = id
	msg.TenantID = scope.TenantID
	msg.PersonaID = scope.PersonaID
	return id, nil
}

func (s *Store) RecentMessages(ctx context.Context, scope types.Scope, limit, days int) ([]types.Message, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, tenant_id, persona_id, session_id, source_app, role, content, created_at
		FROM messages WHERE tenant_id=$1 AND persona_id=$2`
	args := []interface{}{scope.TenantID, scope.PersonaID}
	if days > 0 {
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args)+1)
		args = append(args, s.now()-int64(days)*86400)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to read messages: %w", mapErr(err))
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var m types.Message
		var sessionID, sourceApp sql.NullString
		if err := rows.Scan(&m.ID, &m.TenantID, &m.PersonaID, &sessionID, &sourceApp, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan message: %w", err)
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
		return nil, fmt.Errorf("postgres: error iterating messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) PurgeMessages(ctx context.Context, scope types.Scope, beforeTS int64) (int64, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if beforeTS <= 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE tenant_id=$1 AND persona_id=$2 AND created_at < $3`,
		scope.TenantID, scope.PersonaID, beforeTS,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to purge messages: %w", mapErr(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	return n, nil
}

// --- Goals ---

func (s *Store) CreateGoal(ctx context.Context, scope types.Scope, title, details string) (int64, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if title == "" {
		return 0, fmt.Errorf("%w: title is required", storage.ErrInvalidInput)
	}
	now := s.now()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO goals(tenant_id, persona_id, title, details, status, created_at, updated_at)
		 VALUES($1, $2, $3, $4, 'active', $5, $6) RETURNING id`,
		scope.TenantID, scope.PersonaID, title, nullableString(details), now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to create goal: %w", mapErr(err))
	}
	return id, nil
}

func (s *Store) ListGoals(ctx context.Context, scope types.Scope) ([]types.Goal, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, persona_id, title, details, status, created_at, updated_at
		 FROM goals WHERE tenant_id=$1 AND persona_id=$2 ORDER BY updated_at DESC, id DESC`,
		scope.TenantID, scope.PersonaID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list goals: %w", mapErr(err))
	}
	defer rows.Close()

	var goals []types.Goal
	for rows.Next() {
		var g types.Goal
		var details sql.NullString
		if err := rows.Scan(&g.ID, &g.TenantID, &g.PersonaID, &g.Title, &details, &g.Status, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan goal: %w", err)
		}
		if details.Valid {
			g.Details = details.String
		}
		goals = append(goals, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating goals: %w", err)
	}
	return goals, nil
}

func (s *Store) UpdateGoalStatus(ctx context.Context, scope types.Scope, goalID int64, status types.GoalStatus) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown goal status %q", storage.ErrInvalidInput, status)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE goals SET status=$1, updated_at=$2 WHERE id=$3 AND tenant_id=$4 AND persona_id=$5`,
		status, s.now(), goalID, scope.TenantID, scope.PersonaID,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to update goal: %w", mapErr(err))
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

func (s *Store) LinkGoal(ctx context.Context, scope types.Scope, goalID int64, memoryID *int64, note string) (int64, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}

	var exists int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM goals WHERE id=$1 AND tenant_id=$2 AND persona_id=$3`,
		goalID, scope.TenantID, scope.PersonaID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to resolve goal: %w", mapErr(err))
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO goal_links(tenant_id, persona_id, goal_id, memory_id, note, created_at)
		 VALUES($1, $2, $3, $4, $5, $6) RETURNING id`,
		scope.TenantID, scope.PersonaID, goalID, nullableInt(memoryID), nullableString(note), s.now(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to link goal: %w", mapErr(err))
	}
	return id, nil
}

// --- Operational ---

func (s *Store) Metrics(ctx context.Context) (storage.Metrics, error) {
	var m storage.Metrics
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM personas),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM memory_items)`,
	).Scan(&m.Personas, &m.Messages, &m.MemoryItems)
	if err != nil {
		return m, fmt.Errorf("postgres: failed to collect metrics: %w", mapErr(err))
	}
	return m, nil
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

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
			return nil, fmt.Errorf("postgres: failed to unmarshal tags: %w", err)
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

func scanItems(rows *sql.Rows) ([]types.MemoryItem, error) {
	var items []types.MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan memory: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating memory: %w", err)
	}
	return items, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
