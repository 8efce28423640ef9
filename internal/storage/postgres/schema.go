package postgres

import "github.com/keepsake-ai/keepsake/internal/storage"

// migrations is the ordered, additive migration set for the Postgres backend.
// The shape mirrors the SQLite schema; full-text search is served by GIN
// expression indexes instead of shadow tables.
var migrations = []storage.Migration{
	{
		Version: 1,
		Name:    "core_tables",
		SQL: `
CREATE TABLE IF NOT EXISTS personas (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	display_name TEXT,
	description TEXT,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	UNIQUE(tenant_id, persona_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	session_id TEXT,
	source_app TEXT,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_scope ON messages(tenant_id, persona_id, created_at DESC);

CREATE TABLE IF NOT EXISTS memory_items (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	type TEXT NOT NULL,
	mkey TEXT NOT NULL,
	content TEXT NOT NULL,
	tags_json TEXT,
	ttl_seconds BIGINT,
	status TEXT NOT NULL DEFAULT 'candidate',
	scope TEXT NOT NULL DEFAULT 'persona',
	source_type TEXT NOT NULL DEFAULT 'user_explicit',
	source_ref TEXT,
	confidence DOUBLE PRECISION,
	expires_at BIGINT,
	supersedes_id BIGINT,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	UNIQUE(tenant_id, persona_id, type, mkey)
);
CREATE INDEX IF NOT EXISTS idx_memory_scope ON memory_items(tenant_id, persona_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_memory_slot ON memory_items(tenant_id, persona_id, type, status);
CREATE INDEX IF NOT EXISTS idx_memory_fts ON memory_items USING GIN (to_tsvector('english', content));

CREATE TABLE IF NOT EXISTS persona_slots (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	slot_name TEXT NOT NULL,
	value_json TEXT NOT NULL,
	provenance_json TEXT,
	updated_at BIGINT NOT NULL,
	UNIQUE(tenant_id, persona_id, slot_name)
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`,
	},
	{
		Version: 2,
		Name:    "goals",
		SQL: `
CREATE TABLE IF NOT EXISTS goals (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	title TEXT NOT NULL,
	details TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_goals_scope ON goals(tenant_id, persona_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS goal_links (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	goal_id BIGINT NOT NULL REFERENCES goals(id) ON DELETE CASCADE,
	memory_id BIGINT,
	note TEXT,
	created_at BIGINT NOT NULL
);
`,
	},
}
