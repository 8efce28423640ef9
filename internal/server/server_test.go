package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/events"
	"github.com/keepsake-ai/keepsake/internal/judge"
	"github.com/keepsake-ai/keepsake/internal/recall"
	"github.com/keepsake-ai/keepsake/internal/resolver"
	"github.com/keepsake-ai/keepsake/internal/storage/sqlite"
)

func newTestServer(t *testing.T, apiKeys string) *Server {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.RateRPS = 1000
	cfg.Server.RateBurst = 1000
	cfg.Storage.Backend = "sqlite"
	cfg.Judge.MaxContentLen = 8192
	cfg.Judge.SensitivePolicy = "strict"
	cfg.Events.Sink = "none"
	cfg.Templates.Root = t.TempDir()
	cfg.Auth.APIKeys = apiKeys

	store, err := sqlite.New(":memory:", 1000, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	asm, err := recall.NewAssembler(store, recall.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	j := judge.NewRules(cfg.Judge.MaxContentLen, judge.NewPolicy(cfg.Judge.SensitivePolicy))
	res := resolver.New(store, j, events.Noop{}, zerolog.Nop(), resolver.WithChangeHook(asm.Invalidate))

	srv, err := New(cfg, store, res, asm, nil, zerolog.Nop())
	require.NoError(t, err)
	return srv
}

type reply struct {
	status int
	body   map[string]interface{}
}

func (r reply) ok() bool {
	ok, _ := r.body["ok"].(bool)
	return ok
}

func (r reply) data() map[string]interface{} {
	d, _ := r.body["data"].(map[string]interface{})
	return d
}

func (r reply) errorCode() string {
	e, _ := r.body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func do(t *testing.T, srv *Server, method, path string, headers map[string]string, payload interface{}) reply {
	t.Helper()

	var body *bytes.Buffer = bytes.NewBuffer(nil)
	if payload != nil {
		require.NoError(t, json.NewEncoder(body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed), "body: %s", rec.Body.String())
	return reply{status: rec.Code, body: parsed}
}

func asTenant(tenant string) map[string]string {
	return map[string]string{"X-Tenant-ID": tenant}
}

func TestHealthAndCapabilities(t *testing.T) {
	srv := newTestServer(t, "")

	r := do(t, srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, r.status)
	assert.True(t, r.ok())
	assert.Equal(t, "ok", r.data()["status"])
	assert.NotEmpty(t, r.body["request_id"])

	r = do(t, srv, http.MethodGet, "/capabilities", nil, nil)
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "sqlite", r.data()["backend"])
	assert.Equal(t, "rules", r.data()["judge"])
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, "k1:acme")

	r := do(t, srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, r.status)
	assert.Equal(t, "unauthorized", r.errorCode())

	r = do(t, srv, http.MethodGet, "/health", map[string]string{"X-API-Key": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, r.status)

	r = do(t, srv, http.MethodGet, "/health", map[string]string{"X-API-Key": "k1"}, nil)
	assert.Equal(t, http.StatusOK, r.status)
}

func TestAPIKeyFixesTenant(t *testing.T) {
	srv := newTestServer(t, "k1:acme,k2:globex")

	r := do(t, srv, http.MethodPost, "/memory/write", map[string]string{"X-API-Key": "k1"}, map[string]interface{}{
		"persona_id": "p1", "type": "fact", "key": "city", "content": "lives in Oslo",
	})
	require.Equal(t, http.StatusOK, r.status, "body: %v", r.body)

	// The other tenant's key sees nothing, even with the same persona.
	r = do(t, srv, http.MethodGet, "/memory/list?persona_id=p1", map[string]string{"X-API-Key": "k2"}, nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Empty(t, r.data()["items"])

	r = do(t, srv, http.MethodGet, "/memory/list?persona_id=p1", map[string]string{"X-API-Key": "k1"}, nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Len(t, r.data()["items"], 1)
}

func TestDevModeTenantHeader(t *testing.T) {
	srv := newTestServer(t, "")

	r := do(t, srv, http.MethodPost, "/memory/write", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "type": "fact", "key": "city", "content": "lives in Oslo",
	})
	require.Equal(t, http.StatusOK, r.status)

	// No header falls back to the "local" tenant, which is empty.
	r = do(t, srv, http.MethodGet, "/memory/list?persona_id=p1", nil, nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Empty(t, r.data()["items"])
}

func TestMemoryWriteValidation(t *testing.T) {
	srv := newTestServer(t, "")

	// Missing persona_id.
	r := do(t, srv, http.MethodPost, "/memory/write", asTenant("acme"), map[string]interface{}{
		"type": "fact", "key": "k", "content": "c",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, r.status)
	assert.Equal(t, "validation_error", r.errorCode())

	// Unknown field.
	r = do(t, srv, http.MethodPost, "/memory/write", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "type": "fact", "key": "k", "content": "c", "bogus": true,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, r.status)

	// Unknown item type.
	r = do(t, srv, http.MethodPost, "/memory/write", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "type": "opinion", "key": "k", "content": "c",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, r.status)
	assert.Equal(t, "validation_error", r.errorCode())
}

func TestMemoryWritePolicyDenied(t *testing.T) {
	srv := newTestServer(t, "")

	r := do(t, srv, http.MethodPost, "/memory/write", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "type": "fact", "key": "creds", "content": "my password is hunter2",
	})
	assert.Equal(t, http.StatusBadRequest, r.status)
	assert.Equal(t, "policy_denied", r.errorCode())
}

func TestMemoryWriteTemporarySkipped(t *testing.T) {
	srv := newTestServer(t, "")

	r := do(t, srv, http.MethodPost, "/memory/write", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "type": "fact", "key": "k", "content": "c", "temporary": true,
	})
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "skipped", r.data()["status"])

	r = do(t, srv, http.MethodGet, "/memory/list?persona_id=p1", asTenant("acme"), nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Empty(t, r.data()["items"])
}

func writeSlotCandidate(t *testing.T, srv *Server, key, content string) int64 {
	t.Helper()
	r := do(t, srv, http.MethodPost, "/memory/write", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "type": "preferences", "key": key, "content": content,
	})
	require.Equal(t, http.StatusOK, r.status, "body: %v", r.body)
	require.Equal(t, "candidate", r.data()["state"])
	return int64(r.data()["id"].(float64))
}

func TestConfirmConflictFlow(t *testing.T) {
	srv := newTestServer(t, "")

	first := writeSlotCandidate(t, srv, "style_short", "short replies")
	second := writeSlotCandidate(t, srv, "style_long", "long replies")

	r := do(t, srv, http.MethodPost, "/memory/confirm", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "memory_id": first,
	})
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, true, r.data()["updated"])
	assert.Equal(t, "active", r.data()["status"])

	// Second confirm collides with the active holder.
	r = do(t, srv, http.MethodPost, "/memory/confirm", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "memory_id": second,
	})
	assert.Equal(t, http.StatusConflict, r.status)
	assert.Equal(t, "conflict_requires_supersedes", r.errorCode())

	// Naming the holder resolves it.
	r = do(t, srv, http.MethodPost, "/memory/confirm", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "memory_id": second, "supersedes_id": first,
	})
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "active", r.data()["status"])
	assert.Equal(t, float64(first), r.data()["supersedes_id"])

	// The projected slot follows the winner.
	r = do(t, srv, http.MethodPost, "/persona/slots/get", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1",
	})
	require.Equal(t, http.StatusOK, r.status)
	slots := r.data()["slots"].([]interface{})
	require.Len(t, slots, 1)
}

func TestConfirmUnknownIsNotFound(t *testing.T) {
	srv := newTestServer(t, "")

	r := do(t, srv, http.MethodPost, "/memory/confirm", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "memory_id": 4242,
	})
	assert.Equal(t, http.StatusNotFound, r.status)
	assert.Equal(t, "not_found", r.errorCode())
}

func TestRevokeAndForget(t *testing.T) {
	srv := newTestServer(t, "")

	r := do(t, srv, http.MethodPost, "/memory/write", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "type": "fact", "key": "city", "content": "lives in Oslo",
	})
	require.Equal(t, http.StatusOK, r.status)
	id := int64(r.data()["id"].(float64))

	r = do(t, srv, http.MethodPost, "/memory/revoke", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "memory_id": id,
	})
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "revoked", r.data()["status"])

	r = do(t, srv, http.MethodPost, "/memory/forget", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "type": "fact", "key": "city",
	})
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, float64(1), r.data()["deleted"])
}

func TestRecallAndProfile(t *testing.T) {
	srv := newTestServer(t, "")

	r := do(t, srv, http.MethodPost, "/persona/create", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "display_name": "Ada",
	})
	require.Equal(t, http.StatusOK, r.status)

	r = do(t, srv, http.MethodPost, "/memory/write", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "type": "fact", "key": "city", "content": "lives in Oslo",
	})
	require.Equal(t, http.StatusOK, r.status)

	r = do(t, srv, http.MethodPost, "/memory/recall", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "query": "Oslo",
	})
	require.Equal(t, http.StatusOK, r.status)
	assert.Contains(t, r.data()["profile"], "Ada")
	assert.Len(t, r.data()["memory_items"], 1)
	assert.Contains(t, r.data()["block"], "=== PERSONA MEMORY ===")

	r = do(t, srv, http.MethodGet, "/persona/profile?persona_id=p1", asTenant("acme"), nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Contains(t, r.data()["profile"], "Ada")
}

func TestSlotsSetValidatesName(t *testing.T) {
	srv := newTestServer(t, "")

	r := do(t, srv, http.MethodPost, "/persona/slots/set", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "slot_name": "mood", "value_json": `{"text":"x"}`,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, r.status)

	r = do(t, srv, http.MethodPost, "/persona/slots/set", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "slot_name": "identity", "value_json": `{"text":"archivist"}`,
	})
	assert.Equal(t, http.StatusOK, r.status)
}

func TestMessagesRoundtrip(t *testing.T) {
	srv := newTestServer(t, "")

	r := do(t, srv, http.MethodPost, "/messages/append", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "role": "user", "content": "hello there",
	})
	require.Equal(t, http.StatusOK, r.status)
	assert.NotZero(t, r.data()["message_id"])

	r = do(t, srv, http.MethodGet, "/messages/recent?persona_id=p1&limit=5", asTenant("acme"), nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Len(t, r.data()["messages"], 1)

	// Purge requires a cutoff.
	r = do(t, srv, http.MethodPost, "/messages/purge", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, r.status)

	r = do(t, srv, http.MethodPost, "/messages/purge", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "days": 0,
	})
	require.Equal(t, http.StatusOK, r.status)
}

func TestGoalsRoundtrip(t *testing.T) {
	srv := newTestServer(t, "")

	r := do(t, srv, http.MethodPost, "/goals/create", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "title": "learn norwegian",
	})
	require.Equal(t, http.StatusOK, r.status)
	goalID := int64(r.data()["goal_id"].(float64))

	r = do(t, srv, http.MethodPost, "/goals/status", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "goal_id": goalID, "status": "done",
	})
	require.Equal(t, http.StatusOK, r.status)

	r = do(t, srv, http.MethodPost, "/goals/link", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "goal_id": goalID, "note": "started duolingo",
	})
	require.Equal(t, http.StatusOK, r.status)
	assert.NotZero(t, r.data()["link_id"])

	r = do(t, srv, http.MethodGet, "/goals/list?persona_id=p1", asTenant("acme"), nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Len(t, r.data()["goals"], 1)
}

func TestPersonaFromTemplate(t *testing.T) {
	srv := newTestServer(t, "")

	dir := filepath.Join(srv.cfg.Templates.Root, "archivist")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "persona.md"), []byte("# Archivist"), 0o644))

	r := do(t, srv, http.MethodPost, "/persona/create_from_template", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "template_path": "archivist",
	})
	require.Equal(t, http.StatusOK, r.status, "body: %v", r.body)
	assert.Equal(t, true, r.data()["applied"])

	// Second apply is a skip unless overwrite is allowed.
	r = do(t, srv, http.MethodPost, "/persona/create_from_template", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "template_path": "archivist",
	})
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, true, r.data()["skipped"])

	// Traversal is rejected.
	r = do(t, srv, http.MethodPost, "/persona/create_from_template", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "template_path": "../outside",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, r.status)
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, "")
	srv.limiters = newRateLimiters(1, 2)

	var limited bool
	for i := 0; i < 5; i++ {
		r := do(t, srv, http.MethodGet, "/health", asTenant("acme"), nil)
		if r.status == http.StatusTooManyRequests {
			assert.Equal(t, "rate_limited", r.errorCode())
			limited = true
		}
	}
	assert.True(t, limited)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	r := do(t, srv, http.MethodPost, "/memory/write", asTenant("acme"), map[string]interface{}{
		"persona_id": "p1", "type": "fact", "key": "k", "content": "c",
	})
	require.Equal(t, http.StatusOK, r.status)

	r = do(t, srv, http.MethodGet, "/metrics", asTenant("acme"), nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, float64(1), r.data()["memory_items"])
}
