package recall

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/internal/storage/sqlite"
	"github.com/keepsake-ai/keepsake/pkg/types"
)

func newTestAssembler(t *testing.T, cfg Config) (*Assembler, storage.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:", 1000, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	a, err := NewAssembler(store, cfg, zerolog.Nop())
	require.NoError(t, err)
	return a, store
}

func testScope() types.Scope {
	return types.Scope{TenantID: "acme", PersonaID: "assistant"}
}

func seedSlot(t *testing.T, store storage.Store, scope types.Scope, name, text string) {
	t.Helper()
	err := store.SetSlot(context.Background(), scope, name, types.EncodeSlotValue(text), "")
	require.NoError(t, err)
}

func TestProfileFromBaseFieldsAndSlots(t *testing.T) {
	a, store := newTestAssembler(t, DefaultConfig())
	ctx := context.Background()
	scope := testScope()

	require.NoError(t, store.CreatePersona(ctx, scope, "Ada", "research assistant"))
	seedSlot(t, store, scope, "identity", "A meticulous librarian")
	seedSlot(t, store, scope, "preferences", "Short answers")

	// A candidate item must never leak into the profile.
	item := &types.MemoryItem{Type: types.TypeIdentity, Key: "draft", Content: "UNCONFIRMED DRAFT"}
	_, err := store.WriteMemory(ctx, scope, item)
	require.NoError(t, err)

	profile, err := a.Profile(ctx, scope)
	require.NoError(t, err)

	assert.Contains(t, profile, "# Persona Profile")
	assert.Contains(t, profile, "- Name: Ada")
	assert.Contains(t, profile, "- identity: A meticulous librarian")
	assert.Contains(t, profile, "- preferences: Short answers")
	assert.NotContains(t, profile, "UNCONFIRMED DRAFT")
}

func TestProfileWithoutPersonaRecord(t *testing.T) {
	a, store := newTestAssembler(t, DefaultConfig())
	scope := testScope()
	seedSlot(t, store, scope, "values", "Curiosity")

	profile, err := a.Profile(context.Background(), scope)
	require.NoError(t, err)
	assert.Contains(t, profile, "- values: Curiosity")
}

func TestProfileBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxProfileChars = 200
	a, store := newTestAssembler(t, cfg)
	scope := testScope()

	for _, name := range types.SlotNames() {
		seedSlot(t, store, scope, string(name), strings.Repeat("x", 5000))
	}

	profile, err := a.Profile(context.Background(), scope)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(profile), 200)
}

func TestProfileCacheInvalidation(t *testing.T) {
	a, store := newTestAssembler(t, DefaultConfig())
	ctx := context.Background()
	scope := testScope()

	seedSlot(t, store, scope, "identity", "before")
	first, err := a.Profile(ctx, scope)
	require.NoError(t, err)
	assert.Contains(t, first, "before")

	// Without invalidation the cached render is served.
	seedSlot(t, store, scope, "identity", "after")
	cached, err := a.Profile(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	a.Invalidate(scope)
	fresh, err := a.Profile(ctx, scope)
	require.NoError(t, err)
	assert.Contains(t, fresh, "after")
}

func TestRecallBundle(t *testing.T) {
	a, store := newTestAssembler(t, DefaultConfig())
	ctx := context.Background()
	scope := testScope()

	item := &types.MemoryItem{Type: types.TypeFact, Key: "coffee", Content: "Drinks coffee black", Status: types.StatusActive}
	_, err := store.WriteMemory(ctx, scope, item)
	require.NoError(t, err)
	other := &types.MemoryItem{Type: types.TypeFact, Key: "tea", Content: "Dislikes tea", Status: types.StatusActive}
	_, err = store.WriteMemory(ctx, scope, other)
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, scope, &types.Message{Role: "user", Content: "morning!"})
	require.NoError(t, err)

	res, err := a.Recall(ctx, scope, "coffee", 10)
	require.NoError(t, err)

	require.Len(t, res.MemoryItems, 1)
	assert.Equal(t, "coffee", res.MemoryItems[0].Key)
	require.Len(t, res.ChatSnippets, 1)
	assert.NotEmpty(t, res.Profile)
}

func TestRecallTenantIsolation(t *testing.T) {
	a, store := newTestAssembler(t, DefaultConfig())
	ctx := context.Background()

	owner := testScope()
	seedSlot(t, store, owner, "identity", "acme secret identity")
	item := &types.MemoryItem{Type: types.TypeFact, Key: "k", Content: "acme internal fact", Status: types.StatusActive}
	_, err := store.WriteMemory(ctx, owner, item)
	require.NoError(t, err)

	other := types.Scope{TenantID: "globex", PersonaID: "assistant"}
	res, err := a.Recall(ctx, other, "acme", 10)
	require.NoError(t, err)
	assert.Empty(t, res.MemoryItems)
	assert.NotContains(t, res.Profile, "acme secret identity")
}

func TestTruncateRuneBoundary(t *testing.T) {
	// 3-byte runes: a cap of 7 lands mid-rune and must back up to 6.
	s := strings.Repeat("日", 4)
	for max := 1; max <= len(s); max++ {
		cut := truncate(s, max)
		assert.True(t, utf8.ValidString(cut), "max=%d produced invalid UTF-8", max)
		assert.LessOrEqual(t, len(cut), max)
	}
	assert.Equal(t, "日日", truncate(s, 7))
	assert.Equal(t, s, truncate(s, len(s)))
	assert.Equal(t, s, truncate(s, 0))
}

func TestProfileBoundMultibyte(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxProfileChars = 101
	a, store := newTestAssembler(t, cfg)
	scope := testScope()

	seedSlot(t, store, scope, "identity", strings.Repeat("ü", 500))

	profile, err := a.Profile(context.Background(), scope)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(profile), 101)
	assert.True(t, utf8.ValidString(profile))
}

func TestFormatBlockPerItemCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerItemCap = 10
	a, _ := newTestAssembler(t, cfg)

	res := &Result{
		Profile: "profile text",
		MemoryItems: []types.MemoryItem{
			{Type: types.TypeFact, Key: "big", Content: strings.Repeat("A", 10000)},
		},
		ChatSnippets: []types.Message{
			{Role: "user", Content: strings.Repeat("B", 10000)},
		},
	}
	block := a.FormatBlock(res)

	assert.Contains(t, block, "=== PERSONA PROFILE ===")
	assert.Contains(t, block, "=== PERSONA MEMORY ===")
	assert.Contains(t, block, "=== CHAT SNIPPETS ===")
	assert.NotContains(t, block, strings.Repeat("A", 11))
	assert.NotContains(t, block, strings.Repeat("B", 11))
	assert.Less(t, len(block), 300)
}
