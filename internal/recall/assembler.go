// Package recall composes a size-bounded context bundle for a query: the
// rendered persona profile, matching memory items, and recent conversation
// snippets.
package recall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/pkg/types"
)

// Config bounds the assembled output.
type Config struct {
	// MaxProfileChars hard-truncates the rendered profile.
	MaxProfileChars int
	// SnippetLimit caps the number of recent messages returned.
	SnippetLimit int
	// SnippetDays is the recency window for chat snippets.
	SnippetDays int
	// PerItemCap truncates each memory item and snippet inside the
	// formatted block, bounding total block size by the item count.
	PerItemCap int
	// ProfileCacheSize is the LRU entry budget for rendered profiles.
	ProfileCacheSize int
}

// DefaultConfig returns the stock recall bounds.
func DefaultConfig() Config {
	return Config{
		MaxProfileChars:  2000,
		SnippetLimit:     20,
		SnippetDays:      7,
		PerItemCap:       500,
		ProfileCacheSize: 1024,
	}
}

// Result is the recall bundle for one query.
type Result struct {
	Profile      string             `json:"profile"`
	MemoryItems  []types.MemoryItem `json:"memory_items"`
	ChatSnippets []types.Message    `json:"chat_snippets"`
}

// Assembler reads the store and renders recall bundles. Rendered profiles
// are cached per scope; the resolver's change hook drops the entry whenever
// a mutation could change the profile.
type Assembler struct {
	store storage.Store
	cfg   Config
	log   zerolog.Logger
	cache *lru.Cache[string, string]
}

// NewAssembler builds an Assembler with the given bounds.
func NewAssembler(store storage.Store, cfg Config, log zerolog.Logger) (*Assembler, error) {
	if cfg.MaxProfileChars <= 0 {
		cfg.MaxProfileChars = 2000
	}
	if cfg.SnippetLimit <= 0 {
		cfg.SnippetLimit = 20
	}
	if cfg.PerItemCap <= 0 {
		cfg.PerItemCap = 500
	}
	if cfg.ProfileCacheSize <= 0 {
		cfg.ProfileCacheSize = 1024
	}
	cache, err := lru.New[string, string](cfg.ProfileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("recall: failed to build profile cache: %w", err)
	}
	return &Assembler{store: store, cfg: cfg, log: log, cache: cache}, nil
}

func cacheKey(scope types.Scope) string {
	return scope.TenantID + "\x00" + scope.PersonaID
}

// Invalidate drops the cached profile for the scope. Wire this as the
// resolver's change hook.
func (a *Assembler) Invalidate(scope types.Scope) {
	a.cache.Remove(cacheKey(scope))
}

// Recall assembles the bundle: cached profile, up to limit matching memory
// items, and recent snippets independent of the query.
func (a *Assembler) Recall(ctx context.Context, scope types.Scope, query string, limit int) (*Result, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}

	profile, err := a.Profile(ctx, scope)
	if err != nil {
		return nil, err
	}

	items, err := a.store.SearchMemory(ctx, scope, query, limit)
	if err != nil {
		return nil, err
	}

	snippets, err := a.store.RecentMessages(ctx, scope, a.cfg.SnippetLimit, a.cfg.SnippetDays)
	if err != nil {
		return nil, err
	}

	a.log.Debug().
		Str("tenant", scope.TenantID).
		Str("persona", scope.PersonaID).
		Int("items", len(items)).
		Int("snippets", len(snippets)).
		Msg("recall.run")

	return &Result{Profile: profile, MemoryItems: items, ChatSnippets: snippets}, nil
}

// Profile returns the rendered profile for the scope, serving from cache
// when possible.
func (a *Assembler) Profile(ctx context.Context, scope types.Scope) (string, error) {
	key := cacheKey(scope)
	if cached, ok := a.cache.Get(key); ok {
		return cached, nil
	}

	profile, err := a.buildProfile(ctx, scope)
	if err != nil {
		return "", err
	}
	a.cache.Add(key, profile)
	return profile, nil
}

// buildProfile renders the profile from persona base fields and current
// slots only. Raw memory items never appear here: unconfirmed or competing
// candidates must not leak into the canonical profile.
func (a *Assembler) buildProfile(ctx context.Context, scope types.Scope) (string, error) {
	var lines []string
	lines = append(lines, "# Persona Profile")
	lines = append(lines, "- Tenant: "+scope.TenantID)
	lines = append(lines, "- Persona: "+scope.PersonaID)

	persona, err := a.store.GetPersona(ctx, scope)
	switch {
	case err == nil:
		if persona.DisplayName != "" {
			lines = append(lines, "- Name: "+persona.DisplayName)
		}
		if persona.Description != "" {
			lines = append(lines, "- Description: "+persona.Description)
		}
	case errors.Is(err, storage.ErrNotFound):
		// No base record yet; slots alone still render.
	default:
		return "", err
	}

	slots, err := a.store.GetSlots(ctx, scope)
	if err != nil {
		return "", err
	}
	if len(slots) > 0 {
		lines = append(lines, "", "## Slots")
		for _, slot := range slots {
			lines = append(lines, fmt.Sprintf("- %s: %s", slot.SlotName, slotText(slot)))
		}
	}

	return truncate(strings.Join(lines, "\n"), a.cfg.MaxProfileChars), nil
}

// slotText extracts the display text from a slot's value payload, falling
// back to the raw JSON when the payload has an unexpected shape.
func slotText(slot types.PersonaSlot) string {
	var value types.SlotValue
	if err := json.Unmarshal([]byte(slot.ValueJSON), &value); err == nil && value.Text != "" {
		return value.Text
	}
	return slot.ValueJSON
}

// truncate hard-caps s at max bytes, backing up to a rune boundary so the
// cut never emits invalid UTF-8.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
