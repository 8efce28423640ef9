// Package templates loads persona templates from disk and seeds personas
// from them. A template directory contains persona.md (required), rules.md
// (optional) and preferences.json (optional).
package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/pkg/types"
)

// ErrBadPath indicates a template path that escapes the template root or is
// otherwise malformed.
var ErrBadPath = errors.New("invalid template path")

// Seed is the parsed content of one persona template.
type Seed struct {
	PersonaMD   string
	RulesMD     string
	Preferences map[string]interface{}
}

// seedKey marks a persona as template-seeded; its presence makes a second
// apply a skip unless overwrite is requested.
const seedKey = "template"

// ResolvePath validates templatePath and resolves it under root. Only
// relative paths with no traversal components are accepted; a leading
// "personas/" component is tolerated and stripped.
func ResolvePath(root, templatePath string) (string, error) {
	templatePath = strings.TrimSpace(templatePath)
	if templatePath == "" {
		return "", fmt.Errorf("%w: empty path", ErrBadPath)
	}
	if filepath.IsAbs(templatePath) {
		return "", fmt.Errorf("%w: must be relative", ErrBadPath)
	}

	parts := strings.Split(filepath.ToSlash(filepath.Clean(templatePath)), "/")
	for _, part := range parts {
		if part == ".." {
			return "", fmt.Errorf("%w: traversal component", ErrBadPath)
		}
	}
	if len(parts) > 0 && parts[0] == "personas" {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: empty path", ErrBadPath)
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("templates: failed to resolve root: %w", err)
	}
	candidate := filepath.Join(rootAbs, filepath.Join(parts...))
	if candidate != rootAbs && !strings.HasPrefix(candidate, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: escapes template root", ErrBadPath)
	}
	return candidate, nil
}

// Load reads a template directory. persona.md is mandatory; the rest is
// optional, but malformed preferences.json is an error rather than a
// silently empty slot.
func Load(dir string) (*Seed, error) {
	personaMD, err := os.ReadFile(filepath.Join(dir, "persona.md"))
	if err != nil {
		return nil, fmt.Errorf("templates: failed to read persona.md: %w", err)
	}
	seed := &Seed{PersonaMD: string(personaMD)}

	if rulesMD, err := os.ReadFile(filepath.Join(dir, "rules.md")); err == nil {
		seed.RulesMD = string(rulesMD)
	}

	if prefsRaw, err := os.ReadFile(filepath.Join(dir, "preferences.json")); err == nil {
		if err := json.Unmarshal(prefsRaw, &seed.Preferences); err != nil {
			return nil, fmt.Errorf("templates: failed to parse preferences.json: %w", err)
		}
	}
	return seed, nil
}

// ApplyResult reports the seeding outcome.
type ApplyResult struct {
	Applied bool `json:"applied"`
	Skipped bool `json:"skipped"`
}

// Apply seeds the persona from the template: the persona row, a persona-type
// memory item holding persona.md, an optional rule-type item for rules.md,
// and the preferences slot. A persona that was already seeded is skipped
// unless allowOverwrite is set.
func Apply(ctx context.Context, store storage.Store, scope types.Scope, seed *Seed, allowOverwrite bool) (ApplyResult, error) {
	if err := store.CreatePersona(ctx, scope, "", ""); err != nil {
		return ApplyResult{}, err
	}

	items, err := store.ListMemory(ctx, scope)
	if err != nil {
		return ApplyResult{}, err
	}
	for _, item := range items {
		if item.Type == types.TypePersona && item.Key == seedKey && !allowOverwrite {
			return ApplyResult{Skipped: true}, nil
		}
	}

	persona := &types.MemoryItem{
		Type:       types.TypePersona,
		Key:        seedKey,
		Content:    seed.PersonaMD,
		Status:     types.StatusActive,
		SourceType: types.SourceImported,
	}
	if _, err := store.WriteMemory(ctx, scope, persona); err != nil {
		return ApplyResult{}, err
	}

	if seed.RulesMD != "" {
		rules := &types.MemoryItem{
			Type:       types.TypeRule,
			Key:        seedKey,
			Content:    seed.RulesMD,
			Status:     types.StatusActive,
			SourceType: types.SourceImported,
		}
		if _, err := store.WriteMemory(ctx, scope, rules); err != nil {
			return ApplyResult{}, err
		}
	}

	if len(seed.Preferences) > 0 {
		valueJSON, err := json.Marshal(seed.Preferences)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("templates: failed to encode preferences: %w", err)
		}
		if err := store.SetSlot(ctx, scope, string(types.TypePreferences), string(valueJSON), ""); err != nil {
			return ApplyResult{}, err
		}
	}

	return ApplyResult{Applied: true}, nil
}
