// Package types defines the core domain model for the Keepsake persona
// memory service: tenant-scoped memory items with a candidate/active/revoked
// lifecycle, exclusive persona slots, conversation messages, and goals.
package types

import "encoding/json"

// ItemType classifies a memory item. Four types are exclusive "slot" types:
// at most one item of each slot type may be active per (tenant, persona) at
// any instant. The remaining types are non-exclusive free-form facts.
type ItemType string

const (
	// Exclusive slot types.
	TypeIdentity    ItemType = "identity"
	TypeConstraints ItemType = "constraints"
	TypeValues      ItemType = "values"
	TypePreferences ItemType = "preferences"

	// Non-exclusive types.
	TypePersona    ItemType = "persona"
	TypeRule       ItemType = "rule"
	TypeGlossary   ItemType = "glossary"
	TypeStableFact ItemType = "stable_fact"
	TypeNote       ItemType = "note"
	TypeFact       ItemType = "fact"
)

// slotTypes is the set of exclusive slot types.
var slotTypes = map[ItemType]bool{
	TypeIdentity:    true,
	TypeConstraints: true,
	TypeValues:      true,
	TypePreferences: true,
}

var allItemTypes = map[ItemType]bool{
	TypeIdentity: true, TypeConstraints: true, TypeValues: true, TypePreferences: true,
	TypePersona: true, TypeRule: true, TypeGlossary: true, TypeStableFact: true,
	TypeNote: true, TypeFact: true,
}

// IsSlot reports whether t is one of the exclusive slot types.
func (t ItemType) IsSlot() bool { return slotTypes[t] }

// Valid reports whether t is a known memory item type.
func (t ItemType) Valid() bool { return allItemTypes[t] }

// SlotNames returns the exclusive slot type names in a stable order.
func SlotNames() []ItemType {
	return []ItemType{TypeIdentity, TypeConstraints, TypeValues, TypePreferences}
}

// ItemStatus is the stored lifecycle status of a memory item.
// "Expired" is a derived read-time predicate, never a stored status.
type ItemStatus string

const (
	StatusCandidate ItemStatus = "candidate"
	StatusActive    ItemStatus = "active"
	StatusRevoked   ItemStatus = "revoked"
)

// SourceType records who or what proposed a memory item.
type SourceType string

const (
	SourceUserExplicit  SourceType = "user_explicit"
	SourceModelInferred SourceType = "model_inferred"
	SourceImported      SourceType = "imported"
	SourceTool          SourceType = "tool"
)

var validSourceTypes = map[SourceType]bool{
	SourceUserExplicit: true, SourceModelInferred: true,
	SourceImported: true, SourceTool: true,
}

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool { return validSourceTypes[s] }

// ScopeLevel is the declared visibility of a memory item.
type ScopeLevel string

const (
	ScopeSession ScopeLevel = "session"
	ScopeApp     ScopeLevel = "app"
	ScopePersona ScopeLevel = "persona"
	ScopeGlobal  ScopeLevel = "global"
)

var validScopeLevels = map[ScopeLevel]bool{
	ScopeSession: true, ScopeApp: true, ScopePersona: true, ScopeGlobal: true,
}

// Valid reports whether l is a known scope level.
func (l ScopeLevel) Valid() bool { return validScopeLevels[l] }

// MemoryItem is one durable fact about a persona. Items are unique per
// (tenant, persona, type, key) and carry a lifecycle status; slot-type items
// additionally compete for a single active holder per slot.
type MemoryItem struct {
	ID        int64    `json:"id"`
	TenantID  string   `json:"tenant_id"`
	PersonaID string   `json:"persona_id"`
	Type      ItemType `json:"type"`
	Key       string   `json:"key"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags,omitempty"`

	TTLSeconds *int64     `json:"ttl_seconds,omitempty"`
	Status     ItemStatus `json:"status"`
	Scope      ScopeLevel `json:"scope"`

	SourceType SourceType `json:"source_type"`
	SourceRef  string     `json:"source_ref,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`

	// ExpiresAt is an absolute expiry as unix seconds; zero means none.
	ExpiresAt *int64 `json:"expires_at,omitempty"`

	// SupersedesID links a confirmed item to the active item it replaced.
	SupersedesID *int64 `json:"supersedes_id,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Expired reports whether the item is past its TTL or absolute expiry at the
// given unix time. Expiry is derived on read; the stored status is untouched.
func (m *MemoryItem) Expired(now int64) bool {
	if m.TTLSeconds != nil && now >= m.CreatedAt+*m.TTLSeconds {
		return true
	}
	if m.ExpiresAt != nil && now >= *m.ExpiresAt {
		return true
	}
	return false
}

// PersonaSlot is the materialized canonical value for one exclusive slot.
// Rows are upsert-only and unique per (tenant, persona, slot_name);
// exclusivity is enforced by the conflict resolver before a slot is touched.
type PersonaSlot struct {
	TenantID       string `json:"tenant_id"`
	PersonaID      string `json:"persona_id"`
	SlotName       string `json:"slot_name"`
	ValueJSON      string `json:"value_json"`
	ProvenanceJSON string `json:"provenance_json,omitempty"`
	UpdatedAt      int64  `json:"updated_at"`
}

// SlotValue is the payload stored in PersonaSlot.ValueJSON.
type SlotValue struct {
	Text string `json:"text"`
}

// SlotProvenance records which memory item produced a slot value and which
// item it superseded, forming an auditable revision chain.
type SlotProvenance struct {
	MemoryID     int64  `json:"memory_id"`
	SupersedesID *int64 `json:"supersedes_id,omitempty"`
}

// EncodeSlotValue renders the canonical value_json payload for slot content.
func EncodeSlotValue(content string) string {
	b, _ := json.Marshal(SlotValue{Text: content})
	return string(b)
}

// EncodeSlotProvenance renders the canonical provenance_json payload.
func EncodeSlotProvenance(memoryID int64, supersedesID *int64) string {
	b, _ := json.Marshal(SlotProvenance{MemoryID: memoryID, SupersedesID: supersedesID})
	return string(b)
}
