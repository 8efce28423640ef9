package types

// Persona is the base record for one persona owned by a tenant.
// Base fields feed the rendered profile header; the canonical facts live in
// persona slots and memory items.
type Persona struct {
	ID          int64  `json:"id"`
	TenantID    string `json:"tenant_id"`
	PersonaID   string `json:"persona_id"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Message is one conversation turn retained for recall snippets.
type Message struct {
	ID        int64  `json:"id"`
	TenantID  string `json:"tenant_id"`
	PersonaID string `json:"persona_id"`
	SessionID string `json:"session_id,omitempty"`
	SourceApp string `json:"source_app,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// GoalStatus is the lifecycle status of a goal.
type GoalStatus string

const (
	GoalActive GoalStatus = "active"
	GoalPaused GoalStatus = "paused"
	GoalDone   GoalStatus = "done"
)

var validGoalStatuses = map[GoalStatus]bool{
	GoalActive: true, GoalPaused: true, GoalDone: true,
}

// Valid reports whether s is a known goal status.
func (s GoalStatus) Valid() bool { return validGoalStatuses[s] }

// Goal is a long-running objective tracked alongside persona memory.
type Goal struct {
	ID        int64      `json:"id"`
	TenantID  string     `json:"tenant_id"`
	PersonaID string     `json:"persona_id"`
	Title     string     `json:"title"`
	Details   string     `json:"details,omitempty"`
	Status    GoalStatus `json:"status"`
	CreatedAt int64      `json:"created_at"`
	UpdatedAt int64      `json:"updated_at"`
}

// GoalLink attaches a memory item or free-form note to a goal.
type GoalLink struct {
	ID        int64  `json:"id"`
	TenantID  string `json:"tenant_id"`
	PersonaID string `json:"persona_id"`
	GoalID    int64  `json:"goal_id"`
	MemoryID  *int64 `json:"memory_id,omitempty"`
	Note      string `json:"note,omitempty"`
	CreatedAt int64  `json:"created_at"`
}
