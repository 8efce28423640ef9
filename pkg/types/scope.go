package types

// Scope identifies the (tenant, persona) pair every storage operation is
// restricted to. Passing a Scope is mandatory on all read and write paths:
// there is deliberately no API that can touch rows without one, so a missing
// tenant predicate is unrepresentable rather than merely forbidden.
type Scope struct {
	TenantID  string
	PersonaID string
}

// Valid reports whether both identifiers are present.
func (s Scope) Valid() bool {
	return s.TenantID != "" && s.PersonaID != ""
}
