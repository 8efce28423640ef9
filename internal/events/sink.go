// Package events delivers domain events to pluggable sinks. Delivery is
// fire-and-forget: a sink failure is logged at most and never surfaced to
// the operation that produced the event.
package events

import "github.com/keepsake-ai/keepsake/pkg/types"

// Event is one domain event, e.g. "memory.write" after a successful write.
type Event struct {
	Name      string                 `json:"event"`
	TenantID  string                 `json:"tenant_id"`
	PersonaID string                 `json:"persona_id"`
	At        int64                  `json:"ts"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Sink consumes events. Emit must not block the caller for long and must
// swallow its own failures.
type Sink interface {
	Emit(e Event)
	Close() error
}

// New constructs an event for the given scope.
func New(name string, scope types.Scope, at int64, payload map[string]interface{}) Event {
	return Event{Name: name, TenantID: scope.TenantID, PersonaID: scope.PersonaID, At: at, Payload: payload}
}

// Noop discards every event.
type Noop struct{}

func (Noop) Emit(Event)   {}
func (Noop) Close() error { return nil }

// Fanout duplicates every event to each child sink.
type Fanout []Sink

func (f Fanout) Emit(e Event) {
	for _, s := range f {
		s.Emit(e)
	}
}

func (f Fanout) Close() error {
	var firstErr error
	for _, s := range f {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
