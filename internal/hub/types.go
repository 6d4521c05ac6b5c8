package hub

import (
	"strings"
)

// Entity is one remote entity as returned by GET /api/states.
type Entity struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// Domain returns the prefix of the entity id before its first '.'.
func (e Entity) Domain() string {
	return DomainOf(e.EntityID)
}

// DomainOf returns the substring of entityID before the first '.'. An id
// without a '.' is treated as a domain in its entirety.
func DomainOf(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i]
	}
	return entityID
}

// StateChangeEvent is the decoded payload of a state_changed stream event.
type StateChangeEvent struct {
	EntityID      string
	NewState      string
	NewAttributes map[string]any
}

// Command is one hub service call.
type Command struct {
	Domain   string
	Service  string
	EntityID string
	// Payload carries at most one extra service field.
	Payload *Field
}

// Field is a single key/value service parameter. The hub receives the
// value as a JSON string.
type Field struct {
	Key   string
	Value string
}

const (
	ServiceTurnOn  = "turn_on"
	ServiceTurnOff = "turn_off"
	ServiceToggle  = "toggle"
)

func (c Command) body() map[string]any {
	out := map[string]any{"entity_id": c.EntityID}
	if c.Payload != nil && strings.TrimSpace(c.Payload.Key) != "" {
		out[c.Payload.Key] = c.Payload.Value
	}
	return out
}
