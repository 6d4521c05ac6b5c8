package assets

import (
	"time"
)

// StateAttribute is the reserved attribute carrying the entity state.
const StateAttribute = "state"

// Link relates a local attribute back to the remote entity and domain that
// own it.
type Link struct {
	Domain   string `json:"domain"`
	EntityID string `json:"entity_id"`
}

// Attribute is one typed attribute on a record. Its Kind is fixed when the
// attribute is first created.
type Attribute struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
	Link  Link   `json:"link"`
}

// Record is the local materialization of one remote entity.
type Record struct {
	ID         string               `json:"id"`
	LinkageKey string               `json:"linkage_key"`
	Domain     string               `json:"domain"`
	Name       string               `json:"name,omitempty"`
	Group      string               `json:"group,omitempty"`
	Icon       string               `json:"icon,omitempty"`
	Color      string               `json:"color,omitempty"`
	Attributes map[string]Attribute `json:"attributes"`
	CreatedAt  time.Time            `json:"created_at"`
}

func (r Record) Attribute(name string) (Attribute, bool) {
	attr, ok := r.Attributes[name]
	return attr, ok
}

// Set creates or replaces an attribute, linking it to this record.
func (r *Record) Set(name string, v Value) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]Attribute)
	}
	r.Attributes[name] = Attribute{
		Name:  name,
		Value: v,
		Link:  Link{Domain: r.Domain, EntityID: r.LinkageKey},
	}
}

// Clone returns a deep copy so callers never share attribute maps.
func (r Record) Clone() Record {
	out := r
	out.Attributes = make(map[string]Attribute, len(r.Attributes))
	for k, v := range r.Attributes {
		out.Attributes[k] = v
	}
	return out
}
