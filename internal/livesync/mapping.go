package livesync

import (
	"github.com/danmuck/hubbridge/internal/assets"
	"github.com/danmuck/hubbridge/internal/catalog"
	"github.com/danmuck/hubbridge/internal/hub"
)

// CommandFor maps a local attribute write to a hub command. Writable
// domains toggle on a state write and turn_on with a single payload field
// for any other attribute. Other domains have no outbound mapping.
func CommandFor(rec assets.Record, name string, v assets.Value) (hub.Command, bool) {
	profile := catalog.ProfileFor(rec.Domain)
	if !profile.Writable() {
		return hub.Command{}, false
	}
	if name == assets.StateAttribute {
		if !profile.Allows(hub.ServiceToggle) {
			return hub.Command{}, false
		}
		return hub.Command{
			Domain:   rec.Domain,
			Service:  hub.ServiceToggle,
			EntityID: rec.LinkageKey,
		}, true
	}
	if !profile.Allows(hub.ServiceTurnOn) {
		return hub.Command{}, false
	}
	return hub.Command{
		Domain:   rec.Domain,
		Service:  hub.ServiceTurnOn,
		EntityID: rec.LinkageKey,
		Payload:  &hub.Field{Key: name, Value: v.String()},
	}, true
}
