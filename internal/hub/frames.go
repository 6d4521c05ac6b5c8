package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

const (
	frameTypeAuth          = "auth"
	frameTypeAuthRequired  = "auth_required"
	frameTypeAuthOK        = "auth_ok"
	frameTypeAuthInvalid   = "auth_invalid"
	frameTypeSubscribe     = "subscribe_events"
	frameTypeResult        = "result"
	frameTypeEvent         = "event"
	eventTypeStateChanged  = "state_changed"
	subscribeStateChangeID = 1
)

var (
	ErrAuthRejected   = errors.New("hub: authentication rejected")
	ErrNotStateChange = errors.New("hub: frame is not a state change event")
)

type authFrame struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type subscribeFrame struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type"`
}

// inboundFrame is the superset envelope of every server frame kind the
// stream cares about.
type inboundFrame struct {
	Type    string      `json:"type"`
	ID      int         `json:"id,omitempty"`
	Success *bool       `json:"success,omitempty"`
	Message string      `json:"message,omitempty"`
	Event   *eventFrame `json:"event,omitempty"`
}

type eventFrame struct {
	EventType string         `json:"event_type"`
	Data      eventFrameData `json:"data"`
}

type eventFrameData struct {
	EntityID string      `json:"entity_id"`
	NewState *stateFrame `json:"new_state"`
}

type stateFrame struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

func encodeAuth(token string) ([]byte, error) {
	return json.Marshal(authFrame{Type: frameTypeAuth, AccessToken: token})
}

func encodeSubscribe() ([]byte, error) {
	return json.Marshal(subscribeFrame{
		ID:        subscribeStateChangeID,
		Type:      frameTypeSubscribe,
		EventType: eventTypeStateChanged,
	})
}

func decodeFrame(payload []byte) (inboundFrame, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var f inboundFrame
	if err := dec.Decode(&f); err != nil {
		return inboundFrame{}, err
	}
	return f, nil
}

// DecodeStateChange turns one raw stream frame into a StateChangeEvent. Any
// frame that is not a well-formed state_changed event yields
// ErrNotStateChange; callers treat that as noise.
func DecodeStateChange(payload []byte) (StateChangeEvent, error) {
	f, err := decodeFrame(payload)
	if err != nil {
		return StateChangeEvent{}, ErrNotStateChange
	}
	return stateChangeFromFrame(f)
}

func stateChangeFromFrame(f inboundFrame) (StateChangeEvent, error) {
	if f.Type != frameTypeEvent || f.Event == nil || f.Event.EventType != eventTypeStateChanged {
		return StateChangeEvent{}, ErrNotStateChange
	}
	data := f.Event.Data
	if data.NewState == nil {
		return StateChangeEvent{}, ErrNotStateChange
	}
	entityID := strings.TrimSpace(data.EntityID)
	if entityID == "" {
		entityID = strings.TrimSpace(data.NewState.EntityID)
	}
	if entityID == "" {
		return StateChangeEvent{}, ErrNotStateChange
	}
	attrs := data.NewState.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return StateChangeEvent{
		EntityID:      entityID,
		NewState:      data.NewState.State,
		NewAttributes: attrs,
	}, nil
}
