package hub

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/danmuck/hubbridge/internal/testutil/testlog"
)

func TestEncodeAuthAndSubscribeFrames(t *testing.T) {
	testlog.Start(t)
	auth, err := encodeAuth("tok")
	if err != nil {
		t.Fatalf("encode auth: %v", err)
	}
	if string(auth) != `{"type":"auth","access_token":"tok"}` {
		t.Fatalf("unexpected auth frame: %s", auth)
	}
	sub, err := encodeSubscribe()
	if err != nil {
		t.Fatalf("encode subscribe: %v", err)
	}
	if string(sub) != `{"id":1,"type":"subscribe_events","event_type":"state_changed"}` {
		t.Fatalf("unexpected subscribe frame: %s", sub)
	}
}

func TestDecodeStateChange(t *testing.T) {
	testlog.Start(t)
	raw := `{"id":1,"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"light.kitchen",` +
		`"old_state":{"entity_id":"light.kitchen","state":"off","attributes":{}},` +
		`"new_state":{"entity_id":"light.kitchen","state":"on","attributes":{"brightness":150}}},` +
		`"origin":"LOCAL","time_fired":"2024-01-01T00:00:00+00:00"}}`
	ev, err := DecodeStateChange([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EntityID != "light.kitchen" || ev.NewState != "on" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if n, ok := ev.NewAttributes["brightness"].(json.Number); !ok || n.String() != "150" {
		t.Fatalf("unexpected attributes: %#v", ev.NewAttributes)
	}
}

func TestDecodeStateChangeFallsBackToNewStateEntityID(t *testing.T) {
	testlog.Start(t)
	raw := `{"type":"event","event":{"event_type":"state_changed","data":{` +
		`"new_state":{"entity_id":"switch.fan","state":"off"}}}}`
	ev, err := DecodeStateChange([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EntityID != "switch.fan" || ev.NewAttributes == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDecodeStateChangeRejectsNoise(t *testing.T) {
	testlog.Start(t)
	noise := []string{
		`not json`,
		`{"type":"auth_ok"}`,
		`{"id":1,"type":"result","success":true,"result":null}`,
		`{"type":"event","event":{"event_type":"call_service","data":{}}}`,
		`{"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"light.gone","new_state":null}}}`,
		`{"type":"event","event":{"event_type":"state_changed","data":{"new_state":{"state":"on"}}}}`,
		`{"type":"event"}`,
	}
	for _, raw := range noise {
		if _, err := DecodeStateChange([]byte(raw)); !errors.Is(err, ErrNotStateChange) {
			t.Fatalf("expected ErrNotStateChange for %s, got %v", raw, err)
		}
	}
}

func TestCommandBody(t *testing.T) {
	testlog.Start(t)
	cmd := Command{Domain: "light", Service: ServiceTurnOn, EntityID: "light.a", Payload: &Field{Key: "brightness", Value: "150"}}
	body := cmd.body()
	if len(body) != 2 || body["entity_id"] != "light.a" || body["brightness"] != "150" {
		t.Fatalf("unexpected body: %+v", body)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	if string(raw) != `{"brightness":"150","entity_id":"light.a"}` {
		t.Fatalf("unexpected wire body: %s", raw)
	}
	cmd.Payload = &Field{Key: " ", Value: "1"}
	if body := cmd.body(); len(body) != 1 {
		t.Fatalf("blank payload key must be ignored: %+v", body)
	}
}
