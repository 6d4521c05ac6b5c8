package bridge

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/hubbridge/internal/assets"
	"github.com/danmuck/hubbridge/internal/hub"
	"github.com/danmuck/hubbridge/internal/testutil/hubtest"
	"github.com/danmuck/hubbridge/internal/testutil/testlog"
	"github.com/gorilla/websocket"
)

const kitchenSnapshot = `[
	{"entity_id":"light.kitchen","state":"on","attributes":{"brightness":120,"friendly_name":"Kitchen","min_mireds":153}},
	{"entity_id":"sensor.temp","state":"21.5","attributes":{"unit_of_measurement":"°C"}}
]`

func testConfig(srv *hubtest.Server) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Token = srv.Token
	cfg.Domains = []string{"light", "switch"}
	cfg.RequestTimeout = 2 * time.Second
	cfg.CommandTimeout = 2 * time.Second
	cfg.Session.HandshakeTimeout = 2 * time.Second
	cfg.Session.Backoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	return cfg
}

func startController(t *testing.T, cfg Config, opts ...Option) *Controller {
	t.Helper()
	c := New(cfg, opts...)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitResynced waits for a resync pass that finished after prev.
func waitResynced(t *testing.T, c *Controller, prev time.Time) {
	t.Helper()
	waitFor(t, "resync", func() bool { return c.LastResync().After(prev) })
}

func attribute(t *testing.T, c *Controller, key, name string) assets.Value {
	t.Helper()
	rec, ok := c.Store().Lookup(key)
	if !ok {
		t.Fatalf("missing record %s", key)
	}
	attr, ok := rec.Attribute(name)
	if !ok {
		t.Fatalf("missing attribute %s/%s", key, name)
	}
	return attr.Value
}

func TestStartFailsFastOnMissingConfig(t *testing.T) {
	testlog.Start(t)
	c := New(Config{Token: "t", Domains: []string{"light"}})
	if err := c.Start(context.Background()); !errors.Is(err, ErrBaseURLRequired) {
		t.Fatalf("expected ErrBaseURLRequired, got %v", err)
	}
	if c.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", c.Status())
	}
	if _, err := c.WriteAttribute(context.Background(), "light.a", "state", true); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}

	c = New(Config{BaseURL: "http://hub:8123", Domains: []string{"light"}})
	if err := c.Start(context.Background()); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
	c.Stop()
}

func TestStartFailsWhenHubUnreachable(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.BaseURL = "http://127.0.0.1:1"
	cfg.Token = "secret"
	cfg.RequestTimeout = time.Second
	c := New(cfg)
	if err := c.Start(context.Background()); !errors.Is(err, ErrHubUnreachable) {
		t.Fatalf("expected ErrHubUnreachable, got %v", err)
	}
	if c.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", c.Status())
	}
}

func TestControllerEndToEnd(t *testing.T) {
	testlog.Start(t)
	srv := hubtest.New(t, "secret")
	srv.SetStates(kitchenSnapshot)
	c := startController(t, testConfig(srv))

	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	waitFor(t, "connected status", func() bool { return c.Status() == StatusConnected })
	srv.WaitSubscribed(t, 2*time.Second)

	if _, ok := c.Store().Lookup("sensor.temp"); ok {
		t.Fatalf("sensor.temp must be skipped by the allow-list")
	}
	if got := attribute(t, c, "light.kitchen", "state"); !got.Equal(assets.Bool(true)) {
		t.Fatalf("state=%v", got)
	}
	if got := attribute(t, c, "light.kitchen", "brightness"); !got.Equal(assets.Int(120)) {
		t.Fatalf("brightness=%v", got)
	}

	srv.Push(t, hubtest.StateChangedFrame("light.kitchen", "on", map[string]any{"brightness": 150, "friendly_name": "Kitchen"}))
	waitFor(t, "brightness update", func() bool {
		return attribute(t, c, "light.kitchen", "brightness").Equal(assets.Int(150))
	})
	if got := attribute(t, c, "light.kitchen", "state"); !got.Equal(assets.Bool(true)) {
		t.Fatalf("state must be untouched, got %v", got)
	}

	ack, err := c.WriteAttribute(context.Background(), "light.kitchen", "state", false)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if ack.Command == nil || ack.Command.Service != hub.ServiceToggle {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	calls := srv.WaitCalls(t, 1, 2*time.Second)
	if calls[0].Domain != "light" || calls[0].Service != "toggle" || calls[0].Body["entity_id"] != "light.kitchen" {
		t.Fatalf("unexpected hub call: %+v", calls[0])
	}

	ack, err = c.WriteAttribute(context.Background(), "light.kitchen", "state", "off")
	if err != nil || !ack.Suppressed {
		t.Fatalf("repeated write must be suppressed: ack=%+v err=%v", ack, err)
	}

	before := len(c.Events())
	srv.Push(t, hubtest.StateChangedFrame("light.kitchen", "off", map[string]any{"brightness": 150}))
	srv.Push(t, hubtest.StateChangedFrame("light.kitchen", "off", map[string]any{"brightness": 151}))
	waitFor(t, "follow-up update", func() bool {
		return attribute(t, c, "light.kitchen", "brightness").Equal(assets.Int(151))
	})
	if got := len(c.Events()) - before; got != 1 {
		t.Fatalf("echo of the local write must not notify, got %d new events", got)
	}
	if len(srv.Calls()) != 1 {
		t.Fatalf("suppressed writes must not reach the hub: %+v", srv.Calls())
	}
}

func TestControllerReconnectsAndResyncs(t *testing.T) {
	testlog.Start(t)
	srv := hubtest.New(t, "secret")
	srv.SetStates(kitchenSnapshot)
	c := startController(t, testConfig(srv))
	waitFor(t, "connected status", func() bool { return c.Status() == StatusConnected })
	srv.WaitSubscribed(t, 2*time.Second)

	srv.SetStates(`[
		{"entity_id":"light.kitchen","state":"off","attributes":{"brightness":90}},
		{"entity_id":"switch.fan","state":"on","attributes":{}}
	]`)
	srv.DropConnections()

	srv.WaitSubscribed(t, 3*time.Second)
	waitFor(t, "resync", func() bool {
		_, ok := c.Store().Lookup("switch.fan")
		return ok && attribute(t, c, "light.kitchen", "brightness").Equal(assets.Int(90))
	})
	if got := attribute(t, c, "light.kitchen", "state"); !got.Equal(assets.Bool(false)) {
		t.Fatalf("state after resync=%v", got)
	}
	waitFor(t, "connected status", func() bool { return c.Status() == StatusConnected })
	if srv.Accepted() < 2 {
		t.Fatalf("expected a second websocket session, got %d", srv.Accepted())
	}
}

func TestControllerStopsOnAuthRejection(t *testing.T) {
	testlog.Start(t)
	srv := hubtest.New(t, "secret")
	srv.SetRejectAuth(true)
	c := startController(t, testConfig(srv))

	waitFor(t, "supervision error", func() bool { return c.Err() != nil })
	if !errors.Is(c.Err(), hub.ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", c.Err())
	}
	if c.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", c.Status())
	}
	time.Sleep(50 * time.Millisecond)
	if srv.Accepted() != 1 {
		t.Fatalf("auth rejection must not be retried, accepted=%d", srv.Accepted())
	}
}

func TestControllerGivesUpAfterMaxConnectAttempts(t *testing.T) {
	testlog.Start(t)
	srv := hubtest.New(t, "secret")
	cfg := testConfig(srv)
	cfg.Session.MaxConnectAttempts = 3
	dialer := &websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}
	c := startController(t, cfg, WithDialer(dialer))

	waitFor(t, "supervision error", func() bool { return c.Err() != nil })
	if !errors.Is(c.Err(), ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", c.Err())
	}
	if c.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", c.Status())
	}
}

func TestControllerPeriodicDiscovery(t *testing.T) {
	testlog.Start(t)
	srv := hubtest.New(t, "secret")
	srv.SetStates(kitchenSnapshot)
	cfg := testConfig(srv)
	cfg.DiscoveryInterval = 20 * time.Millisecond
	c := startController(t, cfg)

	if c.LastDiscovery().IsZero() {
		t.Fatalf("initial discovery must run during start")
	}
	srv.SetStates(`[{"entity_id":"switch.porch","state":"off","attributes":{}}]`)
	waitFor(t, "periodic discovery", func() bool {
		_, ok := c.Store().Lookup("switch.porch")
		return ok
	})
	if _, ok := c.Store().Lookup("light.kitchen"); !ok {
		t.Fatalf("records must survive later passes")
	}
}

func TestControllerHostSinkAndStore(t *testing.T) {
	testlog.Start(t)
	srv := hubtest.New(t, "secret")
	srv.SetStates(kitchenSnapshot)
	store := assets.NewMemoryStore()
	hostEvents := assets.NewEventLog(0)
	c := startController(t, testConfig(srv), WithStore(store), WithSink(hostEvents))
	srv.WaitSubscribed(t, 2*time.Second)

	if !store.Contains("light.kitchen") {
		t.Fatalf("host store must receive discovered records")
	}
	srv.Push(t, hubtest.StateChangedFrame("light.kitchen", "off", nil))
	waitFor(t, "host notification", func() bool { return hostEvents.Len() == 1 })
	ev := hostEvents.Snapshot()[0]
	if ev.Name != "state" || ev.Source != assets.SourceHub || !ev.Value.Equal(assets.Bool(false)) {
		t.Fatalf("unexpected host event: %+v", ev)
	}
	if len(c.Events()) != 1 {
		t.Fatalf("controller event log must mirror host events")
	}
}

func TestControllerStopIsIdempotent(t *testing.T) {
	testlog.Start(t)
	srv := hubtest.New(t, "secret")
	c := New(testConfig(srv))
	c.Stop()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv.WaitSubscribed(t, 2*time.Second)
	c.Stop()
	c.Stop()
	if c.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected after stop, got %s", c.Status())
	}
	if _, err := c.WriteAttribute(context.Background(), "light.kitchen", "state", true); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted after stop, got %v", err)
	}
}

func TestRunReturnsWhenContextEnds(t *testing.T) {
	testlog.Start(t)
	srv := hubtest.New(t, "secret")
	c := New(testConfig(srv))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	srv.WaitSubscribed(t, 2*time.Second)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	if c.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", c.Status())
	}
}

func TestControllerResyncKeepsNewerStreamEvents(t *testing.T) {
	testlog.Start(t)
	srv := hubtest.New(t, "secret")
	srv.SetStates(kitchenSnapshot)
	c := startController(t, testConfig(srv))
	srv.WaitSubscribed(t, 2*time.Second)
	waitResynced(t, c, time.Time{})
	synced := c.LastResync()

	release := srv.HoldStates()
	defer release()
	srv.DropConnections()
	srv.WaitSubscribed(t, 3*time.Second)

	// The held snapshot still reports the light on; the live event turns it off.
	srv.Push(t, hubtest.StateChangedFrame("light.kitchen", "off", map[string]any{"brightness": 120}))
	time.Sleep(50 * time.Millisecond)
	if got := attribute(t, c, "light.kitchen", "state"); !got.Equal(assets.Bool(true)) {
		t.Fatalf("stream events must wait for the resync snapshot, state=%v", got)
	}

	release()
	waitResynced(t, c, synced)
	waitFor(t, "replayed event", func() bool {
		return attribute(t, c, "light.kitchen", "state").Equal(assets.Bool(false))
	})

	var states []assets.AttributeEvent
	for _, ev := range c.Events() {
		if ev.Name == "state" {
			states = append(states, ev)
		}
	}
	if len(states) != 1 || !states[0].Value.Equal(assets.Bool(false)) {
		t.Fatalf("stale snapshot must not be applied after the newer event: %+v", states)
	}
}

func TestControllerStopsWhenTokenRevoked(t *testing.T) {
	testlog.Start(t)
	srv := hubtest.New(t, "secret")
	srv.SetStates(kitchenSnapshot)
	c := startController(t, testConfig(srv))
	srv.WaitSubscribed(t, 2*time.Second)

	srv.SetToken("rotated")
	srv.DropConnections()
	waitFor(t, "supervision error", func() bool { return c.Err() != nil })
	if !errors.Is(c.Err(), hub.ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", c.Err())
	}
	if _, err := c.Discover(context.Background()); err == nil {
		t.Fatalf("discovery with a revoked token must fail")
	}
}
