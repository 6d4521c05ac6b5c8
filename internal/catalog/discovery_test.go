package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/hubbridge/internal/assets"
	"github.com/danmuck/hubbridge/internal/hub"
	"github.com/danmuck/hubbridge/internal/testutil/testlog"
)

func kitchenLight() hub.Entity {
	return hub.Entity{
		EntityID: "light.kitchen",
		State:    "on",
		Attributes: map[string]any{
			"brightness":    json.Number("120"),
			"friendly_name": "Kitchen",
		},
	}
}

func newTestDiscoverer(t *testing.T, domains ...string) (*Discoverer, *assets.MemoryStore) {
	t.Helper()
	store := assets.NewMemoryStore()
	d, err := NewDiscoverer(store, Config{Domains: domains})
	if err != nil {
		t.Fatalf("new discoverer: %v", err)
	}
	return d, store
}

func TestDiscoverKitchenLight(t *testing.T) {
	testlog.Start(t)
	d, store := newTestDiscoverer(t, "light")

	res := d.Discover([]hub.Entity{kitchenLight()})
	if len(res.Created) != 1 {
		t.Fatalf("expected one record, got %d", len(res.Created))
	}
	rec, ok := store.Lookup("light.kitchen")
	if !ok {
		t.Fatalf("record not stored")
	}
	if rec.ID == "" || rec.Domain != "light" || rec.Group != "light" || rec.Name != "Kitchen" || rec.Icon != "lightbulb" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	want := map[string]assets.Value{
		"state":         assets.Bool(true),
		"brightness":    assets.Int(120),
		"friendly_name": assets.Text("Kitchen"),
	}
	if len(rec.Attributes) != len(want) {
		t.Fatalf("unexpected attributes: %+v", rec.Attributes)
	}
	for name, v := range want {
		attr, ok := rec.Attribute(name)
		if !ok {
			t.Fatalf("missing attribute %q", name)
		}
		if !attr.Value.Equal(v) {
			t.Fatalf("attribute %q=%v want %v", name, attr.Value, v)
		}
		if attr.Link.EntityID != "light.kitchen" || attr.Link.Domain != "light" {
			t.Fatalf("attribute %q not linked: %+v", name, attr.Link)
		}
	}
	if res.Groups["light"] != 1 {
		t.Fatalf("unexpected groups: %+v", res.Groups)
	}
}

func TestDiscoverStateHeuristic(t *testing.T) {
	testlog.Start(t)
	d, store := newTestDiscoverer(t, "switch", "sensor")
	d.Discover([]hub.Entity{
		{EntityID: "switch.a", State: "on"},
		{EntityID: "switch.b", State: "off"},
		{EntityID: "switch.c", State: "true"},
		{EntityID: "sensor.d", State: "foo"},
		{EntityID: "sensor.e", State: "21"},
	})
	cases := map[string]assets.Value{
		"switch.a": assets.Bool(true),
		"switch.b": assets.Bool(false),
		"switch.c": assets.Bool(true),
		"sensor.d": assets.Text("foo"),
		"sensor.e": assets.Text("21"),
	}
	for key, want := range cases {
		rec, ok := store.Lookup(key)
		if !ok {
			t.Fatalf("missing record %s", key)
		}
		got, _ := rec.Attribute(assets.StateAttribute)
		if !got.Value.Equal(want) {
			t.Fatalf("%s state=%v want %v", key, got.Value, want)
		}
	}
}

func TestDiscoverIsIdempotent(t *testing.T) {
	testlog.Start(t)
	d, store := newTestDiscoverer(t, "light", "switch")
	snapshot := []hub.Entity{kitchenLight(), {EntityID: "switch.fan", State: "off"}}

	first := d.Discover(snapshot)
	if len(first.Created) != 2 {
		t.Fatalf("expected two records, got %d", len(first.Created))
	}
	id := first.Created[0].ID

	second := d.Discover(snapshot)
	if len(second.Created) != 0 || second.Known != 2 {
		t.Fatalf("second pass must create nothing: %+v", second)
	}
	rec, _ := store.Lookup("light.kitchen")
	if rec.ID != id {
		t.Fatalf("first discovery must win, id %s became %s", id, rec.ID)
	}
}

func TestDiscoverConcurrentPassesCreateOnce(t *testing.T) {
	testlog.Start(t)
	store := assets.NewMemoryStore()
	a, err := NewDiscoverer(store, Config{Domains: []string{"light"}})
	if err != nil {
		t.Fatalf("new discoverer: %v", err)
	}
	b, err := NewDiscoverer(store, Config{Domains: []string{"light"}})
	if err != nil {
		t.Fatalf("new discoverer: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		d := a
		if i%2 == 1 {
			d = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.Discover([]hub.Entity{kitchenLight()})
			mu.Lock()
			created += len(res.Created)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}
}

func TestDiscoverAllowList(t *testing.T) {
	testlog.Start(t)
	d, store := newTestDiscoverer(t, "light")
	res := d.Discover([]hub.Entity{
		{EntityID: "sensor.temp", State: "21.5"},
		kitchenLight(),
	})
	if len(res.Created) != 1 || res.Filtered != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if store.Contains("sensor.temp") {
		t.Fatalf("sensor.temp must be skipped when sensor is not allowed")
	}
}

func TestDiscoverAttributeFiltering(t *testing.T) {
	testlog.Start(t)
	d, store := newTestDiscoverer(t, "light")
	d.Discover([]hub.Entity{{
		EntityID: "light.desk",
		State:    "off",
		Attributes: map[string]any{
			"":                   "empty",
			"color_mode":         nil,
			"min_mireds":         json.Number("153"),
			"max_mireds":         json.Number("500"),
			"supported_features": json.Number("40"),
			"state":              "shadow",
			"effect":             "off",
			"color_temp":         json.Number("300"),
			"hs_color":           []any{json.Number("30"), 60.5},
			"gain":               21.5,
		},
	}})
	rec, ok := store.Lookup("light.desk")
	if !ok {
		t.Fatalf("record not stored")
	}
	for _, name := range []string{"", "color_mode", "min_mireds", "max_mireds", "supported_features"} {
		if _, ok := rec.Attribute(name); ok {
			t.Fatalf("attribute %q should have been dropped", name)
		}
	}
	checks := map[string]assets.Value{
		"state":      assets.Bool(false),
		"effect":     assets.Bool(false),
		"color_temp": assets.Int(300),
		"hs_color":   assets.Text("[30,60.5]"),
		"gain":       assets.Text("21.5"),
		"brightness": assets.Int(0),
	}
	for name, want := range checks {
		attr, ok := rec.Attribute(name)
		if !ok {
			t.Fatalf("missing attribute %q", name)
		}
		if !attr.Value.Equal(want) {
			t.Fatalf("attribute %q=%v want %v", name, attr.Value, want)
		}
	}
	if rec.Name != "light.desk" {
		t.Fatalf("expected entity id fallback name, got %q", rec.Name)
	}
}

func TestDiscoverCustomBlacklist(t *testing.T) {
	testlog.Start(t)
	store := assets.NewMemoryStore()
	d, err := NewDiscoverer(store, Config{Domains: []string{"sensor"}, Blacklist: []string{}})
	if err != nil {
		t.Fatalf("new discoverer: %v", err)
	}
	d.Discover([]hub.Entity{{
		EntityID:   "sensor.outdoor",
		State:      "3",
		Attributes: map[string]any{"min_value": json.Number("-20")},
	}})
	rec, _ := store.Lookup("sensor.outdoor")
	if attr, ok := rec.Attribute("min_value"); !ok || !attr.Value.Equal(assets.Int(-20)) {
		t.Fatalf("empty blacklist must keep min_value: %+v", rec.Attributes)
	}
}

func TestDiscoverNoDotEntityUsesWholeIDAsDomain(t *testing.T) {
	testlog.Start(t)
	d, store := newTestDiscoverer(t, "sun")
	res := d.Discover([]hub.Entity{{EntityID: "sun", State: "above_horizon"}})
	if len(res.Created) != 1 {
		t.Fatalf("expected record for no-dot id: %+v", res)
	}
	rec, _ := store.Lookup("sun")
	if rec.Domain != "sun" || rec.Icon != defaultIcon {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

type fakeLister struct {
	entities []hub.Entity
	err      error
}

func (f fakeLister) ListEntities(context.Context) ([]hub.Entity, error) {
	return f.entities, f.err
}

func TestRunTreatsSnapshotFailureAsEmptyPass(t *testing.T) {
	testlog.Start(t)
	d, store := newTestDiscoverer(t, "light")

	res, err := d.Run(context.Background(), fakeLister{err: hub.ErrSnapshotFailed})
	if !errors.Is(err, hub.ErrSnapshotFailed) || len(res.Created) != 0 {
		t.Fatalf("unexpected run result=%+v err=%v", res, err)
	}
	if len(store.List()) != 0 {
		t.Fatalf("failed snapshot must not create records")
	}

	res, err = d.Run(context.Background(), fakeLister{entities: []hub.Entity{kitchenLight()}})
	if err != nil || len(res.Created) != 1 {
		t.Fatalf("unexpected run result=%+v err=%v", res, err)
	}
}

func TestNewDiscovererValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := NewDiscoverer(nil, Config{Domains: []string{"light"}}); !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("expected ErrStoreRequired, got %v", err)
	}
	if _, err := NewDiscoverer(assets.NewMemoryStore(), Config{}); !errors.Is(err, ErrNoDomains) {
		t.Fatalf("expected ErrNoDomains, got %v", err)
	}
}
