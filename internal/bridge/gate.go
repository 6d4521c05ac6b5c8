package bridge

import (
	"sync"

	"github.com/danmuck/hubbridge/internal/hub"
)

// eventGate orders stream events against a snapshot resync. While held,
// events are buffered in receive order; Release replays them after the
// snapshot has been applied so a stale snapshot never overwrites a newer
// event.
type eventGate struct {
	mu      sync.Mutex
	deliver func(hub.StateChangeEvent)
	held    bool
	pending []hub.StateChangeEvent
}

func newEventGate(deliver func(hub.StateChangeEvent)) *eventGate {
	return &eventGate{deliver: deliver}
}

// Dispatch delivers ev, or buffers it while the gate is held. Delivery
// happens under the gate lock so replay and live events never interleave.
func (g *eventGate) Dispatch(ev hub.StateChangeEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		g.pending = append(g.pending, ev)
		return
	}
	g.deliver(ev)
}

func (g *eventGate) Hold() {
	g.mu.Lock()
	g.held = true
	g.mu.Unlock()
}

// Release replays buffered events in order and reopens the gate. It returns
// the number of replayed events.
func (g *eventGate) Release() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	pending := g.pending
	g.pending = nil
	g.held = false
	for _, ev := range pending {
		g.deliver(ev)
	}
	return len(pending)
}
