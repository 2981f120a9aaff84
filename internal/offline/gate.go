package offline

import (
	"sync"
	"time"

	"github.com/dukerupert/famtask/internal/live"
	"github.com/dukerupert/famtask/internal/model"
)

// Gate sits between the live feed and the local cache. Events for an
// entity with queued writes are held until its replay finishes, so replay
// always lands before newer live state. Per entity, delivered timestamps
// never go backwards and duplicates are dropped.
type Gate struct {
	mu        sync.Mutex
	sink      func(live.Event)
	routes    map[string]func(live.Event)
	holds     map[string]bool
	held      map[string]live.Event
	delivered map[string]delivery
}

type delivery struct {
	at     time.Time
	action string
}

func NewGate(sink func(live.Event)) *Gate {
	return &Gate{
		sink:      sink,
		routes:    make(map[string]func(live.Event)),
		holds:     make(map[string]bool),
		held:      make(map[string]live.Event),
		delivered: make(map[string]delivery),
	}
}

// Route sends events for one entity kind to sink instead of the sink given
// to NewGate.
func (g *Gate) Route(kind string, sink func(live.Event)) {
	g.mu.Lock()
	g.routes[kind] = sink
	g.mu.Unlock()
}

// Hold starts holding events for ref.
func (g *Gate) Hold(ref model.EntityRef) {
	g.mu.Lock()
	g.holds[ref.String()] = true
	g.mu.Unlock()
}

func (g *Gate) Holding(ref model.EntityRef) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holds[ref.String()]
}

// Observe records a write the device made itself, so the feed's echo of it
// and anything older are dropped.
func (g *Gate) Observe(ref model.EntityRef, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := ref.String()
	if d, ok := g.delivered[key]; !ok || at.After(d.at) {
		g.delivered[key] = delivery{at: at, action: live.ActionUpdated}
	}
	if ev, ok := g.held[key]; ok && !ev.UpdatedAt.After(at) {
		delete(g.held, key)
	}
}

// Release stops holding ref and delivers the newest event held for it.
func (g *Gate) Release(ref model.EntityRef) {
	g.mu.Lock()
	key := ref.String()
	delete(g.holds, key)
	ev, ok := g.held[key]
	delete(g.held, key)
	sink := g.admit(key, ev, ok)
	g.mu.Unlock()

	if sink != nil {
		sink(ev)
	}
}

// Offer passes ev on, holds it, or drops it. It reports whether ev was
// delivered.
func (g *Gate) Offer(ev live.Event) bool {
	g.mu.Lock()
	key := ev.Ref().String()
	if g.holds[key] {
		if prev, ok := g.held[key]; !ok || !ev.UpdatedAt.Before(prev.UpdatedAt) {
			g.held[key] = ev
		}
		g.mu.Unlock()
		return false
	}
	sink := g.admit(key, ev, true)
	g.mu.Unlock()

	if sink == nil {
		return false
	}
	sink(ev)
	return true
}

// admit records ev as delivered and returns the sink when it is neither
// stale nor a duplicate. Callers hold g.mu.
func (g *Gate) admit(key string, ev live.Event, ok bool) func(live.Event) {
	if !ok {
		return nil
	}
	sink, routed := g.routes[ev.Entity]
	if !routed {
		sink = g.sink
	}
	if sink == nil {
		return nil
	}
	if d, seen := g.delivered[key]; seen {
		if ev.UpdatedAt.Before(d.at) {
			return nil
		}
		if ev.UpdatedAt.Equal(d.at) && (ev.Action == d.action || ev.Action != live.ActionDeleted) {
			return nil
		}
	}
	g.delivered[key] = delivery{at: ev.UpdatedAt, action: ev.Action}
	return sink
}
