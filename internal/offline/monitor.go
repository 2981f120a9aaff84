// Package offline keeps a device usable without connectivity. Writes are
// queued durably while offline and replayed in order on reconnect, with
// conflicts resolved against the latest server state.
package offline

import "sync"

// Monitor tracks connectivity. The live feed client sets it on connect and
// disconnect; subscribers are told about every change.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[chan bool]struct{}
}

func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[chan bool]struct{})}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the connectivity state and notifies subscribers when it
// changed. A slow subscriber sees only the latest state.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	for ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe returns a channel of state changes and a function that ends
// the subscription.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}
}
