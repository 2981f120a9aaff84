package offline

import "testing"

func TestMonitorNotifiesChanges(t *testing.T) {
	m := NewMonitor(false)
	ch, unsubscribe := m.Subscribe()

	m.Set(false)
	select {
	case v := <-ch:
		t.Fatalf("unexpected notification %v for unchanged state", v)
	default:
	}

	m.Set(true)
	if v := <-ch; !v {
		t.Errorf("got %v, want true", v)
	}
	if !m.Online() {
		t.Error("Online() = false after Set(true)")
	}

	// An unread subscriber only keeps the latest state.
	m.Set(false)
	m.Set(true)
	m.Set(false)
	if v := <-ch; v {
		t.Errorf("got %v, want false", v)
	}
	select {
	case v := <-ch:
		t.Fatalf("extra notification %v", v)
	default:
	}

	unsubscribe()
	m.Set(true)
	select {
	case v := <-ch:
		t.Fatalf("notified after unsubscribe: %v", v)
	default:
	}
}
