package live

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/famtask/internal/model"
)

// Event actions.
const (
	ActionCreated  = "created"
	ActionUpdated  = "updated"
	ActionDeleted  = "deleted"
	ActionSnapshot = "snapshot"
)

// Event is a committed change pushed to the subscribers of one family.
// A snapshot event carries the family's full task list in Tasks.
type Event struct {
	Type      string        `json:"type"`
	Entity    string        `json:"entity"`
	Action    string        `json:"action"`
	ID        string        `json:"id,omitempty"`
	FamilyID  string        `json:"family_id"`
	UpdatedAt time.Time     `json:"updated_at"`
	Task      *model.Task   `json:"task,omitempty"`
	Family    *model.Family `json:"family,omitempty"`
	Tasks     []model.Task  `json:"tasks,omitempty"`
}

// NewEvent creates an Event with Type derived from entity and action.
func NewEvent(entity, action, familyID, id string, updatedAt time.Time) Event {
	return Event{
		Type:      entity + "_" + action,
		Entity:    entity,
		Action:    action,
		ID:        id,
		FamilyID:  familyID,
		UpdatedAt: updatedAt,
	}
}

// TaskEvent builds the event for a task change.
func TaskEvent(action string, t *model.Task) Event {
	ev := NewEvent(model.EntityTask, action, t.FamilyID, t.ID, t.UpdatedAt)
	ev.Task = t
	return ev
}

// FamilyEvent builds the event for a family change.
func FamilyEvent(action string, f *model.Family) Event {
	ev := NewEvent(model.EntityFamily, action, f.ID, f.ID, f.UpdatedAt)
	ev.Family = f
	return ev
}

// Ref returns the entity the event is about.
func (e Event) Ref() model.EntityRef {
	return model.EntityRef{Kind: e.Entity, ID: e.ID}
}

// Publisher receives committed changes.
type Publisher interface {
	Publish(Event)
}

// Hub keeps the connected feeds of every family and fans events out to them.
type Hub struct {
	mu       sync.RWMutex
	families map[string]map[*Conn]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		families: make(map[string]map[*Conn]struct{}),
		logger:   logger.With("component", "live"),
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	conns, ok := h.families[c.familyID]
	if !ok {
		conns = make(map[*Conn]struct{})
		h.families[c.familyID] = conns
	}
	conns[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a connection and closes its send channel.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if conns, ok := h.families[c.familyID]; ok {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			close(c.send)
		}
		if len(conns) == 0 {
			delete(h.families, c.familyID)
		}
	}
	h.mu.Unlock()
}

// Publish sends ev to every connection subscribed to ev.FamilyID.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.families[ev.FamilyID] {
		select {
		case c.send <- data:
		default:
			// Slow reader. The snapshot on reconnect repairs the gap.
			h.logger.Warn("dropping event for slow subscriber", "family_id", ev.FamilyID, "type", ev.Type)
		}
	}
}

// ClientCount returns the number of connections for a family.
func (h *Hub) ClientCount(familyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.families[familyID])
}
