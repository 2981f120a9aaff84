package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/identity"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/store"
)

// mockConn creates a Conn with a send channel but no real connection.
func mockConn(hub *Hub, familyID string) *Conn {
	return &Conn{
		hub:      hub,
		familyID: familyID,
		send:     make(chan []byte, sendBufferSize),
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockConn(hub, "fam-a")
	c2 := mockConn(hub, "fam-a")
	c3 := mockConn(hub, "fam-b")
	hub.Register(c1)
	hub.Register(c2)
	hub.Register(c3)

	if got := hub.ClientCount("fam-a"); got != 2 {
		t.Fatalf("fam-a clients = %d, want 2", got)
	}
	if got := hub.ClientCount("fam-b"); got != 1 {
		t.Fatalf("fam-b clients = %d, want 1", got)
	}

	hub.Unregister(c1)
	hub.Unregister(c1) // second call is a no-op
	if got := hub.ClientCount("fam-a"); got != 1 {
		t.Fatalf("fam-a clients after unregister = %d, want 1", got)
	}
}

func TestPublishScopedToFamily(t *testing.T) {
	hub := NewHub(slog.Default())
	a := mockConn(hub, "fam-a")
	b := mockConn(hub, "fam-b")
	hub.Register(a)
	hub.Register(b)

	task := &model.Task{ID: "t1", FamilyID: "fam-a", Title: "Dishes", UpdatedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	hub.Publish(TaskEvent(ActionUpdated, task))

	select {
	case data := <-a.send:
		var got Event
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "task_updated" || got.ID != "t1" || got.Task == nil || got.Task.Title != "Dishes" {
			t.Errorf("event = %+v", got)
		}
	default:
		t.Fatal("fam-a subscriber got nothing")
	}

	select {
	case <-b.send:
		t.Fatal("fam-b subscriber received another family's event")
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockConn(hub, "fam-a")
	hub.Register(c)

	for i := 0; i < sendBufferSize+5; i++ {
		hub.Publish(NewEvent(model.EntityTask, ActionUpdated, "fam-a", "t1", time.Now()))
	}
	if got := len(c.send); got != sendBufferSize {
		t.Errorf("buffered = %d, want %d", got, sendBufferSize)
	}
}

type recordingConnectivity struct {
	mu     sync.Mutex
	states []bool
}

func (r *recordingConnectivity) Set(online bool) {
	r.mu.Lock()
	r.states = append(r.states, online)
	r.mu.Unlock()
}

func (r *recordingConnectivity) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func seedFeedDB(t *testing.T) *database.SQLiteUnitOfWork {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	fam := &model.Family{
		ID: "fam-a", Name: "Smiths", InviteCode: "ABC234", MaxMembers: 4,
		Categories: model.CategoriesFor(false), CreatedBy: "p1", CreatedAt: now, UpdatedAt: now,
	}
	if err := store.NewFamilyStore(db).Create(ctx, fam); err != nil {
		t.Fatalf("create family: %v", err)
	}
	members := store.NewMemberStore(db)
	if _, err := members.Ensure(ctx, "p1", now); err != nil {
		t.Fatalf("ensure member: %v", err)
	}
	if err := members.Join(ctx, "p1", "fam-a", model.RoleParent, now); err != nil {
		t.Fatalf("join: %v", err)
	}
	task := &model.Task{
		ID: "t1", FamilyID: "fam-a", Title: "Dishes", Category: "Chores", AssigneeID: "p1", CreatorID: "p1",
		Priority: model.PriorityMedium, Status: model.TaskPending, Occurrence: 1, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.NewTaskStore(db).Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return database.NewUnitOfWork(db)
}

func TestFeedSnapshotThenEvents(t *testing.T) {
	uow := seedFeedDB(t)
	hub := NewHub(slog.Default())
	feed := HandleFeed(hub, uow.DB(), slog.Default())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get("Authorization")
		feed(w, r.WithContext(identity.WithCaller(r.Context(), strings.TrimPrefix(caller, "Bearer "))))
	}))
	defer srv.Close()

	events := make(chan Event, 8)
	conn := &recordingConnectivity{}
	client := NewClient(ClientConfig{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:    "p1",
		FamilyID: "fam-a",
	}, conn, func(ev Event) { events <- ev }, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	var snap Event
	select {
	case snap = <-events:
	case <-ctx.Done():
		t.Fatal("no snapshot received")
	}
	if snap.Action != ActionSnapshot || len(snap.Tasks) != 1 || snap.Tasks[0].ID != "t1" {
		t.Fatalf("snapshot = %+v", snap)
	}

	hub.Publish(TaskEvent(ActionDeleted, &model.Task{ID: "t1", FamilyID: "fam-a", UpdatedAt: time.Now().UTC()}))
	select {
	case ev := <-events:
		if ev.Type != "task_deleted" || ev.ID != "t1" {
			t.Errorf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no live event received")
	}

	states := conn.snapshot()
	if len(states) == 0 || !states[0] {
		t.Errorf("connectivity states = %v, want first true", states)
	}
}

func TestFeedRejectsNonMember(t *testing.T) {
	uow := seedFeedDB(t)
	hub := NewHub(slog.Default())
	feed := HandleFeed(hub, uow.DB(), slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/ws?family_id=fam-a", nil)
	req = req.WithContext(identity.WithCaller(req.Context(), "stranger"))
	rec := httptest.NewRecorder()
	feed(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws?family_id=fam-a", nil)
	rec = httptest.NewRecorder()
	feed(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
