package offline

import (
	"testing"
	"time"

	"github.com/dukerupert/famtask/internal/live"
	"github.com/dukerupert/famtask/internal/model"
)

type sinkRecorder struct {
	events []live.Event
}

func (r *sinkRecorder) sink(ev live.Event) { r.events = append(r.events, ev) }

func taskEvent(action, id string, at time.Time, title string) live.Event {
	return live.TaskEvent(action, &model.Task{ID: id, FamilyID: "fam-1", Title: title, UpdatedAt: at})
}

func TestGateOrdersDeliveries(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	rec := &sinkRecorder{}
	g := NewGate(rec.sink)

	if !g.Offer(taskEvent(live.ActionCreated, "a", t0, "v1")) {
		t.Fatal("first event not delivered")
	}
	if g.Offer(taskEvent(live.ActionUpdated, "a", t0, "v1")) {
		t.Error("duplicate delivered")
	}
	if g.Offer(taskEvent(live.ActionUpdated, "a", t0.Add(-time.Second), "old")) {
		t.Error("stale event delivered")
	}
	if !g.Offer(taskEvent(live.ActionUpdated, "a", t0.Add(time.Second), "v2")) {
		t.Error("newer event not delivered")
	}
	if !g.Offer(taskEvent(live.ActionDeleted, "a", t0.Add(time.Second), "v2")) {
		t.Error("delete at the same instant not delivered")
	}
	if !g.Offer(taskEvent(live.ActionUpdated, "b", t0, "other")) {
		t.Error("other entity not delivered")
	}
	if len(rec.events) != 4 {
		t.Errorf("delivered %d events, want 4", len(rec.events))
	}
}

func TestGateHoldsUntilRelease(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	rec := &sinkRecorder{}
	g := NewGate(rec.sink)
	ref := model.EntityRef{Kind: model.EntityTask, ID: "a"}

	g.Hold(ref)
	if !g.Holding(ref) {
		t.Fatal("not holding after Hold")
	}
	g.Offer(taskEvent(live.ActionUpdated, "a", t0.Add(2*time.Second), "newest"))
	g.Offer(taskEvent(live.ActionUpdated, "a", t0.Add(time.Second), "older"))
	if len(rec.events) != 0 {
		t.Fatalf("held events delivered early: %d", len(rec.events))
	}

	g.Release(ref)
	if g.Holding(ref) {
		t.Error("still holding after Release")
	}
	if len(rec.events) != 1 || rec.events[0].Task.Title != "newest" {
		t.Fatalf("delivered %+v, want only the newest event", rec.events)
	}

	g.Release(ref)
	if len(rec.events) != 1 {
		t.Error("second Release delivered again")
	}
}

func TestGateDropsEchoOfOwnWrite(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	rec := &sinkRecorder{}
	g := NewGate(rec.sink)
	ref := model.EntityRef{Kind: model.EntityTask, ID: "a"}

	g.Hold(ref)
	g.Offer(taskEvent(live.ActionUpdated, "a", t0, "server before replay"))
	g.Observe(ref, t0.Add(time.Second))
	g.Release(ref)
	if len(rec.events) != 0 {
		t.Fatalf("event older than own write delivered: %+v", rec.events)
	}

	if g.Offer(taskEvent(live.ActionUpdated, "a", t0.Add(time.Second), "echo")) {
		t.Error("echo of own write delivered")
	}
	if !g.Offer(taskEvent(live.ActionUpdated, "a", t0.Add(2*time.Second), "later")) {
		t.Error("later change not delivered")
	}
}

func TestGateRoutesByEntityKind(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tasks, families := &sinkRecorder{}, &sinkRecorder{}
	g := NewGate(nil)
	g.Route(model.EntityTask, tasks.sink)
	g.Route(model.EntityFamily, families.sink)

	fam := &model.Family{ID: "fam-1", Name: "Smiths", UpdatedAt: t0}
	g.Hold(model.EntityRef{Kind: model.EntityFamily, ID: "fam-1"})
	if g.Offer(live.FamilyEvent(live.ActionUpdated, fam)) {
		t.Error("held family event delivered")
	}
	if !g.Offer(taskEvent(live.ActionUpdated, "fam-1", t0, "same id, other kind")) {
		t.Error("task event held by a family hold")
	}
	g.Release(model.EntityRef{Kind: model.EntityFamily, ID: "fam-1"})

	if len(tasks.events) != 1 || tasks.events[0].Entity != model.EntityTask {
		t.Errorf("task sink got %+v", tasks.events)
	}
	if len(families.events) != 1 || families.events[0].Family.Name != "Smiths" {
		t.Errorf("family sink got %+v", families.events)
	}
}
