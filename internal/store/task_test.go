package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/famtask/internal/model"
)

func newTestTask(id, familyID, assignee string, due *time.Time) *model.Task {
	return &model.Task{
		ID:         id,
		FamilyID:   familyID,
		Title:      "Task " + id,
		Category:   "Chores",
		AssigneeID: assignee,
		CreatorID:  "mom",
		DueDate:    due,
		Priority:   model.PriorityMedium,
		Status:     model.TaskPending,
		Occurrence: 1,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
}

func TestTaskCRUD(t *testing.T) {
	db := setupStoreDB(t)
	ctx := context.Background()
	seedFamily(t, db, "fam-1", "AB12CD", []string{"mom"}, []string{"kid"})
	ts := NewTaskStore(db)

	due := testNow.Add(2 * time.Hour)
	task := newTestTask("t1", "fam-1", "kid", &due)
	task.RequiresPhoto = true
	task.ReminderEnabled = true
	task.ReminderMinutes = 30
	task.RecurrenceRule = "FREQ=WEEKLY"
	if err := ts.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := ts.GetByID(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected task")
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Errorf("due date = %v, want %v", got.DueDate, due)
	}
	if !got.RequiresPhoto || !got.ReminderEnabled || got.ReminderMinutes != 30 {
		t.Errorf("flags not round-tripped: %+v", got)
	}
	if got.RecurrenceRule != "FREQ=WEEKLY" {
		t.Errorf("recurrence = %q", got.RecurrenceRule)
	}

	completed := testNow.Add(time.Hour)
	got.Status = model.TaskCompleted
	got.PhotoRef = "photos/abc"
	got.CompletedAt = &completed
	got.UpdatedAt = completed
	if err := ts.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ = ts.GetByID(ctx, "t1")
	if got.Status != model.TaskCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, completed)
	}
	if !got.UpdatedAt.Equal(completed) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, completed)
	}

	if err := ts.Delete(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = ts.GetByID(ctx, "t1")
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestTaskListFilters(t *testing.T) {
	db := setupStoreDB(t)
	ctx := context.Background()
	seedFamily(t, db, "fam-1", "AB12CD", []string{"mom"}, []string{"kid"})
	ts := NewTaskStore(db)

	early := testNow.Add(time.Hour)
	late := testNow.Add(5 * time.Hour)
	tasks := []*model.Task{
		newTestTask("t-late", "fam-1", "kid", &late),
		newTestTask("t-none", "fam-1", "mom", nil),
		newTestTask("t-early", "fam-1", "kid", &early),
	}
	tasks[1].Category = "Errands"
	for _, task := range tasks {
		if err := ts.Create(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	all, err := ts.List(ctx, "fam-1", model.TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"t-early", "t-late", "t-none"}
	if len(all) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(all))
	}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("tasks[%d] = %q, want %q", i, all[i].ID, id)
		}
	}

	byAssignee, _ := ts.List(ctx, "fam-1", model.TaskFilter{AssigneeID: "kid"})
	if len(byAssignee) != 2 {
		t.Errorf("by assignee: got %d, want 2", len(byAssignee))
	}
	byCategory, _ := ts.List(ctx, "fam-1", model.TaskFilter{Category: "Errands"})
	if len(byCategory) != 1 || byCategory[0].ID != "t-none" {
		t.Errorf("by category: got %v", byCategory)
	}
	byStatus, _ := ts.List(ctx, "fam-1", model.TaskFilter{Status: model.TaskCompleted})
	if len(byStatus) != 0 {
		t.Errorf("by status: got %d, want 0", len(byStatus))
	}
}

func TestTaskReassignOpen(t *testing.T) {
	db := setupStoreDB(t)
	ctx := context.Background()
	seedFamily(t, db, "fam-1", "AB12CD", []string{"mom"}, []string{"kid"})
	ts := NewTaskStore(db)

	open := newTestTask("open", "fam-1", "kid", nil)
	done := newTestTask("done", "fam-1", "kid", nil)
	done.Status = model.TaskCompleted
	ts.Create(ctx, open)
	ts.Create(ctx, done)

	n, err := ts.ReassignOpen(ctx, "fam-1", "kid", "mom", testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if n != 1 {
		t.Errorf("reassigned = %d, want 1", n)
	}

	got, _ := ts.GetByID(ctx, "open")
	if got.AssigneeID != "mom" {
		t.Errorf("open assignee = %q, want mom", got.AssigneeID)
	}
	got, _ = ts.GetByID(ctx, "done")
	if got.AssigneeID != "kid" {
		t.Errorf("completed assignee = %q, want kid", got.AssigneeID)
	}

	if err := ts.DeleteByFamily(ctx, "fam-1"); err != nil {
		t.Fatalf("delete by family: %v", err)
	}
	all, _ := ts.List(ctx, "fam-1", model.TaskFilter{})
	if len(all) != 0 {
		t.Errorf("expected no tasks, got %d", len(all))
	}
}
