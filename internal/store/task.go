package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
)

type TaskStore struct {
	db database.DBTX
}

func NewTaskStore(db database.DBTX) *TaskStore {
	return &TaskStore{db: db}
}

const taskCols = `id, family_id, title, description, category, assignee_id, creator_id, due_date, priority,
	requires_photo, reminder_enabled, reminder_minutes, recurrence_rule, series_id, occurrence, status,
	photo_ref, validation_note, completed_at, validated_at, created_at, updated_at`

func scanTask(scanner interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var dueDate, completedAt, validatedAt sql.NullTime

	err := scanner.Scan(
		&t.ID, &t.FamilyID, &t.Title, &t.Description, &t.Category, &t.AssigneeID, &t.CreatorID,
		&dueDate, &t.Priority, &t.RequiresPhoto, &t.ReminderEnabled, &t.ReminderMinutes,
		&t.RecurrenceRule, &t.SeriesID, &t.Occurrence, &t.Status, &t.PhotoRef, &t.ValidationNote,
		&completedAt, &validatedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.DueDate = timePtr(dueDate)
	t.CompletedAt = timePtr(completedAt)
	t.ValidatedAt = timePtr(validatedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func (s *TaskStore) Create(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.FamilyID, t.Title, t.Description, t.Category, t.AssigneeID, t.CreatorID,
		nullTime(t.DueDate), t.Priority, t.RequiresPhoto, t.ReminderEnabled, t.ReminderMinutes,
		t.RecurrenceRule, t.SeriesID, t.Occurrence, t.Status, t.PhotoRef, t.ValidationNote,
		nullTime(t.CompletedAt), nullTime(t.ValidatedAt), t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetByID returns the task, or nil if it does not exist.
func (s *TaskStore) GetByID(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *TaskStore) Update(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, category = ?, assignee_id = ?, due_date = ?, priority = ?,
			requires_photo = ?, reminder_enabled = ?, reminder_minutes = ?, recurrence_rule = ?, status = ?,
			photo_ref = ?, validation_note = ?, completed_at = ?, validated_at = ?, updated_at = ?
		 WHERE id = ?`,
		t.Title, t.Description, t.Category, t.AssigneeID, nullTime(t.DueDate), t.Priority,
		t.RequiresPhoto, t.ReminderEnabled, t.ReminderMinutes, t.RecurrenceRule, t.Status,
		t.PhotoRef, t.ValidationNote, nullTime(t.CompletedAt), nullTime(t.ValidatedAt), t.UpdatedAt.UTC(),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *TaskStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// List returns a family's tasks matching filter, soonest due first and
// undated tasks last.
func (s *TaskStore) List(ctx context.Context, familyID string, filter model.TaskFilter) ([]model.Task, error) {
	where := []string{"family_id = ?"}
	args := []any{familyID}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.AssigneeID != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, filter.AssigneeID)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY due_date IS NULL, due_date ASC, created_at ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ReassignOpen moves a member's pending tasks to another assignee.
func (s *TaskStore) ReassignOpen(ctx context.Context, familyID, fromID, toID string, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assignee_id = ?, updated_at = ? WHERE family_id = ? AND assignee_id = ? AND status = ?`,
		toID, now.UTC(), familyID, fromID, model.TaskPending,
	)
	if err != nil {
		return 0, fmt.Errorf("reassign tasks: %w", err)
	}
	return result.RowsAffected()
}

func (s *TaskStore) DeleteByFamily(ctx context.Context, familyID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE family_id = ?`, familyID)
	if err != nil {
		return fmt.Errorf("delete family tasks: %w", err)
	}
	return nil
}
