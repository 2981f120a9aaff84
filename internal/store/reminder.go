package store

import (
	"context"
	"fmt"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
)

// ReminderStore persists the task to notification-handle mapping.
type ReminderStore struct {
	db database.DBTX
}

func NewReminderStore(db database.DBTX) *ReminderStore {
	return &ReminderStore{db: db}
}

const reminderCols = `handle, task_id, member_id, level, trigger_at, created_at`

func (s *ReminderStore) Add(ctx context.Context, r model.ScheduledReminder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_reminders (`+reminderCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
		r.Handle, r.TaskID, r.MemberID, r.Level, r.TriggerAt.UTC(), r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

func (s *ReminderStore) ListByTask(ctx context.Context, taskID string) ([]model.ScheduledReminder, error) {
	return s.query(ctx, `SELECT `+reminderCols+` FROM scheduled_reminders WHERE task_id = ? ORDER BY level ASC`, taskID)
}

func (s *ReminderStore) List(ctx context.Context) ([]model.ScheduledReminder, error) {
	return s.query(ctx, `SELECT `+reminderCols+` FROM scheduled_reminders ORDER BY trigger_at ASC`)
}

func (s *ReminderStore) DeleteByTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_reminders WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete reminders: %w", err)
	}
	return nil
}

func (s *ReminderStore) query(ctx context.Context, q string, args ...any) ([]model.ScheduledReminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var reminders []model.ScheduledReminder
	for rows.Next() {
		var r model.ScheduledReminder
		if err := rows.Scan(&r.Handle, &r.TaskID, &r.MemberID, &r.Level, &r.TriggerAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		r.TriggerAt = r.TriggerAt.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}
