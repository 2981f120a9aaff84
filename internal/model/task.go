package model

import "time"

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskValidated TaskStatus = "validated"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskCompleted, TaskValidated:
		return true
	}
	return false
}

// Locked reports whether a task in this status refuses updates and deletes.
func (s TaskStatus) Locked() bool {
	switch s {
	case TaskCompleted, TaskValidated:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type Task struct {
	ID              string     `json:"id"`
	FamilyID        string     `json:"family_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Category        string     `json:"category"`
	AssigneeID      string     `json:"assignee_id"`
	CreatorID       string     `json:"creator_id"`
	DueDate         *time.Time `json:"due_date"`
	Priority        Priority   `json:"priority"`
	RequiresPhoto   bool       `json:"requires_photo"`
	ReminderEnabled bool       `json:"reminder_enabled"`
	ReminderMinutes int        `json:"reminder_minutes"`
	RecurrenceRule  string     `json:"recurrence_rule,omitempty"`
	SeriesID        string     `json:"series_id,omitempty"`
	Occurrence      int        `json:"occurrence"`
	Status          TaskStatus `json:"status"`
	PhotoRef        string     `json:"photo_ref,omitempty"`
	ValidationNote  string     `json:"validation_note,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ValidatedAt     *time.Time `json:"validated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Overdue reports whether a pending task's due date is strictly before now.
func (t *Task) Overdue(now time.Time) bool {
	return t.Status == TaskPending && t.DueDate != nil && t.DueDate.Before(now)
}

type TaskFilter struct {
	Status     TaskStatus
	AssigneeID string
	Category   string
}

type TaskStats struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	Pending        int `json:"pending"`
	Overdue        int `json:"overdue"`
	CompletionRate int `json:"completion_rate"`
}
