package task

import (
	"time"

	"github.com/dukerupert/famtask/internal/model"
)

// Patchable field names, as they appear in JSON.
const (
	FieldTitle           = "title"
	FieldDescription     = "description"
	FieldCategory        = "category"
	FieldAssignee        = "assignee_id"
	FieldDueDate         = "due_date"
	FieldPriority        = "priority"
	FieldRequiresPhoto   = "requires_photo"
	FieldReminderEnabled = "reminder_enabled"
	FieldReminderMinutes = "reminder_minutes"
	FieldRecurrenceRule  = "recurrence_rule"
)

// CreateInput is what a parent supplies for a new task. ID is optional and
// lets a queued create replay without duplicating the task.
type CreateInput struct {
	ID              string         `json:"id,omitempty"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Category        string         `json:"category"`
	AssigneeID      string         `json:"assignee_id"`
	DueDate         *time.Time     `json:"due_date,omitempty"`
	Priority        model.Priority `json:"priority"`
	RequiresPhoto   bool           `json:"requires_photo"`
	ReminderEnabled bool           `json:"reminder_enabled"`
	ReminderMinutes int            `json:"reminder_minutes"`
	RecurrenceRule  string         `json:"recurrence_rule,omitempty"`
}

// Patch changes the fields that are set. ClearDueDate removes the due date.
type Patch struct {
	Title           *string         `json:"title,omitempty"`
	Description     *string         `json:"description,omitempty"`
	Category        *string         `json:"category,omitempty"`
	AssigneeID      *string         `json:"assignee_id,omitempty"`
	DueDate         *time.Time      `json:"due_date,omitempty"`
	ClearDueDate    bool            `json:"clear_due_date,omitempty"`
	Priority        *model.Priority `json:"priority,omitempty"`
	RequiresPhoto   *bool           `json:"requires_photo,omitempty"`
	ReminderEnabled *bool           `json:"reminder_enabled,omitempty"`
	ReminderMinutes *int            `json:"reminder_minutes,omitempty"`
	RecurrenceRule  *string         `json:"recurrence_rule,omitempty"`
}

// Fields lists the fields the patch touches.
func (p Patch) Fields() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(p.Title != nil, FieldTitle)
	add(p.Description != nil, FieldDescription)
	add(p.Category != nil, FieldCategory)
	add(p.AssigneeID != nil, FieldAssignee)
	add(p.DueDate != nil || p.ClearDueDate, FieldDueDate)
	add(p.Priority != nil, FieldPriority)
	add(p.RequiresPhoto != nil, FieldRequiresPhoto)
	add(p.ReminderEnabled != nil, FieldReminderEnabled)
	add(p.ReminderMinutes != nil, FieldReminderMinutes)
	add(p.RecurrenceRule != nil, FieldRecurrenceRule)
	return out
}

func (p Patch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

// Apply writes the set fields onto t.
func (p Patch) Apply(t *model.Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.AssigneeID != nil {
		t.AssigneeID = *p.AssigneeID
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.RequiresPhoto != nil {
		t.RequiresPhoto = *p.RequiresPhoto
	}
	if p.ReminderEnabled != nil {
		t.ReminderEnabled = *p.ReminderEnabled
	}
	if p.ReminderMinutes != nil {
		t.ReminderMinutes = *p.ReminderMinutes
	}
	if p.RecurrenceRule != nil {
		t.RecurrenceRule = *p.RecurrenceRule
	}
}

// Without returns p with the named fields unset.
func (p Patch) Without(fields []string) Patch {
	for _, f := range fields {
		switch f {
		case FieldTitle:
			p.Title = nil
		case FieldDescription:
			p.Description = nil
		case FieldCategory:
			p.Category = nil
		case FieldAssignee:
			p.AssigneeID = nil
		case FieldDueDate:
			p.DueDate, p.ClearDueDate = nil, false
		case FieldPriority:
			p.Priority = nil
		case FieldRequiresPhoto:
			p.RequiresPhoto = nil
		case FieldReminderEnabled:
			p.ReminderEnabled = nil
		case FieldReminderMinutes:
			p.ReminderMinutes = nil
		case FieldRecurrenceRule:
			p.RecurrenceRule = nil
		}
	}
	return p
}

// FullPatch sets every patchable field to t's value. Used when a local
// edit wins a conflict as a whole record.
func FullPatch(t *model.Task) Patch {
	title, desc, cat, assignee := t.Title, t.Description, t.Category, t.AssigneeID
	prio, photo, remind, minutes, rule := t.Priority, t.RequiresPhoto, t.ReminderEnabled, t.ReminderMinutes, t.RecurrenceRule
	p := Patch{
		Title:           &title,
		Description:     &desc,
		Category:        &cat,
		AssigneeID:      &assignee,
		Priority:        &prio,
		RequiresPhoto:   &photo,
		ReminderEnabled: &remind,
		ReminderMinutes: &minutes,
		RecurrenceRule:  &rule,
	}
	if t.DueDate != nil {
		due := *t.DueDate
		p.DueDate = &due
	} else {
		p.ClearDueDate = true
	}
	return p
}

// ChangedFields lists the patchable fields that differ between a and b.
func ChangedFields(a, b *model.Task) []string {
	var out []string
	add := func(diff bool, name string) {
		if diff {
			out = append(out, name)
		}
	}
	add(a.Title != b.Title, FieldTitle)
	add(a.Description != b.Description, FieldDescription)
	add(a.Category != b.Category, FieldCategory)
	add(a.AssigneeID != b.AssigneeID, FieldAssignee)
	add(!sameTime(a.DueDate, b.DueDate), FieldDueDate)
	add(a.Priority != b.Priority, FieldPriority)
	add(a.RequiresPhoto != b.RequiresPhoto, FieldRequiresPhoto)
	add(a.ReminderEnabled != b.ReminderEnabled, FieldReminderEnabled)
	add(a.ReminderMinutes != b.ReminderMinutes, FieldReminderMinutes)
	add(a.RecurrenceRule != b.RecurrenceRule, FieldRecurrenceRule)
	return out
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
