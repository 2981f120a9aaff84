package task

import (
	"time"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/sanitize"
)

// patchContent is content with every field optional.
type patchContent struct {
	Title           *string         `json:"title" validate:"omitnil,min=3,max=100"`
	Description     *string         `json:"description" validate:"omitnil,max=500"`
	Priority        *model.Priority `json:"priority" validate:"omitnil,oneof=low medium high"`
	ReminderMinutes *int            `json:"reminder_minutes" validate:"omitnil,min=0,max=1440"`
}

// CheckInput validates what can be checked about a new task without the
// family: text, priority, reminder lead, due date and recurrence rule. It
// returns in with sanitised text, the default priority, a truncated due date
// and the canonical rule.
func CheckInput(in CreateInput, now time.Time) (CreateInput, error) {
	if err := rejectScript(&in.Title, &in.Description); err != nil {
		return in, err
	}
	if in.Priority == "" {
		in.Priority = model.PriorityMedium
	}
	c := content{
		Title:           sanitize.Text(in.Title),
		Description:     sanitize.Text(in.Description),
		Priority:        in.Priority,
		ReminderMinutes: in.ReminderMinutes,
	}
	if err := apperr.Validate(c); err != nil {
		return in, err
	}
	in.Title, in.Description = c.Title, c.Description

	var err error
	if in.DueDate, err = dueDate(in.DueDate, now); err != nil {
		return in, err
	}
	if in.RecurrenceRule, err = canonicalRule(in.RecurrenceRule); err != nil {
		return in, err
	}
	return in, nil
}

// CheckPatch validates the fields p sets, the same way CheckInput does, and
// returns p with sanitised text and a canonical rule.
func CheckPatch(p Patch, now time.Time) (Patch, error) {
	if err := rejectScript(p.Title, p.Description); err != nil {
		return p, err
	}
	c := patchContent{Priority: p.Priority, ReminderMinutes: p.ReminderMinutes}
	if p.Title != nil {
		s := sanitize.Text(*p.Title)
		c.Title, p.Title = &s, &s
	}
	if p.Description != nil {
		s := sanitize.Text(*p.Description)
		c.Description, p.Description = &s, &s
	}
	if err := apperr.Validate(c); err != nil {
		return p, err
	}

	var err error
	if p.DueDate != nil && !p.ClearDueDate {
		if p.DueDate, err = dueDate(p.DueDate, now); err != nil {
			return p, err
		}
	}
	if p.RecurrenceRule != nil {
		rule, err := canonicalRule(*p.RecurrenceRule)
		if err != nil {
			return p, err
		}
		p.RecurrenceRule = &rule
	}
	return p, nil
}

// rejectScript names the first of title and description that carries markup.
func rejectScript(title, description *string) error {
	if title != nil && sanitize.HasScript(*title) {
		return apperr.Invalid(FieldTitle, "must not contain markup")
	}
	if description != nil && sanitize.HasScript(*description) {
		return apperr.Invalid(FieldDescription, "must not contain markup")
	}
	return nil
}
