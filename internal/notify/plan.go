package notify

import (
	"fmt"
	"slices"
	"time"

	"github.com/dukerupert/famtask/internal/model"
)

// Horizon is how far ahead of now a due date may be for reminders to be
// planned. Tasks due later are planned when they are next scheduled.
const Horizon = 24 * time.Hour

// Reminder is one planned notification. Level 0 is the primary reminder and
// levels 1 and up are escalations in settings order.
type Reminder struct {
	Level int
	At    time.Time
}

// Plan returns the reminders to schedule for t, ordered by time. It is pure:
// the current time and the member's location are passed in.
func Plan(t *model.Task, s model.NotificationSettings, now time.Time, loc *time.Location) []Reminder {
	if t == nil || !s.Enabled || !t.ReminderEnabled || t.Status != model.TaskPending || t.DueDate == nil {
		return nil
	}
	due := *t.DueDate
	if !due.After(now) || due.After(now.Add(Horizon)) {
		return nil
	}

	lead := t.ReminderMinutes
	if lead <= 0 {
		lead = s.ReminderLeadMinutes
	}
	leads := append([]int{lead}, s.EscalationMinutes...)

	var out []Reminder
	for level, minutes := range leads {
		at := due.Add(-time.Duration(minutes) * time.Minute)
		if s.QuietHours.Enabled {
			at = DeferQuietHours(at, s.QuietHours, loc)
		}
		if !at.After(now) {
			continue
		}
		at = at.UTC()
		if slices.ContainsFunc(out, func(r Reminder) bool { return r.At.Equal(at) }) {
			continue
		}
		out = append(out, Reminder{Level: level, At: at})
	}
	slices.SortStableFunc(out, func(a, b Reminder) int { return a.At.Compare(b.At) })
	return out
}

// DeferQuietHours moves at to the end of the quiet window when it falls
// inside [start, end). A window whose start is after its end wraps midnight.
// Times outside the window, and windows that do not parse, are unchanged.
func DeferQuietHours(at time.Time, q model.QuietHours, loc *time.Location) time.Time {
	start, err := minuteOfDay(q.Start)
	if err != nil {
		return at
	}
	end, err := minuteOfDay(q.End)
	if err != nil || start == end {
		return at
	}
	if loc == nil {
		loc = time.UTC
	}

	local := at.In(loc)
	m := local.Hour()*60 + local.Minute()
	y, mon, d := local.Date()
	endOn := func(day int) time.Time {
		return time.Date(y, mon, day, end/60, end%60, 0, 0, loc)
	}

	if start < end {
		if m >= start && m < end {
			return endOn(d)
		}
		return at
	}
	switch {
	case m >= start:
		return endOn(d + 1)
	case m < end:
		return endOn(d)
	}
	return at
}

func minuteOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("parse clock time %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
