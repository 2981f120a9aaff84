// Package notify plans and schedules task reminders for members and owns
// their notification settings.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/identity"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/ratelimit"
	"github.com/dukerupert/famtask/internal/sanitize"
	"github.com/dukerupert/famtask/internal/store"
)

const (
	TestNotificationsPerDay = 3
	MaxBadgeCount           = 99
)

// Reasons reported when ScheduleTask schedules nothing.
const (
	ReasonPermissionDenied = "permission_denied"
	ReasonDisabled         = "notifications_disabled"
	ReasonNothingToPlan    = "nothing_to_schedule"
)

// Content is what the gateway shows. Title and Body are plain text.
type Content struct {
	MemberID string
	Title    string
	Body     string
	Tag      string
	URL      string
}

// Gateway schedules notifications on the device. Cancel of an unknown handle
// is not an error.
type Gateway interface {
	Schedule(ctx context.Context, c Content, at time.Time) (string, error)
	Cancel(ctx context.Context, handle string) error
	PermissionStatus(ctx context.Context) (model.Permission, error)
	RequestPermission(ctx context.Context) (model.Permission, error)
	SetBadgeCount(ctx context.Context, n int) error
}

// Result reports what ScheduleTask did.
type Result struct {
	Scheduled bool                      `json:"scheduled"`
	Reason    string                    `json:"reason,omitempty"`
	Reminders []model.ScheduledReminder `json:"reminders,omitempty"`
}

type Scheduler struct {
	gateway   Gateway
	settings  *store.NotificationSettingsStore
	reminders *store.ReminderStore
	limiter   *ratelimit.Limiter
	loc       *time.Location
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	arena map[string][]model.ScheduledReminder
}

// NewScheduler builds a scheduler over the local database. loc is the
// device's time zone, used for quiet hours and calendar days.
func NewScheduler(local database.DBTX, gateway Gateway, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		gateway:   gateway,
		settings:  store.NewNotificationSettingsStore(local),
		reminders: store.NewReminderStore(local),
		loc:       loc,
		logger:    logger.With("component", "notify"),
		now:       time.Now,
		arena:     make(map[string][]model.ScheduledReminder),
	}
	s.limiter = ratelimit.NewWithClock(func() time.Time { return s.now() })
	return s
}

func (s *Scheduler) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// ScheduleTask replaces any reminders of t with a fresh plan for its
// assignee. Not scheduling is reported in the result, not as an error.
func (s *Scheduler) ScheduleTask(ctx context.Context, t *model.Task) (Result, error) {
	if err := s.CancelTaskNotifications(ctx, t.ID); err != nil {
		return Result{}, err
	}
	if t.Status != model.TaskPending || !t.ReminderEnabled || t.DueDate == nil {
		return Result{Reason: ReasonNothingToPlan}, nil
	}

	granted, err := s.permitted(ctx)
	if err != nil {
		return Result{}, apperr.E("schedule", "task", t.ID, err)
	}
	if !granted {
		s.logger.Debug("notification permission denied", "task_id", t.ID)
		return Result{Reason: ReasonPermissionDenied}, nil
	}

	settings, err := s.GetSettings(ctx, t.AssigneeID)
	if err != nil {
		return Result{}, err
	}
	if !settings.Enabled {
		return Result{Reason: ReasonDisabled}, nil
	}

	now := s.clock()
	plan := Plan(t, *settings, now, s.loc)
	if len(plan) == 0 {
		return Result{Reason: ReasonNothingToPlan}, nil
	}

	title := sanitize.Strip(t.Title)
	description := sanitize.Strip(t.Description)
	var scheduled []model.ScheduledReminder
	for _, r := range plan {
		handle, err := s.gateway.Schedule(ctx, s.content(t, title, description, r), r.At)
		if err != nil {
			return Result{Reminders: scheduled}, apperr.E("schedule", "task", t.ID, apperr.Transient(err))
		}
		rec := model.ScheduledReminder{
			Handle:    handle,
			TaskID:    t.ID,
			MemberID:  t.AssigneeID,
			Level:     r.Level,
			TriggerAt: r.At,
			CreatedAt: now,
		}
		if err := s.reminders.Add(ctx, rec); err != nil {
			s.cancelHandle(ctx, handle)
			return Result{Reminders: scheduled}, apperr.E("schedule", "task", t.ID, err)
		}
		s.mu.Lock()
		s.arena[t.ID] = append(s.arena[t.ID], rec)
		s.mu.Unlock()
		scheduled = append(scheduled, rec)
	}

	s.logger.Info("reminders scheduled", "task_id", t.ID, "count", len(scheduled))
	return Result{Scheduled: true, Reminders: scheduled}, nil
}

// content builds the notification text. title and description arrive
// already stripped of markup.
func (s *Scheduler) content(t *model.Task, title, description string, r Reminder) Content {
	due := t.DueDate.In(s.loc)
	c := Content{
		MemberID: t.AssigneeID,
		Title:    "Reminder: " + title,
		Tag:      "task-" + t.ID,
		URL:      "/tasks/" + t.ID,
	}
	if r.Level > 0 {
		c.Title = "Due soon: " + title
	}
	if r.At.After(due) {
		c.Body = "Was due at " + due.Format("15:04")
	} else {
		c.Body = "Due at " + due.Format("15:04")
	}
	if description != "" {
		c.Body += ". " + truncate(description, 120)
	}
	return c
}

// CancelTaskNotifications cancels every reminder of a task. Cancelling a
// task without reminders does nothing.
func (s *Scheduler) CancelTaskNotifications(ctx context.Context, taskID string) error {
	existing, err := s.reminders.ListByTask(ctx, taskID)
	if err != nil {
		return apperr.E("cancel", "reminders", taskID, err)
	}
	for _, r := range existing {
		s.cancelHandle(ctx, r.Handle)
	}
	if len(existing) > 0 {
		if err := s.reminders.DeleteByTask(ctx, taskID); err != nil {
			return apperr.E("cancel", "reminders", taskID, err)
		}
	}

	s.mu.Lock()
	delete(s.arena, taskID)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) cancelHandle(ctx context.Context, handle string) {
	if err := s.gateway.Cancel(ctx, handle); err != nil {
		s.logger.Warn("cancel notification", "handle", handle, "error", err)
	}
}

// Handles returns the gateway handles currently recorded for a task.
func (s *Scheduler) Handles(taskID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.arena[taskID] {
		out = append(out, r.Handle)
	}
	return out
}

// Restore reloads the task to handle mapping from the local store.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	all, err := s.reminders.List(ctx)
	if err != nil {
		return 0, apperr.E("restore", "reminders", "", err)
	}
	arena := make(map[string][]model.ScheduledReminder)
	for _, r := range all {
		arena[r.TaskID] = append(arena[r.TaskID], r)
	}
	s.mu.Lock()
	s.arena = arena
	s.mu.Unlock()
	return len(all), nil
}

// SendTestNotification fires a notification right away. Each member gets
// TestNotificationsPerDay per calendar day in the device's time zone. A
// denied permission is reported in the result and uses none of the quota.
func (s *Scheduler) SendTestNotification(ctx context.Context, memberID string) (Result, error) {
	if err := identity.Require(memberID); err != nil {
		return Result{}, err
	}
	granted, err := s.permitted(ctx)
	if err != nil {
		return Result{}, apperr.E("send", "test notification", "", err)
	}
	if !granted {
		s.logger.Debug("notification permission denied", "member_id", memberID)
		return Result{Reason: ReasonPermissionDenied}, nil
	}

	local := s.now().In(s.loc)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d+1, 0, 0, 0, 0, s.loc)
	key := memberID + "/" + local.Format(time.DateOnly)
	if !s.limiter.AllowUntil(key, TestNotificationsPerDay, midnight) {
		return Result{}, apperr.E("send", "test notification", "", apperr.ErrRateLimitExceeded)
	}

	c := Content{
		MemberID: memberID,
		Title:    "Test notification",
		Body:     "Notifications are working.",
		Tag:      "test",
	}
	if _, err := s.gateway.Schedule(ctx, c, s.clock()); err != nil {
		return Result{}, apperr.E("send", "test notification", "", apperr.Transient(err))
	}
	s.limiter.Cleanup()
	return Result{Scheduled: true}, nil
}

// SetBadgeCount sets the app badge. Counts outside 0..MaxBadgeCount are
// rejected.
func (s *Scheduler) SetBadgeCount(ctx context.Context, n int) error {
	if n < 0 || n > MaxBadgeCount {
		return apperr.E("set", "badge count", "", apperr.ErrInvalidBadgeCount)
	}
	if err := s.gateway.SetBadgeCount(ctx, n); err != nil {
		return apperr.E("set", "badge count", "", err)
	}
	return nil
}

// permitted reports whether notifications may be shown, asking once when
// the user has not decided yet.
func (s *Scheduler) permitted(ctx context.Context) (bool, error) {
	p, err := s.gateway.PermissionStatus(ctx)
	if err != nil {
		return false, err
	}
	if p == model.PermissionUndetermined {
		if p, err = s.gateway.RequestPermission(ctx); err != nil {
			return false, err
		}
	}
	return p == model.PermissionGranted, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
