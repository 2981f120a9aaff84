// Package task owns the task lifecycle: creation, assignment, completion with
// optional photo proof, parent validation and recurrence.
package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/blob"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/entitlement"
	"github.com/dukerupert/famtask/internal/identity"
	"github.com/dukerupert/famtask/internal/live"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/recurrence"
	"github.com/dukerupert/famtask/internal/sanitize"
	"github.com/dukerupert/famtask/internal/store"
	"github.com/google/uuid"
)

var (
	errNotCreatorOrParent = fmt.Errorf("%w: only the creator or a parent may change this task", apperr.ErrAuthorizationDenied)
	errNotAssignee        = fmt.Errorf("%w: only the assignee can complete this task", apperr.ErrAuthorizationDenied)
)

// content carries the validated text and numeric fields of a task.
type content struct {
	Title           string         `json:"title" validate:"min=3,max=100"`
	Description     string         `json:"description" validate:"max=500"`
	Priority        model.Priority `json:"priority" validate:"oneof=low medium high"`
	ReminderMinutes int            `json:"reminder_minutes" validate:"min=0,max=1440"`
}

// Completion is the result of completing a task. Next is the following
// occurrence of a recurring task, if one was created.
type Completion struct {
	Task *model.Task `json:"task"`
	Next *model.Task `json:"next,omitempty"`
}

type Service struct {
	db     database.DBTX
	uow    database.UnitOfWork
	oracle entitlement.Oracle
	blobs  blob.Store
	events live.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires the task service. oracle, blobs and events may be nil.
func NewService(db *sql.DB, oracle entitlement.Oracle, blobs blob.Store, events live.Publisher, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		uow:    database.NewUnitOfWork(db),
		oracle: oracle,
		blobs:  blobs,
		events: events,
		logger: logger.With("component", "task"),
		now:    time.Now,
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// CreateTask adds a pending task. Only parents create tasks.
func (s *Service) CreateTask(ctx context.Context, familyID, creatorID string, in CreateInput) (*model.Task, error) {
	if err := identity.Require(creatorID); err != nil {
		return nil, err
	}
	now := s.clock()
	in, err := CheckInput(in, now)
	if err != nil {
		return nil, err
	}
	due, rule := in.DueDate, in.RecurrenceRule

	premium, known := false, false
	if in.RequiresPhoto {
		premium, known = s.premium(ctx, familyID)
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	var task *model.Task
	replayed := false
	err = s.uow.WithinTx(ctx, func(ctx context.Context, tx database.DBTX) error {
		tasks := store.NewTaskStore(tx)
		if in.ID != "" {
			existing, err := tasks.GetByID(ctx, in.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.CreatorID != creatorID || existing.FamilyID != familyID {
					return apperr.ErrConflict
				}
				task, replayed = existing, true
				return nil
			}
		}

		f, err := loadFamily(ctx, tx, familyID, creatorID)
		if err != nil {
			return err
		}
		if !f.IsParent(creatorID) {
			return apperr.ErrNotParent
		}
		if !f.HasMember(in.AssigneeID) {
			return apperr.Invalid("assignee_id", "must be a family member")
		}
		category := in.Category
		if category == "" && len(f.Categories) > 0 {
			category = f.Categories[0]
		}
		if !f.HasCategory(category) {
			return apperr.Invalid("category", "must be one of the family's categories")
		}
		if in.RequiresPhoto && !effectivePremium(f, premium, known) {
			return apperr.ErrPremiumRequired
		}

		task = &model.Task{
			ID:              id,
			FamilyID:        familyID,
			Title:           in.Title,
			Description:     in.Description,
			Category:        category,
			AssigneeID:      in.AssigneeID,
			CreatorID:       creatorID,
			DueDate:         due,
			Priority:        in.Priority,
			RequiresPhoto:   in.RequiresPhoto,
			ReminderEnabled: in.ReminderEnabled,
			ReminderMinutes: in.ReminderMinutes,
			RecurrenceRule:  rule,
			Occurrence:      1,
			Status:          model.TaskPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if rule != "" {
			task.SeriesID = id
		}
		return tasks.Create(ctx, task)
	})
	if err != nil {
		return nil, apperr.E("create", "task", in.ID, err)
	}

	if !replayed {
		s.logger.Info("task created", "task_id", task.ID, "family_id", familyID)
		s.publish(live.ActionCreated, task)
	}
	return task, nil
}

// UpdateTask applies patch. The creator or a parent may update a task that
// is still pending.
func (s *Service) UpdateTask(ctx context.Context, taskID, callerID string, patch Patch) (*model.Task, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	patch, err := CheckPatch(patch, s.clock())
	if err != nil {
		return nil, err
	}

	premium, known := false, false
	if patch.RequiresPhoto != nil && *patch.RequiresPhoto {
		if current, err := store.NewTaskStore(s.db).GetByID(ctx, taskID); err == nil && current != nil {
			premium, known = s.premium(ctx, current.FamilyID)
		}
	}

	var task *model.Task
	err = s.uow.WithinTx(ctx, func(ctx context.Context, tx database.DBTX) error {
		tasks := store.NewTaskStore(tx)
		t, f, err := loadTask(ctx, tx, taskID, callerID)
		if err != nil {
			return err
		}
		if t.CreatorID != callerID && !f.IsParent(callerID) {
			return errNotCreatorOrParent
		}
		if t.Status.Locked() {
			return apperr.ErrTaskLocked
		}

		now := s.clock()
		updated := *t
		patch.Apply(&updated)

		c := content{
			Title:           sanitize.Text(updated.Title),
			Description:     sanitize.Text(updated.Description),
			Priority:        updated.Priority,
			ReminderMinutes: updated.ReminderMinutes,
		}
		if err := apperr.Validate(c); err != nil {
			return err
		}
		updated.Title, updated.Description = c.Title, c.Description

		if patch.AssigneeID != nil && !f.HasMember(updated.AssigneeID) {
			return apperr.Invalid("assignee_id", "must be a family member")
		}
		if patch.Category != nil && !f.HasCategory(updated.Category) {
			return apperr.Invalid("category", "must be one of the family's categories")
		}
		if updated.RecurrenceRule != "" && updated.SeriesID == "" {
			updated.SeriesID = updated.ID
		}
		// Tasks that already require a photo keep doing so after a downgrade.
		if updated.RequiresPhoto && !t.RequiresPhoto && !effectivePremium(f, premium, known) {
			return apperr.ErrPremiumRequired
		}

		updated.UpdatedAt = now
		if err := tasks.Update(ctx, &updated); err != nil {
			return err
		}
		task = &updated
		return nil
	})
	if err != nil {
		return nil, apperr.E("update", "task", taskID, err)
	}

	s.publish(live.ActionUpdated, task)
	return task, nil
}

// CompleteTask marks a pending task completed by its assignee. Recurring
// tasks get their next occurrence in the same transaction.
func (s *Service) CompleteTask(ctx context.Context, taskID, callerID, photoRef string) (*Completion, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}

	var result Completion
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx database.DBTX) error {
		tasks := store.NewTaskStore(tx)
		t, _, err := loadTask(ctx, tx, taskID, callerID)
		if err != nil {
			return err
		}
		if err := checkCompletable(t, callerID); err != nil {
			return err
		}
		if t.RequiresPhoto && photoRef == "" {
			return apperr.ErrPhotoRequired
		}

		now := s.clock()
		t.Status = model.TaskCompleted
		t.PhotoRef = photoRef
		t.CompletedAt = &now
		t.UpdatedAt = now
		if err := tasks.Update(ctx, t); err != nil {
			return err
		}
		result.Task = t

		next := s.nextOccurrence(t, now)
		if next == nil {
			return nil
		}
		if err := tasks.Create(ctx, next); err != nil {
			return err
		}
		result.Next = next
		return nil
	})
	if err != nil {
		return nil, apperr.E("complete", "task", taskID, err)
	}

	s.logger.Info("task completed", "task_id", taskID, "with_photo", photoRef != "")
	s.publish(live.ActionUpdated, result.Task)
	if result.Next != nil {
		s.publish(live.ActionCreated, result.Next)
	}
	return &result, nil
}

// CompleteTaskWithPhoto uploads the photo and completes the task with the
// resulting reference.
func (s *Service) CompleteTaskWithPhoto(ctx context.Context, taskID, callerID string, photo []byte, contentType string) (*Completion, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	if s.blobs == nil {
		return nil, apperr.E("complete", "task", taskID, apperr.Transient(errors.New("photo storage is not configured")))
	}

	// Checked before the upload so a refused completion stores nothing.
	t, err := store.NewTaskStore(s.db).GetByID(ctx, taskID)
	if err != nil {
		return nil, apperr.E("complete", "task", taskID, err)
	}
	if t == nil {
		return nil, apperr.E("complete", "task", taskID, apperr.ErrNotFound)
	}
	if err := checkCompletable(t, callerID); err != nil {
		return nil, apperr.E("complete", "task", taskID, err)
	}

	ref, err := s.blobs.Put(ctx, photo, contentType)
	if err != nil {
		if errors.Is(err, blob.ErrEmpty) {
			return nil, apperr.E("complete", "task", taskID, apperr.ErrPhotoRequired)
		}
		return nil, apperr.E("complete", "task", taskID, apperr.Transient(err))
	}
	return s.CompleteTask(ctx, taskID, callerID, ref)
}

// ValidateTask lets a parent approve or reject a completed task. Rejection
// returns it to pending and keeps the note for the assignee.
func (s *Service) ValidateTask(ctx context.Context, taskID, parentID string, approve bool, note string) (*model.Task, error) {
	if err := identity.Require(parentID); err != nil {
		return nil, err
	}
	if sanitize.HasScript(note) {
		return nil, apperr.Invalid("note", "must not contain markup")
	}
	note = sanitize.Text(note)
	if len([]rune(note)) > 500 {
		return nil, apperr.Invalid("note", "must have at most 500 characters")
	}

	var task *model.Task
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx database.DBTX) error {
		t, f, err := loadTask(ctx, tx, taskID, parentID)
		if err != nil {
			return err
		}
		if !f.IsParent(parentID) {
			return apperr.ErrNotParent
		}
		switch t.Status {
		case model.TaskValidated:
			return apperr.ErrTaskLocked
		case model.TaskPending:
			return apperr.Invalid("status", "task has not been completed")
		}
		if t.RequiresPhoto && t.PhotoRef == "" {
			return apperr.ErrPhotoRequired
		}

		now := s.clock()
		t.ValidationNote = note
		if approve {
			t.Status = model.TaskValidated
			t.ValidatedAt = &now
		} else {
			t.Status = model.TaskPending
			t.PhotoRef = ""
			t.CompletedAt = nil
		}
		t.UpdatedAt = now
		if err := store.NewTaskStore(tx).Update(ctx, t); err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, apperr.E("validate", "task", taskID, err)
	}

	s.logger.Info("task validated", "task_id", taskID, "approved", approve)
	s.publish(live.ActionUpdated, task)
	return task, nil
}

// DeleteTask removes a pending task. Completed and validated tasks stay.
func (s *Service) DeleteTask(ctx context.Context, taskID, callerID string) error {
	if err := identity.Require(callerID); err != nil {
		return err
	}

	var deleted *model.Task
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx database.DBTX) error {
		t, f, err := loadTask(ctx, tx, taskID, callerID)
		if err != nil {
			return err
		}
		if t.CreatorID != callerID && !f.IsParent(callerID) {
			return errNotCreatorOrParent
		}
		if t.Status.Locked() {
			return apperr.ErrTaskLocked
		}
		if err := store.NewTaskStore(tx).Delete(ctx, taskID); err != nil {
			return err
		}
		t.UpdatedAt = s.clock()
		deleted = t
		return nil
	})
	if err != nil {
		return apperr.E("delete", "task", taskID, err)
	}

	s.publish(live.ActionDeleted, deleted)
	return nil
}

// GetTask returns a task to a member of its family.
func (s *Service) GetTask(ctx context.Context, taskID, callerID string) (*model.Task, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	t, _, err := loadTask(ctx, s.db, taskID, callerID)
	if err != nil {
		return nil, apperr.E("get", "task", taskID, err)
	}
	return t, nil
}

// Snapshot returns the current stored task, or nil when it no longer exists.
// The sync engine compares it with its own last known copy.
func (s *Service) Snapshot(ctx context.Context, taskID string) (*model.Task, error) {
	t, err := store.NewTaskStore(s.db).GetByID(ctx, taskID)
	if err != nil {
		return nil, apperr.E("snapshot", "task", taskID, err)
	}
	return t, nil
}

// GetFamilyTasks lists a family's tasks for one of its members.
func (s *Service) GetFamilyTasks(ctx context.Context, familyID, callerID string, filter model.TaskFilter) ([]model.Task, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Invalid("status", "must be pending, completed or validated")
	}
	if _, err := loadFamily(ctx, s.db, familyID, callerID); err != nil {
		return nil, apperr.E("list", "tasks", familyID, err)
	}
	list, err := store.NewTaskStore(s.db).List(ctx, familyID, filter)
	if err != nil {
		return nil, apperr.E("list", "tasks", familyID, err)
	}
	if list == nil {
		list = []model.Task{}
	}
	return list, nil
}

// GetOverdueTasks lists pending tasks whose due date has passed.
func (s *Service) GetOverdueTasks(ctx context.Context, familyID, callerID string) ([]model.Task, error) {
	pending, err := s.GetFamilyTasks(ctx, familyID, callerID, model.TaskFilter{Status: model.TaskPending})
	if err != nil {
		return nil, err
	}
	now := s.clock()
	overdue := []model.Task{}
	for _, t := range pending {
		if t.Overdue(now) {
			overdue = append(overdue, t)
		}
	}
	return overdue, nil
}

// GetTaskStats summarises a family's tasks.
func (s *Service) GetTaskStats(ctx context.Context, familyID, callerID string) (model.TaskStats, error) {
	list, err := s.GetFamilyTasks(ctx, familyID, callerID, model.TaskFilter{})
	if err != nil {
		return model.TaskStats{}, err
	}
	return ComputeStats(list, s.clock()), nil
}

// ReassignOpenTasks moves fromID's pending tasks to toID. It runs inside the
// family registry's transaction.
func (s *Service) ReassignOpenTasks(ctx context.Context, tx database.DBTX, familyID, fromID, toID string) error {
	n, err := store.NewTaskStore(tx).ReassignOpen(ctx, familyID, fromID, toID, s.clock())
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("reassigned open tasks", "family_id", familyID, "count", n)
	}
	return nil
}

// DeleteFamilyTasks removes every task of a family that is being dissolved.
func (s *Service) DeleteFamilyTasks(ctx context.Context, tx database.DBTX, familyID string) error {
	return store.NewTaskStore(tx).DeleteByFamily(ctx, familyID)
}

// nextOccurrence builds the task that follows t in its series, or nil when
// the rule has run out.
func (s *Service) nextOccurrence(t *model.Task, completedAt time.Time) *model.Task {
	if t.RecurrenceRule == "" {
		return nil
	}
	rule, err := recurrence.Parse(t.RecurrenceRule)
	if err != nil {
		s.logger.Warn("stored recurrence rule does not parse", "task_id", t.ID, "error", err)
		return nil
	}
	if rule.Count > 0 && t.Occurrence >= rule.Count {
		return nil
	}

	from := completedAt
	if t.DueDate != nil {
		from = *t.DueDate
	}
	due, ok := recurrence.Next(rule, from)
	if !ok {
		return nil
	}

	series := t.SeriesID
	if series == "" {
		series = t.ID
	}
	return &model.Task{
		ID:              uuid.NewString(),
		FamilyID:        t.FamilyID,
		Title:           t.Title,
		Description:     t.Description,
		Category:        t.Category,
		AssigneeID:      t.AssigneeID,
		CreatorID:       t.CreatorID,
		DueDate:         &due,
		Priority:        t.Priority,
		RequiresPhoto:   t.RequiresPhoto,
		ReminderEnabled: t.ReminderEnabled,
		ReminderMinutes: t.ReminderMinutes,
		RecurrenceRule:  t.RecurrenceRule,
		SeriesID:        series,
		Occurrence:      t.Occurrence + 1,
		Status:          model.TaskPending,
		CreatedAt:       completedAt,
		UpdatedAt:       completedAt,
	}
}

func (s *Service) premium(ctx context.Context, familyID string) (premium, known bool) {
	if s.oracle == nil {
		return false, false
	}
	p, err := s.oracle.IsPremium(ctx, familyID)
	if err != nil {
		s.logger.Warn("entitlement lookup failed, using stored tier", "family_id", familyID, "error", err)
		return false, false
	}
	return p, true
}

func (s *Service) publish(action string, t *model.Task) {
	if s.events == nil || t == nil {
		return
	}
	s.events.Publish(live.TaskEvent(action, t))
}

func checkCompletable(t *model.Task, callerID string) error {
	if t.AssigneeID != callerID {
		return errNotAssignee
	}
	if t.Status != model.TaskPending {
		return apperr.ErrAlreadyCompleted
	}
	return nil
}

func effectivePremium(f *model.Family, premium, known bool) bool {
	if known {
		return premium
	}
	return f.IsPremium
}

// loadFamily reads the family and checks callerID belongs to it.
func loadFamily(ctx context.Context, db database.DBTX, familyID, callerID string) (*model.Family, error) {
	f, err := store.NewFamilyStore(db).GetByID(ctx, familyID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, apperr.ErrNotFound
	}
	if !f.HasMember(callerID) {
		return nil, apperr.ErrNotMember
	}
	return f, nil
}

// loadTask reads the task and its family and checks callerID belongs to it.
// A task outside the caller's family reads as not found.
func loadTask(ctx context.Context, db database.DBTX, taskID, callerID string) (*model.Task, *model.Family, error) {
	t, err := store.NewTaskStore(db).GetByID(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, apperr.ErrNotFound
	}
	f, err := loadFamily(ctx, db, t.FamilyID, callerID)
	if errors.Is(err, apperr.ErrNotMember) {
		return nil, nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return t, f, nil
}

func dueDate(due *time.Time, now time.Time) (*time.Time, error) {
	if due == nil {
		return nil, nil
	}
	d := due.UTC().Truncate(time.Millisecond)
	if d.Before(now) {
		return nil, apperr.Invalid("due_date", "must not be in the past")
	}
	return &d, nil
}

func canonicalRule(rule string) (string, error) {
	if rule == "" {
		return "", nil
	}
	r, err := recurrence.Parse(rule)
	if err != nil {
		return "", apperr.Invalid("recurrence_rule", "%v", err)
	}
	return r.String(), nil
}
