package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/identity"
	"github.com/dukerupert/famtask/internal/live"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/notify"
	"github.com/dukerupert/famtask/internal/sanitize"
	"github.com/dukerupert/famtask/internal/store"
	"github.com/dukerupert/famtask/internal/task"
	"github.com/google/uuid"
)

// Replayable task methods.
const (
	MethodTaskCreate   = "task.create"
	MethodTaskUpdate   = "task.update"
	MethodTaskComplete = "task.complete"
	MethodTaskValidate = "task.validate"
	MethodTaskDelete   = "task.delete"
)

// TaskService is the server side of the task API.
type TaskService interface {
	CreateTask(ctx context.Context, familyID, creatorID string, in task.CreateInput) (*model.Task, error)
	UpdateTask(ctx context.Context, taskID, callerID string, patch task.Patch) (*model.Task, error)
	CompleteTask(ctx context.Context, taskID, callerID, photoRef string) (*task.Completion, error)
	ValidateTask(ctx context.Context, taskID, parentID string, approve bool, note string) (*model.Task, error)
	DeleteTask(ctx context.Context, taskID, callerID string) error
	GetTask(ctx context.Context, taskID, callerID string) (*model.Task, error)
	GetFamilyTasks(ctx context.Context, familyID, callerID string, filter model.TaskFilter) ([]model.Task, error)
	Snapshot(ctx context.Context, taskID string) (*model.Task, error)
}

// Reminders is the part of the notification scheduler the facade drives.
type Reminders interface {
	ScheduleTask(ctx context.Context, t *model.Task) (notify.Result, error)
	CancelTaskNotifications(ctx context.Context, taskID string) error
}

type createPayload struct {
	FamilyID string           `json:"family_id"`
	Input    task.CreateInput `json:"input"`
}

type updatePayload struct {
	Patch task.Patch  `json:"patch"`
	Base  *model.Task `json:"base,omitempty"`
}

type completePayload struct {
	PhotoRef string `json:"photo_ref,omitempty"`
}

type validatePayload struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note,omitempty"`
}

// Tasks is the task API as the device sees it. Writes go through the
// engine and reads fall back to the local cache while offline.
type Tasks struct {
	svc       TaskService
	engine    *Engine
	cache     *store.TaskCacheStore
	reminders Reminders
	memberID  string
	logger    *slog.Logger
	now       func() time.Time
}

// NewTasks registers the task handlers with engine and routes task events
// that leave its gate into the cache. reminders may be nil; when set, only
// tasks assigned to memberID get reminders on this device.
func NewTasks(svc TaskService, engine *Engine, local database.DBTX, reminders Reminders, memberID string, logger *slog.Logger) *Tasks {
	t := &Tasks{
		svc:       svc,
		engine:    engine,
		cache:     store.NewTaskCacheStore(local),
		reminders: reminders,
		memberID:  memberID,
		logger:    logger.With("component", "offline.tasks"),
		now:       time.Now,
	}
	engine.Handle(MethodTaskCreate, t.replayCreate)
	engine.Handle(MethodTaskUpdate, t.replayUpdate)
	engine.Handle(MethodTaskComplete, t.replayComplete)
	engine.Handle(MethodTaskValidate, t.replayValidate)
	engine.Handle(MethodTaskDelete, t.replayDelete)
	engine.Gate().Route(model.EntityTask, t.apply)
	return t
}

func (t *Tasks) clock() time.Time {
	return t.now().UTC().Truncate(time.Millisecond)
}

func ref(id string) model.EntityRef {
	return model.EntityRef{Kind: model.EntityTask, ID: id}
}

// CreateTask creates the task, or queues it and returns the optimistic
// task. The id is fixed up front so a replay cannot duplicate it.
func (t *Tasks) CreateTask(ctx context.Context, familyID, creatorID string, in task.CreateInput) (*model.Task, error) {
	if err := identity.Require(creatorID); err != nil {
		return nil, err
	}
	in, err := task.CheckInput(in, t.clock())
	if err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	out, err := t.engine.Submit(ctx, Request{
		Kind:     model.OpCreate,
		Entity:   ref(in.ID),
		Method:   MethodTaskCreate,
		CallerID: creatorID,
		Payload:  createPayload{FamilyID: familyID, Input: in},
	})
	if err != nil {
		return nil, err
	}
	if !out.Queued {
		return out.Value.(*model.Task), nil
	}

	now := t.clock()
	optimistic := &model.Task{
		ID:              in.ID,
		FamilyID:        familyID,
		Title:           in.Title,
		Description:     in.Description,
		Category:        in.Category,
		AssigneeID:      in.AssigneeID,
		CreatorID:       creatorID,
		DueDate:         in.DueDate,
		Priority:        in.Priority,
		RequiresPhoto:   in.RequiresPhoto,
		ReminderEnabled: in.ReminderEnabled,
		ReminderMinutes: in.ReminderMinutes,
		RecurrenceRule:  in.RecurrenceRule,
		Occurrence:      1,
		Status:          model.TaskPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	t.remember(ctx, optimistic)
	return optimistic, nil
}

// UpdateTask patches the task. A queued update records the cached copy as
// its base so replay can tell what the server changed meanwhile.
func (t *Tasks) UpdateTask(ctx context.Context, taskID, callerID string, patch task.Patch) (*model.Task, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	patch, err := task.CheckPatch(patch, t.clock())
	if err != nil {
		return nil, err
	}
	base, err := t.known(ctx, taskID, callerID)
	if err != nil {
		return nil, wrap("update", "task", taskID, err)
	}
	if base.Status.Locked() {
		return nil, apperr.E("update", "task", taskID, apperr.ErrTaskLocked)
	}
	out, err := t.engine.Submit(ctx, Request{
		Kind:          model.OpUpdate,
		Entity:        ref(taskID),
		Method:        MethodTaskUpdate,
		CallerID:      callerID,
		Payload:       updatePayload{Patch: patch, Base: base},
		BaseUpdatedAt: &base.UpdatedAt,
	})
	if err != nil {
		return nil, err
	}
	if !out.Queued {
		return out.Value.(*model.Task), nil
	}

	optimistic := *base
	patch.Apply(&optimistic)
	t.remember(ctx, &optimistic)
	return &optimistic, nil
}

// CompleteTask completes the task. The assignee, status and photo rules are
// checked against the cached copy before anything is queued.
func (t *Tasks) CompleteTask(ctx context.Context, taskID, callerID, photoRef string) (*task.Completion, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	cached, err := t.known(ctx, taskID, callerID)
	if err != nil {
		return nil, wrap("complete", "task", taskID, err)
	}
	switch {
	case cached.AssigneeID != callerID:
		return nil, apperr.E("complete", "task", taskID, fmt.Errorf("%w: only the assignee can complete this task", apperr.ErrAuthorizationDenied))
	case cached.Status != model.TaskPending:
		return nil, apperr.E("complete", "task", taskID, apperr.ErrAlreadyCompleted)
	case cached.RequiresPhoto && photoRef == "":
		return nil, apperr.E("complete", "task", taskID, apperr.ErrPhotoRequired)
	}

	out, err := t.engine.Submit(ctx, Request{
		Kind:          model.OpUpdate,
		Entity:        ref(taskID),
		Method:        MethodTaskComplete,
		CallerID:      callerID,
		Payload:       completePayload{PhotoRef: photoRef},
		BaseUpdatedAt: &cached.UpdatedAt,
	})
	if err != nil {
		return nil, err
	}
	if !out.Queued {
		return out.Value.(*task.Completion), nil
	}

	now := t.clock()
	optimistic := *cached
	optimistic.Status = model.TaskCompleted
	optimistic.PhotoRef = photoRef
	optimistic.CompletedAt = &now
	t.remember(ctx, &optimistic)
	return &task.Completion{Task: &optimistic}, nil
}

// ValidateTask approves or rejects a completed task.
func (t *Tasks) ValidateTask(ctx context.Context, taskID, parentID string, approve bool, note string) (*model.Task, error) {
	if err := identity.Require(parentID); err != nil {
		return nil, err
	}
	cached, err := t.known(ctx, taskID, parentID)
	if err != nil {
		return nil, wrap("validate", "task", taskID, err)
	}
	switch cached.Status {
	case model.TaskValidated:
		return nil, apperr.E("validate", "task", taskID, apperr.ErrTaskLocked)
	case model.TaskPending:
		return nil, apperr.E("validate", "task", taskID, apperr.Invalid("status", "task has not been completed"))
	}

	out, err := t.engine.Submit(ctx, Request{
		Kind:          model.OpUpdate,
		Entity:        ref(taskID),
		Method:        MethodTaskValidate,
		CallerID:      parentID,
		Payload:       validatePayload{Approve: approve, Note: note},
		BaseUpdatedAt: &cached.UpdatedAt,
	})
	if err != nil {
		return nil, err
	}
	if !out.Queued {
		return out.Value.(*model.Task), nil
	}

	optimistic := *cached
	optimistic.ValidationNote = sanitize.Text(note)
	if approve {
		now := t.clock()
		optimistic.Status = model.TaskValidated
		optimistic.ValidatedAt = &now
	} else {
		optimistic.Status = model.TaskPending
		optimistic.PhotoRef = ""
		optimistic.CompletedAt = nil
	}
	t.remember(ctx, &optimistic)
	return &optimistic, nil
}

// DeleteTask deletes the task, or queues the delete and drops it locally.
func (t *Tasks) DeleteTask(ctx context.Context, taskID, callerID string) error {
	if err := identity.Require(callerID); err != nil {
		return err
	}
	cached, err := t.known(ctx, taskID, callerID)
	if err != nil {
		return wrap("delete", "task", taskID, err)
	}
	if cached.Status.Locked() {
		return apperr.E("delete", "task", taskID, apperr.ErrTaskLocked)
	}
	out, err := t.engine.Submit(ctx, Request{
		Kind:          model.OpDelete,
		Entity:        ref(taskID),
		Method:        MethodTaskDelete,
		CallerID:      callerID,
		BaseUpdatedAt: &cached.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if out.Queued {
		t.forget(ctx, taskID)
	}
	return nil
}

// GetTask reads from the server when online and from the cache otherwise.
func (t *Tasks) GetTask(ctx context.Context, taskID, callerID string) (*model.Task, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	got, err := t.known(ctx, taskID, callerID)
	if err != nil {
		return nil, wrap("get", "task", taskID, err)
	}
	return got, nil
}

// GetFamilyTasks lists from the server when online, overlaying the local
// copies of tasks with queued writes. Offline it filters the cache.
func (t *Tasks) GetFamilyTasks(ctx context.Context, familyID, callerID string, filter model.TaskFilter) ([]model.Task, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Invalid("status", "must be pending, completed or validated")
	}
	if t.engine.Monitor().Online() {
		list, err := t.svc.GetFamilyTasks(ctx, familyID, callerID, model.TaskFilter{})
		if err == nil {
			return t.merged(ctx, familyID, list, filter)
		}
		if !apperr.IsTransient(err) {
			return nil, err
		}
	}
	cached, err := t.cache.ListByFamily(ctx, familyID)
	if err != nil {
		return nil, apperr.E("list", "tasks", familyID, err)
	}
	return filterTasks(cached, filter), nil
}

func (t *Tasks) merged(ctx context.Context, familyID string, server []model.Task, filter model.TaskFilter) ([]model.Task, error) {
	cached, err := t.cache.ListByFamily(ctx, familyID)
	if err != nil {
		return nil, apperr.E("list", "tasks", familyID, err)
	}
	local := make(map[string]model.Task)
	for _, c := range cached {
		if t.engine.Gate().Holding(ref(c.ID)) {
			local[c.ID] = c
		}
	}
	var out []model.Task
	for _, s := range server {
		if c, ok := local[s.ID]; ok {
			out = append(out, c)
			delete(local, s.ID)
			continue
		}
		if !t.engine.Gate().Holding(ref(s.ID)) {
			t.cachePut(ctx, &s)
			out = append(out, s)
		}
	}
	for _, c := range cached {
		if _, ok := local[c.ID]; ok {
			out = append(out, c)
		}
	}
	return filterTasks(out, filter), nil
}

func filterTasks(list []model.Task, f model.TaskFilter) []model.Task {
	out := []model.Task{}
	for _, t := range list {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AssigneeID != "" && t.AssigneeID != f.AssigneeID {
			continue
		}
		if f.Category != "" && t.Category != f.Category {
			continue
		}
		out = append(out, t)
	}
	return out
}

// GetOverdueTasks lists pending tasks past their due date.
func (t *Tasks) GetOverdueTasks(ctx context.Context, familyID, callerID string) ([]model.Task, error) {
	pending, err := t.GetFamilyTasks(ctx, familyID, callerID, model.TaskFilter{Status: model.TaskPending})
	if err != nil {
		return nil, err
	}
	now := t.clock()
	overdue := []model.Task{}
	for _, p := range pending {
		if p.Overdue(now) {
			overdue = append(overdue, p)
		}
	}
	return overdue, nil
}

func (t *Tasks) GetTaskStats(ctx context.Context, familyID, callerID string) (model.TaskStats, error) {
	list, err := t.GetFamilyTasks(ctx, familyID, callerID, model.TaskFilter{})
	if err != nil {
		return model.TaskStats{}, err
	}
	return task.ComputeStats(list, t.clock()), nil
}

// Failed lists writes that replay gave up on.
func (t *Tasks) Failed(ctx context.Context) ([]model.QueuedOperation, error) {
	return t.engine.Failed(ctx)
}

func (t *Tasks) Retry(ctx context.Context, seq int64) error {
	return t.engine.Retry(ctx, seq)
}

// Discard drops a failed write and, when online, reloads the task from the
// server so the cache stops showing the discarded change.
func (t *Tasks) Discard(ctx context.Context, seq int64) error {
	op, err := t.engine.Discard(ctx, seq)
	if err != nil {
		return err
	}
	if op.Entity.Kind != model.EntityTask || !t.engine.Monitor().Online() {
		return nil
	}
	current, err := t.svc.Snapshot(ctx, op.Entity.ID)
	if err != nil {
		t.logger.Warn("reload discarded task", "task_id", op.Entity.ID, "error", err)
		return nil
	}
	if current == nil {
		t.forget(ctx, op.Entity.ID)
		return nil
	}
	t.remember(ctx, current)
	return nil
}

// HandleEvent takes an event from the live feed. Snapshots are split into
// one event per task.
func (t *Tasks) HandleEvent(ev live.Event) {
	if ev.Action == live.ActionSnapshot {
		for i := range ev.Tasks {
			t.engine.Gate().Offer(live.TaskEvent(live.ActionUpdated, &ev.Tasks[i]))
		}
		return
	}
	if ev.Entity == model.EntityTask {
		t.engine.Gate().Offer(ev)
	}
}

// apply writes an event that passed the gate into the cache.
func (t *Tasks) apply(ev live.Event) {
	ctx := context.Background()
	if ev.Action == live.ActionDeleted {
		t.forget(ctx, ev.ID)
		return
	}
	if ev.Task == nil {
		return
	}
	cached, err := t.cache.Get(ctx, ev.ID)
	if err != nil {
		t.logger.Error("read cached task", "task_id", ev.ID, "error", err)
		return
	}
	if cached != nil && cached.UpdatedAt.After(ev.Task.UpdatedAt) {
		return
	}
	t.remember(ctx, ev.Task)
}

// known returns the server copy when it can be fetched and nothing is
// queued for the task, else this device's cached copy.
func (t *Tasks) known(ctx context.Context, taskID, callerID string) (*model.Task, error) {
	if t.engine.Monitor().Online() && !t.engine.Gate().Holding(ref(taskID)) {
		got, err := t.svc.GetTask(ctx, taskID, callerID)
		if err == nil {
			t.cachePut(ctx, got)
			return got, nil
		}
		if !apperr.IsTransient(err) {
			return nil, err
		}
	}
	cached, err := t.cache.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, apperr.ErrNotFound
	}
	return cached, nil
}

func (t *Tasks) replayCreate(ctx context.Context, op *model.QueuedOperation, _ *time.Time) (Result, error) {
	var p createPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return Result{}, fmt.Errorf("decode %s payload: %w", op.Method, err)
	}
	created, err := t.svc.CreateTask(ctx, p.FamilyID, op.CallerID, p.Input)
	if err != nil {
		return Result{}, err
	}
	t.remember(ctx, created)
	return Result{UpdatedAt: &created.UpdatedAt, Value: created}, nil
}

func (t *Tasks) replayUpdate(ctx context.Context, op *model.QueuedOperation, lastKnown *time.Time) (Result, error) {
	var p updatePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return Result{}, fmt.Errorf("decode %s payload: %w", op.Method, err)
	}
	current, err := t.svc.Snapshot(ctx, op.Entity.ID)
	if err != nil {
		return Result{}, err
	}
	if current == nil {
		return Result{}, apperr.E("update", "task", op.Entity.ID, apperr.ErrNotFound)
	}

	d, err := Resolve(p.Base, current, p.Patch, lastKnown, op.EnqueuedAt)
	if err != nil {
		return Result{}, apperr.E("update", "task", op.Entity.ID, err)
	}
	if d.Strategy != StrategyApply {
		t.logger.Info("resolved concurrent edit", "task_id", op.Entity.ID, "strategy", d.Strategy, "overlap", d.Overlap)
	}

	updated, err := t.svc.UpdateTask(ctx, op.Entity.ID, op.CallerID, d.Patch)
	if err != nil {
		return Result{}, err
	}
	t.remember(ctx, updated)
	return Result{UpdatedAt: &updated.UpdatedAt, Value: updated}, nil
}

func (t *Tasks) replayComplete(ctx context.Context, op *model.QueuedOperation, _ *time.Time) (Result, error) {
	var p completePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return Result{}, fmt.Errorf("decode %s payload: %w", op.Method, err)
	}
	c, err := t.svc.CompleteTask(ctx, op.Entity.ID, op.CallerID, p.PhotoRef)
	if err != nil {
		return Result{}, err
	}
	t.remember(ctx, c.Task)
	if c.Next != nil {
		t.remember(ctx, c.Next)
	}
	return Result{UpdatedAt: &c.Task.UpdatedAt, Value: c}, nil
}

func (t *Tasks) replayValidate(ctx context.Context, op *model.QueuedOperation, _ *time.Time) (Result, error) {
	var p validatePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return Result{}, fmt.Errorf("decode %s payload: %w", op.Method, err)
	}
	validated, err := t.svc.ValidateTask(ctx, op.Entity.ID, op.CallerID, p.Approve, p.Note)
	if err != nil {
		return Result{}, err
	}
	t.remember(ctx, validated)
	return Result{UpdatedAt: &validated.UpdatedAt, Value: validated}, nil
}

// replayDelete treats a task that is already gone as deleted.
func (t *Tasks) replayDelete(ctx context.Context, op *model.QueuedOperation, _ *time.Time) (Result, error) {
	err := t.svc.DeleteTask(ctx, op.Entity.ID, op.CallerID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return Result{}, err
	}
	t.forget(ctx, op.Entity.ID)
	return Result{}, nil
}

// remember caches tk and brings its reminders in line with it. Only open
// tasks assigned to this device's member keep reminders.
func (t *Tasks) remember(ctx context.Context, tk *model.Task) {
	t.cachePut(ctx, tk)
	if t.reminders == nil {
		return
	}
	if tk.Status != model.TaskPending || tk.AssigneeID != t.memberID {
		if err := t.reminders.CancelTaskNotifications(ctx, tk.ID); err != nil {
			t.logger.Warn("cancel reminders", "task_id", tk.ID, "error", err)
		}
		return
	}
	if _, err := t.reminders.ScheduleTask(ctx, tk); err != nil {
		t.logger.Warn("schedule reminders", "task_id", tk.ID, "error", err)
	}
}

func (t *Tasks) forget(ctx context.Context, taskID string) {
	if err := t.cache.Delete(ctx, taskID); err != nil {
		t.logger.Error("uncache task", "task_id", taskID, "error", err)
	}
	if t.reminders != nil {
		if err := t.reminders.CancelTaskNotifications(ctx, taskID); err != nil {
			t.logger.Warn("cancel reminders", "task_id", taskID, "error", err)
		}
	}
}

func (t *Tasks) cachePut(ctx context.Context, tk *model.Task) {
	if err := t.cache.Put(ctx, tk); err != nil {
		t.logger.Error("cache task", "task_id", tk.ID, "error", err)
	}
}

// wrap adds operation context unless err already carries it.
func wrap(op, entity, id string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.E(op, entity, id, err)
}
