package offline

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/blob"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/family"
	"github.com/dukerupert/famtask/internal/live"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/notify"
	"github.com/dukerupert/famtask/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReminders struct {
	mu        sync.Mutex
	scheduled []string
	cancelled []string
}

func (r *fakeReminders) ScheduleTask(_ context.Context, t *model.Task) (notify.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, t.ID)
	return notify.Result{Scheduled: true}, nil
}

func (r *fakeReminders) CancelTaskNotifications(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, taskID)
	return nil
}

func (r *fakeReminders) wasCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.cancelled, id)
}

type tasksFixture struct {
	server    *task.Service
	tasks     *Tasks
	engine    *Engine
	monitor   *Monitor
	reminders *fakeReminders
	family    *model.Family
}

// newTasksFixture wires kid-1's device to a server holding a premium family
// with parent "mom" and children "kid-1" and "kid-2". The device starts
// online.
func newTasksFixture(t *testing.T) *tasksFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	local, err := database.OpenLocal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	logger := discardLogger()
	f := &tasksFixture{monitor: NewMonitor(true), reminders: &fakeReminders{}}
	f.server = task.NewService(db, nil, blob.NewMemory(), nil, logger)
	families := family.NewService(db, f.server, nil, nil, logger)
	f.engine = NewEngine(local, f.monitor, nil, DefaultBackoff(), logger)
	f.tasks = NewTasks(f.server, f.engine, local, f.reminders, "kid-1", logger)

	ctx := context.Background()
	f.family, err = families.CreateFamily(ctx, "mom", "Smiths", true)
	require.NoError(t, err)
	for _, id := range []string{"kid-1", "kid-2"} {
		_, err := families.JoinFamily(ctx, id, f.family.InviteCode, model.RoleChild)
		require.NoError(t, err)
	}
	return f
}

func (f *tasksFixture) create(t *testing.T, in task.CreateInput) *model.Task {
	t.Helper()
	if in.Title == "" {
		in.Title = "Take out trash"
	}
	if in.AssigneeID == "" {
		in.AssigneeID = "kid-1"
	}
	created, err := f.tasks.CreateTask(context.Background(), f.family.ID, "mom", in)
	require.NoError(t, err)
	return created
}

func (f *tasksFixture) replay(t *testing.T) int {
	t.Helper()
	n, err := f.engine.Replay(context.Background())
	require.NoError(t, err)
	return n
}

func ptr[T any](v T) *T { return &v }

func TestOfflineUpdatesReplayInOrderAndMerge(t *testing.T) {
	f := newTasksFixture(t)
	ctx := context.Background()
	created := f.create(t, task.CreateInput{Description: "Both bins"})

	f.monitor.Set(false)
	_, err := f.tasks.UpdateTask(ctx, created.ID, "mom", task.Patch{Title: ptr("Alpha")})
	require.NoError(t, err)
	_, err = f.tasks.UpdateTask(ctx, created.ID, "mom", task.Patch{Title: ptr("Bravo"), Priority: ptr(model.PriorityHigh)})
	require.NoError(t, err)
	local, err := f.tasks.UpdateTask(ctx, created.ID, "mom", task.Patch{Title: ptr("Charlie"), ReminderMinutes: ptr(15)})
	require.NoError(t, err)
	assert.Equal(t, "Charlie", local.Title)
	assert.Equal(t, model.PriorityHigh, local.Priority)

	cached, err := f.tasks.GetTask(ctx, created.ID, "mom")
	require.NoError(t, err)
	assert.Equal(t, "Charlie", cached.Title, "offline reads see local writes")

	// Another device changes a field none of the queued writes touch.
	time.Sleep(2 * time.Millisecond)
	_, err = f.server.UpdateTask(ctx, created.ID, "mom", task.Patch{Description: ptr("Bins and recycling")})
	require.NoError(t, err)

	f.monitor.Set(true)
	assert.Equal(t, 3, f.replay(t))

	got, err := f.server.GetTask(ctx, created.ID, "mom")
	require.NoError(t, err)
	assert.Equal(t, "Charlie", got.Title)
	assert.Equal(t, model.PriorityHigh, got.Priority)
	assert.Equal(t, 15, got.ReminderMinutes)
	assert.Equal(t, "Bins and recycling", got.Description)

	cached, err = f.tasks.GetTask(ctx, created.ID, "mom")
	require.NoError(t, err)
	assert.Equal(t, *got, *cached)
	assert.False(t, f.engine.Gate().Holding(ref(created.ID)))
}

func TestOfflineCreateReplaysWithSameID(t *testing.T) {
	f := newTasksFixture(t)
	ctx := context.Background()

	f.monitor.Set(false)
	local := f.create(t, task.CreateInput{Title: "Feed the cat", Category: "Chores"})
	require.NotEmpty(t, local.ID)
	assert.Equal(t, model.TaskPending, local.Status)

	listed, err := f.tasks.GetFamilyTasks(ctx, f.family.ID, "mom", model.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, local.ID, listed[0].ID)

	f.monitor.Set(true)
	assert.Equal(t, 1, f.replay(t))

	got, err := f.server.GetTask(ctx, local.ID, "mom")
	require.NoError(t, err)
	assert.Equal(t, "Feed the cat", got.Title)

	listed, err = f.tasks.GetFamilyTasks(ctx, f.family.ID, "mom", model.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestOfflineCompletionChecks(t *testing.T) {
	f := newTasksFixture(t)
	ctx := context.Background()
	plain := f.create(t, task.CreateInput{})
	photo := f.create(t, task.CreateInput{Title: "Clean room", RequiresPhoto: true})

	f.monitor.Set(false)
	_, err := f.tasks.CompleteTask(ctx, plain.ID, "kid-2", "")
	assert.ErrorIs(t, err, apperr.ErrAuthorizationDenied)
	_, err = f.tasks.CompleteTask(ctx, photo.ID, "kid-1", "")
	assert.ErrorIs(t, err, apperr.ErrPhotoRequired)

	done, err := f.tasks.CompleteTask(ctx, plain.ID, "kid-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, done.Task.Status)
	assert.True(t, f.reminders.wasCancelled(plain.ID))

	_, err = f.tasks.CompleteTask(ctx, plain.ID, "kid-1", "")
	assert.ErrorIs(t, err, apperr.ErrAlreadyCompleted)
	_, err = f.tasks.UpdateTask(ctx, plain.ID, "mom", task.Patch{Title: ptr("late edit")})
	assert.ErrorIs(t, err, apperr.ErrTaskLocked)

	validated, err := f.tasks.ValidateTask(ctx, plain.ID, "mom", true, "nice")
	require.NoError(t, err)
	assert.Equal(t, model.TaskValidated, validated.Status)

	f.monitor.Set(true)
	assert.Equal(t, 2, f.replay(t))
	got, err := f.server.GetTask(ctx, plain.ID, "mom")
	require.NoError(t, err)
	assert.Equal(t, model.TaskValidated, got.Status)
	assert.Equal(t, "nice", got.ValidationNote)
}

func TestOfflineDelete(t *testing.T) {
	f := newTasksFixture(t)
	ctx := context.Background()
	first := f.create(t, task.CreateInput{})
	second := f.create(t, task.CreateInput{Title: "Walk the dog"})

	f.monitor.Set(false)
	require.NoError(t, f.tasks.DeleteTask(ctx, first.ID, "mom"))
	require.NoError(t, f.tasks.DeleteTask(ctx, second.ID, "mom"))
	assert.True(t, f.reminders.wasCancelled(first.ID))

	_, err := f.tasks.GetTask(ctx, first.ID, "mom")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// Someone else already deleted the second task.
	require.NoError(t, f.server.DeleteTask(ctx, second.ID, "mom"))

	f.monitor.Set(true)
	assert.Equal(t, 2, f.replay(t))
	gone, err := f.server.Snapshot(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	failed, err := f.tasks.Failed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestConflictingReplayFailsAndCanBeDiscarded(t *testing.T) {
	f := newTasksFixture(t)
	ctx := context.Background()
	created := f.create(t, task.CreateInput{})

	f.monitor.Set(false)
	f.engine.now = func() time.Time { return time.Now().Add(-time.Hour) }
	_, err := f.tasks.UpdateTask(ctx, created.ID, "mom", task.Patch{Title: ptr("Local title")})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	_, err = f.server.UpdateTask(ctx, created.ID, "mom", task.Patch{Title: ptr("Server title")})
	require.NoError(t, err)

	var notified []model.QueuedOperation
	f.engine.OnFailed(func(op model.QueuedOperation) { notified = append(notified, op) })

	f.monitor.Set(true)
	assert.Zero(t, f.replay(t))

	failed, err := f.tasks.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "conflict")
	require.Len(t, notified, 1)

	cached, err := f.tasks.GetTask(ctx, created.ID, "mom")
	require.NoError(t, err)
	assert.Equal(t, "Local title", cached.Title, "failed write stays visible until resolved")

	require.NoError(t, f.tasks.Discard(ctx, failed[0].Seq))
	cached, err = f.tasks.GetTask(ctx, created.ID, "mom")
	require.NoError(t, err)
	assert.Equal(t, "Server title", cached.Title)
	assert.False(t, f.engine.Gate().Holding(ref(created.ID)))
}

func TestLiveEventsUpdateCache(t *testing.T) {
	f := newTasksFixture(t)
	ctx := context.Background()
	created := f.create(t, task.CreateInput{})

	remote := *created
	remote.Title = "Renamed elsewhere"
	remote.UpdatedAt = created.UpdatedAt.Add(time.Minute)
	f.tasks.HandleEvent(live.TaskEvent(live.ActionUpdated, &remote))

	f.monitor.Set(false)
	cached, err := f.tasks.GetTask(ctx, created.ID, "mom")
	require.NoError(t, err)
	assert.Equal(t, "Renamed elsewhere", cached.Title)

	stale := *created
	stale.Title = "Stale"
	stale.UpdatedAt = created.UpdatedAt.Add(30 * time.Second)
	f.tasks.HandleEvent(live.Event{Type: "snapshot", Action: live.ActionSnapshot, Tasks: []model.Task{stale}})
	cached, err = f.tasks.GetTask(ctx, created.ID, "mom")
	require.NoError(t, err)
	assert.Equal(t, "Renamed elsewhere", cached.Title)

	f.tasks.HandleEvent(live.TaskEvent(live.ActionDeleted, &remote))
	_, err = f.tasks.GetTask(ctx, created.ID, "mom")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.True(t, f.reminders.wasCancelled(created.ID))
}

func TestLiveEventsWaitForReplay(t *testing.T) {
	f := newTasksFixture(t)
	ctx := context.Background()
	created := f.create(t, task.CreateInput{})

	f.monitor.Set(false)
	_, err := f.tasks.UpdateTask(ctx, created.ID, "mom", task.Patch{Title: ptr("Mine")})
	require.NoError(t, err)

	remote := *created
	remote.Description = "From the feed"
	remote.UpdatedAt = created.UpdatedAt.Add(time.Millisecond)
	f.tasks.HandleEvent(live.TaskEvent(live.ActionUpdated, &remote))

	cached, err := f.tasks.GetTask(ctx, created.ID, "mom")
	require.NoError(t, err)
	assert.Equal(t, "Mine", cached.Title, "held event must not clobber the queued write")

	// The replayed write lands after the held event.
	time.Sleep(5 * time.Millisecond)
	f.monitor.Set(true)
	assert.Equal(t, 1, f.replay(t))

	cached, err = f.tasks.GetTask(ctx, created.ID, "mom")
	require.NoError(t, err)
	assert.Equal(t, "Mine", cached.Title)
}

func TestOfflineWritesAreCheckedBeforeQueueing(t *testing.T) {
	f := newTasksFixture(t)
	ctx := context.Background()
	created := f.create(t, task.CreateInput{})

	f.monitor.Set(false)
	var fe *apperr.FieldError
	_, err := f.tasks.CreateTask(ctx, f.family.ID, "mom", task.CreateInput{Title: "No", AssigneeID: "kid-1"})
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, task.FieldTitle, fe.Field)

	_, err = f.tasks.UpdateTask(ctx, created.ID, "mom", task.Patch{DueDate: ptr(time.Now().Add(-time.Hour))})
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, task.FieldDueDate, fe.Field)

	_, err = f.tasks.UpdateTask(ctx, created.ID, "mom", task.Patch{Description: ptr("<script>x</script>")})
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, task.FieldDescription, fe.Field)

	pending, err := f.engine.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "rejected writes must not be queued")
	assert.False(t, f.engine.Gate().Holding(ref(created.ID)))
}

func TestRemindersOnlyForDeviceMember(t *testing.T) {
	f := newTasksFixture(t)
	ctx := context.Background()
	mine := f.create(t, task.CreateInput{ReminderEnabled: true})
	theirs := f.create(t, task.CreateInput{Title: "Walk the dog", AssigneeID: "kid-2", ReminderEnabled: true})

	assert.Contains(t, f.reminders.scheduled, mine.ID)
	assert.NotContains(t, f.reminders.scheduled, theirs.ID)

	// Reassigning away from this device's member drops its reminders.
	f.monitor.Set(false)
	_, err := f.tasks.UpdateTask(ctx, mine.ID, "mom", task.Patch{AssigneeID: ptr("kid-2")})
	require.NoError(t, err)
	assert.True(t, f.reminders.wasCancelled(mine.ID))
}
