package apiclient_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/famtask/internal/apiclient"
	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/blob"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/family"
	"github.com/dukerupert/famtask/internal/identity"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/server"
	"github.com/dukerupert/famtask/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	url     string
	family  *model.Family
	clients map[string]*apiclient.Client
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gw := identity.NewJWTGateway("test-secret", "famtask")
	srv := server.New(db, gw, nil, blob.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	f := &fixture{url: ts.URL, clients: map[string]*apiclient.Client{}}
	tokens := map[string]string{}
	for _, id := range []string{"mom", "kid-1"} {
		tok, err := gw.Issue(id, time.Hour)
		require.NoError(t, err)
		tokens[id] = tok
		f.clients[id] = apiclient.New(apiclient.Config{BaseURL: ts.URL + "/", Token: tok})
	}

	var fam model.Family
	post(t, ts.URL+"/api/families", tokens["mom"], map[string]any{"name": "Smiths"}, &fam)
	post(t, ts.URL+"/api/families/join", tokens["kid-1"], map[string]string{"invite_code": fam.InviteCode}, &fam)
	f.family = &fam
	return f
}

func post(t *testing.T, url, token string, body, out any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Less(t, resp.StatusCode, 300)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestTaskRoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	mom, kid := f.clients["mom"], f.clients["kid-1"]

	created, err := mom.CreateTask(ctx, f.family.ID, "", task.CreateInput{
		ID:         "task-1",
		Title:      "Feed the cat",
		AssigneeID: "kid-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", created.ID)
	assert.Equal(t, model.TaskPending, created.Status)

	title := "Feed both cats"
	updated, err := mom.UpdateTask(ctx, "task-1", "", task.Patch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)

	list, err := kid.GetFamilyTasks(ctx, f.family.ID, "", model.TaskFilter{AssigneeID: "kid-1", Status: model.TaskPending})
	require.NoError(t, err)
	require.Len(t, list, 1)

	done, err := kid.CompleteTask(ctx, "task-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, done.Task.Status)
	assert.Nil(t, done.Next)

	validated, err := mom.ValidateTask(ctx, "task-1", "", true, "nice")
	require.NoError(t, err)
	assert.Equal(t, model.TaskValidated, validated.Status)

	// Validated tasks are locked; delete a pending one.
	_, err = mom.CreateTask(ctx, f.family.ID, "", task.CreateInput{ID: "task-2", Title: "Water plants", AssigneeID: "kid-1"})
	require.NoError(t, err)
	require.NoError(t, mom.DeleteTask(ctx, "task-2", ""))
	snap, err := mom.Snapshot(ctx, "task-2")
	require.NoError(t, err)
	assert.Nil(t, snap)

	snap, err = mom.Snapshot(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, model.TaskValidated, snap.Status)
}

func TestFamilyRoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	mom, kid := f.clients["mom"], f.clients["kid-1"]

	got, err := kid.GetFamily(ctx, "", f.family.ID)
	require.NoError(t, err)
	assert.True(t, got.IsParent("mom"))
	assert.True(t, got.HasMember("kid-1"))

	name := "The Smiths"
	updated, err := mom.UpdateFamily(ctx, "", f.family.ID, family.Patch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)

	_, err = kid.UpdateFamily(ctx, "", f.family.ID, family.Patch{Name: &name})
	assert.ErrorIs(t, err, apperr.ErrNotParent)

	regenerated, err := mom.RegenerateInviteCode(ctx, "", f.family.ID)
	require.NoError(t, err)
	assert.NotEqual(t, f.family.InviteCode, regenerated.InviteCode)

	promoted, err := mom.ChangeMemberRole(ctx, "", f.family.ID, "kid-1", model.RoleParent)
	require.NoError(t, err)
	assert.True(t, promoted.IsParent("kid-1"))

	members, err := mom.ListMembers(ctx, "", f.family.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	require.NoError(t, mom.RemoveFamilyMember(ctx, "", f.family.ID, "kid-1"))
	_, err = kid.GetFamily(ctx, "", f.family.ID)
	assert.ErrorIs(t, err, apperr.ErrNotMember)

	err = mom.RemoveFamilyMember(ctx, "", f.family.ID, "mom")
	var fe *apperr.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "member_id", fe.Field)

	require.NoError(t, mom.LeaveFamily(ctx, "", f.family.ID))
	_, err = mom.GetFamily(ctx, "", f.family.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestErrorsKeepTheirKind(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	mom, kid := f.clients["mom"], f.clients["kid-1"]

	_, err := kid.CreateTask(ctx, f.family.ID, "", task.CreateInput{Title: "Homework", AssigneeID: "kid-1"})
	assert.ErrorIs(t, err, apperr.ErrNotParent)
	assert.ErrorIs(t, err, apperr.ErrAuthorizationDenied)

	_, err = mom.CreateTask(ctx, f.family.ID, "", task.CreateInput{Title: "x", AssigneeID: "kid-1"})
	var fe *apperr.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "title", fe.Field)

	_, err = mom.GetTask(ctx, "missing", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = mom.CreateTask(ctx, f.family.ID, "", task.CreateInput{ID: "t", Title: "Dishes", AssigneeID: "kid-1"})
	require.NoError(t, err)
	_, err = kid.CompleteTask(ctx, "t", "", "")
	require.NoError(t, err)
	_, err = kid.CompleteTask(ctx, "t", "", "")
	assert.ErrorIs(t, err, apperr.ErrAlreadyCompleted)
	assert.False(t, apperr.IsTransient(err))

	bad := apiclient.New(apiclient.Config{BaseURL: f.url, Token: "garbage"})
	_, err = bad.GetTask(ctx, "t", "")
	assert.ErrorIs(t, err, apperr.ErrAuthenticationRequired)
}

func TestServerFailuresAreTransient(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := apiclient.New(apiclient.Config{BaseURL: ts.URL, Token: "t", ReadRetries: 1})
	_, err := c.GetTask(context.Background(), "t", "")
	assert.True(t, apperr.IsTransient(err))
	assert.Equal(t, int32(2), calls.Load(), "reads retry once")

	calls.Store(0)
	err = c.DeleteTask(context.Background(), "t", "")
	assert.True(t, apperr.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load(), "writes are left to the sync queue")

	ts.Close()
	_, err = c.CreateTask(context.Background(), "f", "", task.CreateInput{Title: "Dishes"})
	assert.True(t, apperr.IsTransient(err))
}
