package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/dukerupert/famtask/internal/blob"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/identity"
	"github.com/dukerupert/famtask/internal/live"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type apiClient struct {
	t      *testing.T
	url    string
	tokens map[string]string
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gw := identity.NewJWTGateway("test-secret", "famtask")
	srv := New(db, gw, nil, blob.NewMemory(), discardLogger())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	c := &apiClient{t: t, url: ts.URL, tokens: map[string]string{}}
	for _, id := range []string{"mom", "kid-1", "stranger"} {
		tok, err := gw.Issue(id, time.Hour)
		require.NoError(t, err)
		c.tokens[id] = tok
	}
	return c
}

// do sends body as JSON (or raw when it is a *bytes.Buffer) and decodes the
// response into out when out is non-nil.
func (c *apiClient) do(as, method, path string, body any, out any) int {
	c.t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.url+path, rdr)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+c.tokens[as])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type apiError struct {
	Error string `json:"error"`
	Field string `json:"field"`
}

func (c *apiClient) family(premium bool) *model.Family {
	c.t.Helper()
	var f model.Family
	status := c.do("mom", "POST", "/api/families", map[string]any{"name": "Smiths", "is_premium": premium}, &f)
	require.Equal(c.t, http.StatusCreated, status)
	status = c.do("kid-1", "POST", "/api/families/join", map[string]string{"invite_code": strings.ToLower(f.InviteCode)}, &f)
	require.Equal(c.t, http.StatusOK, status)
	return &f
}

func TestHealthNeedsNoAuth(t *testing.T) {
	api := newAPI(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, api.do("", "GET", "/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	api := newAPI(t)
	f := api.family(false)
	assert.Equal(t, []string{"kid-1"}, f.ChildIDs)

	var e apiError
	assert.Equal(t, http.StatusUnauthorized, api.do("", "POST", "/api/families/"+f.ID+"/tasks", map[string]string{"title": "x"}, nil))
	assert.Equal(t, http.StatusForbidden, api.do("kid-1", "POST", "/api/families/"+f.ID+"/tasks",
		map[string]string{"title": "Homework", "assignee_id": "kid-1"}, &e))
	assert.Equal(t, http.StatusBadRequest, api.do("mom", "POST", "/api/families/"+f.ID+"/tasks",
		map[string]string{"title": "", "assignee_id": "kid-1"}, &e))
	assert.Equal(t, "title", e.Field)

	var created model.Task
	require.Equal(t, http.StatusCreated, api.do("mom", "POST", "/api/families/"+f.ID+"/tasks",
		map[string]string{"title": "Take out trash", "assignee_id": "kid-1"}, &created))
	assert.Equal(t, model.TaskPending, created.Status)

	assert.Equal(t, http.StatusNotFound, api.do("stranger", "GET", "/api/tasks/"+created.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, api.do("mom", "GET", "/api/tasks/nope", nil, nil))

	var updated model.Task
	require.Equal(t, http.StatusOK, api.do("mom", "PUT", "/api/tasks/"+created.ID, map[string]string{"title": "Trash and recycling"}, &updated))
	assert.Equal(t, "Trash and recycling", updated.Title)

	var done struct {
		Task model.Task `json:"task"`
	}
	require.Equal(t, http.StatusOK, api.do("kid-1", "POST", "/api/tasks/"+created.ID+"/complete", nil, &done))
	assert.Equal(t, model.TaskCompleted, done.Task.Status)
	assert.Equal(t, http.StatusConflict, api.do("kid-1", "POST", "/api/tasks/"+created.ID+"/complete", nil, nil))
	assert.Equal(t, http.StatusConflict, api.do("mom", "DELETE", "/api/tasks/"+created.ID, nil, nil))

	var validated model.Task
	require.Equal(t, http.StatusOK, api.do("mom", "POST", "/api/tasks/"+created.ID+"/validate", map[string]any{"approve": true, "note": "thanks"}, &validated))
	assert.Equal(t, model.TaskValidated, validated.Status)

	var list []model.Task
	require.Equal(t, http.StatusOK, api.do("mom", "GET", "/api/families/"+f.ID+"/tasks?status=validated", nil, &list))
	assert.Len(t, list, 1)
	require.Equal(t, http.StatusOK, api.do("mom", "GET", "/api/families/"+f.ID+"/tasks?status=pending", nil, &list))
	assert.Empty(t, list)
	assert.Equal(t, http.StatusBadRequest, api.do("mom", "GET", "/api/families/"+f.ID+"/tasks?status=bogus", nil, nil))

	var stats model.TaskStats
	require.Equal(t, http.StatusOK, api.do("mom", "GET", "/api/families/"+f.ID+"/tasks/stats", nil, &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Completed)

	var overdue []model.Task
	require.Equal(t, http.StatusOK, api.do("mom", "GET", "/api/families/"+f.ID+"/tasks/overdue", nil, &overdue))
	assert.Empty(t, overdue)
}

func TestFamilyRoutes(t *testing.T) {
	api := newAPI(t)
	f := api.family(false)

	var e apiError
	assert.Equal(t, http.StatusBadRequest, api.do("stranger", "POST", "/api/families/join", map[string]string{"invite_code": "ZZZ"}, &e))
	assert.Equal(t, http.StatusForbidden, api.do("kid-1", "POST", "/api/families/"+f.ID+"/invite-code", nil, nil))
	assert.Equal(t, http.StatusBadRequest, api.do("mom", "DELETE", "/api/families/"+f.ID+"/members/mom", nil, &e))
	assert.Equal(t, "member_id", e.Field)
	assert.Equal(t, http.StatusConflict, api.do("mom", "PUT", "/api/families/"+f.ID+"/members/mom/role", map[string]string{"role": "child"}, nil),
		"the last parent cannot be demoted")

	var members []model.Member
	require.Equal(t, http.StatusOK, api.do("kid-1", "GET", "/api/families/"+f.ID+"/members", nil, &members))
	assert.Len(t, members, 2)

	var got model.Family
	require.Equal(t, http.StatusOK, api.do("mom", "PUT", "/api/families/"+f.ID+"/members/kid-1/role", map[string]string{"role": "parent"}, &got))
	assert.ElementsMatch(t, []string{"mom", "kid-1"}, got.ParentIDs)

	assert.Equal(t, http.StatusNoContent, api.do("mom", "DELETE", "/api/families/"+f.ID+"/members/kid-1", nil, nil))
	assert.Equal(t, http.StatusForbidden, api.do("kid-1", "GET", "/api/families/"+f.ID, nil, nil))
}

func TestCompleteWithPhotoUpload(t *testing.T) {
	api := newAPI(t)
	f := api.family(true)

	var created model.Task
	require.Equal(t, http.StatusCreated, api.do("mom", "POST", "/api/families/"+f.ID+"/tasks",
		map[string]any{"title": "Clean room", "assignee_id": "kid-1", "requires_photo": true}, &created))

	var e apiError
	assert.Equal(t, http.StatusBadRequest, api.do("kid-1", "POST", "/api/tasks/"+created.ID+"/complete", map[string]string{}, &e))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="photo"; filename="room.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	part.Write([]byte("\xff\xd8\xff\xe0 not really a jpeg"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest("POST", api.url+"/api/tasks/"+created.ID+"/complete", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+api.tokens["kid-1"])
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var done struct {
		Task model.Task `json:"task"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&done))
	assert.Equal(t, model.TaskCompleted, done.Task.Status)
	assert.NotEmpty(t, done.Task.PhotoRef)
}

func TestLiveFeedThroughRouter(t *testing.T) {
	api := newAPI(t)
	f := api.family(false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+api.tokens["kid-1"])
	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(api.url, "http")+"/ws?family_id="+f.ID, &ws.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer conn.CloseNow()

	var snap live.Event
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, live.ActionSnapshot, snap.Action)

	var created model.Task
	require.Equal(t, http.StatusCreated, api.do("mom", "POST", "/api/families/"+f.ID+"/tasks",
		map[string]string{"title": "Feed the cat", "assignee_id": "kid-1"}, &created))

	var ev live.Event
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, live.ActionCreated, ev.Action)
	assert.Equal(t, created.ID, ev.ID)
}
