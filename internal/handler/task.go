package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dukerupert/famtask/internal/blob"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/task"
)

// TaskService is the task API. *task.Service serves it on the server and
// *offline.Tasks on a device.
type TaskService interface {
	CreateTask(ctx context.Context, familyID, creatorID string, in task.CreateInput) (*model.Task, error)
	UpdateTask(ctx context.Context, taskID, callerID string, patch task.Patch) (*model.Task, error)
	CompleteTask(ctx context.Context, taskID, callerID, photoRef string) (*task.Completion, error)
	ValidateTask(ctx context.Context, taskID, parentID string, approve bool, note string) (*model.Task, error)
	DeleteTask(ctx context.Context, taskID, callerID string) error
	GetTask(ctx context.Context, taskID, callerID string) (*model.Task, error)
	GetFamilyTasks(ctx context.Context, familyID, callerID string, filter model.TaskFilter) ([]model.Task, error)
	GetOverdueTasks(ctx context.Context, familyID, callerID string) ([]model.Task, error)
	GetTaskStats(ctx context.Context, familyID, callerID string) (model.TaskStats, error)
}

// PhotoCompleter accepts the photo itself rather than a stored reference.
type PhotoCompleter interface {
	CompleteTaskWithPhoto(ctx context.Context, taskID, callerID string, photo []byte, contentType string) (*task.Completion, error)
}

type TaskHandler struct {
	svc    TaskService
	logger *slog.Logger
}

func NewTaskHandler(svc TaskService, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{svc: svc, logger: logger}
}

// Create handles POST /api/families/{id}/tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in task.CreateInput
	if !decodeJSON(w, r, &in) {
		return
	}
	t, err := h.svc.CreateTask(r.Context(), r.PathValue("id"), caller(r), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// List handles GET /api/families/{id}/tasks
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.TaskFilter{
		Status:     model.TaskStatus(q.Get("status")),
		AssigneeID: q.Get("assignee"),
		Category:   q.Get("category"),
	}
	list, err := h.svc.GetFamilyTasks(r.Context(), r.PathValue("id"), caller(r), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []model.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Overdue handles GET /api/families/{id}/tasks/overdue
func (h *TaskHandler) Overdue(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.GetOverdueTasks(r.Context(), r.PathValue("id"), caller(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []model.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Stats handles GET /api/families/{id}/tasks/stats
func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetTaskStats(r.Context(), r.PathValue("id"), caller(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Get handles GET /api/tasks/{id}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetTask(r.Context(), r.PathValue("id"), caller(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Update handles PUT /api/tasks/{id}
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch task.Patch
	if !decodeJSON(w, r, &patch) {
		return
	}
	t, err := h.svc.UpdateTask(r.Context(), r.PathValue("id"), caller(r), patch)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Complete handles POST /api/tasks/{id}/complete. A JSON body carries an
// already stored photo_ref; a multipart body carries the photo itself in
// the "photo" field.
func (h *TaskHandler) Complete(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		h.completeWithPhoto(w, r)
		return
	}

	var req struct {
		PhotoRef string `json:"photo_ref"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.svc.CompleteTask(r.Context(), r.PathValue("id"), caller(r), req.PhotoRef)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *TaskHandler) completeWithPhoto(w http.ResponseWriter, r *http.Request) {
	pc, ok := h.svc.(PhotoCompleter)
	if !ok {
		writeJSON(w, http.StatusUnsupportedMediaType, errorBody{Error: "photo upload is not available here; send photo_ref"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, blob.MaxSize+(1<<20))
	if err := r.ParseMultipartForm(blob.MaxSize); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid multipart body", Field: "photo"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("photo")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "photo is required", Field: "photo"})
		return
	}
	defer file.Close()

	data, err := readPhoto(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Field: "photo"})
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	c, err := pc.CompleteTaskWithPhoto(r.Context(), r.PathValue("id"), caller(r), data, contentType)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func readPhoto(f multipart.File) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(f, blob.MaxSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > blob.MaxSize {
		return nil, errors.New("photo is too large")
	}
	return data, nil
}

// Validate handles POST /api/tasks/{id}/validate
func (h *TaskHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve bool   `json:"approve"`
		Note    string `json:"note"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := h.svc.ValidateTask(r.Context(), r.PathValue("id"), caller(r), req.Approve, req.Note)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Delete handles DELETE /api/tasks/{id}
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteTask(r.Context(), r.PathValue("id"), caller(r)); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
