package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/famtask/internal/model"
)

// SyncQueue exposes writes that replay gave up on. *offline.Tasks
// implements it.
type SyncQueue interface {
	Failed(ctx context.Context) ([]model.QueuedOperation, error)
	Retry(ctx context.Context, seq int64) error
	Discard(ctx context.Context, seq int64) error
}

type SyncHandler struct {
	queue  SyncQueue
	logger *slog.Logger
}

func NewSyncHandler(queue SyncQueue, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{queue: queue, logger: logger}
}

// Failed handles GET /api/sync/failed
func (h *SyncHandler) Failed(w http.ResponseWriter, r *http.Request) {
	ops, err := h.queue.Failed(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if ops == nil {
		ops = []model.QueuedOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// Retry handles POST /api/sync/failed/{seq}/retry
func (h *SyncHandler) Retry(w http.ResponseWriter, r *http.Request) {
	seq, err := parseSeqParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid seq", Field: "seq"})
		return
	}
	if err := h.queue.Retry(r.Context(), seq); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Discard handles DELETE /api/sync/failed/{seq}
func (h *SyncHandler) Discard(w http.ResponseWriter, r *http.Request) {
	seq, err := parseSeqParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid seq", Field: "seq"})
		return
	}
	if err := h.queue.Discard(r.Context(), seq); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
