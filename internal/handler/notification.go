package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/notify"
)

// NotificationService is implemented by *notify.Scheduler.
type NotificationService interface {
	GetSettings(ctx context.Context, memberID string) (*model.NotificationSettings, error)
	UpdateSettings(ctx context.Context, memberID string, in model.NotificationSettings) (*model.NotificationSettings, error)
	ResetSettings(ctx context.Context, memberID string) (*model.NotificationSettings, error)
	SendTestNotification(ctx context.Context, memberID string) (notify.Result, error)
	SetBadgeCount(ctx context.Context, n int) error
}

type NotificationHandler struct {
	svc    NotificationService
	logger *slog.Logger
}

func NewNotificationHandler(svc NotificationService, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

// GetSettings handles GET /api/notifications/settings
func (h *NotificationHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	ns, err := h.svc.GetSettings(r.Context(), caller(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}

// UpdateSettings handles PUT /api/notifications/settings
func (h *NotificationHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var in model.NotificationSettings
	if !decodeJSON(w, r, &in) {
		return
	}
	ns, err := h.svc.UpdateSettings(r.Context(), caller(r), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}

// ResetSettings handles DELETE /api/notifications/settings
func (h *NotificationHandler) ResetSettings(w http.ResponseWriter, r *http.Request) {
	ns, err := h.svc.ResetSettings(r.Context(), caller(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}

// Test handles POST /api/notifications/test. A notification that cannot be
// shown is answered with 200 and the reason.
func (h *NotificationHandler) Test(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SendTestNotification(r.Context(), caller(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if !res.Scheduled {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// Badge handles PUT /api/notifications/badge
func (h *NotificationHandler) Badge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.SetBadgeCount(r.Context(), req.Count); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
