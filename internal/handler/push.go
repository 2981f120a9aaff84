package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/store"
)

// PushHandler manages the browser push subscriptions a device delivers
// reminders to.
type PushHandler struct {
	subs      *store.PushStore
	publicKey string
	logger    *slog.Logger
}

func NewPushHandler(subs *store.PushStore, publicKey string, logger *slog.Logger) *PushHandler {
	return &PushHandler{subs: subs, publicKey: publicKey, logger: logger}
}

// subscription is the object PushSubscription.toJSON() produces in the
// browser, plus a label for the settings screen.
type subscription struct {
	Endpoint   string           `json:"endpoint" validate:"required,url,startswith=https://"`
	Keys       subscriptionKeys `json:"keys"`
	DeviceName string           `json:"device_name" validate:"max=100"`
}

type subscriptionKeys struct {
	P256dh string `json:"p256dh" validate:"required,max=128"`
	Auth   string `json:"auth" validate:"required,max=64"`
}

// Subscribe handles POST /api/push/subscriptions. Posting an endpoint that
// is already registered moves it to the caller.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var in subscription
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := apperr.Validate(in); err != nil {
		writeError(w, h.logger, err)
		return
	}

	sub, err := h.subs.CreateSubscription(r.Context(), caller(r), in.Endpoint, in.Keys.P256dh, in.Keys.Auth, in.DeviceName)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("push subscription saved", "member_id", sub.MemberID, "subscription_id", sub.ID)
	writeJSON(w, http.StatusCreated, sub)
}

// Unsubscribe handles DELETE /api/push/subscriptions/{id}
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, h.logger, apperr.Invalid("id", "must be a positive integer"))
		return
	}
	if err := h.subs.DeleteSubscription(r.Context(), id, caller(r)); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSubscriptions handles GET /api/push/subscriptions
func (h *PushHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.ListByMember(r.Context(), caller(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if subs == nil {
		subs = []model.PushSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// VAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.publicKey})
}
