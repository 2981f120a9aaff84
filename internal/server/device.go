package server

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/famtask/internal/handler"
	"github.com/dukerupert/famtask/internal/middleware"
	"github.com/dukerupert/famtask/internal/offline"
	"github.com/dukerupert/famtask/internal/ratelimit"
	"github.com/dukerupert/famtask/internal/store"
)

// Device serves the local API of a single member's device: tasks and the
// family through the offline facades, notification settings and the sync
// queue.
type Device struct {
	memberID      string
	familyH       *handler.FamilyHandler
	taskH         *handler.TaskHandler
	syncH         *handler.SyncHandler
	notificationH *handler.NotificationHandler
	pushH         *handler.PushHandler
	rateLimiter   *ratelimit.Limiter
	logger        *slog.Logger
}

// DeviceConfig lists what a device router needs. Families and push are
// optional.
type DeviceConfig struct {
	MemberID      string
	Families      *offline.Families
	Tasks         *offline.Tasks
	Notifications handler.NotificationService
	PushStore     *store.PushStore
	VAPIDKey      string
}

func NewDevice(cfg DeviceConfig, logger *slog.Logger) *Device {
	d := &Device{
		memberID:      cfg.MemberID,
		taskH:         handler.NewTaskHandler(cfg.Tasks, logger.With("component", "task_handler")),
		syncH:         handler.NewSyncHandler(cfg.Tasks, logger.With("component", "sync_handler")),
		notificationH: handler.NewNotificationHandler(cfg.Notifications, logger.With("component", "notification_handler")),
		rateLimiter:   ratelimit.New(),
		logger:        logger,
	}
	if cfg.Families != nil {
		d.familyH = handler.NewFamilyHandler(cfg.Families, logger.With("component", "family_handler"))
	}
	if cfg.PushStore != nil && cfg.VAPIDKey != "" {
		d.pushH = handler.NewPushHandler(cfg.PushStore, cfg.VAPIDKey, logger.With("component", "push_handler"))
	}
	return d
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (d *Device) RateLimiter() *ratelimit.Limiter {
	return d.rateLimiter
}

func (d *Device) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)

	write := rateLimited(d.rateLimiter)
	if d.familyH != nil {
		registerFamilyRoutes(mux, d.familyH, write)
	}
	registerTaskRoutes(mux, d.taskH, write)

	// Notifications
	mux.HandleFunc("GET /api/notifications/settings", d.notificationH.GetSettings)
	mux.HandleFunc("PUT /api/notifications/settings", d.notificationH.UpdateSettings)
	mux.HandleFunc("DELETE /api/notifications/settings", d.notificationH.ResetSettings)
	mux.HandleFunc("POST /api/notifications/test", d.notificationH.Test)
	mux.HandleFunc("PUT /api/notifications/badge", d.notificationH.Badge)

	// Offline queue
	mux.HandleFunc("GET /api/sync/failed", d.syncH.Failed)
	mux.HandleFunc("POST /api/sync/failed/{seq}/retry", d.syncH.Retry)
	mux.HandleFunc("DELETE /api/sync/failed/{seq}", d.syncH.Discard)

	if d.pushH != nil {
		mux.HandleFunc("POST /api/push/subscriptions", d.pushH.Subscribe)
		mux.HandleFunc("GET /api/push/subscriptions", d.pushH.ListSubscriptions)
		mux.HandleFunc("DELETE /api/push/subscriptions/{id}", d.pushH.Unsubscribe)
		mux.HandleFunc("GET /api/push/vapid-key", d.pushH.VAPIDKey)
	}

	var h http.Handler = mux
	h = middleware.AsMember(d.memberID)(h)
	return middleware.RequestLogger(d.logger.With("component", "http"))(h)
}
