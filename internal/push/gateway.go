package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/notify"
	"github.com/dukerupert/famtask/internal/store"
	"github.com/google/uuid"
)

// LocalGateway is the device's notification gateway. Scheduled
// notifications wait in the outbox until the Dispatcher delivers them, and
// permission and badge state live in the device settings table.
type LocalGateway struct {
	outbox *store.OutboxStore
	state  *store.DeviceStateStore
	logger *slog.Logger
	now    func() time.Time
}

func NewLocalGateway(local database.DBTX, logger *slog.Logger) *LocalGateway {
	return &LocalGateway{
		outbox: store.NewOutboxStore(local),
		state:  store.NewDeviceStateStore(local),
		logger: logger.With("component", "push.gateway"),
		now:    time.Now,
	}
}

func (g *LocalGateway) Schedule(ctx context.Context, c notify.Content, at time.Time) (string, error) {
	n := model.OutboxNotification{
		Handle:    uuid.NewString(),
		MemberID:  c.MemberID,
		Title:     c.Title,
		Body:      c.Body,
		Tag:       c.Tag,
		URL:       c.URL,
		FireAt:    at.UTC(),
		CreatedAt: g.now().UTC(),
	}
	if err := g.outbox.Insert(ctx, n); err != nil {
		return "", err
	}
	g.logger.Debug("notification scheduled", "handle", n.Handle, "fire_at", n.FireAt)
	return n.Handle, nil
}

func (g *LocalGateway) Cancel(ctx context.Context, handle string) error {
	return g.outbox.Delete(ctx, handle)
}

func (g *LocalGateway) PermissionStatus(ctx context.Context) (model.Permission, error) {
	return g.state.Permission(ctx)
}

// RequestPermission grants permission unless the device owner has denied
// it. A headless device has nobody to prompt.
func (g *LocalGateway) RequestPermission(ctx context.Context) (model.Permission, error) {
	p, err := g.PermissionStatus(ctx)
	if err != nil {
		return "", err
	}
	if p != model.PermissionUndetermined {
		return p, nil
	}
	if err := g.SetPermission(ctx, model.PermissionGranted); err != nil {
		return "", err
	}
	return model.PermissionGranted, nil
}

// SetPermission records the device owner's choice.
func (g *LocalGateway) SetPermission(ctx context.Context, p model.Permission) error {
	switch p {
	case model.PermissionGranted, model.PermissionDenied, model.PermissionUndetermined:
	default:
		return fmt.Errorf("unknown permission %q", p)
	}
	return g.state.SetPermission(ctx, p)
}

func (g *LocalGateway) SetBadgeCount(ctx context.Context, n int) error {
	return g.state.SetBadge(ctx, n)
}

func (g *LocalGateway) BadgeCount(ctx context.Context) (int, error) {
	return g.state.Badge(ctx)
}

var _ notify.Gateway = (*LocalGateway)(nil)
