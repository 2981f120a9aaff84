package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
)

const (
	keyPermission = "notification_permission"
	keyBadge      = "badge_count"
)

// DeviceStateStore holds the device's notification permission and app
// badge in the local settings table.
type DeviceStateStore struct {
	db database.DBTX
}

func NewDeviceStateStore(db database.DBTX) *DeviceStateStore {
	return &DeviceStateStore{db: db}
}

// Permission is undetermined until something is recorded.
func (s *DeviceStateStore) Permission(ctx context.Context) (model.Permission, error) {
	v, err := s.value(ctx, keyPermission)
	if err != nil || v == "" {
		return model.PermissionUndetermined, err
	}
	return model.Permission(v), nil
}

func (s *DeviceStateStore) SetPermission(ctx context.Context, p model.Permission) error {
	return s.put(ctx, keyPermission, string(p))
}

// Badge is zero until something is recorded.
func (s *DeviceStateStore) Badge(ctx context.Context) (int, error) {
	v, err := s.value(ctx, keyBadge)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("badge count %q: %w", v, err)
	}
	return n, nil
}

func (s *DeviceStateStore) SetBadge(ctx context.Context, n int) error {
	return s.put(ctx, keyBadge, strconv.Itoa(n))
}

func (s *DeviceStateStore) value(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

func (s *DeviceStateStore) put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
