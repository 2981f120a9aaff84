package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
)

type NotificationSettingsStore struct {
	db database.DBTX
}

func NewNotificationSettingsStore(db database.DBTX) *NotificationSettingsStore {
	return &NotificationSettingsStore{db: db}
}

// Get returns the member's stored settings, or nil if none were saved yet.
func (s *NotificationSettingsStore) Get(ctx context.Context, memberID string) (*model.NotificationSettings, error) {
	var ns model.NotificationSettings
	var escalation string
	err := s.db.QueryRowContext(ctx,
		`SELECT member_id, enabled, reminder_lead_minutes, escalation_minutes, quiet_enabled, quiet_start, quiet_end,
			sound, vibration, updated_at
		 FROM notification_settings WHERE member_id = ?`, memberID,
	).Scan(
		&ns.MemberID, &ns.Enabled, &ns.ReminderLeadMinutes, &escalation,
		&ns.QuietHours.Enabled, &ns.QuietHours.Start, &ns.QuietHours.End,
		&ns.Sound, &ns.Vibration, &ns.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get notification settings: %w", err)
	}
	if err := json.Unmarshal([]byte(escalation), &ns.EscalationMinutes); err != nil {
		return nil, fmt.Errorf("decode escalation minutes: %w", err)
	}
	ns.UpdatedAt = ns.UpdatedAt.UTC()
	return &ns, nil
}

// Save upserts the member's settings.
func (s *NotificationSettingsStore) Save(ctx context.Context, ns *model.NotificationSettings) error {
	escalation := ns.EscalationMinutes
	if escalation == nil {
		escalation = []int{}
	}
	encoded, err := encodeJSON(escalation)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notification_settings (member_id, enabled, reminder_lead_minutes, escalation_minutes,
			quiet_enabled, quiet_start, quiet_end, sound, vibration, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(member_id) DO UPDATE SET
			enabled = excluded.enabled,
			reminder_lead_minutes = excluded.reminder_lead_minutes,
			escalation_minutes = excluded.escalation_minutes,
			quiet_enabled = excluded.quiet_enabled,
			quiet_start = excluded.quiet_start,
			quiet_end = excluded.quiet_end,
			sound = excluded.sound,
			vibration = excluded.vibration,
			updated_at = excluded.updated_at`,
		ns.MemberID, ns.Enabled, ns.ReminderLeadMinutes, encoded,
		ns.QuietHours.Enabled, ns.QuietHours.Start, ns.QuietHours.End,
		ns.Sound, ns.Vibration, ns.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save notification settings: %w", err)
	}
	return nil
}
