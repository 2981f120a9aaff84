package model

import "time"

type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start" validate:"required,datetime=15:04"`
	End     string `json:"end" validate:"required,datetime=15:04"`
}

type NotificationSettings struct {
	MemberID            string     `json:"member_id"`
	Enabled             bool       `json:"enabled"`
	ReminderLeadMinutes int        `json:"reminder_lead_minutes" validate:"min=5,max=1440"`
	EscalationMinutes   []int      `json:"escalation_minutes" validate:"max=5,dive,min=1,max=60"`
	QuietHours          QuietHours `json:"quiet_hours"`
	Sound               bool       `json:"sound"`
	Vibration           bool       `json:"vibration"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// DefaultNotificationSettings returns the settings a member starts with.
func DefaultNotificationSettings(memberID string) NotificationSettings {
	return NotificationSettings{
		MemberID:            memberID,
		Enabled:             true,
		ReminderLeadMinutes: 30,
		EscalationMinutes:   []int{},
		QuietHours:          QuietHours{Enabled: false, Start: "22:00", End: "08:00"},
		Sound:               true,
		Vibration:           true,
	}
}

// ScheduledReminder maps a task to one gateway handle. Level 0 is the
// primary reminder, higher levels are escalations.
type ScheduledReminder struct {
	Handle    string    `json:"handle"`
	TaskID    string    `json:"task_id"`
	MemberID  string    `json:"member_id"`
	Level     int       `json:"level"`
	TriggerAt time.Time `json:"trigger_at"`
	CreatedAt time.Time `json:"created_at"`
}

// OutboxNotification is a locally scheduled notification awaiting delivery.
type OutboxNotification struct {
	Handle      string     `json:"handle"`
	MemberID    string     `json:"member_id"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Tag         string     `json:"tag"`
	URL         string     `json:"url,omitempty"`
	FireAt      time.Time  `json:"fire_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Permission string

const (
	PermissionGranted      Permission = "granted"
	PermissionDenied       Permission = "denied"
	PermissionUndetermined Permission = "undetermined"
)
