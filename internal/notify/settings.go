package notify

import (
	"context"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/identity"
	"github.com/dukerupert/famtask/internal/model"
)

// GetSettings returns the member's settings, saving the defaults on first
// use.
func (s *Scheduler) GetSettings(ctx context.Context, memberID string) (*model.NotificationSettings, error) {
	if err := identity.Require(memberID); err != nil {
		return nil, err
	}
	ns, err := s.settings.Get(ctx, memberID)
	if err != nil {
		return nil, apperr.E("get", "notification settings", "", err)
	}
	if ns != nil {
		return ns, nil
	}
	return s.save(ctx, model.DefaultNotificationSettings(memberID))
}

// UpdateSettings replaces the member's settings after validating them.
func (s *Scheduler) UpdateSettings(ctx context.Context, memberID string, in model.NotificationSettings) (*model.NotificationSettings, error) {
	if err := identity.Require(memberID); err != nil {
		return nil, err
	}
	in.MemberID = memberID
	if in.EscalationMinutes == nil {
		in.EscalationMinutes = []int{}
	}
	if err := apperr.Validate(in); err != nil {
		return nil, apperr.E("update", "notification settings", "", err)
	}
	if in.QuietHours.Enabled && in.QuietHours.Start == in.QuietHours.End {
		return nil, apperr.E("update", "notification settings", "", apperr.Invalid("quiet_hours.end", "must differ from start"))
	}
	return s.save(ctx, in)
}

// ResetSettings restores the defaults.
func (s *Scheduler) ResetSettings(ctx context.Context, memberID string) (*model.NotificationSettings, error) {
	if err := identity.Require(memberID); err != nil {
		return nil, err
	}
	return s.save(ctx, model.DefaultNotificationSettings(memberID))
}

func (s *Scheduler) save(ctx context.Context, ns model.NotificationSettings) (*model.NotificationSettings, error) {
	ns.UpdatedAt = s.clock()
	if err := s.settings.Save(ctx, &ns); err != nil {
		return nil, apperr.E("save", "notification settings", "", err)
	}
	return &ns, nil
}
