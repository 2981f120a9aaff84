// Package family owns family membership, invite codes and roles.
package family

import (
	"context"
	"database/sql"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/entitlement"
	"github.com/dukerupert/famtask/internal/identity"
	"github.com/dukerupert/famtask/internal/live"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/sanitize"
	"github.com/dukerupert/famtask/internal/store"
	"github.com/google/uuid"
)

// TaskCleanup keeps tasks consistent with membership changes. It runs inside
// the registry's transaction.
type TaskCleanup interface {
	ReassignOpenTasks(ctx context.Context, tx database.DBTX, familyID, fromID, toID string) error
	DeleteFamilyTasks(ctx context.Context, tx database.DBTX, familyID string) error
}

// Patch holds the optional fields of UpdateFamily.
type Patch struct {
	Name       *string  `json:"name"`
	Categories []string `json:"categories"`
}

type Service struct {
	db      database.DBTX
	uow     database.UnitOfWork
	tasks   TaskCleanup
	oracle  entitlement.Oracle
	events  live.Publisher
	logger  *slog.Logger
	now     func() time.Time
	newCode func() (string, error)
}

// NewService wires the registry. oracle and events may be nil.
func NewService(db *sql.DB, tasks TaskCleanup, oracle entitlement.Oracle, events live.Publisher, logger *slog.Logger) *Service {
	return &Service{
		db:      db,
		uow:     database.NewUnitOfWork(db),
		tasks:   tasks,
		oracle:  oracle,
		events:  events,
		logger:  logger.With("component", "family"),
		now:     time.Now,
		newCode: generateInviteCode,
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// RegisterMember creates or renames the caller's member record.
func (s *Service) RegisterMember(ctx context.Context, callerID, displayName string) (*model.Member, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	displayName = sanitize.Text(displayName)
	if n := utf8.RuneCountInString(displayName); n < 1 || n > 50 {
		return nil, apperr.Invalid("display_name", "must be 1-50 characters")
	}
	if sanitize.HasMarkupChars(displayName) {
		return nil, apperr.Invalid("display_name", "must not contain markup characters")
	}

	var member *model.Member
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx database.DBTX) error {
		members := store.NewMemberStore(tx)
		now := s.clock()
		if _, err := members.Ensure(ctx, callerID, now); err != nil {
			return err
		}
		if err := members.SetDisplayName(ctx, callerID, displayName, now); err != nil {
			return err
		}
		var err error
		member, err = members.GetByID(ctx, callerID)
		return err
	})
	if err != nil {
		return nil, apperr.E("register", "member", callerID, err)
	}
	return member, nil
}

// CreateFamily makes the caller the first parent of a new family.
func (s *Service) CreateFamily(ctx context.Context, callerID, name string, isPremium bool) (*model.Family, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}

	var family *model.Family
	err = s.uow.WithinTx(ctx, func(ctx context.Context, tx database.DBTX) error {
		families := store.NewFamilyStore(tx)
		members := store.NewMemberStore(tx)
		now := s.clock()

		member, err := members.Ensure(ctx, callerID, now)
		if err != nil {
			return err
		}
		if member.FamilyID != nil {
			return apperr.ErrAlreadyInFamily
		}

		code, err := s.uniqueInviteCode(ctx, families)
		if err != nil {
			return err
		}

		family = &model.Family{
			ID:         uuid.NewString(),
			Name:       name,
			InviteCode: code,
			IsPremium:  isPremium,
			MaxMembers: model.MaxMembersFor(isPremium),
			Categories: model.CategoriesFor(isPremium),
			CreatedBy:  callerID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := families.Create(ctx, family); err != nil {
			return err
		}
		if err := members.Join(ctx, callerID, family.ID, model.RoleParent, now); err != nil {
			return err
		}
		family.ParentIDs = []string{callerID}
		family.ChildIDs = []string{}
		return nil
	})
	if err != nil {
		return nil, apperr.E("create", "family", "", err)
	}

	s.logger.Info("family created", "family_id", family.ID, "premium", isPremium)
	s.publish(live.ActionCreated, family)
	return family, nil
}

// JoinFamily adds the caller to the family behind inviteCode. The code is
// case-insensitive and role defaults to child.
func (s *Service) JoinFamily(ctx context.Context, callerID, inviteCode string, role model.Role) (*model.Family, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	inviteCode = strings.TrimSpace(inviteCode)
	if !ValidInviteCode(inviteCode) {
		return nil, apperr.ErrInvalidInviteCode
	}
	if role == "" {
		role = model.RoleChild
	}
	if !role.Valid() {
		return nil, apperr.Invalid("role", "must be parent or child")
	}

	// The oracle is consulted outside the transaction so no connection is
	// held across the network call.
	target, err := store.NewFamilyStore(s.db).GetByInviteCode(ctx, inviteCode)
	if err != nil {
		return nil, apperr.E("join", "family", "", err)
	}
	if target == nil {
		return nil, apperr.ErrInvalidInviteCode
	}
	premium, known := s.premium(ctx, target.ID)

	var family *model.Family
	err = s.uow.WithinTx(ctx, func(ctx context.Context, tx database.DBTX) error {
		families := store.NewFamilyStore(tx)
		members := store.NewMemberStore(tx)
		now := s.clock()

		member, err := members.Ensure(ctx, callerID, now)
		if err != nil {
			return err
		}
		if member.FamilyID != nil {
			return apperr.ErrAlreadyInFamily
		}

		f, err := families.GetByInviteCode(ctx, inviteCode)
		if err != nil {
			return err
		}
		if f == nil {
			return apperr.ErrInvalidInviteCode
		}

		if known && f.ID == target.ID && premium != f.IsPremium {
			f.IsPremium = premium
			f.MaxMembers = model.MaxMembersFor(premium)
			f.UpdatedAt = now
			if err := families.Update(ctx, f); err != nil {
				return err
			}
		}

		if f.MemberCount() >= f.MaxMembers {
			return apperr.ErrFamilyAtCapacity
		}
		if err := members.Join(ctx, callerID, f.ID, role, now); err != nil {
			return err
		}
		f.UpdatedAt = now
		if err := families.Update(ctx, f); err != nil {
			return err
		}

		family, err = families.GetByID(ctx, f.ID)
		return err
	})
	if err != nil {
		return nil, apperr.E("join", "family", "", err)
	}

	s.logger.Info("member joined family", "family_id", family.ID, "role", role)
	s.publish(live.ActionUpdated, family)
	return family, nil
}

// RemoveFamilyMember removes another member. Their open tasks move to a
// remaining parent in the same transaction.
func (s *Service) RemoveFamilyMember(ctx context.Context, callerID, familyID, targetID string) error {
	if err := identity.Require(callerID); err != nil {
		return err
	}
	if targetID == callerID {
		return apperr.Invalid("member_id", "use leave to remove yourself")
	}

	var family *model.Family
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx database.DBTX) error {
		families := store.NewFamilyStore(tx)
		f, err := loadForParent(ctx, families, familyID, callerID)
		if err != nil {
			return err
		}
		if !f.HasMember(targetID) {
			return apperr.ErrNotFound
		}
		if f.IsParent(targetID) && len(f.ParentIDs) == 1 {
			return apperr.ErrLastParent
		}

		if err := s.detach(ctx, tx, f, targetID); err != nil {
			return err
		}
		family, err = families.GetByID(ctx, familyID)
		return err
	})
	if err != nil {
		return apperr.E("remove", "member", targetID, err)
	}

	s.logger.Info("member removed", "family_id", familyID)
	s.publish(live.ActionUpdated, family)
	return nil
}

// ChangeMemberRole sets a member's role. The last parent cannot be demoted.
func (s *Service) ChangeMemberRole(ctx context.Context, callerID, familyID, targetID string, role model.Role) (*model.Family, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, apperr.Invalid("role", "must be parent or child")
	}

	var family *model.Family
	changed := false
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx database.DBTX) error {
		families := store.NewFamilyStore(tx)
		f, err := loadForParent(ctx, families, familyID, callerID)
		if err != nil {
			return err
		}
		if !f.HasMember(targetID) {
			return apperr.ErrNotFound
		}

		current := model.RoleChild
		if f.IsParent(targetID) {
			current = model.RoleParent
		}
		if current == role {
			family = f
			return nil
		}
		if current == model.RoleParent && len(f.ParentIDs) == 1 {
			return apperr.ErrLastParent
		}

		now := s.clock()
		if err := store.NewMemberStore(tx).SetRole(ctx, targetID, role, now); err != nil {
			return err
		}
		f.UpdatedAt = now
		if err := families.Update(ctx, f); err != nil {
			return err
		}
		changed = true
		family, err = families.GetByID(ctx, familyID)
		return err
	})
	if err != nil {
		return nil, apperr.E("change role", "member", targetID, err)
	}

	if changed {
		s.publish(live.ActionUpdated, family)
	}
	return family, nil
}

// UpdateFamily renames the family or replaces its categories.
func (s *Service) UpdateFamily(ctx context.Context, callerID, familyID string, patch Patch) (*model.Family, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}

	patch, err := CheckPatch(patch)
	if err != nil {
		return nil, err
	}

	var family *model.Family
	err = s.uow.WithinTx(ctx, func(ctx context.Context, tx database.DBTX) error {
		families := store.NewFamilyStore(tx)
		f, err := loadForParent(ctx, families, familyID, callerID)
		if err != nil {
			return err
		}
		patch.Apply(f)
		f.UpdatedAt = s.clock()
		if err := families.Update(ctx, f); err != nil {
			return err
		}
		family = f
		return nil
	})
	if err != nil {
		return nil, apperr.E("update", "family", familyID, err)
	}

	s.publish(live.ActionUpdated, family)
	return family, nil
}

// RegenerateInviteCode replaces the family's invite code.
func (s *Service) RegenerateInviteCode(ctx context.Context, callerID, familyID string) (*model.Family, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}

	var family *model.Family
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx database.DBTX) error {
		families := store.NewFamilyStore(tx)
		f, err := loadForParent(ctx, families, familyID, callerID)
		if err != nil {
			return err
		}
		code, err := s.uniqueInviteCode(ctx, families)
		if err != nil {
			return err
		}
		f.InviteCode = code
		f.UpdatedAt = s.clock()
		if err := families.Update(ctx, f); err != nil {
			return err
		}
		family = f
		return nil
	})
	if err != nil {
		return nil, apperr.E("regenerate invite code", "family", familyID, err)
	}

	s.logger.Info("invite code regenerated", "family_id", familyID)
	s.publish(live.ActionUpdated, family)
	return family, nil
}

// LeaveFamily removes the caller. The last parent cannot leave while others
// remain. When the sole member leaves the family and its tasks are deleted.
func (s *Service) LeaveFamily(ctx context.Context, callerID, familyID string) error {
	if err := identity.Require(callerID); err != nil {
		return err
	}

	var family *model.Family
	deleted := false
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx database.DBTX) error {
		families := store.NewFamilyStore(tx)
		f, err := families.GetByID(ctx, familyID)
		if err != nil {
			return err
		}
		if f == nil {
			return apperr.ErrNotFound
		}
		if !f.HasMember(callerID) {
			return apperr.ErrNotMember
		}

		if f.MemberCount() == 1 {
			if err := s.tasks.DeleteFamilyTasks(ctx, tx, familyID); err != nil {
				return err
			}
			if err := store.NewMemberStore(tx).Leave(ctx, callerID, s.clock()); err != nil {
				return err
			}
			deleted = true
			family = f
			return families.Delete(ctx, familyID)
		}

		if f.IsParent(callerID) && len(f.ParentIDs) == 1 {
			return apperr.ErrLastParent
		}
		if err := s.detach(ctx, tx, f, callerID); err != nil {
			return err
		}
		family, err = families.GetByID(ctx, familyID)
		return err
	})
	if err != nil {
		return apperr.E("leave", "family", familyID, err)
	}

	if deleted {
		s.logger.Info("family deleted after last member left", "family_id", familyID)
		s.publish(live.ActionDeleted, family)
		return nil
	}
	s.publish(live.ActionUpdated, family)
	return nil
}

// detach reassigns memberID's open tasks to another parent and clears the
// membership.
func (s *Service) detach(ctx context.Context, tx database.DBTX, f *model.Family, memberID string) error {
	heir := ""
	for _, id := range f.ParentIDs {
		if id != memberID {
			heir = id
			break
		}
	}
	if heir == "" {
		return apperr.ErrLastParent
	}

	if err := s.tasks.ReassignOpenTasks(ctx, tx, f.ID, memberID, heir); err != nil {
		return err
	}
	now := s.clock()
	if err := store.NewMemberStore(tx).Leave(ctx, memberID, now); err != nil {
		return err
	}
	f.UpdatedAt = now
	return store.NewFamilyStore(tx).Update(ctx, f)
}

// GetFamily returns a family to one of its members.
func (s *Service) GetFamily(ctx context.Context, callerID, familyID string) (*model.Family, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	f, err := store.NewFamilyStore(s.db).GetByID(ctx, familyID)
	if err != nil {
		return nil, apperr.E("get", "family", familyID, err)
	}
	if f == nil {
		return nil, apperr.E("get", "family", familyID, apperr.ErrNotFound)
	}
	if !f.HasMember(callerID) {
		return nil, apperr.E("get", "family", familyID, apperr.ErrNotMember)
	}
	return f, nil
}

// GetMember returns the caller's own record or that of someone in the
// caller's family.
func (s *Service) GetMember(ctx context.Context, callerID, memberID string) (*model.Member, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	members := store.NewMemberStore(s.db)
	m, err := members.GetByID(ctx, memberID)
	if err != nil {
		return nil, apperr.E("get", "member", memberID, err)
	}
	if m == nil {
		return nil, apperr.E("get", "member", memberID, apperr.ErrNotFound)
	}
	if memberID == callerID {
		return m, nil
	}
	caller, err := members.GetByID(ctx, callerID)
	if err != nil {
		return nil, apperr.E("get", "member", memberID, err)
	}
	if caller == nil || caller.FamilyID == nil || !m.InFamily(*caller.FamilyID) {
		// Same answer as a missing member so ids outside the family stay hidden.
		return nil, apperr.E("get", "member", memberID, apperr.ErrNotFound)
	}
	return m, nil
}

// ListMembers returns the family's members in join order.
func (s *Service) ListMembers(ctx context.Context, callerID, familyID string) ([]model.Member, error) {
	if _, err := s.GetFamily(ctx, callerID, familyID); err != nil {
		return nil, err
	}
	list, err := store.NewMemberStore(s.db).ListByFamily(ctx, familyID)
	if err != nil {
		return nil, apperr.E("list", "members", familyID, err)
	}
	return list, nil
}

// loadForParent reads the family and checks that callerID is one of its
// parents.
func loadForParent(ctx context.Context, families *store.FamilyStore, familyID, callerID string) (*model.Family, error) {
	f, err := families.GetByID(ctx, familyID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, apperr.ErrNotFound
	}
	if !f.HasMember(callerID) {
		return nil, apperr.ErrNotMember
	}
	if !f.IsParent(callerID) {
		return nil, apperr.ErrNotParent
	}
	return f, nil
}

// premium asks the oracle for the family's tier. known is false when no
// oracle is configured or it failed, in which case the stored flag stands.
func (s *Service) premium(ctx context.Context, familyID string) (premium, known bool) {
	if s.oracle == nil {
		return false, false
	}
	p, err := s.oracle.IsPremium(ctx, familyID)
	if err != nil {
		s.logger.Warn("entitlement lookup failed, using stored tier", "family_id", familyID, "error", err)
		return false, false
	}
	return p, true
}

func (s *Service) publish(action string, f *model.Family) {
	if s.events == nil || f == nil {
		return
	}
	s.events.Publish(live.FamilyEvent(action, f))
}

// CheckPatch validates the fields p sets and returns them sanitised.
func CheckPatch(p Patch) (Patch, error) {
	if p.Name != nil {
		name, err := validateName(*p.Name)
		if err != nil {
			return p, err
		}
		p.Name = &name
	}
	if p.Categories != nil {
		categories, err := validateCategories(p.Categories)
		if err != nil {
			return p, err
		}
		p.Categories = categories
	}
	return p, nil
}

// Apply copies the fields p sets onto f.
func (p Patch) Apply(f *model.Family) {
	if p.Name != nil {
		f.Name = *p.Name
	}
	if p.Categories != nil {
		f.Categories = slices.Clone(p.Categories)
	}
}

func validateName(name string) (string, error) {
	name = sanitize.Text(name)
	if n := utf8.RuneCountInString(name); n < 2 || n > 50 {
		return "", apperr.Invalid("name", "must be 2-50 characters")
	}
	if sanitize.HasMarkupChars(name) || strings.Contains(name, "\n") {
		return "", apperr.Invalid("name", "must not contain markup characters")
	}
	return name, nil
}

func validateCategories(in []string) ([]string, error) {
	if len(in) < 1 || len(in) > 20 {
		return nil, apperr.Invalid("categories", "must have 1-20 entries")
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = sanitize.Text(c)
		if n := utf8.RuneCountInString(c); n < 2 || n > 30 {
			return nil, apperr.Invalid("categories", "%q must be 2-30 characters", c)
		}
		if sanitize.HasMarkupChars(c) {
			return nil, apperr.Invalid("categories", "%q must not contain markup characters", c)
		}
		key := strings.ToLower(c)
		if seen[key] {
			return nil, apperr.Invalid("categories", "%q is listed twice", c)
		}
		seen[key] = true
		out = append(out, c)
	}
	return out, nil
}
