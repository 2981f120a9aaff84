package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/family"
	"github.com/dukerupert/famtask/internal/identity"
	"github.com/dukerupert/famtask/internal/live"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/store"
)

// Replayable family methods.
const (
	MethodFamilyUpdate     = "family.update"
	MethodFamilyInviteCode = "family.invite_code"
	MethodFamilyRole       = "family.role"
	MethodFamilyRemove     = "family.remove"
	MethodFamilyLeave      = "family.leave"
)

// errOffline is returned by calls that need the server to answer.
var errOffline = errors.New("server unreachable")

// FamilyService is the server side of the family API.
type FamilyService interface {
	RegisterMember(ctx context.Context, callerID, displayName string) (*model.Member, error)
	CreateFamily(ctx context.Context, callerID, name string, isPremium bool) (*model.Family, error)
	JoinFamily(ctx context.Context, callerID, inviteCode string, role model.Role) (*model.Family, error)
	GetFamily(ctx context.Context, callerID, familyID string) (*model.Family, error)
	UpdateFamily(ctx context.Context, callerID, familyID string, patch family.Patch) (*model.Family, error)
	RegenerateInviteCode(ctx context.Context, callerID, familyID string) (*model.Family, error)
	LeaveFamily(ctx context.Context, callerID, familyID string) error
	ListMembers(ctx context.Context, callerID, familyID string) ([]model.Member, error)
	ChangeMemberRole(ctx context.Context, callerID, familyID, targetID string, role model.Role) (*model.Family, error)
	RemoveFamilyMember(ctx context.Context, callerID, familyID, targetID string) error
}

type familyPatchPayload struct {
	Patch family.Patch `json:"patch"`
}

type rolePayload struct {
	MemberID string     `json:"member_id"`
	Role     model.Role `json:"role"`
}

type memberPayload struct {
	MemberID string `json:"member_id"`
}

// Families is the family API as the device sees it. Administrative writes
// go through the engine like task writes. Registering, creating and joining
// need ids, codes and capacity only the server has, so they are not queued.
type Families struct {
	svc    FamilyService
	engine *Engine
	cache  *store.FamilyCacheStore
	logger *slog.Logger
}

// NewFamilies registers the family handlers with engine and routes family
// events that leave its gate into the cache.
func NewFamilies(svc FamilyService, engine *Engine, local database.DBTX, logger *slog.Logger) *Families {
	f := &Families{
		svc:    svc,
		engine: engine,
		cache:  store.NewFamilyCacheStore(local),
		logger: logger.With("component", "offline.families"),
	}
	engine.Handle(MethodFamilyUpdate, f.replayUpdate)
	engine.Handle(MethodFamilyInviteCode, f.replayInviteCode)
	engine.Handle(MethodFamilyRole, f.replayRole)
	engine.Handle(MethodFamilyRemove, f.replayRemove)
	engine.Handle(MethodFamilyLeave, f.replayLeave)
	engine.Gate().Route(model.EntityFamily, f.apply)
	return f
}

func familyRef(id string) model.EntityRef {
	return model.EntityRef{Kind: model.EntityFamily, ID: id}
}

func (f *Families) RegisterMember(ctx context.Context, callerID, displayName string) (*model.Member, error) {
	if err := f.online(); err != nil {
		return nil, err
	}
	return f.svc.RegisterMember(ctx, callerID, displayName)
}

func (f *Families) CreateFamily(ctx context.Context, callerID, name string, isPremium bool) (*model.Family, error) {
	if err := f.online(); err != nil {
		return nil, err
	}
	created, err := f.svc.CreateFamily(ctx, callerID, name, isPremium)
	if err != nil {
		return nil, err
	}
	f.cachePut(ctx, created)
	return created, nil
}

func (f *Families) JoinFamily(ctx context.Context, callerID, inviteCode string, role model.Role) (*model.Family, error) {
	if err := f.online(); err != nil {
		return nil, err
	}
	joined, err := f.svc.JoinFamily(ctx, callerID, inviteCode, role)
	if err != nil {
		return nil, err
	}
	f.cachePut(ctx, joined)
	return joined, nil
}

func (f *Families) ListMembers(ctx context.Context, callerID, familyID string) ([]model.Member, error) {
	if err := f.online(); err != nil {
		return nil, err
	}
	return f.svc.ListMembers(ctx, callerID, familyID)
}

// GetFamily reads from the server when online and from the cache otherwise.
func (f *Families) GetFamily(ctx context.Context, callerID, familyID string) (*model.Family, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	got, err := f.known(ctx, familyID, callerID)
	if err != nil {
		return nil, wrap("get", "family", familyID, err)
	}
	return got, nil
}

// UpdateFamily renames the family or replaces its categories, or queues
// the change and returns the patched cached copy.
func (f *Families) UpdateFamily(ctx context.Context, callerID, familyID string, patch family.Patch) (*model.Family, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	patch, err := family.CheckPatch(patch)
	if err != nil {
		return nil, err
	}
	base, err := f.forParent(ctx, familyID, callerID)
	if err != nil {
		return nil, wrap("update", "family", familyID, err)
	}
	out, err := f.engine.Submit(ctx, Request{
		Kind:          model.OpUpdate,
		Entity:        familyRef(familyID),
		Method:        MethodFamilyUpdate,
		CallerID:      callerID,
		Payload:       familyPatchPayload{Patch: patch},
		BaseUpdatedAt: &base.UpdatedAt,
	})
	if err != nil {
		return nil, err
	}
	if !out.Queued {
		return out.Value.(*model.Family), nil
	}

	optimistic := *base
	patch.Apply(&optimistic)
	f.cachePut(ctx, &optimistic)
	return &optimistic, nil
}

// RegenerateInviteCode replaces the invite code. Queued, it returns the
// cached family unchanged; the new code arrives once replay runs.
func (f *Families) RegenerateInviteCode(ctx context.Context, callerID, familyID string) (*model.Family, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	base, err := f.forParent(ctx, familyID, callerID)
	if err != nil {
		return nil, wrap("regenerate invite code", "family", familyID, err)
	}
	out, err := f.engine.Submit(ctx, Request{
		Kind:          model.OpUpdate,
		Entity:        familyRef(familyID),
		Method:        MethodFamilyInviteCode,
		CallerID:      callerID,
		BaseUpdatedAt: &base.UpdatedAt,
	})
	if err != nil {
		return nil, err
	}
	if !out.Queued {
		return out.Value.(*model.Family), nil
	}
	return base, nil
}

// ChangeMemberRole sets a member's role. The last parent cannot be demoted.
func (f *Families) ChangeMemberRole(ctx context.Context, callerID, familyID, targetID string, role model.Role) (*model.Family, error) {
	if err := identity.Require(callerID); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, apperr.Invalid("role", "must be parent or child")
	}
	base, err := f.forParent(ctx, familyID, callerID)
	if err != nil {
		return nil, wrap("change role", "member", targetID, err)
	}
	if !base.HasMember(targetID) {
		return nil, apperr.E("change role", "member", targetID, apperr.ErrNotFound)
	}
	if base.IsParent(targetID) == (role == model.RoleParent) {
		return base, nil
	}
	if base.IsParent(targetID) && len(base.ParentIDs) == 1 {
		return nil, apperr.E("change role", "member", targetID, apperr.ErrLastParent)
	}

	out, err := f.engine.Submit(ctx, Request{
		Kind:          model.OpUpdate,
		Entity:        familyRef(familyID),
		Method:        MethodFamilyRole,
		CallerID:      callerID,
		Payload:       rolePayload{MemberID: targetID, Role: role},
		BaseUpdatedAt: &base.UpdatedAt,
	})
	if err != nil {
		return nil, err
	}
	if !out.Queued {
		return out.Value.(*model.Family), nil
	}

	optimistic := withRole(base, targetID, role)
	f.cachePut(ctx, optimistic)
	return optimistic, nil
}

// RemoveFamilyMember removes another member. The server moves their open
// tasks to a remaining parent when the removal runs.
func (f *Families) RemoveFamilyMember(ctx context.Context, callerID, familyID, targetID string) error {
	if err := identity.Require(callerID); err != nil {
		return err
	}
	if targetID == callerID {
		return apperr.Invalid("member_id", "use leave to remove yourself")
	}
	base, err := f.forParent(ctx, familyID, callerID)
	if err != nil {
		return wrap("remove", "member", targetID, err)
	}
	if !base.HasMember(targetID) {
		return apperr.E("remove", "member", targetID, apperr.ErrNotFound)
	}

	out, err := f.engine.Submit(ctx, Request{
		Kind:          model.OpUpdate,
		Entity:        familyRef(familyID),
		Method:        MethodFamilyRemove,
		CallerID:      callerID,
		Payload:       memberPayload{MemberID: targetID},
		BaseUpdatedAt: &base.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if out.Queued {
		f.dropMember(ctx, familyID, targetID)
	}
	return nil
}

// LeaveFamily removes the caller. The last parent cannot leave while others
// remain.
func (f *Families) LeaveFamily(ctx context.Context, callerID, familyID string) error {
	if err := identity.Require(callerID); err != nil {
		return err
	}
	base, err := f.known(ctx, familyID, callerID)
	if err != nil {
		return wrap("leave", "family", familyID, err)
	}
	if base.MemberCount() > 1 && base.IsParent(callerID) && len(base.ParentIDs) == 1 {
		return apperr.E("leave", "family", familyID, apperr.ErrLastParent)
	}

	out, err := f.engine.Submit(ctx, Request{
		Kind:          model.OpUpdate,
		Entity:        familyRef(familyID),
		Method:        MethodFamilyLeave,
		CallerID:      callerID,
		BaseUpdatedAt: &base.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if out.Queued {
		f.dropMember(ctx, familyID, callerID)
	}
	return nil
}

// HandleEvent takes family events from the live feed.
func (f *Families) HandleEvent(ev live.Event) {
	if ev.Entity == model.EntityFamily {
		f.engine.Gate().Offer(ev)
	}
}

// apply writes a family event that passed the gate into the cache.
func (f *Families) apply(ev live.Event) {
	ctx := context.Background()
	if ev.Action == live.ActionDeleted {
		f.forget(ctx, ev.ID)
		return
	}
	if ev.Family == nil {
		return
	}
	cached, err := f.cache.Get(ctx, ev.ID)
	if err != nil {
		f.logger.Error("read cached family", "family_id", ev.ID, "error", err)
		return
	}
	if cached != nil && cached.UpdatedAt.After(ev.Family.UpdatedAt) {
		return
	}
	f.cachePut(ctx, ev.Family)
}

// known returns the server copy when it can be fetched and nothing is
// queued for the family, else the cached copy if the caller is in it.
func (f *Families) known(ctx context.Context, familyID, callerID string) (*model.Family, error) {
	if f.engine.Monitor().Online() && !f.engine.Gate().Holding(familyRef(familyID)) {
		got, err := f.svc.GetFamily(ctx, callerID, familyID)
		if err == nil {
			f.cachePut(ctx, got)
			return got, nil
		}
		if !apperr.IsTransient(err) {
			return nil, err
		}
	}
	cached, err := f.cache.Get(ctx, familyID)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, apperr.ErrNotFound
	}
	if !cached.HasMember(callerID) {
		return nil, apperr.ErrNotMember
	}
	return cached, nil
}

// forParent is known plus the check that callerID is one of the parents.
func (f *Families) forParent(ctx context.Context, familyID, callerID string) (*model.Family, error) {
	fam, err := f.known(ctx, familyID, callerID)
	if err != nil {
		return nil, err
	}
	if !fam.IsParent(callerID) {
		return nil, apperr.ErrNotParent
	}
	return fam, nil
}

func (f *Families) online() error {
	if !f.engine.Monitor().Online() {
		return apperr.Transient(errOffline)
	}
	return nil
}

func (f *Families) replayUpdate(ctx context.Context, op *model.QueuedOperation, _ *time.Time) (Result, error) {
	var p familyPatchPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return Result{}, fmt.Errorf("decode %s payload: %w", op.Method, err)
	}
	updated, err := f.svc.UpdateFamily(ctx, op.CallerID, op.Entity.ID, p.Patch)
	if err != nil {
		return Result{}, err
	}
	return f.written(ctx, updated), nil
}

func (f *Families) replayInviteCode(ctx context.Context, op *model.QueuedOperation, _ *time.Time) (Result, error) {
	updated, err := f.svc.RegenerateInviteCode(ctx, op.CallerID, op.Entity.ID)
	if err != nil {
		return Result{}, err
	}
	return f.written(ctx, updated), nil
}

func (f *Families) replayRole(ctx context.Context, op *model.QueuedOperation, _ *time.Time) (Result, error) {
	var p rolePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return Result{}, fmt.Errorf("decode %s payload: %w", op.Method, err)
	}
	updated, err := f.svc.ChangeMemberRole(ctx, op.CallerID, op.Entity.ID, p.MemberID, p.Role)
	if err != nil {
		return Result{}, err
	}
	return f.written(ctx, updated), nil
}

// replayRemove treats a member who is already gone as removed.
func (f *Families) replayRemove(ctx context.Context, op *model.QueuedOperation, _ *time.Time) (Result, error) {
	var p memberPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return Result{}, fmt.Errorf("decode %s payload: %w", op.Method, err)
	}
	err := f.svc.RemoveFamilyMember(ctx, op.CallerID, op.Entity.ID, p.MemberID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return Result{}, err
	}
	f.dropMember(ctx, op.Entity.ID, p.MemberID)
	return Result{}, nil
}

// replayLeave treats a family the caller is no longer in as left.
func (f *Families) replayLeave(ctx context.Context, op *model.QueuedOperation, _ *time.Time) (Result, error) {
	err := f.svc.LeaveFamily(ctx, op.CallerID, op.Entity.ID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrNotMember) {
		return Result{}, err
	}
	f.dropMember(ctx, op.Entity.ID, op.CallerID)
	return Result{}, nil
}

func (f *Families) written(ctx context.Context, fam *model.Family) Result {
	f.cachePut(ctx, fam)
	return Result{UpdatedAt: &fam.UpdatedAt, Value: fam}
}

func (f *Families) cachePut(ctx context.Context, fam *model.Family) {
	if err := f.cache.Put(ctx, fam); err != nil {
		f.logger.Error("cache family", "family_id", fam.ID, "error", err)
	}
}

// dropMember takes memberID out of the cached family, and drops the family
// once nobody is left in it.
func (f *Families) dropMember(ctx context.Context, familyID, memberID string) {
	cached, err := f.cache.Get(ctx, familyID)
	if err != nil {
		f.logger.Error("read cached family", "family_id", familyID, "error", err)
		return
	}
	if cached == nil {
		return
	}
	if c := without(cached, memberID); c.MemberCount() > 0 {
		f.cachePut(ctx, c)
		return
	}
	f.forget(ctx, familyID)
}

func (f *Families) forget(ctx context.Context, familyID string) {
	if err := f.cache.Delete(ctx, familyID); err != nil {
		f.logger.Error("uncache family", "family_id", familyID, "error", err)
	}
}

// without returns a copy of fam with memberID taken out of both roles.
func without(fam *model.Family, memberID string) *model.Family {
	c := *fam
	c.ParentIDs = dropID(fam.ParentIDs, memberID)
	c.ChildIDs = dropID(fam.ChildIDs, memberID)
	return &c
}

func withRole(fam *model.Family, memberID string, role model.Role) *model.Family {
	c := without(fam, memberID)
	if role == model.RoleParent {
		c.ParentIDs = append(c.ParentIDs, memberID)
	} else {
		c.ChildIDs = append(c.ChildIDs, memberID)
	}
	return c
}

func dropID(ids []string, id string) []string {
	return slices.DeleteFunc(slices.Clone(ids), func(s string) bool { return s == id })
}
