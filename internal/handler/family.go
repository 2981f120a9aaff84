package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/famtask/internal/family"
	"github.com/dukerupert/famtask/internal/model"
)

// FamilyService is implemented by *family.Service.
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

type FamilyHandler struct {
	svc    FamilyService
	logger *slog.Logger
}

func NewFamilyHandler(svc FamilyService, logger *slog.Logger) *FamilyHandler {
	return &FamilyHandler{svc: svc, logger: logger}
}

// RegisterMember handles POST /api/members
func (h *FamilyHandler) RegisterMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.svc.RegisterMember(r.Context(), caller(r), req.DisplayName)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Create handles POST /api/families
func (h *FamilyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		IsPremium bool   `json:"is_premium"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	f, err := h.svc.CreateFamily(r.Context(), caller(r), req.Name, req.IsPremium)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// Join handles POST /api/families/join
func (h *FamilyHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InviteCode string     `json:"invite_code"`
		Role       model.Role `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	f, err := h.svc.JoinFamily(r.Context(), caller(r), req.InviteCode, req.Role)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// Get handles GET /api/families/{id}
func (h *FamilyHandler) Get(w http.ResponseWriter, r *http.Request) {
	f, err := h.svc.GetFamily(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// Update handles PUT /api/families/{id}
func (h *FamilyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch family.Patch
	if !decodeJSON(w, r, &patch) {
		return
	}
	f, err := h.svc.UpdateFamily(r.Context(), caller(r), r.PathValue("id"), patch)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// RegenerateInviteCode handles POST /api/families/{id}/invite-code
func (h *FamilyHandler) RegenerateInviteCode(w http.ResponseWriter, r *http.Request) {
	f, err := h.svc.RegenerateInviteCode(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// Leave handles POST /api/families/{id}/leave
func (h *FamilyHandler) Leave(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.LeaveFamily(r.Context(), caller(r), r.PathValue("id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMembers handles GET /api/families/{id}/members
func (h *FamilyHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.svc.ListMembers(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if members == nil {
		members = []model.Member{}
	}
	writeJSON(w, http.StatusOK, members)
}

// ChangeRole handles PUT /api/families/{id}/members/{mid}/role
func (h *FamilyHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role model.Role `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	f, err := h.svc.ChangeMemberRole(r.Context(), caller(r), r.PathValue("id"), r.PathValue("mid"), req.Role)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// RemoveMember handles DELETE /api/families/{id}/members/{mid}
func (h *FamilyHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveFamilyMember(r.Context(), caller(r), r.PathValue("id"), r.PathValue("mid")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
