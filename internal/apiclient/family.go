package apiclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/dukerupert/famtask/internal/family"
	"github.com/dukerupert/famtask/internal/model"
)

func familyPath(familyID string) string {
	return "/api/families/" + url.PathEscape(familyID)
}

func (c *Client) RegisterMember(ctx context.Context, _, displayName string) (*model.Member, error) {
	body := struct {
		DisplayName string `json:"display_name"`
	}{displayName}
	var m model.Member
	if err := c.do(ctx, http.MethodPost, "/api/members", body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) CreateFamily(ctx context.Context, _, name string, isPremium bool) (*model.Family, error) {
	body := struct {
		Name      string `json:"name"`
		IsPremium bool   `json:"is_premium"`
	}{name, isPremium}
	var f model.Family
	if err := c.do(ctx, http.MethodPost, "/api/families", body, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) JoinFamily(ctx context.Context, _, inviteCode string, role model.Role) (*model.Family, error) {
	body := struct {
		InviteCode string     `json:"invite_code"`
		Role       model.Role `json:"role"`
	}{inviteCode, role}
	var f model.Family
	if err := c.do(ctx, http.MethodPost, "/api/families/join", body, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) GetFamily(ctx context.Context, _, familyID string) (*model.Family, error) {
	var f model.Family
	if err := c.read(ctx, familyPath(familyID), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) UpdateFamily(ctx context.Context, _, familyID string, patch family.Patch) (*model.Family, error) {
	var f model.Family
	if err := c.do(ctx, http.MethodPut, familyPath(familyID), patch, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) RegenerateInviteCode(ctx context.Context, _, familyID string) (*model.Family, error) {
	var f model.Family
	if err := c.do(ctx, http.MethodPost, familyPath(familyID)+"/invite-code", nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) LeaveFamily(ctx context.Context, _, familyID string) error {
	return c.do(ctx, http.MethodPost, familyPath(familyID)+"/leave", nil, nil)
}

func (c *Client) ListMembers(ctx context.Context, _, familyID string) ([]model.Member, error) {
	var list []model.Member
	if err := c.read(ctx, familyPath(familyID)+"/members", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) ChangeMemberRole(ctx context.Context, _, familyID, targetID string, role model.Role) (*model.Family, error) {
	body := struct {
		Role model.Role `json:"role"`
	}{role}
	var f model.Family
	if err := c.do(ctx, http.MethodPut, familyPath(familyID)+"/members/"+url.PathEscape(targetID)+"/role", body, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) RemoveFamilyMember(ctx context.Context, _, familyID, targetID string) error {
	return c.do(ctx, http.MethodDelete, familyPath(familyID)+"/members/"+url.PathEscape(targetID), nil, nil)
}
