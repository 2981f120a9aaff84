package model

import (
	"slices"
	"time"
)

type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

func (r Role) Valid() bool {
	switch r {
	case RoleParent, RoleChild:
		return true
	}
	return false
}

// Capacity per tier.
const (
	FreeMaxMembers    = 4
	PremiumMaxMembers = 10
)

var (
	FreeCategories    = []string{"Chores", "Homework", "Errands", "Other"}
	PremiumCategories = []string{"Chores", "Homework", "Errands", "Pets", "Garden", "Shopping", "Other"}
)

// MaxMembersFor returns the member cap for a tier.
func MaxMembersFor(premium bool) int {
	if premium {
		return PremiumMaxMembers
	}
	return FreeMaxMembers
}

// CategoriesFor returns a copy of the default categories for a tier.
func CategoriesFor(premium bool) []string {
	if premium {
		return slices.Clone(PremiumCategories)
	}
	return slices.Clone(FreeCategories)
}

type Member struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role,omitempty"`
	FamilyID    *string   `json:"family_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InFamily reports whether the member belongs to familyID.
func (m *Member) InFamily(familyID string) bool {
	return m != nil && m.FamilyID != nil && *m.FamilyID == familyID
}

type Family struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	InviteCode string    `json:"invite_code"`
	IsPremium  bool      `json:"is_premium"`
	MaxMembers int       `json:"max_members"`
	Categories []string  `json:"categories"`
	ParentIDs  []string  `json:"parent_ids"`
	ChildIDs   []string  `json:"child_ids"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (f *Family) MemberCount() int {
	return len(f.ParentIDs) + len(f.ChildIDs)
}

func (f *Family) HasMember(id string) bool {
	return slices.Contains(f.ParentIDs, id) || slices.Contains(f.ChildIDs, id)
}

func (f *Family) IsParent(id string) bool {
	return slices.Contains(f.ParentIDs, id)
}

func (f *Family) HasCategory(c string) bool {
	return slices.Contains(f.Categories, c)
}
