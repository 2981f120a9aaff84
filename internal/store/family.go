package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
)

type FamilyStore struct {
	db database.DBTX
}

func NewFamilyStore(db database.DBTX) *FamilyStore {
	return &FamilyStore{db: db}
}

const familyCols = `id, name, invite_code, is_premium, max_members, categories, created_by, created_at, updated_at`

func scanFamily(scanner interface{ Scan(...any) error }) (*model.Family, error) {
	var f model.Family
	var categories string
	err := scanner.Scan(
		&f.ID, &f.Name, &f.InviteCode, &f.IsPremium, &f.MaxMembers,
		&categories, &f.CreatedBy, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(categories), &f.Categories); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}

func (s *FamilyStore) Create(ctx context.Context, f *model.Family) error {
	categories, err := encodeJSON(f.Categories)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO families (id, name, invite_code, is_premium, max_members, categories, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, strings.ToUpper(f.InviteCode), f.IsPremium, f.MaxMembers, categories, f.CreatedBy,
		f.CreatedAt.UTC(), f.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert family: %w", err)
	}
	return nil
}

// GetByID returns the family with its role sets, or nil if it does not exist.
func (s *FamilyStore) GetByID(ctx context.Context, id string) (*model.Family, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+familyCols+` FROM families WHERE id = ?`, id)
	f, err := scanFamily(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get family: %w", err)
	}
	if err := s.loadRoles(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// GetByInviteCode looks a family up by code, ignoring case.
func (s *FamilyStore) GetByInviteCode(ctx context.Context, code string) (*model.Family, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+familyCols+` FROM families WHERE invite_code = ?`, strings.ToUpper(code))
	f, err := scanFamily(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get family by invite code: %w", err)
	}
	if err := s.loadRoles(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *FamilyStore) InviteCodeExists(ctx context.Context, code string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM families WHERE invite_code = ?`, strings.ToUpper(code)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check invite code: %w", err)
	}
	return n > 0, nil
}

// Update writes the mutable family columns. Role sets live on members.
func (s *FamilyStore) Update(ctx context.Context, f *model.Family) error {
	categories, err := encodeJSON(f.Categories)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE families SET name = ?, invite_code = ?, is_premium = ?, max_members = ?, categories = ?, updated_at = ?
		 WHERE id = ?`,
		f.Name, strings.ToUpper(f.InviteCode), f.IsPremium, f.MaxMembers, categories, f.UpdatedAt.UTC(), f.ID,
	)
	if err != nil {
		return fmt.Errorf("update family: %w", err)
	}
	return nil
}

func (s *FamilyStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM families WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete family: %w", err)
	}
	return nil
}

func (s *FamilyStore) loadRoles(ctx context.Context, f *model.Family) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role FROM members WHERE family_id = ? ORDER BY joined_at ASC, id ASC`, f.ID)
	if err != nil {
		return fmt.Errorf("list family roles: %w", err)
	}
	defer rows.Close()

	f.ParentIDs = []string{}
	f.ChildIDs = []string{}
	for rows.Next() {
		var id string
		var role model.Role
		if err := rows.Scan(&id, &role); err != nil {
			return fmt.Errorf("scan family role: %w", err)
		}
		switch role {
		case model.RoleParent:
			f.ParentIDs = append(f.ParentIDs, id)
		case model.RoleChild:
			f.ChildIDs = append(f.ChildIDs, id)
		}
	}
	return rows.Err()
}
