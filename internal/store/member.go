package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
)

type MemberStore struct {
	db database.DBTX
}

func NewMemberStore(db database.DBTX) *MemberStore {
	return &MemberStore{db: db}
}

const memberCols = `id, display_name, role, family_id, created_at, updated_at`

func scanMember(scanner interface{ Scan(...any) error }) (*model.Member, error) {
	var m model.Member
	var familyID sql.NullString
	err := scanner.Scan(&m.ID, &m.DisplayName, &m.Role, &familyID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.FamilyID = stringPtr(familyID)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func (s *MemberStore) GetByID(ctx context.Context, id string) (*model.Member, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memberCols+` FROM members WHERE id = ?`, id)
	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// Ensure returns the member, creating a bare record first if none exists.
func (s *MemberStore) Ensure(ctx context.Context, id string, now time.Time) (*model.Member, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members (id, created_at, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, now.UTC(), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("ensure member: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *MemberStore) SetDisplayName(ctx context.Context, id, name string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE members SET display_name = ?, updated_at = ? WHERE id = ?`, name, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("set display name: %w", err)
	}
	return nil
}

// Join places the member in a family with the given role.
func (s *MemberStore) Join(ctx context.Context, id, familyID string, role model.Role, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE members SET family_id = ?, role = ?, joined_at = ?, updated_at = ? WHERE id = ?`,
		familyID, role, now.UTC(), now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("join family: %w", err)
	}
	return nil
}

// Leave clears the member's family and role.
func (s *MemberStore) Leave(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE members SET family_id = NULL, role = '', joined_at = NULL, updated_at = ? WHERE id = ?`,
		now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("leave family: %w", err)
	}
	return nil
}

func (s *MemberStore) SetRole(ctx context.Context, id string, role model.Role, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE members SET role = ?, updated_at = ? WHERE id = ?`, role, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	return nil
}

func (s *MemberStore) ListByFamily(ctx context.Context, familyID string) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memberCols+` FROM members WHERE family_id = ? ORDER BY joined_at ASC, id ASC`, familyID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}
