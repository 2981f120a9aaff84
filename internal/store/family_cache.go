package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
)

// FamilyCacheStore keeps the device's last known copy of its family.
type FamilyCacheStore struct {
	db database.DBTX
}

func NewFamilyCacheStore(db database.DBTX) *FamilyCacheStore {
	return &FamilyCacheStore{db: db}
}

func (s *FamilyCacheStore) Put(ctx context.Context, f *model.Family) error {
	body, err := encodeJSON(f)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cached_families (id, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		f.ID, body, f.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache family: %w", err)
	}
	return nil
}

func (s *FamilyCacheStore) Get(ctx context.Context, id string) (*model.Family, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM cached_families WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached family: %w", err)
	}
	var f model.Family
	if err := json.Unmarshal([]byte(body), &f); err != nil {
		return nil, fmt.Errorf("decode cached family: %w", err)
	}
	return &f, nil
}

func (s *FamilyCacheStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cached_families WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cached family: %w", err)
	}
	return nil
}
