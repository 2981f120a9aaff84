package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
)

// TaskCacheStore keeps the device's last known copy of each task.
type TaskCacheStore struct {
	db database.DBTX
}

func NewTaskCacheStore(db database.DBTX) *TaskCacheStore {
	return &TaskCacheStore{db: db}
}

func (s *TaskCacheStore) Put(ctx context.Context, t *model.Task) error {
	body, err := encodeJSON(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cached_tasks (id, family_id, body, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET family_id = excluded.family_id, body = excluded.body, updated_at = excluded.updated_at`,
		t.ID, t.FamilyID, body, t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache task: %w", err)
	}
	return nil
}

func (s *TaskCacheStore) Get(ctx context.Context, id string) (*model.Task, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM cached_tasks WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached task: %w", err)
	}
	var t model.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("decode cached task: %w", err)
	}
	return &t, nil
}

func (s *TaskCacheStore) ListByFamily(ctx context.Context, familyID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM cached_tasks WHERE family_id = ? ORDER BY id`, familyID)
	if err != nil {
		return nil, fmt.Errorf("list cached tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan cached task: %w", err)
		}
		var t model.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, fmt.Errorf("decode cached task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *TaskCacheStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cached_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cached task: %w", err)
	}
	return nil
}
