package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
)

// OutboxStore holds locally scheduled notifications until they are delivered.
type OutboxStore struct {
	db database.DBTX
}

func NewOutboxStore(db database.DBTX) *OutboxStore {
	return &OutboxStore{db: db}
}

const outboxCols = `handle, member_id, title, body, tag, url, fire_at, delivered_at, created_at`

func scanOutbox(scanner interface{ Scan(...any) error }) (*model.OutboxNotification, error) {
	var n model.OutboxNotification
	var delivered sql.NullTime
	err := scanner.Scan(&n.Handle, &n.MemberID, &n.Title, &n.Body, &n.Tag, &n.URL, &n.FireAt, &delivered, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	n.FireAt = n.FireAt.UTC()
	n.CreatedAt = n.CreatedAt.UTC()
	n.DeliveredAt = timePtr(delivered)
	return &n, nil
}

func (s *OutboxStore) Insert(ctx context.Context, n model.OutboxNotification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_outbox (`+outboxCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.Handle, n.MemberID, n.Title, n.Body, n.Tag, n.URL, n.FireAt.UTC(), nullTime(n.DeliveredAt), n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox notification: %w", err)
	}
	return nil
}

func (s *OutboxStore) Get(ctx context.Context, handle string) (*model.OutboxNotification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboxCols+` FROM notification_outbox WHERE handle = ?`, handle)
	n, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox notification: %w", err)
	}
	return n, nil
}

// Delete removes a notification. Missing handles are not an error.
func (s *OutboxStore) Delete(ctx context.Context, handle string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notification_outbox WHERE handle = ?`, handle)
	if err != nil {
		return fmt.Errorf("delete outbox notification: %w", err)
	}
	return nil
}

// ListDue returns undelivered notifications whose fire time is at or before now.
func (s *OutboxStore) ListDue(ctx context.Context, now time.Time) ([]model.OutboxNotification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxCols+` FROM notification_outbox WHERE delivered_at IS NULL ORDER BY fire_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list due notifications: %w", err)
	}
	defer rows.Close()

	var due []model.OutboxNotification
	for rows.Next() {
		n, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox notification: %w", err)
		}
		if n.FireAt.After(now) {
			continue
		}
		due = append(due, *n)
	}
	return due, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, handle string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_outbox SET delivered_at = ? WHERE handle = ?`, at.UTC(), handle)
	if err != nil {
		return fmt.Errorf("mark notification delivered: %w", err)
	}
	return nil
}

// CleanupDelivered deletes notifications delivered before the given time.
func (s *OutboxStore) CleanupDelivered(ctx context.Context, before time.Time) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handle, delivered_at FROM notification_outbox WHERE delivered_at IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("list delivered notifications: %w", err)
	}
	var stale []string
	for rows.Next() {
		var handle string
		var at time.Time
		if err := rows.Scan(&handle, &at); err != nil {
			rows.Close()
			return fmt.Errorf("scan delivered notification: %w", err)
		}
		if at.Before(before) {
			stale = append(stale, handle)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, h := range stale {
		if err := s.Delete(ctx, h); err != nil {
			return err
		}
	}
	return nil
}
