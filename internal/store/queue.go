package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
)

// QueueStore is the durable offline write log, ordered by seq.
type QueueStore struct {
	db database.DBTX
}

func NewQueueStore(db database.DBTX) *QueueStore {
	return &QueueStore{db: db}
}

const queueCols = `seq, kind, entity_kind, entity_id, method, caller_id, payload, base_updated_at, enqueued_at,
	retry_count, next_attempt_at, status, last_error`

func scanOp(scanner interface{ Scan(...any) error }) (*model.QueuedOperation, error) {
	var op model.QueuedOperation
	var payload string
	var base sql.NullTime
	err := scanner.Scan(
		&op.Seq, &op.Kind, &op.Entity.Kind, &op.Entity.ID, &op.Method, &op.CallerID, &payload, &base,
		&op.EnqueuedAt, &op.RetryCount, &op.NextAttemptAt, &op.Status, &op.LastError,
	)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	op.BaseUpdatedAt = timePtr(base)
	op.EnqueuedAt = op.EnqueuedAt.UTC()
	op.NextAttemptAt = op.NextAttemptAt.UTC()
	return &op, nil
}

// Enqueue appends op and returns its sequence number.
func (s *QueueStore) Enqueue(ctx context.Context, op *model.QueuedOperation) (int64, error) {
	payload := string(op.Payload)
	if payload == "" {
		payload = "{}"
	}
	status := op.Status
	if status == "" {
		status = model.OpPending
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO queued_operations (kind, entity_kind, entity_id, method, caller_id, payload, base_updated_at,
			enqueued_at, retry_count, next_attempt_at, status, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.Kind, op.Entity.Kind, op.Entity.ID, op.Method, op.CallerID, payload, nullTime(op.BaseUpdatedAt),
		op.EnqueuedAt.UTC(), op.RetryCount, op.NextAttemptAt.UTC(), status, op.LastError,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue operation: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	op.Seq = seq
	op.Status = status
	return seq, nil
}

func (s *QueueStore) Get(ctx context.Context, seq int64) (*model.QueuedOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueCols+` FROM queued_operations WHERE seq = ?`, seq)
	op, err := scanOp(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// ListByStatus returns operations in enqueue order.
func (s *QueueStore) ListByStatus(ctx context.Context, status model.OpStatus) ([]model.QueuedOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueCols+` FROM queued_operations WHERE status = ? ORDER BY seq ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []model.QueuedOperation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// CountForEntity counts operations still held for an entity, failed ones
// included, so later writes stay behind them.
func (s *QueueStore) CountForEntity(ctx context.Context, ref model.EntityRef) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_operations WHERE entity_kind = ? AND entity_id = ?`,
		ref.Kind, ref.ID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entity operations: %w", err)
	}
	return n, nil
}

func (s *QueueStore) Delete(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queued_operations WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	return nil
}

// Reschedule records a failed attempt and the time of the next one.
func (s *QueueStore) Reschedule(ctx context.Context, seq int64, retryCount int, next time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queued_operations SET retry_count = ?, next_attempt_at = ?, last_error = ? WHERE seq = ?`,
		retryCount, next.UTC(), lastErr, seq,
	)
	if err != nil {
		return fmt.Errorf("reschedule operation: %w", err)
	}
	return nil
}

func (s *QueueStore) MarkFailed(ctx context.Context, seq int64, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queued_operations SET status = ?, last_error = ? WHERE seq = ?`, model.OpFailed, lastErr, seq)
	if err != nil {
		return fmt.Errorf("mark operation failed: %w", err)
	}
	return nil
}

// Rearm returns a failed operation to the pending queue with a fresh budget.
func (s *QueueStore) Rearm(ctx context.Context, seq int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queued_operations SET status = ?, retry_count = 0, next_attempt_at = ?, last_error = '' WHERE seq = ?`,
		model.OpPending, now.UTC(), seq,
	)
	if err != nil {
		return fmt.Errorf("rearm operation: %w", err)
	}
	return nil
}
