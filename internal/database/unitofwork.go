package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukerupert/famtask/internal/apperr"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// UnitOfWork runs a read-modify-write callback atomically. The callback
// builds tx-scoped stores from the DBTX it receives.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error
}

type SQLiteUnitOfWork struct {
	db *sql.DB
}

func NewUnitOfWork(db *sql.DB) *SQLiteUnitOfWork {
	return &SQLiteUnitOfWork{db: db}
}

// DB returns the underlying handle for reads outside a transaction.
func (u *SQLiteUnitOfWork) DB() *sql.DB {
	return u.db
}

// WithinTx commits when fn returns nil and rolls back on error or panic.
// Lock contention and deadline errors come back marked transient.
func (u *SQLiteUnitOfWork) WithinTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return classify(fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err))
		}
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// classify marks store errors that may succeed on retry.
func classify(err error) error {
	if err == nil || apperr.IsTransient(err) {
		return err
	}
	if IsBusy(err) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(err)
	}
	return err
}

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
