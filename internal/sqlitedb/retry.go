package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryConfig controls retries of transient SQLite errors.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetry is used for every write in this module.
var DefaultRetry = RetryConfig{
	MaxRetries: 5,
	BaseDelay:  20 * time.Millisecond,
	MaxDelay:   500 * time.Millisecond,
}

// IsTransient reports whether err is lock contention that a retry can clear.
func IsTransient(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return code == sqlite3.SQLITE_IOERR_SHORT_READ
}

// Retry runs fn until it succeeds, fails with a non-transient error, the
// retries are exhausted, or ctx is done.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}
		timer := time.NewTimer(backoff(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func backoff(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.BaseDelay > 0 {
		delay += time.Duration(rand.Int63n(int64(cfg.BaseDelay)))
	}
	return delay
}

// InTx runs fn in a transaction, retrying the whole unit on contention.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	return Retry(ctx, DefaultRetry, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}
