package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// lockedError returns the error a second writer gets while another
// connection holds the write lock.
func lockedError(t *testing.T) error {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "locked.db") + "?_pragma=busy_timeout(0)"
	holder, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open holder: %v", err)
	}
	defer holder.Close()
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer writer.Close()

	if _, err := holder.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, err := holder.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
		t.Fatalf("insert under lock: %v", err)
	}

	_, err = writer.Exec(`INSERT INTO t (id) VALUES (2)`)
	if err == nil {
		t.Fatalf("expected second writer to be locked out")
	}
	return err
}

func constraintError(t *testing.T) error {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "constraint.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = db.Exec(`INSERT INTO t (id) VALUES (1)`)
	if err == nil {
		t.Fatalf("expected constraint failure")
	}
	return err
}

func TestIsTransient(t *testing.T) {
	locked := lockedError(t)
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked", locked, true},
		{"wrapped locked", fmt.Errorf("insert: %w", locked), true},
		{"constraint", constraintError(t), false},
		{"plain text", errors.New("database is locked"), false},
		{"code lookalike", errors.New("decode item (5) of 6"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	locked := lockedError(t)
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return locked
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("constraint failed")
	calls := 0
	err := Retry(context.Background(), DefaultRetry, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected one call returning permanent error, got %d calls, err %v", calls, err)
	}
}

func TestRetryGivesUp(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	locked := lockedError(t)
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return locked
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 calls and an error, got %d calls, err %v", calls, err)
	}
}

func TestOpenCreatesDirectoryAndSchema(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "db.sqlite")
	db, err := Open(context.Background(), dsn, `CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY)`)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestWithPragmas(t *testing.T) {
	if got := withPragmas("file:x.db?cache=shared"); got != "file:x.db?cache=shared&"+pragmas {
		t.Fatalf("unexpected dsn %q", got)
	}
	if got := withPragmas("x.db"); got != "x.db?"+pragmas {
		t.Fatalf("unexpected dsn %q", got)
	}
}
