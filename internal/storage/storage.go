// Package storage is the recipient-side store the applier writes into: a
// SQLite database holding collections and documents, a local oplog, and the
// session transaction table used to recognize retried writes.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/josephjohncox/reshard/internal/sqlitedb"
	"github.com/josephjohncox/reshard/pkg/oplog"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS collections (
  ns TEXT PRIMARY KEY,
  created_at TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS documents (
  ns TEXT NOT NULL,
  id TEXT NOT NULL,
  doc TEXT NOT NULL,
  PRIMARY KEY (ns, id)
);`,
	`CREATE TABLE IF NOT EXISTS local_oplog (
  ts_t INTEGER NOT NULL,
  ts_i INTEGER NOT NULL,
  term INTEGER NOT NULL,
  op TEXT NOT NULL,
  ns TEXT NOT NULL,
  entry TEXT NOT NULL,
  PRIMARY KEY (ts_t, ts_i)
);`,
	`CREATE TABLE IF NOT EXISTS config_transactions (
  session_id TEXT NOT NULL,
  session_uid TEXT NOT NULL,
  txn_num INTEGER NOT NULL,
  last_write TEXT NOT NULL,
  last_write_date TEXT NOT NULL,
  PRIMARY KEY (session_id, session_uid)
);`,
	`CREATE TABLE IF NOT EXISTS executed_statements (
  session_id TEXT NOT NULL,
  session_uid TEXT NOT NULL,
  txn_num INTEGER NOT NULL,
  stmt_id INTEGER NOT NULL,
  optime TEXT NOT NULL,
  PRIMARY KEY (session_id, session_uid, txn_num, stmt_id)
);`,
}

// Term stamped on entries written to the local oplog.
const localTerm = 1

// SQLiteStorage implements oplog.ApplicationRules and oplog.SessionCatalog.
type SQLiteStorage struct {
	db *sql.DB

	clockMu sync.Mutex
	lastTS  oplog.Timestamp
	now     func() time.Time

	sessionsMu sync.Mutex
	sessions   map[oplog.SessionID]chan struct{}
}

var (
	_ oplog.ApplicationRules = (*SQLiteStorage)(nil)
	_ oplog.SessionCatalog   = (*SQLiteStorage)(nil)
)

// Open opens or creates the store at dsn.
func Open(ctx context.Context, dsn string) (*SQLiteStorage, error) {
	db, err := sqlitedb.Open(ctx, dsn, schema...)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStorage{
		db:       db,
		now:      time.Now,
		sessions: make(map[oplog.SessionID]chan struct{}),
	}
	if err := s.loadClock(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStorage) loadClock(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT ts_t, ts_i FROM local_oplog ORDER BY ts_t DESC, ts_i DESC LIMIT 1`)
	var ts oplog.Timestamp
	if err := row.Scan(&ts.T, &ts.I); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("load local oplog clock: %w", err)
	}
	s.lastTS = ts
	return nil
}

// nextOpTime reserves the next position in the local oplog.
func (s *SQLiteStorage) nextOpTime() oplog.OpTime {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	secs := uint32(s.now().Unix())
	if secs > s.lastTS.T {
		s.lastTS = oplog.Timestamp{T: secs, I: 1}
	} else {
		s.lastTS.I++
	}
	return oplog.OpTime{TS: s.lastTS, Term: localTerm}
}

// logOp writes entry to the local oplog at a fresh optime and returns it.
func (s *SQLiteStorage) logOp(ctx context.Context, tx *sql.Tx, entry oplog.Record) (oplog.OpTime, error) {
	entry.OpTime = s.nextOpTime()
	raw, err := entry.Marshal()
	if err != nil {
		return oplog.OpTime{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO local_oplog (ts_t, ts_i, term, op, ns, entry) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.OpTime.TS.T, entry.OpTime.TS.I, entry.OpTime.Term, string(entry.Op), entry.NS.String(), string(raw),
	); err != nil {
		return oplog.OpTime{}, fmt.Errorf("insert local oplog entry: %w", err)
	}
	return entry.OpTime, nil
}

func encodeOpTime(o oplog.OpTime) (string, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encode optime: %w", err)
	}
	return string(raw), nil
}

func decodeOpTime(value string) (oplog.OpTime, error) {
	var o oplog.OpTime
	if value == "" {
		return o, nil
	}
	if err := json.Unmarshal([]byte(value), &o); err != nil {
		return oplog.OpTime{}, fmt.Errorf("decode optime: %w", err)
	}
	return o, nil
}
