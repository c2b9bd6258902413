package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/josephjohncox/reshard/internal/sqlitedb"
	"github.com/josephjohncox/reshard/pkg/oplog"
)

// TxnRecord is a row of the session transaction table.
type TxnRecord struct {
	Session       oplog.SessionID
	TxnNumber     oplog.TxnNumber
	LastWrite     oplog.OpTime
	LastWriteDate time.Time
}

// BeginOrContinue checks out key's session. It blocks while another caller
// holds the same session.
func (s *SQLiteStorage) BeginOrContinue(ctx context.Context, key oplog.SessionKey) (oplog.SessionHandle, error) {
	release, err := s.checkOut(ctx, key.Session)
	if err != nil {
		return nil, err
	}

	record, found, err := s.txnRecord(ctx, key.Session)
	if err != nil {
		release()
		return nil, err
	}

	h := &sessionHandle{store: s, key: key, release: release}
	if !found || record.TxnNumber < key.TxnNumber {
		return h, nil
	}
	if record.TxnNumber > key.TxnNumber {
		release()
		return nil, fmt.Errorf("%w: session %s is at txnNumber %d, requested %d",
			oplog.ErrTransactionTooOld, key.Session, record.TxnNumber, key.TxnNumber)
	}

	// Continuing the active txnNumber needs the chain it points at.
	present, err := s.oplogEntryExists(ctx, record.LastWrite)
	if err != nil {
		release()
		return nil, err
	}
	if !present {
		release()
		return nil, fmt.Errorf("%w: session %s txnNumber %d last write %s was truncated",
			oplog.ErrIncompleteTransactionHistory, key.Session, key.TxnNumber, record.LastWrite.TS)
	}
	h.lastWrite = record.LastWrite
	return h, nil
}

func (s *SQLiteStorage) checkOut(ctx context.Context, session oplog.SessionID) (func(), error) {
	s.sessionsMu.Lock()
	slot, ok := s.sessions[session]
	if !ok {
		slot = make(chan struct{}, 1)
		s.sessions[session] = slot
	}
	s.sessionsMu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("check out session %s: %w", session, ctx.Err())
	}
}

// TxnRecord returns the transaction table entry for session.
func (s *SQLiteStorage) TxnRecord(ctx context.Context, session oplog.SessionID) (TxnRecord, bool, error) {
	return s.txnRecord(ctx, session)
}

func (s *SQLiteStorage) txnRecord(ctx context.Context, session oplog.SessionID) (TxnRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT txn_num, last_write, last_write_date FROM config_transactions WHERE session_id = ? AND session_uid = ?`,
		session.ID.String(), session.UID,
	)
	var (
		txnNumber int64
		lastWrite string
		lastDate  string
	)
	if err := row.Scan(&txnNumber, &lastWrite, &lastDate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TxnRecord{}, false, nil
		}
		return TxnRecord{}, false, fmt.Errorf("read session transaction: %w", err)
	}
	opTime, err := decodeOpTime(lastWrite)
	if err != nil {
		return TxnRecord{}, false, err
	}
	record := TxnRecord{Session: session, TxnNumber: oplog.TxnNumber(txnNumber), LastWrite: opTime}
	if parsed, err := time.Parse(time.RFC3339Nano, lastDate); err == nil {
		record.LastWriteDate = parsed
	}
	return record, true, nil
}

func (s *SQLiteStorage) oplogEntryExists(ctx context.Context, at oplog.OpTime) (bool, error) {
	if at.IsZero() {
		return true, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM local_oplog WHERE ts_t = ? AND ts_i = ?`, at.TS.T, at.TS.I,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("read local oplog: %w", err)
	}
	return count > 0, nil
}

// ExecutedStatements lists the statements recorded for key, in order.
func (s *SQLiteStorage) ExecutedStatements(ctx context.Context, key oplog.SessionKey) ([]oplog.StmtID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stmt_id FROM executed_statements
		 WHERE session_id = ? AND session_uid = ? AND txn_num = ?
		 ORDER BY stmt_id`,
		key.Session.ID.String(), key.Session.UID, int64(key.TxnNumber),
	)
	if err != nil {
		return nil, fmt.Errorf("list executed statements: %w", err)
	}
	defer rows.Close()

	var out []oplog.StmtID
	for rows.Next() {
		var stmt int32
		if err := rows.Scan(&stmt); err != nil {
			return nil, fmt.Errorf("scan executed statement: %w", err)
		}
		out = append(out, oplog.StmtID(stmt))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executed statements: %w", err)
	}
	return out, nil
}

type sessionHandle struct {
	store     *SQLiteStorage
	key       oplog.SessionKey
	lastWrite oplog.OpTime
	release   func()
	released  bool
}

func (h *sessionHandle) StatementExecuted(ctx context.Context, stmt oplog.StmtID) (bool, error) {
	var count int
	err := h.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executed_statements
		 WHERE session_id = ? AND session_uid = ? AND txn_num = ? AND stmt_id = ?`,
		h.key.Session.ID.String(), h.key.Session.UID, int64(h.key.TxnNumber), int32(stmt),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("read executed statement: %w", err)
	}
	return count > 0, nil
}

func (h *sessionHandle) LastWriteOpTime() oplog.OpTime {
	return h.lastWrite
}

func (h *sessionHandle) LogRetryableWrite(ctx context.Context, write oplog.RetryableWrite) (oplog.OpTime, error) {
	s := h.store
	var markerOpTime oplog.OpTime

	err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		marker := write.Marker.Clone()
		if write.Image != nil {
			imageOpTime, err := s.logOp(ctx, tx, write.Image.Clone())
			if err != nil {
				return fmt.Errorf("log pre/post image: %w", err)
			}
			if write.ImageIsPost {
				marker.PostImageOpTime = &imageOpTime
			} else {
				marker.PreImageOpTime = &imageOpTime
			}
		}

		opTime, err := s.logOp(ctx, tx, marker)
		if err != nil {
			return err
		}
		encoded, err := encodeOpTime(opTime)
		if err != nil {
			return err
		}
		wallClock := marker.WallClock
		if wallClock.IsZero() {
			wallClock = s.now().UTC()
		}

		sessionID, uid, txnNumber := h.key.Session.ID.String(), h.key.Session.UID, int64(h.key.TxnNumber)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO config_transactions (session_id, session_uid, txn_num, last_write, last_write_date)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, session_uid) DO UPDATE SET
			 txn_num = excluded.txn_num,
			 last_write = excluded.last_write,
			 last_write_date = excluded.last_write_date`,
			sessionID, uid, txnNumber, encoded, wallClock.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("update session transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM executed_statements WHERE session_id = ? AND session_uid = ? AND txn_num < ?`,
			sessionID, uid, txnNumber,
		); err != nil {
			return fmt.Errorf("clear superseded statements: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO executed_statements (session_id, session_uid, txn_num, stmt_id, optime)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			sessionID, uid, txnNumber, int32(write.Stmt), encoded,
		); err != nil {
			return fmt.Errorf("record executed statement: %w", err)
		}
		markerOpTime = opTime
		return nil
	})
	if err != nil {
		return oplog.OpTime{}, err
	}
	h.lastWrite = markerOpTime
	return markerOpTime, nil
}

func (h *sessionHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.release()
}
