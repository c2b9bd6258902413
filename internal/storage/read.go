package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/josephjohncox/reshard/pkg/oplog"
)

// FindDocument returns the document with the given _id in nss.
func (s *SQLiteStorage) FindDocument(ctx context.Context, nss oplog.Namespace, id json.RawMessage) (json.RawMessage, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE ns = ? AND id = ?`, nss.String(), string(compactJSON(id)),
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find document: %w", err)
	}
	return json.RawMessage(doc), true, nil
}

// CountDocuments returns the number of documents in nss.
func (s *SQLiteStorage) CountDocuments(ctx context.Context, nss oplog.Namespace) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE ns = ?`, nss.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

// OplogEntries returns the local oplog in optime order.
func (s *SQLiteStorage) OplogEntries(ctx context.Context) ([]oplog.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry FROM local_oplog ORDER BY ts_t, ts_i`)
	if err != nil {
		return nil, fmt.Errorf("list local oplog: %w", err)
	}
	defer rows.Close()

	var out []oplog.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan local oplog: %w", err)
		}
		record, err := oplog.Unmarshal([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate local oplog: %w", err)
	}
	return out, nil
}

// TruncateOplogBefore removes local oplog entries older than ts.
func (s *SQLiteStorage) TruncateOplogBefore(ctx context.Context, ts oplog.Timestamp) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM local_oplog WHERE ts_t < ? OR (ts_t = ? AND ts_i < ?)`, ts.T, ts.T, ts.I,
	)
	if err != nil {
		return 0, fmt.Errorf("truncate local oplog: %w", err)
	}
	return res.RowsAffected()
}

// compactJSON matches the key encoding of oplog.Record.DocumentKey.
func compactJSON(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
