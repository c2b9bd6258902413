package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/josephjohncox/reshard/internal/sqlitedb"
	"github.com/josephjohncox/reshard/pkg/oplog"
)

// ErrUnsupportedCommand is returned for command records the store can't apply.
var ErrUnsupportedCommand = errors.New("unsupported command")

// ApplyOperation applies an insert, update or delete. Inserts upsert so a
// replayed insert is idempotent; updates and deletes of missing documents
// are no-ops.
func (s *SQLiteStorage) ApplyOperation(ctx context.Context, record oplog.Record) error {
	if !record.Op.IsCRUD() {
		return fmt.Errorf("apply operation: %q is not a CRUD op", record.Op)
	}
	ns := record.NS.String()
	id, err := record.DocumentKey()
	if err != nil {
		return err
	}

	return sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := requireCollection(ctx, tx, ns); err != nil {
			return err
		}
		switch record.Op {
		case oplog.OpInsert:
			return upsertDocument(ctx, tx, ns, string(id), record.Object)
		case oplog.OpDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE ns = ? AND id = ?`, ns, string(id)); err != nil {
				return fmt.Errorf("delete document: %w", err)
			}
			return nil
		default:
			return applyUpdate(ctx, tx, ns, string(id), record)
		}
	})
}

func applyUpdate(ctx context.Context, tx *sql.Tx, ns, id string, record oplog.Record) error {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT doc FROM documents WHERE ns = ? AND id = ?`, ns, id).Scan(&current)
	missing := errors.Is(err, sql.ErrNoRows)
	if err != nil && !missing {
		return fmt.Errorf("read document: %w", err)
	}
	if missing && !record.Upsert {
		return nil
	}

	doc := map[string]json.RawMessage{}
	if !missing {
		if err := json.Unmarshal([]byte(current), &doc); err != nil {
			return fmt.Errorf("decode stored document: %w", err)
		}
	}

	var update map[string]json.RawMessage
	if err := json.Unmarshal(record.Object, &update); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	updated, err := applyModifiers(doc, update)
	if err != nil {
		return err
	}
	updated["_id"] = json.RawMessage(id)

	raw, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return upsertDocument(ctx, tx, ns, id, raw)
}

// applyModifiers supports top-level $set and $unset; an update without
// operators replaces the document.
func applyModifiers(doc, update map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	hasOperators := false
	for key := range update {
		if strings.HasPrefix(key, "$") {
			hasOperators = true
			break
		}
	}
	if !hasOperators {
		out := make(map[string]json.RawMessage, len(update))
		for k, v := range update {
			out[k] = v
		}
		return out, nil
	}

	for op, raw := range update {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode %s: %w", op, err)
		}
		switch op {
		case "$set":
			for k, v := range fields {
				doc[k] = v
			}
		case "$unset":
			for k := range fields {
				delete(doc, k)
			}
		default:
			return nil, fmt.Errorf("unsupported update operator %s", op)
		}
	}
	return doc, nil
}

func upsertDocument(ctx context.Context, tx *sql.Tx, ns, id string, doc json.RawMessage) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (ns, id, doc) VALUES (?, ?, ?)
		 ON CONFLICT(ns, id) DO UPDATE SET doc = excluded.doc`,
		ns, id, string(doc),
	); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func requireCollection(ctx context.Context, tx *sql.Tx, ns string) error {
	var found string
	err := tx.QueryRowContext(ctx, `SELECT ns FROM collections WHERE ns = ?`, ns).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", oplog.ErrNamespaceNotFound, ns)
	}
	if err != nil {
		return fmt.Errorf("read collection: %w", err)
	}
	return nil
}

// ApplyCommand applies create and drop commands against the record's namespace.
func (s *SQLiteStorage) ApplyCommand(ctx context.Context, record oplog.Record) error {
	var cmd map[string]json.RawMessage
	if err := json.Unmarshal(record.Object, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	ns := record.NS.String()

	switch {
	case cmd["create"] != nil:
		return s.EnsureCollection(ctx, record.NS)
	case cmd["drop"] != nil:
		return sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE ns = ?`, ns); err != nil {
				return fmt.Errorf("drop documents: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE ns = ?`, ns); err != nil {
				return fmt.Errorf("drop collection: %w", err)
			}
			return nil
		})
	}

	names := make([]string, 0, len(cmd))
	for name := range cmd {
		names = append(names, name)
	}
	return fmt.Errorf("%w: %s on %s", ErrUnsupportedCommand, strings.Join(names, ","), ns)
}

// EnsureCollection creates nss if it doesn't exist.
func (s *SQLiteStorage) EnsureCollection(ctx context.Context, nss oplog.Namespace) error {
	return sqlitedb.Retry(ctx, sqlitedb.DefaultRetry, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO collections (ns, created_at) VALUES (?, ?) ON CONFLICT(ns) DO NOTHING`,
			nss.String(), s.now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("create collection %s: %w", nss, err)
		}
		return nil
	})
}

// EnsureStashCollectionExists creates the conflict stash collection for a
// donor and returns its namespace.
func (s *SQLiteStorage) EnsureStashCollectionExists(ctx context.Context, existingUUID uuid.UUID, donorShardID string) (oplog.Namespace, error) {
	nss := oplog.StashNamespace(existingUUID, donorShardID)
	if err := s.EnsureCollection(ctx, nss); err != nil {
		return oplog.Namespace{}, err
	}
	return nss, nil
}
