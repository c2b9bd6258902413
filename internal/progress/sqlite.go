package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/josephjohncox/reshard/internal/sqlitedb"
	"github.com/josephjohncox/reshard/pkg/oplog"
)

const (
	sqliteInitTable = `CREATE TABLE IF NOT EXISTS resharding_applier_progress (
  source_id TEXT PRIMARY KEY,
  resharding_uuid TEXT NOT NULL,
  donor_shard TEXT NOT NULL,
  progress TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`
	sqliteInitIndex = `CREATE INDEX IF NOT EXISTS resharding_applier_progress_updated_at_idx ON resharding_applier_progress (updated_at);`
)

// SQLiteStore persists progress in a single-file SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ oplog.ProgressStore = (*SQLiteStore)(nil)

func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(ctx, dsn, sqliteInitTable, sqliteInitIndex)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id oplog.SourceID) (oplog.Progress, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT resharding_uuid, donor_shard, progress, updated_at FROM resharding_applier_progress WHERE source_id = ?",
		id.String(),
	)
	return scanSQLite(row)
}

func (s *SQLiteStore) Put(ctx context.Context, id oplog.SourceID, progress oplog.DonorOplogID) error {
	raw, err := encodeID(progress)
	if err != nil {
		return err
	}
	updatedAt := s.now().UTC().Format(time.RFC3339Nano)

	return sqlitedb.Retry(ctx, sqlitedb.DefaultRetry, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO resharding_applier_progress (source_id, resharding_uuid, donor_shard, progress, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(source_id) DO UPDATE SET
			 progress = excluded.progress,
			 updated_at = excluded.updated_at`,
			id.String(), id.ReshardingUUID.String(), id.ShardID, string(raw), updatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert progress: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) List(ctx context.Context) ([]oplog.Progress, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT resharding_uuid, donor_shard, progress, updated_at FROM resharding_applier_progress ORDER BY updated_at DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	out := []oplog.Progress{}
	for rows.Next() {
		item, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (oplog.Progress, error) {
	var (
		reshardingUUID string
		shard          string
		raw            string
		updatedAt      string
	)
	if err := row.Scan(&reshardingUUID, &shard, &raw, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return oplog.Progress{}, oplog.ErrNotFound
		}
		return oplog.Progress{}, fmt.Errorf("scan progress: %w", err)
	}
	parsedUUID, err := uuid.Parse(reshardingUUID)
	if err != nil {
		return oplog.Progress{}, fmt.Errorf("decode resharding uuid: %w", err)
	}
	id, err := decodeID([]byte(raw))
	if err != nil {
		return oplog.Progress{}, err
	}
	item := oplog.Progress{
		SourceID: oplog.SourceID{ReshardingUUID: parsedUUID, ShardID: shard},
		Progress: id,
	}
	if parsed, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		item.UpdatedAt = parsed
	}
	return item, nil
}
