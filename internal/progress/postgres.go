package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/josephjohncox/reshard/pkg/oplog"
)

// PostgresStore persists progress in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ oplog.ProgressStore = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Get(ctx context.Context, id oplog.SourceID) (oplog.Progress, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT resharding_uuid::text, donor_shard, progress, updated_at FROM resharding_applier_progress WHERE source_id = $1",
		id.String(),
	)
	return scanPostgres(row)
}

func (p *PostgresStore) Put(ctx context.Context, id oplog.SourceID, progress oplog.DonorOplogID) error {
	raw, err := encodeID(progress)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO resharding_applier_progress (source_id, resharding_uuid, donor_shard, progress, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (source_id)
		 DO UPDATE SET progress = EXCLUDED.progress, updated_at = EXCLUDED.updated_at`,
		id.String(), id.ReshardingUUID.String(), id.ShardID, raw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]oplog.Progress, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT resharding_uuid::text, donor_shard, progress, updated_at FROM resharding_applier_progress ORDER BY updated_at DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	items := make([]oplog.Progress, 0)
	for rows.Next() {
		item, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return items, nil
}

func scanPostgres(row pgx.Row) (oplog.Progress, error) {
	var (
		reshardingUUID string
		shard          string
		raw            []byte
		updated        time.Time
	)
	if err := row.Scan(&reshardingUUID, &shard, &raw, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return oplog.Progress{}, oplog.ErrNotFound
		}
		return oplog.Progress{}, fmt.Errorf("scan progress: %w", err)
	}
	parsedUUID, err := uuid.Parse(reshardingUUID)
	if err != nil {
		return oplog.Progress{}, fmt.Errorf("decode resharding uuid: %w", err)
	}
	id, err := decodeID(raw)
	if err != nil {
		return oplog.Progress{}, err
	}
	return oplog.Progress{
		SourceID:  oplog.SourceID{ReshardingUUID: parsedUUID, ShardID: shard},
		Progress:  id,
		UpdatedAt: updated,
	}, nil
}
