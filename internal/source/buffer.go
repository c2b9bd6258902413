// Package source supplies donor oplog records to the applier, either from a
// local SQLite buffer or from a Kafka topic.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/josephjohncox/reshard/internal/sqlitedb"
	"github.com/josephjohncox/reshard/pkg/oplog"
)

// DefaultBatchSize caps the number of records returned per batch.
const DefaultBatchSize = 1000

const bufferSchema = `CREATE TABLE IF NOT EXISTS donor_oplog (
  source_id TEXT NOT NULL,
  cluster_t INTEGER NOT NULL,
  cluster_i INTEGER NOT NULL,
  ts_t INTEGER NOT NULL,
  ts_i INTEGER NOT NULL,
  entry TEXT NOT NULL,
  PRIMARY KEY (source_id, cluster_t, cluster_i, ts_t, ts_i)
);`

// ErrMissingID is returned when a buffered record has no donor oplog id.
var ErrMissingID = errors.New("donor oplog record has no _id")

// SQLiteBuffer is the recipient's copy of each donor's oplog, keyed by
// DonorOplogID.
type SQLiteBuffer struct {
	db *sql.DB
}

func OpenSQLiteBuffer(ctx context.Context, dsn string) (*SQLiteBuffer, error) {
	db, err := sqlitedb.Open(ctx, dsn, bufferSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteBuffer{db: db}, nil
}

func (b *SQLiteBuffer) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// Append stores records for a stream. Records already buffered are kept.
func (b *SQLiteBuffer) Append(ctx context.Context, id oplog.SourceID, records []oplog.Record) error {
	if len(records) == 0 {
		return nil
	}
	return sqlitedb.InTx(ctx, b.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO donor_oplog (source_id, cluster_t, cluster_i, ts_t, ts_i, entry)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare append: %w", err)
		}
		defer stmt.Close()

		for _, record := range records {
			if record.ID == nil {
				return fmt.Errorf("%w: op at %s", ErrMissingID, record.OpTime.TS)
			}
			raw, err := record.Marshal()
			if err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
			rid := record.ID
			if _, err := stmt.ExecContext(ctx, id.String(),
				rid.ClusterTime.T, rid.ClusterTime.I, rid.TS.T, rid.TS.I, string(raw),
			); err != nil {
				return fmt.Errorf("append record %s: %w", rid, err)
			}
		}
		return nil
	})
}

// Count returns how many records are buffered for a stream.
func (b *SQLiteBuffer) Count(ctx context.Context, id oplog.SourceID) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM donor_oplog WHERE source_id = ?", id.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count buffered records: %w", err)
	}
	return n, nil
}

// Cursor returns a Source reading id's records strictly after resumeAfter.
// A nil resumeAfter starts from the beginning of the buffer.
func (b *SQLiteBuffer) Cursor(id oplog.SourceID, resumeAfter *oplog.DonorOplogID, batchSize int) *BufferCursor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	cursor := &BufferCursor{buffer: b, sourceID: id, batchSize: batchSize}
	if resumeAfter != nil {
		last := *resumeAfter
		cursor.last = &last
	}
	return cursor
}

// BufferCursor iterates one stream of a SQLiteBuffer in DonorOplogID order.
type BufferCursor struct {
	buffer    *SQLiteBuffer
	sourceID  oplog.SourceID
	batchSize int
	last      *oplog.DonorOplogID
	finished  bool
}

var _ oplog.Source = (*BufferCursor)(nil)

// NextBatch returns up to batchSize records after the last one returned. It
// stops at a final op and returns oplog.ErrSourceExhausted after that.
func (c *BufferCursor) NextBatch(ctx context.Context) ([]oplog.Record, error) {
	if c.finished {
		return nil, oplog.ErrSourceExhausted
	}
	var after oplog.DonorOplogID
	if c.last != nil {
		after = *c.last
	}
	query := `SELECT entry FROM donor_oplog
		WHERE source_id = ? AND (cluster_t, cluster_i, ts_t, ts_i) > (?, ?, ?, ?)
		ORDER BY cluster_t, cluster_i, ts_t, ts_i
		LIMIT ?`
	if c.last == nil {
		query = `SELECT entry FROM donor_oplog
		WHERE source_id = ? AND (cluster_t, cluster_i, ts_t, ts_i) >= (?, ?, ?, ?)
		ORDER BY cluster_t, cluster_i, ts_t, ts_i
		LIMIT ?`
	}

	rows, err := c.buffer.db.QueryContext(ctx, query, c.sourceID.String(),
		after.ClusterTime.T, after.ClusterTime.I, after.TS.T, after.TS.I, c.batchSize)
	if err != nil {
		return nil, fmt.Errorf("read donor oplog: %w", err)
	}
	defer rows.Close()

	batch := make([]oplog.Record, 0, c.batchSize)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan donor oplog: %w", err)
		}
		record, err := oplog.Unmarshal([]byte(raw))
		if err != nil {
			return nil, err
		}
		if record.IsFinalOp() {
			c.finished = true
			break
		}
		batch = append(batch, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate donor oplog: %w", err)
	}
	if len(batch) == 0 {
		// The buffer is filled before the cursor runs, so a drained buffer
		// ends the stream.
		c.finished = true
		return nil, oplog.ErrSourceExhausted
	}
	last := *batch[len(batch)-1].ID
	c.last = &last
	return batch, nil
}
