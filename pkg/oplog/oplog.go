// Package oplog defines the change records replayed onto a recipient during
// resharding and the collaborators the applier consumes.
package oplog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SourceID identifies one donor-to-recipient oplog stream of a resharding
// operation.
type SourceID struct {
	ReshardingUUID uuid.UUID
	ShardID        string
}

// String is the key under which the stream's progress is persisted.
func (s SourceID) String() string {
	return s.ReshardingUUID.String() + "/" + s.ShardID
}

// Progress is the persisted position of the last fully applied record.
type Progress struct {
	SourceID  SourceID
	Progress  DonorOplogID
	UpdatedAt time.Time
}

// Source produces ordered batches of records for one stream. An empty batch
// means nothing is ready yet; ErrSourceExhausted means the stream ended.
type Source interface {
	NextBatch(ctx context.Context) ([]Record, error)
}

// ApplicationRules applies data-bearing records to the recipient's storage.
// Implementations retry transient write conflicts themselves.
type ApplicationRules interface {
	ApplyOperation(ctx context.Context, record Record) error
	ApplyCommand(ctx context.Context, record Record) error
}

// SessionCatalog checks out a session's retryable-write bookkeeping.
type SessionCatalog interface {
	BeginOrContinue(ctx context.Context, key SessionKey) (SessionHandle, error)
}

// SessionHandle is a checked-out session. Release must be called once.
type SessionHandle interface {
	StatementExecuted(ctx context.Context, stmt StmtID) (bool, error)
	LastWriteOpTime() OpTime
	// LogRetryableWrite logs the optional image, then the marker, and records
	// the statement as executed, atomically.
	LogRetryableWrite(ctx context.Context, write RetryableWrite) (OpTime, error)
	Release()
}

// RetryableWrite is the bookkeeping that makes a statement retryable on the
// recipient.
type RetryableWrite struct {
	Stmt StmtID
	// Image is a no-op carrying the pre- or post-image document.
	Image       *Record
	ImageIsPost bool
	Marker      Record
}

// ProgressStore persists applier progress for recovery.
type ProgressStore interface {
	Get(ctx context.Context, id SourceID) (Progress, error)
	Put(ctx context.Context, id SourceID, progress DonorOplogID) error
	List(ctx context.Context) ([]Progress, error)
}
