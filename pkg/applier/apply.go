package applier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/josephjohncox/reshard/pkg/oplog"
	"go.opentelemetry.io/otel/trace"
)

// applyWriter applies one writer vector in order on a fresh context that is
// cancelled by Interrupt, not by the caller.
func (a *Applier) applyWriter(parent context.Context, ops []*oplog.Record) error {
	ctx, cancel := context.WithCancel(a.lifetime)
	defer cancel()
	ctx = trace.ContextWithSpan(ctx, trace.SpanFromContext(parent))

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("writer interrupted: %w", err)
		}
		if err := a.applyRecord(ctx, *op); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) applyRecord(ctx context.Context, record oplog.Record) error {
	if IsShadow(record) {
		return a.applyRetryable(ctx, record)
	}

	switch {
	case record.Op == oplog.OpNoop:
		return nil
	case record.Op.IsCRUD():
		return a.rules.ApplyOperation(ctx, record)
	case record.Op == oplog.OpCommand:
		return a.rules.ApplyCommand(ctx, record)
	}
	return fmt.Errorf("unsupported op type %q at %s", record.Op, record.OpTime.TS)
}

// applyRetryable logs the bookkeeping that lets a retry of the original
// statement be recognized as already executed on this recipient.
func (a *Applier) applyRetryable(ctx context.Context, shadow oplog.Record) error {
	key, ok := shadow.SessionKey()
	if !ok {
		return fmt.Errorf("retryable no-op at %s is missing its session", shadow.OpTime.TS)
	}
	if shadow.StmtID == nil {
		return fmt.Errorf("retryable no-op at %s is missing its statement id", shadow.OpTime.TS)
	}
	stmt := *shadow.StmtID

	handle, err := a.sessions.BeginOrContinue(ctx, key)
	if err != nil {
		if errors.Is(err, oplog.ErrTransactionTooOld) || errors.Is(err, oplog.ErrIncompleteTransactionHistory) {
			return nil
		}
		return fmt.Errorf("check out session %s: %w", key.Session, err)
	}
	defer handle.Release()

	executed, err := handle.StatementExecuted(ctx, stmt)
	if err != nil {
		return fmt.Errorf("check statement %d executed: %w", stmt, err)
	}
	if executed {
		return nil
	}

	original, err := oplog.Unmarshal(shadow.Object2)
	if err != nil {
		return err
	}

	write := oplog.RetryableWrite{Stmt: stmt}
	switch {
	case shadow.PreImage != nil:
		write.Image = shadow.PreImage
	case shadow.PostImage != nil:
		write.Image = shadow.PostImage
		write.ImageIsPost = true
	}
	if write.Image != nil && write.Image.Op != oplog.OpNoop {
		return fmt.Errorf("expected a no-op for pre/post image oplog, got %q at %s", write.Image.Op, write.Image.OpTime.TS)
	}

	marker := original.Clone()
	marker.Op = oplog.OpNoop
	marker.NS = oplog.Namespace{}
	marker.UUID = nil
	marker.Object = applyMarkerTag
	marker.Object2 = shadow.Object2
	marker.PreImage = nil
	marker.PostImage = nil
	marker.PreImageOpTime = nil
	marker.PostImageOpTime = nil
	prev := handle.LastWriteOpTime()
	marker.PrevWriteOpTime = &prev
	marker.OpTime = oplog.OpTime{}
	marker.WallClock = time.Now().UTC()
	write.Marker = marker

	if _, err := handle.LogRetryableWrite(ctx, write); err != nil {
		return fmt.Errorf("log retryable write for session %s stmt %d: %w", key.Session, stmt, err)
	}
	return nil
}
