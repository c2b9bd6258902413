package applier

import (
	"context"
	"errors"
	"fmt"

	"github.com/josephjohncox/reshard/pkg/oplog"
)

// CheckStoredProgress returns the persisted progress of a stream. ok is
// false when the stream has never checkpointed.
func CheckStoredProgress(ctx context.Context, store oplog.ProgressStore, id oplog.SourceID) (progress oplog.Progress, ok bool, err error) {
	if store == nil {
		return oplog.Progress{}, false, errors.New("progress store is required")
	}
	progress, err = store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, oplog.ErrNotFound) {
			return oplog.Progress{}, false, nil
		}
		return oplog.Progress{}, false, fmt.Errorf("read progress for %s: %w", id, err)
	}
	return progress, true, nil
}

// clearAppliedOpsAndStoreProgress persists the _id of the last record of a
// fully applied batch, then drops the batch buffers. It returns the
// timestamp of that record.
func (a *Applier) clearAppliedOpsAndStoreProgress(ctx context.Context) (oplog.Timestamp, error) {
	last := a.currentBatch[len(a.currentBatch)-1]
	if last.ID == nil {
		return oplog.Timestamp{}, fmt.Errorf("last applied op at %s has no _id", last.OpTime.TS)
	}

	if err := a.progress.Put(ctx, a.sourceID, *last.ID); err != nil {
		return oplog.Timestamp{}, fmt.Errorf("store progress: %w", err)
	}

	a.currentBatch = nil
	a.derivedOps = nil
	return last.Timestamp(), nil
}
