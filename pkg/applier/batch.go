package applier

import (
	"context"
	"sync"

	"github.com/josephjohncox/reshard/pkg/oplog"
)

// Scheduler runs tasks on a fixed set of workers. A task that cannot be
// scheduled is invoked with the scheduling error instead.
type Scheduler interface {
	Schedule(task func(scheduleErr error))
	Size() int
}

// batchWait tracks the writers of one batch. The consolidated status is
// delivered on done once, outside the lock.
type batchWait struct {
	mu        sync.Mutex
	remaining int
	status    error
	done      chan error
}

func newBatchWait(writers int) *batchWait {
	return &batchWait{
		remaining: writers,
		done:      make(chan error, 1),
	}
}

func (b *batchWait) writerDone(err error, onError func(error)) {
	final, finished := func() (error, bool) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.remaining <= 0 {
			panic("writer finished after batch completed")
		}
		b.remaining--
		if err != nil {
			if onError != nil {
				onError(err)
			}
			if b.status == nil {
				b.status = err
			}
		}
		if b.remaining == 0 {
			return b.status, true
		}
		return nil, false
	}()

	if finished {
		b.done <- final
	}
}

// applyBatch applies every writer vector on the scheduler and waits for all
// of them. A failing writer stops its own vector only.
func (a *Applier) applyBatch(ctx context.Context, writerVectors [][]*oplog.Record) error {
	wait := newBatchWait(len(writerVectors))
	if len(writerVectors) == 0 {
		return nil
	}

	for i, writer := range writerVectors {
		writerID := i
		ops := writer
		onError := func(err error) {
			a.logger.Error("failed to apply operation in resharding",
				"writer", writerID,
				"error", err,
			)
		}

		if len(ops) == 0 {
			wait.writerDone(nil, onError)
			continue
		}

		a.writers.Schedule(func(scheduleErr error) {
			if scheduleErr != nil {
				wait.writerDone(scheduleErr, onError)
				return
			}
			wait.writerDone(a.applyWriter(ctx, ops), onError)
		})
	}

	return <-wait.done
}
