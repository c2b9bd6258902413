// Package applier replays a donor's oplog onto a resharding recipient.
//
// Batches are fetched from an oplog.Source, partitioned into one writer
// vector per worker, and applied in parallel. Records of the same session
// always land on the same writer, in source order. Records that belong to a
// retryable write also produce a tagged no-op that records the statement as
// executed on the recipient, so replaying a batch after a restart is safe.
// Progress is persisted only after every writer of a batch succeeded.
package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/josephjohncox/reshard/pkg/oplog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidStage is returned when a run method is called in the wrong stage.
var ErrInvalidStage = errors.New("invalid applier stage")

// Config binds an applier to one donor stream and its collaborators.
type Config struct {
	SourceID oplog.SourceID
	// Namespace and CollectionUUID identify the collection being resharded.
	Namespace       oplog.Namespace
	CollectionUUID  uuid.UUID
	CloneFinishedTS oplog.Timestamp

	Source   oplog.Source
	Rules    oplog.ApplicationRules
	Sessions oplog.SessionCatalog
	Progress oplog.ProgressStore
	Writers  Scheduler

	Tracer trace.Tracer
	Logger *slog.Logger
	// OnStageChange, if set, is called by the driving goroutine after every
	// stage transition.
	OnStageChange func(Stage)
}

// Applier applies one donor stream. The run methods must be driven from a
// single goroutine; Stage and Interrupt are safe from any goroutine.
type Applier struct {
	sourceID        oplog.SourceID
	nss             oplog.Namespace
	collectionUUID  uuid.UUID
	outputNss       oplog.Namespace
	cloneFinishedTS oplog.Timestamp

	source   oplog.Source
	rules    oplog.ApplicationRules
	sessions oplog.SessionCatalog
	progress oplog.ProgressStore
	writers  Scheduler

	tracer        trace.Tracer
	logger        *slog.Logger
	onStageChange func(Stage)

	lifetime  context.Context
	interrupt context.CancelFunc

	stageMu sync.Mutex
	stage   Stage

	// Owned by the driving goroutine; reset when a batch checkpoints.
	currentBatch []oplog.Record
	derivedOps   []oplog.Record
}

// New validates cfg and returns an applier in StageStarted.
func New(cfg Config) (*Applier, error) {
	if cfg.Source == nil {
		return nil, errors.New("source is required")
	}
	if cfg.Rules == nil {
		return nil, errors.New("application rules are required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session catalog is required")
	}
	if cfg.Progress == nil {
		return nil, errors.New("progress store is required")
	}
	if cfg.Writers == nil || cfg.Writers.Size() < 1 {
		return nil, errors.New("writer pool is required")
	}
	if cfg.Namespace.DB == "" || cfg.Namespace.Coll == "" {
		return nil, errors.New("namespace is required")
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("reshard/applier")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lifetime, interrupt := context.WithCancel(context.Background())
	return &Applier{
		sourceID:        cfg.SourceID,
		nss:             cfg.Namespace,
		collectionUUID:  cfg.CollectionUUID,
		outputNss:       oplog.OutputNamespace(cfg.Namespace, cfg.CollectionUUID),
		cloneFinishedTS: cfg.CloneFinishedTS,
		source:          cfg.Source,
		rules:           cfg.Rules,
		sessions:        cfg.Sessions,
		progress:        cfg.Progress,
		writers:         cfg.Writers,
		tracer:          tracer,
		logger:          logger.With("source_id", cfg.SourceID.String()),
		onStageChange:   cfg.OnStageChange,
		lifetime:        lifetime,
		interrupt:       interrupt,
		stage:           StageStarted,
	}, nil
}

// Stage returns the current stage.
func (a *Applier) Stage() Stage {
	a.stageMu.Lock()
	defer a.stageMu.Unlock()
	return a.stage
}

// OutputNamespace is the collection records are rewritten to target.
func (a *Applier) OutputNamespace() oplog.Namespace {
	return a.outputNss
}

// Interrupt cancels in-flight writers. The batch they belong to fails and
// the applier moves to StageErrorOccurred.
func (a *Applier) Interrupt() {
	a.interrupt()
}

// RunUntilTargetTimestamp applies batches until a batch ends at or after the
// clone finished timestamp or the source is exhausted. It returns with the
// stage still StageStarted when the source has nothing ready; call it again
// to keep going.
func (a *Applier) RunUntilTargetTimestamp(ctx context.Context) error {
	if stage := a.Stage(); stage != StageStarted {
		return fmt.Errorf("%w: run until target timestamp requires %s, got %s", ErrInvalidStage, StageStarted, stage)
	}
	return a.run(ctx)
}

// RunUntilDrained applies batches until the source is exhausted. Like
// RunUntilTargetTimestamp it returns early, without changing the stage,
// when the source has nothing ready.
func (a *Applier) RunUntilDrained(ctx context.Context) error {
	if stage := a.Stage(); stage != StageReachedCloneFinishedTS {
		return fmt.Errorf("%w: run until drained requires %s, got %s", ErrInvalidStage, StageReachedCloneFinishedTS, stage)
	}
	return a.run(ctx)
}

func (a *Applier) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return a.onError(err)
		}
		more, err := a.applyNextBatch(ctx)
		if err != nil {
			return a.onError(err)
		}
		if !more {
			return nil
		}
	}
}

func (a *Applier) onError(err error) error {
	a.setStage(StageErrorOccurred)
	return err
}

func (a *Applier) setStage(stage Stage) {
	a.stageMu.Lock()
	prev := a.stage
	a.stage = stage
	a.stageMu.Unlock()

	if prev == stage {
		return
	}
	a.logger.Info("resharding oplog applier stage changed", "from", string(prev), "to", string(stage))
	if a.onStageChange != nil {
		a.onStageChange(stage)
	}
}

// applyNextBatch runs one fetch, partition, apply, checkpoint step. It
// reports whether another batch should follow.
func (a *Applier) applyNextBatch(ctx context.Context) (bool, error) {
	batchCtx, span := a.tracer.Start(ctx, "applier.batch")
	defer span.End()

	batch, err := a.source.NextBatch(batchCtx)
	if errors.Is(err, oplog.ErrSourceExhausted) {
		switch a.Stage() {
		case StageStarted:
			a.setStage(StageReachedCloneFinishedTS)
		case StageReachedCloneFinishedTS:
			a.setStage(StageFinished)
		}
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("fetch next batch: %w", err)
	}
	for _, record := range batch {
		processed, err := a.preProcess(record)
		if err != nil {
			span.RecordError(err)
			return false, err
		}
		a.currentBatch = append(a.currentBatch, processed)
	}

	if len(a.currentBatch) == 0 {
		// Nothing ready yet. The stage is left for the caller to drive.
		return false, nil
	}

	writerVectors, err := fillWriterVectors(a.sourceID, a.writers.Size(), a.currentBatch, &a.derivedOps)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(
		attribute.Int("records", len(a.currentBatch)),
		attribute.Int("derived", len(a.derivedOps)),
		attribute.Int("writers", len(writerVectors)),
	)
	a.logger.Debug("applying resharding oplog batch",
		"records", len(a.currentBatch),
		"derived", len(a.derivedOps),
	)

	applyCtx, applySpan := a.tracer.Start(batchCtx, "applier.apply")
	err = a.applyBatch(applyCtx, writerVectors)
	if err != nil {
		applySpan.RecordError(err)
	}
	applySpan.End()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("apply batch: %w", err)
	}

	checkpointCtx, checkpointSpan := a.tracer.Start(batchCtx, "applier.checkpoint")
	lastAppliedTS, err := a.clearAppliedOpsAndStoreProgress(checkpointCtx)
	if err != nil {
		checkpointSpan.RecordError(err)
	}
	checkpointSpan.End()
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	if a.Stage() == StageStarted && lastAppliedTS.Compare(a.cloneFinishedTS) >= 0 {
		a.setStage(StageReachedCloneFinishedTS)
		return false, nil
	}
	return true, nil
}

// preProcess checks that record belongs to the collection being resharded
// and returns a copy that targets the output collection.
func (a *Applier) preProcess(record oplog.Record) (oplog.Record, error) {
	if record.NS != a.nss {
		return oplog.Record{}, fmt.Errorf("%w: trying to apply oplog not belonging to ns %s: op at %s targets %s",
			oplog.ErrNamespaceMismatch, a.nss, record.OpTime.TS, record.NS)
	}
	if record.UUID == nil || *record.UUID != a.collectionUUID {
		return oplog.Record{}, fmt.Errorf("%w: trying to apply oplog with a different UUID from %s: op at %s",
			oplog.ErrNamespaceMismatch, a.collectionUUID, record.OpTime.TS)
	}

	out := record.Clone()
	out.NS = a.outputNss
	out.UUID = nil
	return out, nil
}
