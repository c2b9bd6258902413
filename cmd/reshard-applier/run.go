package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/josephjohncox/reshard/internal/config"
	"github.com/josephjohncox/reshard/internal/health"
	"github.com/josephjohncox/reshard/internal/source"
	"github.com/josephjohncox/reshard/internal/storage"
	"github.com/josephjohncox/reshard/internal/telemetry"
	"github.com/josephjohncox/reshard/internal/workerpool"
	"github.com/josephjohncox/reshard/pkg/applier"
	"github.com/josephjohncox/reshard/pkg/oplog"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "run",
		Short: "Apply the donor oplog until the clone finished timestamp, then drain it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runApplier(cmd.Context(), cfg)
		},
	}
	addStreamFlags(command)
	command.Flags().String("clone-finished-ts", "", "clone finished timestamp as T,I")
	command.Flags().Int("writers", 0, "number of parallel writers")
	command.Flags().Int("batch-size", 0, "records fetched per batch")
	command.Flags().String("storage-path", "", "recipient SQLite database path")
	command.Flags().String("source-kind", "", "donor oplog source: sqlite or kafka")
	command.Flags().String("source-path", "", "SQLite donor oplog buffer path")
	command.Flags().StringSlice("kafka-brokers", nil, "Kafka seed brokers")
	command.Flags().String("kafka-topic", "", "Kafka topic carrying the donor oplog")
	command.Flags().String("grpc-listen", "", "gRPC health listen address (empty disables)")
	return command
}

type closer func()

const idleWait = 250 * time.Millisecond

func runApplier(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	stream, err := streamFromConfig(cfg)
	if err != nil {
		return err
	}

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	recipient, err := storage.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open recipient storage: %w", err)
	}
	closers = append(closers, func() { _ = recipient.Close() })

	outputNss := oplog.OutputNamespace(stream.Namespace, stream.CollectionUUID)
	if err := recipient.EnsureCollection(ctx, outputNss); err != nil {
		return err
	}
	stashNss, err := recipient.EnsureStashCollectionExists(ctx, stream.CollectionUUID, stream.SourceID.ShardID)
	if err != nil {
		return err
	}

	progressStore, closeProgress, err := openProgress(ctx, cfg.Progress)
	if err != nil {
		return fmt.Errorf("open progress store: %w", err)
	}
	closers = append(closers, closeProgress)

	stored, resumed, err := applier.CheckStoredProgress(ctx, progressStore, stream.SourceID)
	if err != nil {
		return err
	}
	var resumeAfter *oplog.DonorOplogID
	if resumed {
		resumeAfter = &stored.Progress
		logger.Info("resuming resharding oplog application", "after", stored.Progress.String())
	}

	src, closeSource, err := openSource(ctx, cfg, stream.SourceID, resumeAfter)
	if err != nil {
		return err
	}
	closers = append(closers, closeSource)

	pool := workerpool.New(cfg.Applier.Writers)
	closers = append(closers, pool.Shutdown)

	var healthServer *health.Server
	if cfg.Health.GRPCListen != "" {
		listener, err := net.Listen("tcp", cfg.Health.GRPCListen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Health.GRPCListen, err)
		}
		healthServer = health.New(cfg.Telemetry.ServiceName, logger, cfg.Environment == "dev")
		go func() {
			if err := healthServer.Serve(listener); err != nil {
				logger.Error("health server stopped", "error", err)
			}
		}()
		closers = append(closers, healthServer.Stop)
	}

	a, err := applier.New(applier.Config{
		SourceID:        stream.SourceID,
		Namespace:       stream.Namespace,
		CollectionUUID:  stream.CollectionUUID,
		CloneFinishedTS: stream.CloneFinishedTS,
		Source:          src,
		Rules:           recipient,
		Sessions:        recipient,
		Progress:        progressStore,
		Writers:         pool,
		Tracer:          telemetry.Tracer(cfg.Telemetry.ServiceName),
		Logger:          logger,
		OnStageChange: func(stage applier.Stage) {
			if healthServer != nil {
				healthServer.SetStage(stage)
			}
		},
	})
	if err != nil {
		return err
	}

	// Abort in-flight writers on shutdown.
	go func() {
		<-ctx.Done()
		a.Interrupt()
	}()

	logger.Info("starting resharding oplog applier",
		"namespace", stream.Namespace.String(),
		"output", outputNss.String(),
		"stash", stashNss.String(),
		"writers", pool.Size(),
		"clone_finished_ts", stream.CloneFinishedTS.String(),
	)
	if err := runWhileInStage(ctx, a, applier.StageStarted, a.RunUntilTargetTimestamp); err != nil {
		return reportFailure(logger, a, err)
	}
	if err := runWhileInStage(ctx, a, applier.StageReachedCloneFinishedTS, a.RunUntilDrained); err != nil {
		return reportFailure(logger, a, err)
	}
	logger.Info("resharding oplog applier finished", "stage", string(a.Stage()))
	return nil
}

// runWhileInStage calls run until the applier leaves stage, waiting
// idleWait whenever the source had nothing ready.
func runWhileInStage(ctx context.Context, a *applier.Applier, stage applier.Stage, run func(context.Context) error) error {
	for {
		if err := run(ctx); err != nil {
			return err
		}
		if a.Stage() != stage {
			return nil
		}
		timer := time.NewTimer(idleWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func reportFailure(logger *slog.Logger, a *applier.Applier, err error) error {
	if ooo, ok := oplog.AsOutOfOrderTxn(err); ok {
		logger.Error("donor oplog delivered out of order", "session", ooo.Session.String(), "seen", ooo.Seen, "tracked", ooo.Tracked)
	}
	if errors.Is(err, context.Canceled) {
		logger.Warn("resharding oplog applier interrupted", "stage", string(a.Stage()))
	}
	return fmt.Errorf("resharding oplog applier %s: %w", a.Stage(), err)
}

func openSource(ctx context.Context, cfg *config.Config, id oplog.SourceID, resumeAfter *oplog.DonorOplogID) (oplog.Source, closer, error) {
	switch cfg.Source.Kind {
	case "kafka":
		src, err := source.NewKafkaSource(source.KafkaConfig{
			Brokers:     cfg.Source.Kafka.Brokers,
			Topic:       cfg.Source.Kafka.Topic,
			BatchSize:   cfg.Applier.BatchSize,
			PollTimeout: cfg.Source.Kafka.PollTimeout,
		}, resumeAfter)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	case "", "sqlite":
		buffer, err := source.OpenSQLiteBuffer(ctx, cfg.Source.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open donor oplog buffer: %w", err)
		}
		return buffer.Cursor(id, resumeAfter, cfg.Applier.BatchSize), func() { _ = buffer.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported source kind: %s", cfg.Source.Kind)
	}
}
