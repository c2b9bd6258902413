package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/josephjohncox/reshard/internal/cli"
	"github.com/josephjohncox/reshard/internal/config"
	"github.com/josephjohncox/reshard/internal/progress"
	"github.com/josephjohncox/reshard/internal/telemetry"
	"github.com/josephjohncox/reshard/pkg/oplog"
	"github.com/spf13/cobra"
)

const envPrefix = "RESHARD"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	return newRootCommand().Execute()
}

func newRootCommand() *cobra.Command {
	command := &cobra.Command{
		Use:          "reshard-applier",
		Short:        "Apply a donor shard's oplog to a resharding recipient",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return cli.InitViperFromCommand(cmd, cli.ViperConfig{
				EnvPrefix:    envPrefix,
				ConfigEnvVar: "RESHARD_CONFIG",
			})
		},
	}
	command.PersistentFlags().String("config", "", "path to YAML config file")
	command.PersistentFlags().String("progress-backend", "", "progress store: sqlite, postgres or memory")
	command.PersistentFlags().String("progress-dsn", "", "progress store DSN or SQLite path")
	command.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	command.AddCommand(newRunCommand(), newProgressCommand(), newIngestCommand())
	command.InitDefaultCompletionCmd()
	return command
}

// loadConfig reads the config file and env, then applies explicit flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cli.ConfigPath(cmd, cli.ViperConfig{ConfigEnvVar: "RESHARD_CONFIG"})
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrideString(cmd, "progress-backend", &cfg.Progress.Backend)
	overrideString(cmd, "progress-dsn", &cfg.Progress.DSN)
	overrideString(cmd, "log-level", &cfg.Telemetry.LogLevel)
	overrideString(cmd, "resharding-uuid", &cfg.Resharding.UUID)
	overrideString(cmd, "donor-shard", &cfg.Resharding.DonorShard)
	overrideString(cmd, "namespace", &cfg.Resharding.Namespace)
	overrideString(cmd, "collection-uuid", &cfg.Resharding.CollectionUUID)
	overrideString(cmd, "clone-finished-ts", &cfg.Resharding.CloneFinishedTS)
	overrideString(cmd, "storage-path", &cfg.Storage.Path)
	overrideString(cmd, "source-kind", &cfg.Source.Kind)
	overrideString(cmd, "source-path", &cfg.Source.Path)
	overrideString(cmd, "kafka-topic", &cfg.Source.Kafka.Topic)
	overrideString(cmd, "grpc-listen", &cfg.Health.GRPCListen)
	if hasFlag(cmd, "kafka-brokers") && cli.Changed(cmd, "kafka-brokers") {
		cfg.Source.Kafka.Brokers = cli.ResolveStringSliceFlag(cmd, "kafka-brokers")
	}
	if hasFlag(cmd, "writers") && cli.Changed(cmd, "writers") {
		cfg.Applier.Writers = cli.ResolveIntFlag(cmd, "writers")
	}
	if hasFlag(cmd, "batch-size") && cli.Changed(cmd, "batch-size") {
		cfg.Applier.BatchSize = cli.ResolveIntFlag(cmd, "batch-size")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func hasFlag(cmd *cobra.Command, key string) bool {
	return cmd.Flags().Lookup(key) != nil
}

func overrideString(cmd *cobra.Command, key string, target *string) {
	if !hasFlag(cmd, key) || !cli.Changed(cmd, key) {
		return
	}
	if value := cli.ResolveStringFlag(cmd, key); value != "" {
		*target = value
	}
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	logger, err := telemetry.NewLogger(os.Stderr, cfg.Telemetry.ServiceName, cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// openProgress returns the configured store and a close func.
func openProgress(ctx context.Context, cfg config.ProgressConfig) (oplog.ProgressStore, func(), error) {
	backend, err := progress.ParseBackend(cfg.Backend)
	if err != nil {
		return nil, nil, err
	}
	switch backend {
	case progress.BackendPostgres:
		store, err := progress.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case progress.BackendMemory:
		return progress.NewMemoryStore(), func() {}, nil
	default:
		store, err := progress.NewSQLiteStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

func addStreamFlags(cmd *cobra.Command) {
	cmd.Flags().String("resharding-uuid", "", "resharding operation UUID")
	cmd.Flags().String("donor-shard", "", "donor shard id")
	cmd.Flags().String("namespace", "", "resharded namespace (db.coll)")
	cmd.Flags().String("collection-uuid", "", "UUID of the collection being resharded")
}

func streamFromConfig(cfg *config.Config) (config.Stream, error) {
	stream, err := cfg.Stream()
	if err != nil {
		return config.Stream{}, fmt.Errorf("invalid stream config: %w", err)
	}
	return stream, nil
}
