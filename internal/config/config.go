package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/josephjohncox/reshard/pkg/oplog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var fileSystem = afero.NewOsFs()

// Config holds runtime settings for a resharding oplog applier.
type Config struct {
	Environment string           `yaml:"environment"`
	Resharding  ReshardingConfig `yaml:"resharding"`
	Applier     ApplierConfig    `yaml:"applier"`
	Storage     StorageConfig    `yaml:"storage"`
	Progress    ProgressConfig   `yaml:"progress"`
	Source      SourceConfig     `yaml:"source"`
	Health      HealthConfig     `yaml:"health"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// ReshardingConfig identifies the stream being applied.
type ReshardingConfig struct {
	UUID           string `yaml:"uuid"`
	DonorShard     string `yaml:"donor_shard"`
	Namespace      string `yaml:"namespace"`
	CollectionUUID string `yaml:"collection_uuid"`
	// CloneFinishedTS is "T,I" or "T:I".
	CloneFinishedTS string `yaml:"clone_finished_ts"`
}

type ApplierConfig struct {
	Writers   int `yaml:"writers" validate:"min=1,max=256"`
	BatchSize int `yaml:"batch_size" validate:"min=1"`
}

type StorageConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type ProgressConfig struct {
	Backend string `yaml:"backend" validate:"omitempty,oneof=sqlite postgres postgresql memory"`
	DSN     string `yaml:"dsn" validate:"required_unless=Backend memory"`
}

type SourceConfig struct {
	Kind  string      `yaml:"kind" validate:"omitempty,oneof=sqlite kafka"`
	Path  string      `yaml:"path" validate:"required_unless=Kind kafka"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers     []string      `yaml:"brokers"`
	Topic       string        `yaml:"topic"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

type HealthConfig struct {
	GRPCListen string `yaml:"grpc_listen"`
}

type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Load reads defaults, then the optional YAML file at path, then RESHARD_*
// environment overrides.
func Load(path string) (*Config, error) {
	return LoadFrom(fileSystem, path)
}

// LoadFrom is Load reading the config file from fsys.
func LoadFrom(fsys afero.Fs, path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		raw, err := afero.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Environment: "dev",
		Applier: ApplierConfig{
			Writers:   4,
			BatchSize: 1000,
		},
		Storage: StorageConfig{
			Path: "reshard-recipient.db",
		},
		Progress: ProgressConfig{
			Backend: "sqlite",
			DSN:     "reshard-progress.db",
		},
		Source: SourceConfig{
			Kind: "sqlite",
			Path: "reshard-donor-oplog.db",
			Kafka: KafkaConfig{
				PollTimeout: 2 * time.Second,
			},
		},
		Health: HealthConfig{
			GRPCListen: ":8086",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "reshard-applier",
			LogLevel:    "info",
			LogFormat:   "text",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Environment = getenv("RESHARD_ENV", cfg.Environment)

	cfg.Resharding.UUID = getenv("RESHARD_UUID", cfg.Resharding.UUID)
	cfg.Resharding.DonorShard = getenv("RESHARD_DONOR_SHARD", cfg.Resharding.DonorShard)
	cfg.Resharding.Namespace = getenv("RESHARD_NAMESPACE", cfg.Resharding.Namespace)
	cfg.Resharding.CollectionUUID = getenv("RESHARD_COLLECTION_UUID", cfg.Resharding.CollectionUUID)
	cfg.Resharding.CloneFinishedTS = getenv("RESHARD_CLONE_FINISHED_TS", cfg.Resharding.CloneFinishedTS)

	cfg.Applier.Writers = getenvInt("RESHARD_WRITERS", cfg.Applier.Writers)
	cfg.Applier.BatchSize = getenvInt("RESHARD_BATCH_SIZE", cfg.Applier.BatchSize)

	cfg.Storage.Path = getenv("RESHARD_STORAGE_PATH", cfg.Storage.Path)

	cfg.Progress.Backend = getenv("RESHARD_PROGRESS_BACKEND", cfg.Progress.Backend)
	cfg.Progress.DSN = getenv("RESHARD_PROGRESS_DSN", cfg.Progress.DSN)

	cfg.Source.Kind = getenv("RESHARD_SOURCE_KIND", cfg.Source.Kind)
	cfg.Source.Path = getenv("RESHARD_SOURCE_PATH", cfg.Source.Path)
	if brokers := getenvCSV("RESHARD_KAFKA_BROKERS"); len(brokers) > 0 {
		cfg.Source.Kafka.Brokers = brokers
	}
	cfg.Source.Kafka.Topic = getenv("RESHARD_KAFKA_TOPIC", cfg.Source.Kafka.Topic)
	cfg.Source.Kafka.PollTimeout = getenvDuration("RESHARD_KAFKA_POLL_TIMEOUT", cfg.Source.Kafka.PollTimeout)

	cfg.Health.GRPCListen = getenv("RESHARD_GRPC_LISTEN", cfg.Health.GRPCListen)

	cfg.Telemetry.ServiceName = getenv("RESHARD_OTEL_SERVICE", cfg.Telemetry.ServiceName)
	cfg.Telemetry.LogLevel = getenv("RESHARD_LOG_LEVEL", cfg.Telemetry.LogLevel)
	cfg.Telemetry.LogFormat = getenv("RESHARD_LOG_FORMAT", cfg.Telemetry.LogFormat)
}

// Validate checks applier, storage and source settings. Stream identifiers
// are checked by Stream.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Source.Kind == "kafka" && (len(c.Source.Kafka.Brokers) == 0 || c.Source.Kafka.Topic == "") {
		return errors.New("invalid config: kafka source requires brokers and topic")
	}
	return nil
}

// Stream is the parsed identity of the stream a Config describes.
type Stream struct {
	SourceID        oplog.SourceID
	Namespace       oplog.Namespace
	CollectionUUID  uuid.UUID
	CloneFinishedTS oplog.Timestamp
}

// Stream parses and validates the resharding identifiers.
func (c *Config) Stream() (Stream, error) {
	var out Stream
	r := c.Resharding
	if r.UUID == "" {
		return out, errors.New("resharding uuid is required")
	}
	reshardingUUID, err := uuid.Parse(r.UUID)
	if err != nil {
		return out, fmt.Errorf("parse resharding uuid: %w", err)
	}
	if r.DonorShard == "" {
		return out, errors.New("donor shard is required")
	}
	nss, err := oplog.ParseNamespace(r.Namespace)
	if err != nil {
		return out, err
	}
	collectionUUID, err := uuid.Parse(r.CollectionUUID)
	if err != nil {
		return out, fmt.Errorf("parse collection uuid: %w", err)
	}
	cloneFinished, err := oplog.ParseTimestamp(r.CloneFinishedTS)
	if err != nil {
		return out, err
	}
	return Stream{
		SourceID:        oplog.SourceID{ReshardingUUID: reshardingUUID, ShardID: r.DonorShard},
		Namespace:       nss,
		CollectionUUID:  collectionUUID,
		CloneFinishedTS: cloneFinished,
	}, nil
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvCSV(key string) []string {
	parts := strings.Split(getenv(key, ""), ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trim := strings.TrimSpace(part)
		if trim != "" {
			out = append(out, trim)
		}
	}
	return out
}
