package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/josephjohncox/reshard/pkg/oplog"
	"github.com/twmb/franz-go/pkg/kgo"
)

const defaultPollTimeout = 2 * time.Second

// KafkaConfig describes a topic carrying one donor's oplog as JSON records.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	BatchSize   int
	PollTimeout time.Duration
}

func (c KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if c.Topic == "" {
		return errors.New("kafka topic is required")
	}
	return nil
}

// KafkaSource reads a donor oplog topic from the start, skipping records at
// or before the resume id. The topic is expected to have a single partition.
type KafkaSource struct {
	client      *kgo.Client
	batchSize   int
	pollTimeout time.Duration
	last        *oplog.DonorOplogID
	finished    bool
}

var _ oplog.Source = (*KafkaSource)(nil)

func NewKafkaSource(cfg KafkaConfig, resumeAfter *oplog.DonorOplogID) (*KafkaSource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	src := &KafkaSource{
		client:      client,
		batchSize:   cfg.BatchSize,
		pollTimeout: cfg.PollTimeout,
	}
	if src.batchSize <= 0 {
		src.batchSize = DefaultBatchSize
	}
	if src.pollTimeout <= 0 {
		src.pollTimeout = defaultPollTimeout
	}
	if resumeAfter != nil {
		last := *resumeAfter
		src.last = &last
	}
	return src, nil
}

func (s *KafkaSource) Close() {
	s.client.Close()
}

// NextBatch polls once. A poll that times out yields an empty batch. The
// stream ends at the donor's final op; records after it are ignored.
func (s *KafkaSource) NextBatch(ctx context.Context) ([]oplog.Record, error) {
	if s.finished {
		return nil, oplog.ErrSourceExhausted
	}
	pollCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	fetches := s.client.PollRecords(pollCtx, s.batchSize)
	if fetches.IsClientClosed() {
		return nil, errors.New("kafka client closed")
	}
	for _, fetchErr := range fetches.Errors() {
		if errors.Is(fetchErr.Err, context.DeadlineExceeded) || errors.Is(fetchErr.Err, context.Canceled) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		return nil, fmt.Errorf("poll %s[%d]: %w", fetchErr.Topic, fetchErr.Partition, fetchErr.Err)
	}

	batch := make([]oplog.Record, 0, fetches.NumRecords())
	var decodeErr error
	fetches.EachRecord(func(kr *kgo.Record) {
		if decodeErr != nil || s.finished {
			return
		}
		var record oplog.Record
		if err := json.Unmarshal(kr.Value, &record); err != nil {
			decodeErr = fmt.Errorf("decode record at offset %d: %w", kr.Offset, err)
			return
		}
		if record.ID == nil {
			decodeErr = fmt.Errorf("%w: offset %d", ErrMissingID, kr.Offset)
			return
		}
		if s.last != nil && record.ID.Compare(*s.last) <= 0 {
			return
		}
		if record.IsFinalOp() {
			s.finished = true
			return
		}
		last := *record.ID
		s.last = &last
		batch = append(batch, record)
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	if len(batch) == 0 && s.finished {
		return nil, oplog.ErrSourceExhausted
	}
	return batch, nil
}

// KafkaPublisher writes donor oplog records to a topic, keyed by stream.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaPublisher{client: client, topic: cfg.Topic}, nil
}

func (p *KafkaPublisher) Close() {
	p.client.Close()
}

func (p *KafkaPublisher) Publish(ctx context.Context, id oplog.SourceID, records []oplog.Record) error {
	if len(records) == 0 {
		return nil
	}
	out := make([]*kgo.Record, 0, len(records))
	for _, record := range records {
		if record.ID == nil {
			return fmt.Errorf("%w: op at %s", ErrMissingID, record.OpTime.TS)
		}
		raw, err := record.Marshal()
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		out = append(out, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(id.String()),
			Value: raw,
			Headers: []kgo.RecordHeader{
				{Key: "reshard-op", Value: []byte(record.Op)},
			},
		})
	}
	if err := p.client.ProduceSync(ctx, out...).FirstErr(); err != nil {
		return fmt.Errorf("produce records: %w", err)
	}
	return nil
}
