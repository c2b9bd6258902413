package source

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/josephjohncox/reshard/pkg/oplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStream = oplog.SourceID{
	ReshardingUUID: uuid.MustParse("0c4a93b1-5d55-4d6e-9b77-0f3e6c1d2a11"),
	ShardID:        "shard0",
}

func bufferedInsert(ts uint32, id int) oplog.Record {
	stamp := oplog.Timestamp{T: ts, I: 1}
	doc, _ := json.Marshal(map[string]any{"_id": id})
	return oplog.Record{
		ID:     &oplog.DonorOplogID{ClusterTime: stamp, TS: stamp},
		OpTime: oplog.OpTime{TS: stamp, Term: 1},
		Op:     oplog.OpInsert,
		NS:     oplog.Namespace{DB: "db", Coll: "coll"},
		Object: doc,
	}
}

func openBuffer(t *testing.T) *SQLiteBuffer {
	t.Helper()
	buffer, err := OpenSQLiteBuffer(context.Background(), filepath.Join(t.TempDir(), "buffer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = buffer.Close() })
	return buffer
}

func timestamps(batch []oplog.Record) []uint32 {
	out := make([]uint32, 0, len(batch))
	for _, record := range batch {
		out = append(out, record.OpTime.TS.T)
	}
	return out
}

func TestBufferCursorBatchesInIDOrder(t *testing.T) {
	ctx := context.Background()
	buffer := openBuffer(t)

	// Appended out of order; read back sorted.
	require.NoError(t, buffer.Append(ctx, testStream, []oplog.Record{
		bufferedInsert(30, 3), bufferedInsert(10, 1), bufferedInsert(20, 2),
		bufferedInsert(50, 5), bufferedInsert(40, 4),
	}))

	cursor := buffer.Cursor(testStream, nil, 2)
	var got [][]uint32
	for {
		batch, err := cursor.NextBatch(ctx)
		if errors.Is(err, oplog.ErrSourceExhausted) {
			assert.Empty(t, batch)
			break
		}
		require.NoError(t, err)
		got = append(got, timestamps(batch))
	}
	assert.Equal(t, [][]uint32{{10, 20}, {30, 40}, {50}}, got)
}

func finalOp(ts uint32) oplog.Record {
	record := bufferedInsert(ts, 0)
	record.Op = oplog.OpNoop
	record.Object = json.RawMessage(`{"msg":"Writes to the resharding collection are finished"}`)
	record.Object2 = json.RawMessage(`{"type":"reshardFinalOp","reshardingUUID":"` + testStream.ReshardingUUID.String() + `"}`)
	return record
}

func TestBufferCursorStopsAtFinalOp(t *testing.T) {
	ctx := context.Background()
	buffer := openBuffer(t)
	require.NoError(t, buffer.Append(ctx, testStream, []oplog.Record{
		bufferedInsert(10, 1), bufferedInsert(20, 2), finalOp(30), bufferedInsert(40, 4),
	}))

	cursor := buffer.Cursor(testStream, nil, 10)
	batch, err := cursor.NextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 20}, timestamps(batch))

	_, err = cursor.NextBatch(ctx)
	require.ErrorIs(t, err, oplog.ErrSourceExhausted)
}

func TestBufferCursorExhaustedWhenEmpty(t *testing.T) {
	_, err := openBuffer(t).Cursor(testStream, nil, 10).NextBatch(context.Background())
	require.ErrorIs(t, err, oplog.ErrSourceExhausted)
}

func TestBufferCursorResumesAfterID(t *testing.T) {
	ctx := context.Background()
	buffer := openBuffer(t)
	require.NoError(t, buffer.Append(ctx, testStream, []oplog.Record{
		bufferedInsert(10, 1), bufferedInsert(20, 2), bufferedInsert(30, 3),
	}))

	resume := *bufferedInsert(20, 2).ID
	batch, err := buffer.Cursor(testStream, &resume, 0).NextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint32{30}, timestamps(batch))
}

func TestBufferSeparatesStreams(t *testing.T) {
	ctx := context.Background()
	buffer := openBuffer(t)
	other := oplog.SourceID{ReshardingUUID: testStream.ReshardingUUID, ShardID: "shard1"}

	require.NoError(t, buffer.Append(ctx, testStream, []oplog.Record{bufferedInsert(10, 1)}))
	require.NoError(t, buffer.Append(ctx, other, []oplog.Record{bufferedInsert(20, 2), bufferedInsert(30, 3)}))

	n, err := buffer.Count(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	batch, err := buffer.Cursor(testStream, nil, 10).NextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint32{10}, timestamps(batch))
}

func TestBufferAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	buffer := openBuffer(t)
	records := []oplog.Record{bufferedInsert(10, 1), bufferedInsert(20, 2)}

	require.NoError(t, buffer.Append(ctx, testStream, records))
	require.NoError(t, buffer.Append(ctx, testStream, records))

	n, err := buffer.Count(ctx, testStream)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBufferAppendRequiresID(t *testing.T) {
	record := bufferedInsert(10, 1)
	record.ID = nil
	err := openBuffer(t).Append(context.Background(), testStream, []oplog.Record{record})
	require.True(t, errors.Is(err, ErrMissingID), "unexpected error: %v", err)
}

func TestReadJSONL(t *testing.T) {
	first, err := bufferedInsert(10, 1).Marshal()
	require.NoError(t, err)
	second, err := bufferedInsert(20, 2).Marshal()
	require.NoError(t, err)

	input := string(first) + "\n\n" + string(second) + "\n"
	records, err := ReadJSONL(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 20}, timestamps(records))

	_, err = ReadJSONL(strings.NewReader(string(first) + "\n{not json}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestKafkaConfigValidation(t *testing.T) {
	_, err := NewKafkaSource(KafkaConfig{Topic: "oplog"}, nil)
	require.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)
}

func TestKafkaRoundTrip(t *testing.T) {
	brokersRaw := strings.TrimSpace(os.Getenv("RESHARD_TEST_KAFKA_BROKERS"))
	if brokersRaw == "" {
		t.Skip("RESHARD_TEST_KAFKA_BROKERS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := KafkaConfig{
		Brokers:     strings.Split(brokersRaw, ","),
		Topic:       "reshard-test-" + uuid.NewString(),
		PollTimeout: 5 * time.Second,
	}
	publisher, err := NewKafkaPublisher(cfg)
	require.NoError(t, err)
	defer publisher.Close()
	require.NoError(t, publisher.Publish(ctx, testStream, []oplog.Record{
		bufferedInsert(10, 1), bufferedInsert(20, 2), bufferedInsert(30, 3), finalOp(40),
	}))

	resume := *bufferedInsert(10, 1).ID
	src, err := NewKafkaSource(cfg, &resume)
	require.NoError(t, err)
	defer src.Close()

	var got []uint32
	for {
		batch, err := src.NextBatch(ctx)
		if errors.Is(err, oplog.ErrSourceExhausted) {
			break
		}
		require.NoError(t, err)
		got = append(got, timestamps(batch)...)
	}
	assert.Equal(t, []uint32{20, 30}, got)
}
