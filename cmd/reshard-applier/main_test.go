package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/josephjohncox/reshard/pkg/oplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testReshardingUUID = "8f9a0b1c-2d3e-4f5a-9b6c-7d8e9f0a1b2c"
	testCollectionUUID = "9a0b1c2d-3e4f-4a5b-8c6d-7e8f9a0b1c2d"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute(), out.String())
	return out.String()
}

func writeRecords(t *testing.T, path string) {
	t.Helper()
	collUUID := uuid.MustParse(testCollectionUUID)
	var lines []string
	for i := 1; i <= 5; i++ {
		ts := oplog.Timestamp{T: uint32(i), I: 1}
		raw, err := oplog.Record{
			ID:     &oplog.DonorOplogID{ClusterTime: ts, TS: ts},
			OpTime: oplog.OpTime{TS: ts, Term: 1},
			Op:     oplog.OpInsert,
			NS:     oplog.Namespace{DB: "shop", Coll: "orders"},
			UUID:   &collUUID,
			Object: json.RawMessage(`{"_id":` + string(rune('0'+i)) + `}`),
		}.Marshal()
		require.NoError(t, err)
		lines = append(lines, string(raw))
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
}

func TestIngestRunAndShowProgress(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RESHARD_GRPC_LISTEN", "")
	t.Setenv("RESHARD_LOG_LEVEL", "error")

	records := filepath.Join(dir, "oplog.jsonl")
	writeRecords(t, records)

	stream := []string{
		"--resharding-uuid", testReshardingUUID,
		"--donor-shard", "shard0",
		"--namespace", "shop.orders",
		"--collection-uuid", testCollectionUUID,
	}
	progressFlags := []string{
		"--progress-backend", "sqlite",
		"--progress-dsn", filepath.Join(dir, "progress.db"),
	}
	sourcePath := filepath.Join(dir, "donor.db")

	out := execute(t, append(append([]string{"ingest", records, "--source-path", sourcePath}, stream...), progressFlags...)...)
	assert.Contains(t, out, "ingested 5 records")

	execute(t, append(append([]string{
		"run",
		"--source-path", sourcePath,
		"--storage-path", filepath.Join(dir, "recipient.db"),
		"--clone-finished-ts", "3,1",
		"--writers", "2",
		"--batch-size", "2",
	}, stream...), progressFlags...)...)

	out = execute(t, append(append([]string{"progress"}, stream...), progressFlags...)...)
	var stored oplog.Progress
	require.NoError(t, json.Unmarshal([]byte(out), &stored))
	assert.Equal(t, oplog.Timestamp{T: 5, I: 1}, stored.Progress.TS)
	assert.Equal(t, "shard0", stored.SourceID.ShardID)

	out = execute(t, append([]string{"progress", "--all", "--format", "table"}, progressFlags...)...)
	assert.Contains(t, out, "DONOR SHARD")
	assert.Contains(t, out, "shard0")
	assert.Contains(t, out, "Timestamp(5, 1)")
}

func TestProgressWithoutCheckpoint(t *testing.T) {
	out := execute(t,
		"progress",
		"--progress-backend", "memory",
		"--resharding-uuid", testReshardingUUID,
		"--donor-shard", "shard0",
		"--namespace", "shop.orders",
		"--collection-uuid", testCollectionUUID,
	)
	assert.Contains(t, out, "no progress stored")

	out = execute(t, "progress", "--progress-backend", "memory", "--all")
	assert.Equal(t, "[]", strings.TrimSpace(out))
}
