package progress

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/josephjohncox/reshard/pkg/oplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSourceID(shard string) oplog.SourceID {
	return oplog.SourceID{
		ReshardingUUID: uuid.MustParse("4f6c2e1a-8a0b-4c7e-9d1e-2b3c4d5e6f70"),
		ShardID:        shard,
	}
}

func donorID(t, i uint32) oplog.DonorOplogID {
	ts := oplog.Timestamp{T: t, I: i}
	return oplog.DonorOplogID{ClusterTime: ts, TS: ts}
}

func exerciseStore(t *testing.T, store oplog.ProgressStore) {
	t.Helper()
	ctx := context.Background()
	shard0 := testSourceID("shard0")
	shard1 := testSourceID("shard1")

	_, err := store.Get(ctx, shard0)
	require.True(t, errors.Is(err, oplog.ErrNotFound), "expected ErrNotFound, got %v", err)

	require.NoError(t, store.Put(ctx, shard0, donorID(5, 1)))
	got, err := store.Get(ctx, shard0)
	require.NoError(t, err)
	assert.Equal(t, shard0, got.SourceID)
	assert.Equal(t, donorID(5, 1), got.Progress)
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, store.Put(ctx, shard0, donorID(7, 2)))
	got, err = store.Get(ctx, shard0)
	require.NoError(t, err)
	assert.Equal(t, donorID(7, 2), got.Progress)

	require.NoError(t, store.Put(ctx, shard1, donorID(1, 1)))
	items, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)

	byShard := map[string]oplog.DonorOplogID{}
	for _, item := range items {
		byShard[item.SourceID.ShardID] = item.Progress
	}
	assert.Equal(t, donorID(7, 2), byShard["shard0"])
	assert.Equal(t, donorID(1, 1), byShard["shard1"])
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "progress.db")
	id := testSourceID("shard0")

	store, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, id, donorID(9, 3)))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, donorID(9, 3), got.Progress)
}

func TestSQLiteStoreListOrdersByUpdate(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	require.NoError(t, store.Put(ctx, testSourceID("older"), donorID(1, 1)))
	store.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, store.Put(ctx, testSourceID("newer"), donorID(1, 1)))

	items, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "newer", items[0].SourceID.ShardID)
	assert.Equal(t, base.Add(time.Minute), items[0].UpdatedAt)
}

func TestParseBackend(t *testing.T) {
	cases := map[string]Backend{
		"":           BackendSQLite,
		"sqlite":     BackendSQLite,
		" Postgres ": BackendPostgres,
		"postgresql": BackendPostgres,
		"memory":     BackendMemory,
	}
	for input, want := range cases {
		got, err := ParseBackend(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := ParseBackend("etcd")
	require.Error(t, err)
}

func TestMigrationsAreEmbeddedInOrder(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, "0001_applier_progress.sql", migrations[0].version)
	assert.Contains(t, migrations[0].sql, "resharding_applier_progress")
	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].version, migrations[i].version)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("RESHARD_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("RESHARD_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	_, err = store.pool.Exec(ctx, "DELETE FROM resharding_applier_progress")
	require.NoError(t, err)
	exerciseStore(t, store)
}
