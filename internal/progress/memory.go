package progress

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/josephjohncox/reshard/pkg/oplog"
)

// MemoryStore keeps progress in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	items map[oplog.SourceID]oplog.Progress
}

var _ oplog.ProgressStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[oplog.SourceID]oplog.Progress)}
}

func (m *MemoryStore) Get(_ context.Context, id oplog.SourceID) (oplog.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return oplog.Progress{}, oplog.ErrNotFound
	}
	return item, nil
}

func (m *MemoryStore) Put(_ context.Context, id oplog.SourceID, progress oplog.DonorOplogID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = oplog.Progress{SourceID: id, Progress: progress, UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) List(context.Context) ([]oplog.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]oplog.Progress, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
