package applier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/josephjohncox/reshard/pkg/oplog"
)

var (
	testNss      = oplog.Namespace{DB: "shop", Coll: "orders"}
	testCollUUID = uuid.MustParse("2a7d1f3e-9b4c-4d8a-a1e2-3f4b5c6d7e80")
	testSourceID = oplog.SourceID{
		ReshardingUUID: uuid.MustParse("9e8d7c6b-5a4f-4e3d-8c2b-1a0f9e8d7c6b"),
		ShardID:        "shard0",
	}
)

type recordOpt func(*oplog.Record)

func withSession(session oplog.SessionID, txn oplog.TxnNumber, stmt oplog.StmtID) recordOpt {
	return func(r *oplog.Record) {
		s := session
		r.Session = &s
		r.TxnNumber = &txn
		r.StmtID = &stmt
	}
}

func withPreImage(doc string) recordOpt {
	return func(r *oplog.Record) {
		r.PreImage = &oplog.Record{Op: oplog.OpNoop, NS: testNss, Object: json.RawMessage(doc)}
	}
}

func newRecord(ts uint32, op oplog.OpType, object, object2 string, opts ...recordOpt) oplog.Record {
	stamp := oplog.Timestamp{T: ts, I: 1}
	collUUID := testCollUUID
	r := oplog.Record{
		ID:     &oplog.DonorOplogID{ClusterTime: stamp, TS: stamp},
		OpTime: oplog.OpTime{TS: stamp, Term: 1},
		Op:     op,
		NS:     testNss,
		UUID:   &collUUID,
	}
	if object != "" {
		r.Object = json.RawMessage(object)
	}
	if object2 != "" {
		r.Object2 = json.RawMessage(object2)
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func insertRecord(ts uint32, id int, opts ...recordOpt) oplog.Record {
	return newRecord(ts, oplog.OpInsert, fmt.Sprintf(`{"_id":%d,"v":%d}`, id, ts), "", opts...)
}

func updateRecord(ts uint32, id int, opts ...recordOpt) oplog.Record {
	return newRecord(ts, oplog.OpUpdate, fmt.Sprintf(`{"$set":{"v":%d}}`, ts), fmt.Sprintf(`{"_id":%d}`, id), opts...)
}

func deleteRecord(ts uint32, id int, opts ...recordOpt) oplog.Record {
	return newRecord(ts, oplog.OpDelete, fmt.Sprintf(`{"_id":%d}`, id), "", opts...)
}

// fakeSource hands out scripted batches, then reports exhaustion. A scripted
// empty batch stands for a fetch with nothing ready.
type fakeSource struct {
	mu      sync.Mutex
	batches [][]oplog.Record
	fetches int
	err     error
}

func (s *fakeSource) NextBatch(ctx context.Context) ([]oplog.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.batches) == 0 {
		return nil, oplog.ErrSourceExhausted
	}
	next := s.batches[0]
	s.batches = s.batches[1:]
	return next, nil
}

// fakeRules applies CRUD records to an in-memory document map.
type fakeRules struct {
	mu       sync.Mutex
	docs     map[string]string
	applied  []oplog.Record
	commands []oplog.Record
	fail     func(oplog.Record) error
}

func newFakeRules() *fakeRules {
	return &fakeRules{docs: make(map[string]string)}
}

func (r *fakeRules) ApplyOperation(ctx context.Context, record oplog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(record); err != nil {
			return err
		}
	}
	key, err := record.DocumentKey()
	if err != nil {
		return err
	}
	docKey := record.NS.String() + "/" + string(key)
	switch record.Op {
	case oplog.OpInsert:
		r.docs[docKey] = string(record.Object)
	case oplog.OpUpdate:
		r.docs[docKey] = string(record.Object)
	case oplog.OpDelete:
		delete(r.docs, docKey)
	}
	r.applied = append(r.applied, record)
	return nil
}

func (r *fakeRules) ApplyCommand(ctx context.Context, record oplog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, record)
	return nil
}

func (r *fakeRules) snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.docs))
	for k, v := range r.docs {
		out[k] = v
	}
	return out
}

type fakeSessionState struct {
	txn       oplog.TxnNumber
	executed  map[oplog.StmtID]oplog.OpTime
	lastWrite oplog.OpTime
}

// fakeSessions is an in-memory session catalog with its own oplog clock.
type fakeSessions struct {
	mu         sync.Mutex
	sessions   map[oplog.SessionID]*fakeSessionState
	logged     []oplog.RetryableWrite
	clock      uint32
	incomplete map[oplog.SessionID]bool
	checkouts  int
	releases   int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions:   make(map[oplog.SessionID]*fakeSessionState),
		incomplete: make(map[oplog.SessionID]bool),
	}
}

func (f *fakeSessions) BeginOrContinue(ctx context.Context, key oplog.SessionKey) (oplog.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incomplete[key.Session] {
		return nil, oplog.ErrIncompleteTransactionHistory
	}
	state, ok := f.sessions[key.Session]
	switch {
	case !ok:
		state = &fakeSessionState{txn: key.TxnNumber, executed: make(map[oplog.StmtID]oplog.OpTime)}
		f.sessions[key.Session] = state
	case state.txn > key.TxnNumber:
		return nil, oplog.ErrTransactionTooOld
	case state.txn < key.TxnNumber:
		state.txn = key.TxnNumber
		state.executed = make(map[oplog.StmtID]oplog.OpTime)
	}
	f.checkouts++
	return &fakeHandle{catalog: f, state: state}, nil
}

func (f *fakeSessions) executed(session oplog.SessionID) []oplog.StmtID {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.sessions[session]
	if !ok {
		return nil
	}
	out := make([]oplog.StmtID, 0, len(state.executed))
	for stmt := range state.executed {
		out = append(out, stmt)
	}
	return out
}

func (f *fakeSessions) loggedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logged)
}

type fakeHandle struct {
	catalog  *fakeSessions
	state    *fakeSessionState
	released bool
}

func (h *fakeHandle) StatementExecuted(ctx context.Context, stmt oplog.StmtID) (bool, error) {
	h.catalog.mu.Lock()
	defer h.catalog.mu.Unlock()
	_, ok := h.state.executed[stmt]
	return ok, nil
}

func (h *fakeHandle) LastWriteOpTime() oplog.OpTime {
	h.catalog.mu.Lock()
	defer h.catalog.mu.Unlock()
	return h.state.lastWrite
}

func (h *fakeHandle) LogRetryableWrite(ctx context.Context, write oplog.RetryableWrite) (oplog.OpTime, error) {
	h.catalog.mu.Lock()
	defer h.catalog.mu.Unlock()
	if write.Image != nil {
		h.catalog.clock++
	}
	h.catalog.clock++
	at := oplog.OpTime{TS: oplog.Timestamp{T: h.catalog.clock}, Term: 1}
	h.state.executed[write.Stmt] = at
	h.state.lastWrite = at
	h.catalog.logged = append(h.catalog.logged, write)
	return at, nil
}

func (h *fakeHandle) Release() {
	h.catalog.mu.Lock()
	defer h.catalog.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.catalog.releases++
}

// fakeProgress records every checkpoint.
type fakeProgress struct {
	mu     sync.Mutex
	items  map[oplog.SourceID]oplog.DonorOplogID
	puts   []oplog.DonorOplogID
	putErr error
}

func newFakeProgress() *fakeProgress {
	return &fakeProgress{items: make(map[oplog.SourceID]oplog.DonorOplogID)}
}

func (p *fakeProgress) Get(ctx context.Context, id oplog.SourceID) (oplog.Progress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[id]
	if !ok {
		return oplog.Progress{}, oplog.ErrNotFound
	}
	return oplog.Progress{SourceID: id, Progress: item}, nil
}

func (p *fakeProgress) Put(ctx context.Context, id oplog.SourceID, progress oplog.DonorOplogID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.putErr != nil {
		return p.putErr
	}
	p.items[id] = progress
	p.puts = append(p.puts, progress)
	return nil
}

func (p *fakeProgress) List(ctx context.Context) ([]oplog.Progress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]oplog.Progress, 0, len(p.items))
	for id, item := range p.items {
		out = append(out, oplog.Progress{SourceID: id, Progress: item})
	}
	return out, nil
}

func (p *fakeProgress) putCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.puts)
}

// inlineScheduler runs tasks on the caller's goroutine.
type inlineScheduler struct {
	size int
	err  error
}

func (s inlineScheduler) Schedule(task func(scheduleErr error)) {
	task(s.err)
}

func (s inlineScheduler) Size() int {
	return s.size
}

var errInjected = errors.New("injected failure")
