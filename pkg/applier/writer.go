package applier

import (
	"fmt"
	"hash/fnv"

	"github.com/josephjohncox/reshard/pkg/oplog"
)

type retryableOps struct {
	txnNumber oplog.TxnNumber
	ops       []*oplog.Record
}

// sessionTracker keeps the statements of the newest txnNumber seen for each
// session, in first-seen session order.
type sessionTracker struct {
	sourceID oplog.SourceID
	sessions map[oplog.SessionID]*retryableOps
	order    []oplog.SessionID
}

func newSessionTracker(sourceID oplog.SourceID) *sessionTracker {
	return &sessionTracker{
		sourceID: sourceID,
		sessions: make(map[oplog.SessionID]*retryableOps),
	}
}

func (t *sessionTracker) track(op *oplog.Record) error {
	key, ok := op.SessionKey()
	if !ok {
		return nil
	}
	tracked, ok := t.sessions[key.Session]
	if !ok {
		tracked = &retryableOps{txnNumber: key.TxnNumber}
		t.sessions[key.Session] = tracked
		t.order = append(t.order, key.Session)
	}

	switch {
	case tracked.txnNumber < key.TxnNumber:
		tracked.txnNumber = key.TxnNumber
		tracked.ops = nil
	case tracked.txnNumber > key.TxnNumber:
		return &oplog.OutOfOrderTxnError{
			SourceID: t.sourceID,
			Session:  key.Session,
			Seen:     key.TxnNumber,
			Tracked:  tracked.txnNumber,
			OpTime:   op.OpTime,
		}
	}
	// Entries without a statement id, such as transaction commits, are not
	// retryable writes and get no shadow.
	if op.StmtID != nil {
		tracked.ops = append(tracked.ops, op)
	}
	return nil
}

// derive returns one shadow per tracked statement.
func (t *sessionTracker) derive() ([]oplog.Record, error) {
	var derived []oplog.Record
	for _, session := range t.order {
		for _, op := range t.sessions[session].ops {
			shadow, err := DeriveShadow(*op)
			if err != nil {
				return nil, err
			}
			derived = append(derived, shadow)
		}
	}
	return derived, nil
}

// fillWriterVectors partitions batch into writerCount ordered slots. Shadows
// derived from the batch are appended to derivedOps and routed with the same
// session hash as the records they came from.
func fillWriterVectors(sourceID oplog.SourceID, writerCount int, batch []oplog.Record, derivedOps *[]oplog.Record) ([][]*oplog.Record, error) {
	writerVectors := make([][]*oplog.Record, writerCount)
	tracker := newSessionTracker(sourceID)

	for i := range batch {
		op := &batch[i]
		if op.Prepare || op.PreparedCommit {
			return nil, fmt.Errorf("%w: op at %s", oplog.ErrPreparedTransaction, op.OpTime.TS)
		}
		if op.Op == oplog.OpNoop {
			continue
		}

		writerID, err := writerFor(op, writerCount)
		if err != nil {
			return nil, err
		}
		writerVectors[writerID] = append(writerVectors[writerID], op)

		if err := tracker.track(op); err != nil {
			return nil, err
		}
	}

	derived, err := tracker.derive()
	if err != nil {
		return nil, err
	}
	start := len(*derivedOps)
	*derivedOps = append(*derivedOps, derived...)

	for i := start; i < len(*derivedOps); i++ {
		op := &(*derivedOps)[i]
		writerID, err := writerFor(op, writerCount)
		if err != nil {
			return nil, err
		}
		writerVectors[writerID] = append(writerVectors[writerID], op)
	}
	return writerVectors, nil
}

// writerFor routes records with a session key by session, and everything
// else by namespace and document _id.
func writerFor(op *oplog.Record, writerCount int) (int, error) {
	if key, ok := op.SessionKey(); ok {
		return int(sessionHash(key.Session) % uint64(writerCount)), nil
	}
	if op.Session != nil {
		return int(sessionHash(*op.Session) % uint64(writerCount)), nil
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(op.NS.String()))
	if op.Op.IsCRUD() {
		id, err := op.DocumentKey()
		if err != nil {
			return 0, err
		}
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(id)
	}
	return int(h.Sum64() % uint64(writerCount)), nil
}

func sessionHash(session oplog.SessionID) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(session.ID[:])
	_, _ = h.Write([]byte(session.UID))
	return h.Sum64()
}
