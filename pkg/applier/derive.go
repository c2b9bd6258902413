package applier

import (
	"encoding/json"
	"fmt"

	"github.com/josephjohncox/reshard/pkg/oplog"
)

var (
	// reshardingTag marks derived no-ops that carry retryable-write
	// bookkeeping. They are never written to a collection.
	reshardingTag = json.RawMessage(`{"$resharding":1}`)
	// applyMarkerTag is the object of the no-op logged on the recipient for
	// each replayed retryable statement.
	applyMarkerTag = json.RawMessage(`{"$reshardingOplogApply":1}`)
)

// DeriveShadow converts a record that is part of a retryable write or
// transaction into a tagged no-op. The no-op's o2 holds the original record
// so the worker can rebuild it. Panics if record has no session.
func DeriveShadow(record oplog.Record) (oplog.Record, error) {
	if record.Session == nil {
		panic(fmt.Sprintf("derived resharding oplog requires a session id, got op at %s", record.OpTime.TS))
	}
	raw, err := record.Marshal()
	if err != nil {
		return oplog.Record{}, fmt.Errorf("encode original record: %w", err)
	}

	shadow := record.Clone()
	shadow.Op = oplog.OpNoop
	shadow.NS = oplog.Namespace{}
	shadow.UUID = nil
	shadow.Object = reshardingTag
	shadow.Object2 = raw
	return shadow, nil
}

// IsShadow reports whether record is a derived retryable-write no-op.
func IsShadow(record oplog.Record) bool {
	return record.Op == oplog.OpNoop && oplog.ObjectEquals(record.Object, reshardingTag)
}
