package oplog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OpType indicates the change type for a record.
type OpType string

const (
	OpInsert  OpType = "i"
	OpUpdate  OpType = "u"
	OpDelete  OpType = "d"
	OpCommand OpType = "c"
	OpNoop    OpType = "n"
)

// IsCRUD reports whether the op mutates a single document.
func (o OpType) IsCRUD() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// Timestamp is a cluster timestamp: seconds plus an increment within the second.
type Timestamp struct {
	T uint32 `json:"t"`
	I uint32 `json:"i"`
}

// Compare returns -1, 0 or 1.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.T < other.T:
		return -1
	case t.T > other.T:
		return 1
	case t.I < other.I:
		return -1
	case t.I > other.I:
		return 1
	}
	return 0
}

func (t Timestamp) IsZero() bool {
	return t.T == 0 && t.I == 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(%d, %d)", t.T, t.I)
}

// ParseTimestamp parses "T,I" or "T:I" into a Timestamp.
func ParseTimestamp(value string) (Timestamp, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Timestamp{}, nil
	}
	var ts Timestamp
	sep := ","
	if strings.Contains(value, ":") {
		sep = ":"
	}
	if _, err := fmt.Sscanf(strings.Replace(value, sep, " ", 1), "%d %d", &ts.T, &ts.I); err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return ts, nil
}

// OpTime identifies a position in an oplog.
type OpTime struct {
	TS   Timestamp `json:"ts"`
	Term int64     `json:"t"`
}

func (o OpTime) IsZero() bool {
	return o.TS.IsZero() && o.Term == 0
}

// DonorOplogID is the resume token of a record fetched from a donor. It is
// the _id of the record in the recipient's buffer of the donor oplog.
type DonorOplogID struct {
	ClusterTime Timestamp `json:"clusterTime"`
	TS          Timestamp `json:"ts"`
}

// Compare orders ids by cluster time, then by the donor timestamp.
func (d DonorOplogID) Compare(other DonorOplogID) int {
	if c := d.ClusterTime.Compare(other.ClusterTime); c != 0 {
		return c
	}
	return d.TS.Compare(other.TS)
}

func (d DonorOplogID) String() string {
	return fmt.Sprintf("{clusterTime: %s, ts: %s}", d.ClusterTime, d.TS)
}

// Namespace is a database plus collection name.
type Namespace struct {
	DB   string `json:"db"`
	Coll string `json:"coll"`
}

// ParseNamespace splits "db.coll" on the first dot.
func ParseNamespace(value string) (Namespace, error) {
	db, coll, ok := strings.Cut(strings.TrimSpace(value), ".")
	if !ok || db == "" || coll == "" {
		return Namespace{}, fmt.Errorf("invalid namespace %q", value)
	}
	return Namespace{DB: db, Coll: coll}, nil
}

func (n Namespace) IsEmpty() bool {
	return n.DB == "" && n.Coll == ""
}

func (n Namespace) String() string {
	if n.IsEmpty() {
		return ""
	}
	return n.DB + "." + n.Coll
}

// OutputNamespace is the temporary collection that receives documents for a
// collection being resharded.
func OutputNamespace(nss Namespace, collectionUUID uuid.UUID) Namespace {
	return Namespace{DB: nss.DB, Coll: "system.resharding." + collectionUUID.String()}
}

// StashNamespace is the conflict stash collection for one donor.
func StashNamespace(existingUUID uuid.UUID, donorShardID string) Namespace {
	return Namespace{DB: "config", Coll: fmt.Sprintf("localReshardingConflictStash.%s.%s", existingUUID, donorShardID)}
}

// SessionID identifies a logical session. The UID scopes the id to the user
// that created it.
type SessionID struct {
	ID  uuid.UUID `json:"id"`
	UID string    `json:"uid,omitempty"`
}

func (s SessionID) String() string {
	if s.UID == "" {
		return s.ID.String()
	}
	return s.ID.String() + "/" + s.UID
}

// TxnNumber orders retryable writes and transactions within a session.
type TxnNumber int64

// StmtID is the position of a statement within a retryable write or transaction.
type StmtID int32

// SessionKey identifies one retryable write or transaction lineage.
type SessionKey struct {
	Session   SessionID
	TxnNumber TxnNumber
}

// Record is one logged mutation to be replayed on a recipient. Records are
// treated as immutable; use Clone before modifying a copy.
type Record struct {
	ID                *DonorOplogID   `json:"_id,omitempty"`
	OpTime            OpTime          `json:"optime"`
	Op                OpType          `json:"op"`
	NS                Namespace       `json:"ns"`
	UUID              *uuid.UUID      `json:"ui,omitempty"`
	Object            json.RawMessage `json:"o,omitempty"`
	Object2           json.RawMessage `json:"o2,omitempty"`
	Upsert            bool            `json:"b,omitempty"`
	FromMigrate       bool            `json:"fromMigrate,omitempty"`
	Session           *SessionID      `json:"lsid,omitempty"`
	TxnNumber         *TxnNumber      `json:"txnNumber,omitempty"`
	StmtID            *StmtID         `json:"stmtId,omitempty"`
	PrevWriteOpTime   *OpTime         `json:"prevOpTime,omitempty"`
	PreImageOpTime    *OpTime         `json:"preImageOpTime,omitempty"`
	PostImageOpTime   *OpTime         `json:"postImageOpTime,omitempty"`
	PreImage          *Record         `json:"preImageOp,omitempty"`
	PostImage         *Record         `json:"postImageOp,omitempty"`
	DestinedRecipient string          `json:"destinedRecipient,omitempty"`
	Prepare           bool            `json:"prepare,omitempty"`
	PreparedCommit    bool            `json:"preparedCommit,omitempty"`
	WallClock         time.Time       `json:"wall"`
}

// Timestamp returns the record's oplog timestamp.
func (r Record) Timestamp() Timestamp {
	return r.OpTime.TS
}

// SessionKey returns the retryable-write lineage of the record, if any.
func (r Record) SessionKey() (SessionKey, bool) {
	if r.Session == nil || r.TxnNumber == nil {
		return SessionKey{}, false
	}
	return SessionKey{Session: *r.Session, TxnNumber: *r.TxnNumber}, true
}

// Clone returns a copy whose top-level fields can be changed without
// affecting r. Payloads and images are shared.
func (r Record) Clone() Record {
	return r
}

// DocumentKey returns the _id of the document targeted by a CRUD record.
func (r Record) DocumentKey() (json.RawMessage, error) {
	source := r.Object
	if r.Op == OpUpdate {
		source = r.Object2
	}
	if len(source) == 0 {
		return nil, fmt.Errorf("%s record at %s has no document", r.Op, r.OpTime.TS)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(source, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	id, ok := doc["_id"]
	if !ok {
		return nil, fmt.Errorf("%s record at %s has no _id", r.Op, r.OpTime.TS)
	}
	return compact(id), nil
}

// Marshal returns the full serialized form of the record.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// FinalOpType is the o2.type of the no-op a donor writes after its last
// record for a resharding operation.
const FinalOpType = "reshardFinalOp"

// IsFinalOp reports whether r marks the end of a donor's stream.
func (r Record) IsFinalOp() bool {
	if r.Op != OpNoop || len(r.Object2) == 0 {
		return false
	}
	var marker struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(r.Object2, &marker); err != nil {
		return false
	}
	return marker.Type == FinalOpType
}

// ObjectEquals reports whether two JSON documents are byte-identical once
// insignificant whitespace is removed.
func ObjectEquals(a, b json.RawMessage) bool {
	return bytes.Equal(compact(a), compact(b))
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
