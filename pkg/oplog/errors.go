package oplog

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a ProgressStore with no entry for a stream.
	ErrNotFound = errors.New("progress not found")
	// ErrSourceExhausted is returned by a Source, with no records, once the
	// stream will never produce another record.
	ErrSourceExhausted = errors.New("source exhausted")
	// ErrTransactionTooOld means the session already moved to a newer txnNumber.
	ErrTransactionTooOld = errors.New("transaction too old")
	// ErrIncompleteTransactionHistory means the session history can't be patched up.
	ErrIncompleteTransactionHistory = errors.New("incomplete transaction history")
	// ErrOutOfOrderTxn means a session's txnNumber went backwards within a stream.
	ErrOutOfOrderTxn = errors.New("out of order txnNumber")
	// ErrPreparedTransaction is returned for prepared transactions, which
	// resharding does not replay.
	ErrPreparedTransaction = errors.New("prepared transactions are not supported")
	// ErrNamespaceMismatch is returned for records outside the resharded collection.
	ErrNamespaceMismatch = errors.New("record does not belong to resharded collection")
	// ErrNamespaceNotFound is returned when a CRUD record targets a missing collection.
	ErrNamespaceNotFound = errors.New("namespace not found")
)

// OutOfOrderTxnError captures the records that broke per-session ordering.
type OutOfOrderTxnError struct {
	SourceID SourceID
	Session  SessionID
	Seen     TxnNumber
	Tracked  TxnNumber
	OpTime   OpTime
}

func (e *OutOfOrderTxnError) Error() string {
	if e == nil {
		return ErrOutOfOrderTxn.Error()
	}
	return fmt.Sprintf("retryable oplog applier for %s encountered out of order txnNumber, saw %d at %s after %d for session %s",
		e.SourceID, e.Seen, e.OpTime.TS, e.Tracked, e.Session)
}

func (e *OutOfOrderTxnError) Unwrap() error {
	return ErrOutOfOrderTxn
}

// AsOutOfOrderTxn extracts an OutOfOrderTxnError from an error chain.
func AsOutOfOrderTxn(err error) (*OutOfOrderTxnError, bool) {
	var ooo *OutOfOrderTxnError
	if errors.As(err, &ooo) {
		return ooo, true
	}
	return nil, false
}
