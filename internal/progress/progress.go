// Package progress persists how far each resharding oplog stream has been
// applied.
package progress

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/josephjohncox/reshard/pkg/oplog"
)

// Backend names a progress store implementation.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

// ParseBackend normalizes a configured backend name.
func ParseBackend(value string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(value))) {
	case "", BackendSQLite:
		return BackendSQLite, nil
	case BackendPostgres, "postgresql":
		return BackendPostgres, nil
	case BackendMemory:
		return BackendMemory, nil
	default:
		return "", fmt.Errorf("unsupported progress backend: %s", value)
	}
}

func encodeID(id oplog.DonorOplogID) ([]byte, error) {
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("encode progress: %w", err)
	}
	return raw, nil
}

func decodeID(raw []byte) (oplog.DonorOplogID, error) {
	var id oplog.DonorOplogID
	if err := json.Unmarshal(raw, &id); err != nil {
		return oplog.DonorOplogID{}, fmt.Errorf("decode progress: %w", err)
	}
	return id, nil
}
