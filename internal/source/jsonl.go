package source

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/josephjohncox/reshard/pkg/oplog"
)

const maxLineBytes = 16 << 20

// ReadJSONL decodes one record per non-empty line.
func ReadJSONL(r io.Reader) ([]oplog.Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var records []oplog.Record
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		record, err := oplog.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return records, nil
}
