package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// maxLineSize bounds one audit line. Previews can make lines long.
const maxLineSize = 1024 * 1024

// Query selects audit records. The zero Query matches everything.
type Query struct {
	// Since drops records stamped before it.
	Since time.Time

	// Until drops records stamped after it.
	Until time.Time

	// Types keeps only these event types.
	Types []EventType

	// ActionID keeps only records about one pending action.
	ActionID string
}

// Matches reports whether rec falls inside the query.
func (q Query) Matches(rec Record) bool {
	if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && rec.Timestamp.After(q.Until) {
		return false
	}
	if q.ActionID != "" && rec.ActionID != q.ActionID {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if rec.Type == t {
			return true
		}
	}
	return false
}

// Select returns the records that match, in their original order.
func (q Query) Select(records []Record) []Record {
	var out []Record
	for _, rec := range records {
		if q.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// FilterByType keeps records of the given types. No types keeps all.
func FilterByType(records []Record, types ...EventType) []Record {
	if len(types) == 0 {
		return records
	}
	return Query{Types: types}.Select(records)
}

// ReadRecords reads every record from a JSONL audit file.
func ReadRecords(path string) ([]Record, error) {
	return ReadMatching(path, Query{})
}

// ReadMatching reads the records of a JSONL audit file that match q.
// Records outside the query are discarded while scanning.
func ReadMatching(path string, q Query) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var records []Record
	for line := 1; scanner.Scan(); line++ {
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse record on line %d: %w", line, err)
		}
		if q.Matches(rec) {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit file: %w", err)
	}

	return records, nil
}
