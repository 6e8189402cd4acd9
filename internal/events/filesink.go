package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink writes audit Records to a JSONL file, redacting credentials
// from free-text fields. It is safe for concurrent use from multiple goroutines.
type FileSink struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

// DefaultFilename is the default filename for the audit file.
const DefaultFilename = "decisions.jsonl"

// NewFileSink creates a new FileSink that writes to the specified directory.
// The audit file will be created at dir/decisions.jsonl.
// If the file already exists, new records will be appended.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	path := filepath.Join(dir, DefaultFilename)

	// Dismiss reasons are operator free text
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	return &FileSink{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Write appends a batch of records, one JSON object per line, and flushes
// so a crash never leaves a decision half written.
func (s *FileSink) Write(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("audit file %s is closed", s.path)
	}

	enc := json.NewEncoder(s.writer)
	for _, rec := range records {
		if err := enc.Encode(redactRecord(rec)); err != nil {
			return fmt.Errorf("failed to write %s record: %w", rec.Type, err)
		}
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush records: %w", err)
	}

	return nil
}

// WriteOne writes a single record to the JSONL file.
func (s *FileSink) WriteOne(rec Record) error {
	return s.Write([]Record{rec})
}

// Close flushes any remaining data and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	if err := s.writer.Flush(); err != nil {
		// Still try to close the file even if flush fails
		_ = s.file.Close()
		s.file = nil
		return fmt.Errorf("failed to flush before close: %w", err)
	}

	if err := s.file.Close(); err != nil {
		s.file = nil
		return fmt.Errorf("failed to close audit file: %w", err)
	}

	s.file = nil
	return nil
}

// Path returns the path to the audit file.
func (s *FileSink) Path() string {
	return s.path
}
