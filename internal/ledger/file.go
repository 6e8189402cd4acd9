package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andywolf/ctxkeeper/internal/logging"
)

// DefaultFilename is the ledger file name inside the data directory.
const DefaultFilename = "awareness.json"

// FileBackend stores the document as indented JSON in a single file.
// Writes go to a temp file in the same directory and are renamed into place.
// There is no cross-process locking; one process owns the file.
type FileBackend struct {
	path   string
	logger logging.Logger
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithFileLogger sets the logger used to report recovered corruption.
func WithFileLogger(l logging.Logger) FileOption {
	return func(f *FileBackend) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFileBackend creates a backend for the given file path.
func NewFileBackend(path string, opts ...FileOption) *FileBackend {
	f := &FileBackend{path: path, logger: logging.Nop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the file path.
func (f *FileBackend) Path() string {
	return f.path
}

// Load reads the file. A missing file yields an empty document.
func (f *FileBackend) Load(_ context.Context) (*Document, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return decode(raw, f.path, f.logger), nil
}

// Save writes the document, creating the directory if needed.
func (f *FileBackend) Save(_ context.Context, doc *Document) error {
	raw, err := encode(doc)
	if err != nil {
		return err
	}
	return atomicWrite(f.path, raw)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write content: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename to final: %w", err)
	}

	success = true
	return nil
}
