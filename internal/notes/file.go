package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// FileStore reads a JSON snapshot of the note store:
//
//	{"entries": [...], "bubbles": [...]}
//
// When the snapshot has no bubbles list, bubbles are derived from entries.
type FileStore struct {
	path string
}

type snapshot struct {
	Entries []Entry  `json:"entries"`
	Bubbles []Bubble `json:"bubbles,omitempty"`
}

// NewFileStore returns a reader for the snapshot at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) read() (*snapshot, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &snapshot{}, nil
		}
		return nil, fmt.Errorf("read notes snapshot: %w", err)
	}
	var s snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse notes snapshot %s: %w", f.path, err)
	}
	return &s, nil
}

// Entries implements Store.
func (f *FileStore) Entries(_ context.Context) ([]Entry, error) {
	s, err := f.read()
	if err != nil {
		return nil, err
	}
	return s.Entries, nil
}

// Bubbles implements Store.
func (f *FileStore) Bubbles(_ context.Context) ([]Bubble, error) {
	s, err := f.read()
	if err != nil {
		return nil, err
	}
	if s.Bubbles != nil {
		return s.Bubbles, nil
	}
	return bubblesOf(s.Entries), nil
}
