// Package notes describes the note store the governance engine observes.
// The store's own CRUD lives elsewhere; this package carries the read-side
// interface, the declared schema, and write notifications.
package notes

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one stored context note.
type Entry struct {
	ID        string          `json:"id"`
	Type      string          `json:"type,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Content   string          `json:"content"`
	Data      json.RawMessage `json:"data,omitempty"`
	Bubble    string          `json:"bubble,omitempty"`
	Archived  bool            `json:"archived,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Bubble is a named grouping of entries.
type Bubble struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Store lists the note store's contents.
type Store interface {
	Entries(ctx context.Context) ([]Entry, error)
	Bubbles(ctx context.Context) ([]Bubble, error)
}

// Active returns the entries that are not archived, preserving order.
func Active(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Archived {
			out = append(out, e)
		}
	}
	return out
}
