package notes

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store that publishes a WriteEvent on every
// mutation.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []Entry
	index    map[string]int
	notifier *Notifier
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithNotifier sets the notifier writes are published to.
func WithNotifier(n *Notifier) MemoryOption {
	return func(s *MemoryStore) {
		s.notifier = n
	}
}

// WithNowFunc sets a custom time function for testing.
func WithNowFunc(fn func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = fn
	}
}

// NewMemoryStore creates a store holding the given entries.
func NewMemoryStore(entries []Entry, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		index: map[string]int{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, e := range entries {
		s.index[e.ID] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return s
}

// Entries implements Store.
func (s *MemoryStore) Entries(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...), nil
}

// Bubbles implements Store. Counts cover active entries only.
func (s *MemoryStore) Bubbles(_ context.Context) ([]Bubble, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bubblesOf(s.entries), nil
}

// Put creates or replaces an entry and publishes the write.
func (s *MemoryStore) Put(e Entry) {
	s.mu.Lock()
	now := s.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	op := OpCreate
	if i, ok := s.index[e.ID]; ok {
		s.entries[i] = e
		op = OpUpdate
	} else {
		s.index[e.ID] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	s.mu.Unlock()

	s.publish(WriteEvent{EntryID: e.ID, Type: e.Type, Op: op, At: now})
}

// Archive marks an entry archived. It reports whether the entry exists.
func (s *MemoryStore) Archive(id string) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	s.entries[i].Archived = true
	s.entries[i].UpdatedAt = now
	typ := s.entries[i].Type
	s.mu.Unlock()

	s.publish(WriteEvent{EntryID: id, Type: typ, Op: OpArchive, At: now})
	return true
}

func (s *MemoryStore) publish(ev WriteEvent) {
	if s.notifier != nil {
		s.notifier.Publish(ev)
	}
}

func bubblesOf(entries []Entry) []Bubble {
	counts := map[string]int{}
	for _, e := range entries {
		if e.Archived || e.Bubble == "" {
			continue
		}
		counts[e.Bubble]++
	}
	out := make([]Bubble, 0, len(counts))
	for name, n := range counts {
		out = append(out, Bubble{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
