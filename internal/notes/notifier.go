package notes

import (
	"sync"
	"time"
)

// WriteOp is the kind of store mutation a WriteEvent reports.
type WriteOp string

const (
	OpCreate  WriteOp = "create"
	OpUpdate  WriteOp = "update"
	OpArchive WriteOp = "archive"
	OpDelete  WriteOp = "delete"
)

// WriteEvent reports that the store changed.
type WriteEvent struct {
	EntryID string
	Type    string
	Op      WriteOp
	At      time.Time
}

// Notifier fans write events out to subscribers. Delivery is synchronous
// and in subscription order; a subscriber decides for itself what to do.
type Notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(WriteEvent)
	order  []int
}

// NewNotifier returns a Notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{subs: map[int]func(WriteEvent){}}
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn func(WriteEvent)) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.order = append(n.order, id)
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
		for i, v := range n.order {
			if v == id {
				n.order = append(n.order[:i], n.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers ev to every subscriber.
func (n *Notifier) Publish(ev WriteEvent) {
	n.mu.RLock()
	fns := make([]func(WriteEvent), 0, len(n.order))
	for _, id := range n.order {
		fns = append(fns, n.subs[id])
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
