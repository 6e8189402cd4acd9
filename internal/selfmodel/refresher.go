package selfmodel

import (
	"context"
	"sync"
	"time"

	"github.com/andywolf/ctxkeeper/internal/logging"
	"github.com/andywolf/ctxkeeper/internal/notes"
)

// DefaultRefreshEvery is how many store writes trigger a cache rebuild.
const DefaultRefreshEvery = 10

// Refresher rebuilds the cached self-model after every N store writes.
// Subscribe it to the store's Notifier with Attach.
type Refresher struct {
	builder *Builder
	store   notes.Store
	schema  notes.Schema
	sink    CacheSink
	every   int
	timeout time.Duration
	logger  logging.Logger

	mu      sync.Mutex
	writes  int
	builds  int
	lastErr error
}

// NewRefresher creates a Refresher. every <= 0 means DefaultRefreshEvery.
func NewRefresher(b *Builder, store notes.Store, schema notes.Schema, sink CacheSink, every int, logger logging.Logger) *Refresher {
	if every <= 0 {
		every = DefaultRefreshEvery
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Refresher{
		builder: b,
		store:   store,
		schema:  schema,
		sink:    sink,
		every:   every,
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

// Attach subscribes the refresher and returns the unsubscribe function.
func (r *Refresher) Attach(n *notes.Notifier) func() {
	return n.Subscribe(r.OnWrite)
}

// OnWrite counts a store write and rebuilds on every Nth one.
func (r *Refresher) OnWrite(ev notes.WriteEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.writes++
	if r.writes%r.every != 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if _, err := r.builder.BuildAndCache(ctx, r.store, r.schema, r.sink); err != nil {
		r.lastErr = err
		r.logger.Warningf("self-model refresh after write to %s failed: %v", ev.EntryID, err)
		return
	}
	r.lastErr = nil
	r.builds++
	r.logger.Debugf("self-model refreshed after %d writes", r.writes)
}

// Stats reports writes seen, successful rebuilds, and the last error.
func (r *Refresher) Stats() (writes, builds int, lastErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes, r.builds, r.lastErr
}
