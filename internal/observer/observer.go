// Package observer records how the note store is used. Events are buffered
// in memory together with a summary delta each, and written to the ledger
// in batches: immediately once the buffer reaches the batch size, otherwise
// by a deferred flush scheduled on the injected clock.
package observer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andywolf/ctxkeeper/internal/clock"
	"github.com/andywolf/ctxkeeper/internal/ledger"
	"github.com/andywolf/ctxkeeper/internal/logging"
)

const (
	DefaultBatchSize          = 10
	DefaultFlushDelay         = 500 * time.Millisecond
	DefaultMaxEvents          = 1000
	DefaultRetainEvents       = 500
	DefaultMaxImprovements    = 200
	DefaultRetainImprovements = 100
	DefaultImprovementWindow  = 24 * time.Hour
)

// Config holds buffering and retention limits.
type Config struct {
	BatchSize          int
	FlushDelay         time.Duration
	MaxEvents          int
	RetainEvents       int
	MaxImprovements    int
	RetainImprovements int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		BatchSize:          DefaultBatchSize,
		FlushDelay:         DefaultFlushDelay,
		MaxEvents:          DefaultMaxEvents,
		RetainEvents:       DefaultRetainEvents,
		MaxImprovements:    DefaultMaxImprovements,
		RetainImprovements: DefaultRetainImprovements,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = d.FlushDelay
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = d.MaxEvents
	}
	if c.RetainEvents <= 0 || c.RetainEvents > c.MaxEvents {
		c.RetainEvents = c.MaxEvents / 2
	}
	if c.MaxImprovements <= 0 {
		c.MaxImprovements = d.MaxImprovements
	}
	if c.RetainImprovements <= 0 || c.RetainImprovements > c.MaxImprovements {
		c.RetainImprovements = c.MaxImprovements / 2
	}
	return c
}

// pending is one buffered event and its summary update.
type pending struct {
	event ledger.Event
	delta Delta
}

// Observer is the sole writer of events, summary and improvement history.
type Observer struct {
	backend ledger.Backend
	clock   clock.Clock
	logger  logging.Logger
	cfg     Config

	mu     sync.Mutex
	buffer []pending
	timer  clock.Timer
	// gen is bumped whenever the scheduled flush is cancelled or consumed,
	// so a timer that fires late can tell it has been superseded.
	gen    uint64
	closed bool
}

// Option configures an Observer.
type Option func(*Observer)

// WithClock sets the clock used for timestamps and deferred flushes.
func WithClock(c clock.Clock) Option {
	return func(o *Observer) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Observer) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConfig overrides buffering and retention limits. Zero fields keep
// their defaults.
func WithConfig(cfg Config) Option {
	return func(o *Observer) {
		o.cfg = cfg
	}
}

// New creates an Observer over the given backend.
func New(backend ledger.Backend, opts ...Option) *Observer {
	o := &Observer{
		backend: backend,
		clock:   clock.System{},
		logger:  logging.Nop(),
		cfg:     DefaultConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg = o.cfg.withDefaults()
	return o
}

// Log stamps the event with the current time and buffers it. It only
// touches storage when the buffer reaches the batch size, and the returned
// error is that flush's error.
func (o *Observer) Log(ctx context.Context, ev ledger.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ev.Timestamp = o.clock.Now()
	ev.EntryIDs = append([]string(nil), ev.EntryIDs...)
	o.buffer = append(o.buffer, pending{event: ev, delta: deltaFor(ev)})

	if len(o.buffer) >= o.cfg.BatchSize {
		return o.flushLocked(ctx)
	}
	if o.timer == nil && !o.closed {
		gen := o.gen
		o.timer = o.clock.AfterFunc(o.cfg.FlushDelay, func() { o.deferredFlush(gen) })
	}
	return nil
}

func (o *Observer) deferredFlush(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if gen != o.gen || o.timer == nil {
		return
	}
	if err := o.flushLocked(context.Background()); err != nil {
		o.logger.Errorf("deferred flush of %d events failed: %v", len(o.buffer), err)
	}
}

// Flush writes every buffered event now.
func (o *Observer) Flush(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushLocked(ctx)
}

// Buffered returns how many events are waiting to be written.
func (o *Observer) Buffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buffer)
}

func (o *Observer) cancelTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.gen++
}

// flushLocked applies the buffer in arrival order. On a storage error the
// buffer is kept so a later flush can retry.
func (o *Observer) flushLocked(ctx context.Context) error {
	o.cancelTimerLocked()
	if len(o.buffer) == 0 {
		return nil
	}

	doc, err := o.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load ledger for flush: %w", err)
	}
	for _, p := range o.buffer {
		doc.Events = append(doc.Events, p.event)
		p.delta(&doc.Summary)
	}
	o.rotate(doc)

	if err := o.backend.Save(ctx, doc); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	o.logger.Debugf("flushed %d events", len(o.buffer))
	o.buffer = nil
	return nil
}

// rotate trims the event log to the retained tail once it passes the
// ceiling. Reports whether anything was trimmed.
func (o *Observer) rotate(doc *ledger.Document) bool {
	if len(doc.Events) <= o.cfg.MaxEvents {
		return false
	}
	drop := len(doc.Events) - o.cfg.RetainEvents
	doc.Events = append([]ledger.Event(nil), doc.Events[drop:]...)
	return true
}

// RotateIfNeeded flushes, then trims the persisted event log if it is over
// the ceiling.
func (o *Observer) RotateIfNeeded(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.flushLocked(ctx); err != nil {
		return false, err
	}
	doc, err := o.backend.Load(ctx)
	if err != nil {
		return false, err
	}
	if !o.rotate(doc) {
		return false, nil
	}
	if err := o.backend.Save(ctx, doc); err != nil {
		return false, fmt.Errorf("save rotated ledger: %w", err)
	}
	return true, nil
}

// load flushes and then reads the document.
func (o *Observer) load(ctx context.Context) (*ledger.Document, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.flushLocked(ctx); err != nil {
		return nil, err
	}
	return o.backend.Load(ctx)
}

// Summary returns the aggregate statistics, including every event logged
// so far by this process.
func (o *Observer) Summary(ctx context.Context) (ledger.Summary, error) {
	doc, err := o.load(ctx)
	if err != nil {
		return ledger.Summary{}, err
	}
	return doc.Summary, nil
}

// MissedQueries returns queries that found nothing, most frequent first.
func (o *Observer) MissedQueries(ctx context.Context) ([]MissedQuery, error) {
	s, err := o.Summary(ctx)
	if err != nil {
		return nil, err
	}
	return missedQueries(s), nil
}

// TypePopularity returns per-type traffic, busiest first.
func (o *Observer) TypePopularity(ctx context.Context) ([]TypeUsage, error) {
	s, err := o.Summary(ctx)
	if err != nil {
		return nil, err
	}
	return typePopularity(s), nil
}

// LogSelfImprovement records what an executor applied. Buffered events are
// flushed first so they precede the record. History is pruned to the
// retained tail once it passes the ceiling.
func (o *Observer) LogSelfImprovement(ctx context.Context, rec ledger.ImprovementRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.flushLocked(ctx); err != nil {
		return err
	}
	doc, err := o.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = o.clock.Now()
	}
	doc.Improvements = append(doc.Improvements, rec)
	if len(doc.Improvements) > o.cfg.MaxImprovements {
		drop := len(doc.Improvements) - o.cfg.RetainImprovements
		doc.Improvements = append([]ledger.ImprovementRecord(nil), doc.Improvements[drop:]...)
	}
	if err := o.backend.Save(ctx, doc); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	o.logger.Infof("recorded self-improvement with %d action types (automatic=%t)", len(rec.Actions), rec.Automatic)
	return nil
}

// RecentImprovements returns records newer than now minus window. A
// non-positive window means the default 24 hours.
func (o *Observer) RecentImprovements(ctx context.Context, window time.Duration) ([]ledger.ImprovementRecord, error) {
	if window <= 0 {
		window = DefaultImprovementWindow
	}
	doc, err := o.load(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := o.clock.Now().Add(-window)
	var out []ledger.ImprovementRecord
	for _, rec := range doc.Improvements {
		if rec.Timestamp.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// LoadRaw flushes and returns the full persisted document.
func (o *Observer) LoadRaw(ctx context.Context) (*ledger.Document, error) {
	return o.load(ctx)
}

// PersistRaw replaces the persisted document. Buffered events and the
// scheduled flush are discarded: the caller's document is authoritative.
func (o *Observer) PersistRaw(ctx context.Context, doc *ledger.Document) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cancelTimerLocked()
	if n := len(o.buffer); n > 0 {
		o.logger.Warningf("discarding %d buffered events superseded by a full ledger write", n)
	}
	o.buffer = nil
	return o.backend.Save(ctx, doc)
}

// Close flushes remaining events. Later deferred flushes are not scheduled.
func (o *Observer) Close(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return o.flushLocked(ctx)
}
