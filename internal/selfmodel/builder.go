// Package selfmodel computes a point-in-time health snapshot of the note
// store from its contents and the observer's usage statistics. It only
// reads; the one write it performs is storing its own output in the ledger's
// schema cache when asked to.
package selfmodel

import (
	"context"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/andywolf/ctxkeeper/internal/clock"
	"github.com/andywolf/ctxkeeper/internal/ledger"
	"github.com/andywolf/ctxkeeper/internal/logging"
	"github.com/andywolf/ctxkeeper/internal/notes"
)

const (
	RecentWindow     = 7 * 24 * time.Hour
	StaleAfter       = 90 * 24 * time.Hour
	StalestShown     = 5
	MissGapThreshold = 3

	HealthyThreshold   = 0.7
	AttentionThreshold = 0.4

	contradictionCacheSize = 64
)

// Source is the observer surface the builder reads.
type Source interface {
	LoadRaw(ctx context.Context) (*ledger.Document, error)
	RecentImprovements(ctx context.Context, window time.Duration) ([]ledger.ImprovementRecord, error)
}

// Builder computes SelfModels. It memoizes the pairwise contradiction scan
// by a fingerprint of the active entries.
type Builder struct {
	clock  clock.Clock
	logger logging.Logger
	cache  *lru.Cache[string, []Contradiction]
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock sets the clock used for freshness and timestamps.
func WithClock(c clock.Clock) Option {
	return func(b *Builder) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...Option) *Builder {
	cache, err := lru.New[string, []Contradiction](contradictionCacheSize)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	b := &Builder{
		clock:  clock.System{},
		logger: logging.Nop(),
		cache:  cache,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build computes the current SelfModel.
func (b *Builder) Build(ctx context.Context, store notes.Store, schema notes.Schema, src Source) (*SelfModel, error) {
	entries, err := store.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	bubbles, err := store.Bubbles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bubbles: %w", err)
	}
	doc, err := src.LoadRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	recent, err := src.RecentImprovements(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load recent improvements: %w", err)
	}

	now := b.clock.Now()
	active := notes.Active(entries)

	m := &SelfModel{
		GeneratedAt:        now,
		Identity:           identity(entries, active, bubbles),
		Coverage:           coverage(active, schema),
		Freshness:          freshness(active, now),
		Contradictions:     b.contradictions(active),
		RecentImprovements: recent,
	}
	if m.RecentImprovements == nil {
		m.RecentImprovements = []ledger.ImprovementRecord{}
	}
	m.Gaps = gaps(m.Coverage, m.Freshness, doc.Summary)
	m.Health = health(len(active), len(schema.Types), len(m.Coverage.TypesWithEntries), m.Freshness.RecentlyUpdated)

	for _, pa := range doc.PendingActions {
		if pa.Status == ledger.StatusPending {
			m.PendingActions++
		}
	}

	b.logger.Debugf("built self-model: %d active entries, %d gaps, %d contradictions, health %s",
		len(active), len(m.Gaps), len(m.Contradictions), m.Health.Overall)
	return m, nil
}

func identity(all, active []notes.Entry, bubbles []notes.Bubble) Identity {
	id := Identity{
		TotalEntries:  len(active),
		ArchivedCount: len(all) - len(active),
		ByType:        map[string]int{},
		BubbleCount:   len(bubbles),
	}
	for i := range active {
		e := active[i]
		if e.Type != "" {
			id.ByType[e.Type]++
		}
		created := e.CreatedAt
		if id.OldestEntry == nil || created.Before(*id.OldestEntry) {
			id.OldestEntry = &created
		}
		if id.NewestEntry == nil || created.After(*id.NewestEntry) {
			id.NewestEntry = &created
		}
	}
	return id
}

func coverage(active []notes.Entry, schema notes.Schema) Coverage {
	populated := map[string]bool{}
	c := Coverage{TypesWithEntries: []string{}, TypesWithoutEntries: []string{}}
	for _, e := range active {
		if e.Type == "" {
			c.UntypedCount++
			continue
		}
		populated[e.Type] = true
	}
	for _, t := range schema.Types {
		if populated[t] {
			c.TypesWithEntries = append(c.TypesWithEntries, t)
		} else {
			c.TypesWithoutEntries = append(c.TypesWithoutEntries, t)
		}
	}
	return c
}

func freshness(active []notes.Entry, now time.Time) Freshness {
	f := Freshness{Stalest: []StaleEntry{}}
	for _, e := range active {
		age := now.Sub(e.UpdatedAt)
		if age <= RecentWindow {
			f.RecentlyUpdated++
		}
		if age >= StaleAfter {
			f.StaleCount++
		}
	}

	sorted := append([]notes.Entry(nil), active...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].UpdatedAt.Equal(sorted[j].UpdatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt)
	})
	for i := 0; i < len(sorted) && i < StalestShown; i++ {
		e := sorted[i]
		f.Stalest = append(f.Stalest, StaleEntry{
			ID:             e.ID,
			Type:           e.Type,
			UpdatedAt:      e.UpdatedAt,
			DaysSinceTouch: int(now.Sub(e.UpdatedAt) / (24 * time.Hour)),
		})
	}
	return f
}

func gaps(c Coverage, f Freshness, summary ledger.Summary) []Gap {
	out := []Gap{}
	for _, t := range c.TypesWithoutEntries {
		out = append(out, Gap{
			Kind:        GapEmptyType,
			Subject:     t,
			Description: fmt.Sprintf("No entries of declared type %q", t),
			Severity:    SeverityWarning,
			Suggestion:  fmt.Sprintf("Save context of type %q so it can be recalled", t),
		})
	}
	for _, q := range summary.MissedQueries {
		n := summary.MissCounts[q]
		if n < MissGapThreshold {
			continue
		}
		out = append(out, Gap{
			Kind:        GapMissedQuery,
			Subject:     q,
			Description: fmt.Sprintf("Query %q found nothing %d times", q, n),
			Severity:    SeverityWarning,
			Suggestion:  fmt.Sprintf("Save context that answers %q", q),
		})
	}
	if f.StaleCount > 0 {
		out = append(out, Gap{
			Kind:        GapStaleEntries,
			Description: fmt.Sprintf("%d entries have not been updated in %d days or more", f.StaleCount, int(StaleAfter/(24*time.Hour))),
			Severity:    SeverityInfo,
			Suggestion:  "Review stale entries and refresh or archive them",
		})
	}
	return out
}

// health scores coverage and freshness. With no active entries both scores
// are vacuously 1, so the empty store is forced to sparse.
func health(activeCount, declared, populated, recent int) Health {
	h := Health{CoverageScore: 1, FreshnessScore: 1}
	if declared > 0 {
		h.CoverageScore = float64(populated) / float64(declared)
	}
	if activeCount > 0 {
		h.FreshnessScore = float64(recent) / float64(activeCount)
	}

	avg := (h.CoverageScore + h.FreshnessScore) / 2
	switch {
	case activeCount == 0:
		h.Overall = HealthSparse
	case avg >= HealthyThreshold:
		h.Overall = HealthHealthy
	case avg >= AttentionThreshold:
		h.Overall = HealthNeedsAttention
	default:
		h.Overall = HealthSparse
	}
	return h
}

func (b *Builder) contradictions(active []notes.Entry) []Contradiction {
	key := contradictionKey(active)
	if cached, ok := b.cache.Get(key); ok {
		return append([]Contradiction{}, cached...)
	}
	found := detectContradictions(active)
	b.cache.Add(key, found)
	return append([]Contradiction{}, found...)
}
