package selfmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andywolf/ctxkeeper/internal/ledger"
	"github.com/andywolf/ctxkeeper/internal/notes"
)

// CacheSink is a Source that also accepts full ledger writes.
type CacheSink interface {
	Source
	PersistRaw(ctx context.Context, doc *ledger.Document) error
}

// BuildAndCache builds the model and stores it in the ledger's schema cache.
func (b *Builder) BuildAndCache(ctx context.Context, store notes.Store, schema notes.Schema, sink CacheSink) (*SelfModel, error) {
	m, err := b.Build(ctx, store, schema, sink)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode self-model: %w", err)
	}

	doc, err := sink.LoadRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	doc.SchemaCache = &ledger.SchemaCache{ComputedAt: m.GeneratedAt, Model: raw}
	if err := sink.PersistRaw(ctx, doc); err != nil {
		return nil, fmt.Errorf("store self-model cache: %w", err)
	}
	return m, nil
}

// LoadCached returns the last cached model and when it was computed. ok is
// false when nothing is cached or the cache cannot be decoded.
func LoadCached(ctx context.Context, src Source) (m *SelfModel, computedAt time.Time, ok bool, err error) {
	doc, err := src.LoadRaw(ctx)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if doc.SchemaCache == nil || len(doc.SchemaCache.Model) == 0 {
		return nil, time.Time{}, false, nil
	}
	var cached SelfModel
	if err := json.Unmarshal(doc.SchemaCache.Model, &cached); err != nil {
		return nil, time.Time{}, false, nil
	}
	return &cached, doc.SchemaCache.ComputedAt, true, nil
}
