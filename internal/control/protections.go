package control

import (
	"context"
	"fmt"

	"github.com/andywolf/ctxkeeper/internal/action"
	"github.com/andywolf/ctxkeeper/internal/events"
	"github.com/andywolf/ctxkeeper/internal/ledger"
)

// NewProtection is an operator-created protection. An empty EntryID makes
// it a pattern protection over every entry.
type NewProtection struct {
	EntryID       string
	ProtectedFrom []action.Kind
	Reason        string
}

// IsProtected reports whether any protection forbids kind from touching
// entryID. An empty entryID matches pattern protections only.
func (p *Plane) IsProtected(ctx context.Context, entryID string, kind action.Kind) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.LoadRaw(ctx)
	if err != nil {
		return false, fmt.Errorf("load ledger: %w", err)
	}
	return blocked(doc.Protections, entryID, kind), nil
}

func blocked(protections []ledger.Protection, entryID string, kind action.Kind) bool {
	for _, prot := range protections {
		if prot.Blocks(entryID, kind) {
			return true
		}
	}
	return false
}

// AddProtection stores a new protection.
func (p *Plane) AddProtection(ctx context.Context, np NewProtection) (ledger.Protection, error) {
	if len(np.ProtectedFrom) == 0 {
		return ledger.Protection{}, ErrNoActionTypes
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.LoadRaw(ctx)
	if err != nil {
		return ledger.Protection{}, fmt.Errorf("load ledger: %w", err)
	}

	prot := ledger.Protection{
		ID:            p.newID(),
		EntryID:       np.EntryID,
		ProtectedFrom: append([]action.Kind(nil), np.ProtectedFrom...),
		Reason:        np.Reason,
		CreatedAt:     p.clock.Now(),
	}
	if prot.EntryID == "" {
		prot.Pattern = prot.ProtectedFrom[0]
	}
	doc.Protections = append(doc.Protections, prot)
	if err := p.store.PersistRaw(ctx, doc); err != nil {
		return ledger.Protection{}, fmt.Errorf("persist ledger: %w", err)
	}

	p.logger.Infof("added protection %s for %q against %v", prot.ID, prot.EntryID, prot.ProtectedFrom)
	p.record(protectionRecord(events.EventProtectionAdded, prot))
	return prot, nil
}

// ListProtections returns every stored protection.
func (p *Plane) ListProtections(ctx context.Context) ([]ledger.Protection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.LoadRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return append([]ledger.Protection{}, doc.Protections...), nil
}

// RemoveProtection lifts kind from every protection scoped to entryID (an
// empty entryID addresses pattern protections). Protections left covering
// no kinds are deleted. It reports whether anything changed.
func (p *Plane) RemoveProtection(ctx context.Context, entryID string, kind action.Kind) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.LoadRaw(ctx)
	if err != nil {
		return false, fmt.Errorf("load ledger: %w", err)
	}

	var changed []ledger.Protection
	kept := make([]ledger.Protection, 0, len(doc.Protections))
	for _, prot := range doc.Protections {
		if prot.EntryID != entryID || !covers(prot.ProtectedFrom, kind) {
			kept = append(kept, prot)
			continue
		}
		changed = append(changed, prot)
		prot.ProtectedFrom = without(prot.ProtectedFrom, kind)
		if len(prot.ProtectedFrom) == 0 {
			continue
		}
		if prot.Pattern == kind {
			prot.Pattern = prot.ProtectedFrom[0]
		}
		kept = append(kept, prot)
	}
	if len(changed) == 0 {
		return false, nil
	}

	doc.Protections = kept
	if err := p.store.PersistRaw(ctx, doc); err != nil {
		return false, fmt.Errorf("persist ledger: %w", err)
	}

	p.logger.Infof("removed %s protection from %q (%d protections changed)", kind, entryID, len(changed))
	now := p.clock.Now()
	records := make([]events.Record, 0, len(changed))
	for _, prot := range changed {
		rec := protectionRecord(events.EventProtectionRemoved, prot)
		rec.Timestamp = now
		rec.ActionType = kind
		records = append(records, rec)
	}
	p.record(records...)
	return true, nil
}

// FilterProposals splits proposals into those that may proceed and those
// suppressed by protections. A proposal is suppressed when its kind is
// pattern-protected, or when it targets entries and every one of them is
// protected from its kind.
func (p *Plane) FilterProposals(ctx context.Context, proposals []action.Action) (kept, suppressed []action.Action, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.LoadRaw(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load ledger: %w", err)
	}

	for _, a := range proposals {
		a = action.Value(a)
		if a == nil {
			continue
		}
		if suppresses(doc.Protections, a) {
			suppressed = append(suppressed, a)
			continue
		}
		kept = append(kept, a)
	}
	return kept, suppressed, nil
}

func suppresses(protections []ledger.Protection, a action.Action) bool {
	kind := a.Kind()
	if hasPatternProtection(protections, kind) {
		return true
	}
	entries := action.AffectedEntries(a)
	if len(entries) == 0 {
		return false
	}
	for _, id := range entries {
		if !blocked(protections, id, kind) {
			return false
		}
	}
	return true
}

func hasEntryProtection(protections []ledger.Protection, entryID string, kind action.Kind) bool {
	for _, prot := range protections {
		if prot.EntryID == entryID && covers(prot.ProtectedFrom, kind) {
			return true
		}
	}
	return false
}

func hasPatternProtection(protections []ledger.Protection, kind action.Kind) bool {
	for _, prot := range protections {
		if prot.EntryID == "" && covers(prot.ProtectedFrom, kind) {
			return true
		}
	}
	return false
}

func covers(kinds []action.Kind, kind action.Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func without(kinds []action.Kind, kind action.Kind) []action.Kind {
	out := make([]action.Kind, 0, len(kinds))
	for _, k := range kinds {
		if k != kind {
			out = append(out, k)
		}
	}
	return out
}

func protectionRecord(t events.EventType, prot ledger.Protection) events.Record {
	rec := events.Record{
		Timestamp: prot.CreatedAt,
		Type:      t,
		Reason:    prot.Reason,
	}
	if prot.EntryID != "" {
		rec.EntryIDs = []string{prot.EntryID}
	}
	if len(prot.ProtectedFrom) > 0 {
		rec.ActionType = prot.ProtectedFrom[0]
	}
	return rec
}
