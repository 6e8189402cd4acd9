// Package action defines the closed set of improvement actions that the
// control plane governs. Each kind is its own struct carrying only the data
// that kind needs; Action is sealed so no other package can add kinds.
package action

// Kind identifies an improvement action type.
type Kind string

const (
	KindAutoTag               Kind = "auto_tag"
	KindCreateGapStubs        Kind = "create_gap_stubs"
	KindSuggestSchema         Kind = "suggest_schema"
	KindPromoteToType         Kind = "promote_to_type"
	KindMergeDuplicates       Kind = "merge_duplicates"
	KindArchiveStale          Kind = "archive_stale"
	KindResolveContradictions Kind = "resolve_contradictions"
)

// Kinds lists every known action kind.
var Kinds = []Kind{
	KindAutoTag,
	KindCreateGapStubs,
	KindSuggestSchema,
	KindPromoteToType,
	KindMergeDuplicates,
	KindArchiveStale,
	KindResolveContradictions,
}

// Known reports whether k is one of the fixed action kinds.
func (k Kind) Known() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Risk is the risk tier of an action kind.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Risks lists the tiers from least to most risky.
var Risks = []Risk{RiskLow, RiskMedium, RiskHigh}

// Action is an improvement proposal payload.
type Action interface {
	Kind() Kind
	sealed()
}

// TagSuggestion proposes tags for one entry.
type TagSuggestion struct {
	EntryID string   `json:"entry_id"`
	Tags    []string `json:"tags"`
}

// SchemaSuggestion proposes a new declared type.
type SchemaSuggestion struct {
	TypeName   string   `json:"type_name"`
	Reason     string   `json:"reason,omitempty"`
	ExampleIDs []string `json:"example_ids,omitempty"`
}

// DuplicatePair names two entries believed to hold the same content.
type DuplicatePair struct {
	KeepID     string  `json:"keep_id"`
	DropID     string  `json:"drop_id"`
	Similarity float64 `json:"similarity,omitempty"`
}

// Conflict is a pair of entries with opposing content.
type Conflict struct {
	EntryA      string `json:"entry_a"`
	EntryB      string `json:"entry_b"`
	Description string `json:"description,omitempty"`
}

// AutoTag adds tags to entries.
type AutoTag struct {
	Entries []TagSuggestion `json:"entries"`
}

// CreateGapStubs creates placeholder entries for recurring missed queries.
type CreateGapStubs struct {
	Queries []string `json:"queries"`
}

// SuggestSchema proposes schema additions.
type SuggestSchema struct {
	Suggestions []SchemaSuggestion `json:"suggestions"`
}

// PromoteToType assigns a declared type to untyped entries.
type PromoteToType struct {
	EntryIDs   []string `json:"entry_ids"`
	TargetType string   `json:"target_type"`
}

// MergeDuplicates folds duplicate entries together.
type MergeDuplicates struct {
	Pairs []DuplicatePair `json:"pairs"`
}

// ArchiveStale archives entries that have not been updated in a long time.
type ArchiveStale struct {
	EntryIDs []string `json:"entry_ids"`
}

// ResolveContradictions asks for conflicting entries to be reconciled.
type ResolveContradictions struct {
	Contradictions []Conflict `json:"contradictions"`
}

// Unknown preserves a payload whose kind is not in the fixed set, so it
// can be stored and classified without losing data.
type Unknown struct {
	Type Kind
	Raw  []byte
}

func (AutoTag) Kind() Kind               { return KindAutoTag }
func (CreateGapStubs) Kind() Kind        { return KindCreateGapStubs }
func (SuggestSchema) Kind() Kind         { return KindSuggestSchema }
func (PromoteToType) Kind() Kind         { return KindPromoteToType }
func (MergeDuplicates) Kind() Kind       { return KindMergeDuplicates }
func (ArchiveStale) Kind() Kind          { return KindArchiveStale }
func (ResolveContradictions) Kind() Kind { return KindResolveContradictions }
func (u Unknown) Kind() Kind             { return u.Type }

func (AutoTag) sealed()               {}
func (CreateGapStubs) sealed()        {}
func (SuggestSchema) sealed()         {}
func (PromoteToType) sealed()         {}
func (MergeDuplicates) sealed()       {}
func (ArchiveStale) sealed()          {}
func (ResolveContradictions) sealed() {}
func (Unknown) sealed()               {}

// Value strips Envelope wrappers and pointers so callers can switch over
// the concrete value types. A nil pointer yields nil.
func Value(a Action) Action {
	switch v := a.(type) {
	case Envelope:
		return Value(v.Action)
	case *Envelope:
		if v == nil {
			return nil
		}
		return Value(v.Action)
	case *AutoTag:
		return deref(v)
	case *CreateGapStubs:
		return deref(v)
	case *SuggestSchema:
		return deref(v)
	case *PromoteToType:
		return deref(v)
	case *MergeDuplicates:
		return deref(v)
	case *ArchiveStale:
		return deref(v)
	case *ResolveContradictions:
		return deref(v)
	case *Unknown:
		return deref(v)
	}
	return a
}

func deref[T Action](p *T) Action {
	if p == nil {
		return nil
	}
	return *p
}

// AffectedEntries returns the distinct entry ids an action targets, in
// first-mention order. Kinds that do not target existing entries return nil.
func AffectedEntries(a Action) []string {
	var ids []string
	switch v := Value(a).(type) {
	case AutoTag:
		for _, s := range v.Entries {
			ids = append(ids, s.EntryID)
		}
	case PromoteToType:
		ids = append(ids, v.EntryIDs...)
	case MergeDuplicates:
		for _, p := range v.Pairs {
			ids = append(ids, p.KeepID, p.DropID)
		}
	case ArchiveStale:
		ids = append(ids, v.EntryIDs...)
	case ResolveContradictions:
		for _, c := range v.Contradictions {
			ids = append(ids, c.EntryA, c.EntryB)
		}
	case CreateGapStubs, SuggestSchema, Unknown, nil:
		return nil
	}
	return dedupe(ids)
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
