// Package ledger holds the single persisted document shared by the observer
// and the control plane, and the backends that read and write it whole.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/andywolf/ctxkeeper/internal/action"
)

// EventAction is the kind of usage an Event records.
type EventAction string

const (
	EventRead      EventAction = "read"
	EventWrite     EventAction = "write"
	EventUpdate    EventAction = "update"
	EventDelete    EventAction = "delete"
	EventQueryMiss EventAction = "query_miss"
)

// Valid reports whether a is a known event action.
func (a EventAction) Valid() bool {
	switch a {
	case EventRead, EventWrite, EventUpdate, EventDelete, EventQueryMiss:
		return true
	}
	return false
}

// Event is one recorded usage fact.
type Event struct {
	Timestamp   time.Time   `json:"timestamp"`
	Action      EventAction `json:"action"`
	Tool        string      `json:"tool"`
	ContextType string      `json:"context_type,omitempty"`
	EntryIDs    []string    `json:"entry_ids,omitempty"`
	Query       string      `json:"query,omitempty"`
	Agent       string      `json:"agent,omitempty"`
	Useful      *bool       `json:"useful,omitempty"`
}

// Summary is the aggregate view of the event log. It is a cache: every
// field can be recomputed from Events.
type Summary struct {
	TotalReads    int            `json:"total_reads"`
	TotalWrites   int            `json:"total_writes"`
	TotalMisses   int            `json:"total_misses"`
	TypeReads     map[string]int `json:"type_reads"`
	TypeWrites    map[string]int `json:"type_writes"`
	MissedQueries []string       `json:"missed_queries"`
	MissCounts    map[string]int `json:"miss_counts"`
	LastActivity  time.Time      `json:"last_activity,omitempty"`
}

// ActionCount is one line of an ImprovementRecord.
type ActionCount struct {
	ActionType action.Kind `json:"action_type"`
	Count      int         `json:"count"`
}

// ImprovementRecord describes actions an executor applied.
type ImprovementRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Actions   []ActionCount `json:"actions"`
	Automatic bool          `json:"automatic"`
}

// ActionStatus is the lifecycle state of a PendingAction.
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusApproved  ActionStatus = "approved"
	StatusDismissed ActionStatus = "dismissed"
	StatusExpired   ActionStatus = "expired"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ActionStatus) Terminal() bool {
	return s == StatusApproved || s == StatusDismissed || s == StatusExpired
}

// PendingAction is a proposed improvement awaiting a decision.
type PendingAction struct {
	ID            string          `json:"id"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Action        action.Envelope `json:"action"`
	Risk          action.Risk     `json:"risk"`
	Description   string          `json:"description"`
	Reasoning     string          `json:"reasoning,omitempty"`
	Preview       json.RawMessage `json:"preview,omitempty"`
	Status        ActionStatus    `json:"status"`
	DismissReason string          `json:"dismiss_reason,omitempty"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
}

// Protection suppresses proposals for one entry, or for a whole action
// kind when EntryID is empty.
type Protection struct {
	ID            string        `json:"id"`
	EntryID       string        `json:"entry_id,omitempty"`
	Pattern       action.Kind   `json:"pattern,omitempty"`
	ProtectedFrom []action.Kind `json:"protected_from"`
	Reason        string        `json:"reason"`
	CreatedAt     time.Time     `json:"created_at"`
	Learned       bool          `json:"learned,omitempty"`
}

// Blocks reports whether p forbids kind from touching entryID.
func (p Protection) Blocks(entryID string, kind action.Kind) bool {
	if p.EntryID != "" && p.EntryID != entryID {
		return false
	}
	for _, k := range p.ProtectedFrom {
		if k == kind {
			return true
		}
	}
	return false
}

// SchemaCache is the last computed self-model, stored opaquely.
type SchemaCache struct {
	ComputedAt time.Time       `json:"computed_at"`
	Model      json.RawMessage `json:"model"`
}

// Document is the whole persisted structure.
type Document struct {
	Events         []Event             `json:"events"`
	Summary        Summary             `json:"summary"`
	Improvements   []ImprovementRecord `json:"improvements"`
	PendingActions []PendingAction     `json:"pending_actions"`
	Protections    []Protection        `json:"protections"`
	SchemaCache    *SchemaCache        `json:"schema_cache,omitempty"`
}

// NewDocument returns an empty, well-formed document.
func NewDocument() *Document {
	d := &Document{}
	d.Normalize()
	return d
}

// NewSummary returns a zero summary with initialised maps.
func NewSummary() Summary {
	return Summary{
		TypeReads:     map[string]int{},
		TypeWrites:    map[string]int{},
		MissedQueries: []string{},
		MissCounts:    map[string]int{},
	}
}

// Normalize replaces nil collections so callers never need nil checks.
func (d *Document) Normalize() {
	if d.Events == nil {
		d.Events = []Event{}
	}
	if d.Improvements == nil {
		d.Improvements = []ImprovementRecord{}
	}
	if d.PendingActions == nil {
		d.PendingActions = []PendingAction{}
	}
	if d.Protections == nil {
		d.Protections = []Protection{}
	}
	d.Summary.normalize()
}

func (s *Summary) normalize() {
	if s.TypeReads == nil {
		s.TypeReads = map[string]int{}
	}
	if s.TypeWrites == nil {
		s.TypeWrites = map[string]int{}
	}
	if s.MissedQueries == nil {
		s.MissedQueries = []string{}
	}
	if s.MissCounts == nil {
		s.MissCounts = map[string]int{}
	}
}

// Clone returns a deep copy of the summary.
func (s Summary) Clone() Summary {
	out := s
	out.TypeReads = copyCounts(s.TypeReads)
	out.TypeWrites = copyCounts(s.TypeWrites)
	out.MissCounts = copyCounts(s.MissCounts)
	out.MissedQueries = append([]string{}, s.MissedQueries...)
	return out
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
