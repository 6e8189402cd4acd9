// Package events provides the append-only audit trail of control-plane
// decisions. Every lifecycle transition and protection change is written as
// one JSON line so an operator can reconstruct who decided what, and when,
// independently of the ledger's current state.
package events

import (
	"time"

	"github.com/andywolf/ctxkeeper/internal/action"
)

// EventType identifies the category of an audit event.
type EventType string

const (
	// EventEnqueued is a new pending action.
	EventEnqueued EventType = "enqueued"
	// EventAutoExecutable is a proposal cleared for execution without review.
	EventAutoExecutable EventType = "auto_executable"
	// EventSuppressed is a proposal dropped because of a protection.
	EventSuppressed EventType = "suppressed"
	// EventApproved is a pending action moved to approved.
	EventApproved EventType = "approved"
	// EventDismissed is a pending action moved to dismissed.
	EventDismissed EventType = "dismissed"
	// EventExpired is a pending action that passed its expiry.
	EventExpired EventType = "expired"
	// EventProtectionAdded is a protection created by an operator.
	EventProtectionAdded EventType = "protection_added"
	// EventProtectionLearned is a protection created from dismissals.
	EventProtectionLearned EventType = "protection_learned"
	// EventProtectionRemoved is a protection narrowed or deleted.
	EventProtectionRemoved EventType = "protection_removed"
)

// Record is one audit line.
type Record struct {
	// Timestamp is when the decision was made.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the decision.
	Type EventType `json:"type"`

	// ActionID is the pending action involved, if any.
	ActionID string `json:"action_id,omitempty"`

	// ActionType is the kind of action the decision concerns.
	ActionType action.Kind `json:"action_type,omitempty"`

	// Risk is the classified risk at decision time.
	Risk action.Risk `json:"risk,omitempty"`

	// EntryIDs are the entries the action or protection covers.
	EntryIDs []string `json:"entry_ids,omitempty"`

	// Reason is the operator-supplied or generated justification.
	Reason string `json:"reason,omitempty"`

	// Summary is a short human-readable description (for log display).
	Summary string `json:"summary,omitempty"`
}

// Sink receives audit records.
type Sink interface {
	Write(records []Record) error
}

// Nop is a Sink that discards everything.
type Nop struct{}

// Write implements Sink.
func (Nop) Write([]Record) error { return nil }

// MemorySink collects records in memory.
type MemorySink struct {
	Records []Record
}

// Write implements Sink.
func (m *MemorySink) Write(records []Record) error {
	m.Records = append(m.Records, records...)
	return nil
}
