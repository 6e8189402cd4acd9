// Package control owns the lifecycle of pending improvement actions and the
// protections that suppress them. It classifies risk and applies the
// auto-execute policy, but never executes an action itself: approval only
// marks the action for an external executor.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andywolf/ctxkeeper/internal/action"
	"github.com/andywolf/ctxkeeper/internal/clock"
	"github.com/andywolf/ctxkeeper/internal/events"
	"github.com/andywolf/ctxkeeper/internal/ledger"
	"github.com/andywolf/ctxkeeper/internal/logging"
)

const (
	// DefaultTTL is how long an enqueued action stays pending.
	DefaultTTL = 7 * 24 * time.Hour
	// PatternThreshold is how many dismissed, entry-carrying actions of one
	// kind turn into a pattern protection.
	PatternThreshold = 3
)

// Store is the full-document persistence the plane shares with the
// observer.
type Store interface {
	LoadRaw(ctx context.Context) (*ledger.Document, error)
	PersistRaw(ctx context.Context, doc *ledger.Document) error
}

// Plane is the control plane. Every mutator is a serialized
// read-modify-write of the whole document.
type Plane struct {
	mu     sync.Mutex
	store  Store
	clock  clock.Clock
	logger logging.Logger
	policy Policy
	ttl    time.Duration
	audit  events.Sink
	newID  func() string
}

// Option configures a Plane.
type Option func(*Plane)

// WithClock sets the clock used for timestamps and expiry.
func WithClock(c clock.Clock) Option {
	return func(p *Plane) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Plane) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPolicy sets the auto-execute policy.
func WithPolicy(policy Policy) Option {
	return func(p *Plane) {
		p.policy = policy
	}
}

// WithTTL sets the default lifetime of enqueued actions.
func WithTTL(ttl time.Duration) Option {
	return func(p *Plane) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithAuditSink records every decision to sink.
func WithAuditSink(sink events.Sink) Option {
	return func(p *Plane) {
		if sink != nil {
			p.audit = sink
		}
	}
}

// WithIDFunc overrides id generation.
func WithIDFunc(fn func() string) Option {
	return func(p *Plane) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// New creates a Plane over store.
func New(store Store, opts ...Option) *Plane {
	p := &Plane{
		store:  store,
		clock:  clock.System{},
		logger: logging.Nop(),
		policy: DefaultPolicy(),
		ttl:    DefaultTTL,
		audit:  events.Nop{},
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetPolicy replaces the auto-execute policy.
func (p *Plane) SetPolicy(policy Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
}

// ShouldAutoExecute applies the current policy to kind.
func (p *Plane) ShouldAutoExecute(kind action.Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy.ShouldAutoExecute(kind)
}

// NewAction is what a proposer submits. Risk is not part of it: the
// plane classifies every action from its kind.
type NewAction struct {
	Action      action.Action   `json:"-"`
	Description string          `json:"description"`
	Reasoning   string          `json:"reasoning,omitempty"`
	Preview     json.RawMessage `json:"preview,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at,omitempty"`
}

// Enqueue stores a as a new pending action and returns the record.
func (p *Plane) Enqueue(ctx context.Context, a NewAction) (ledger.PendingAction, error) {
	a.Action = action.Value(a.Action)
	if a.Action == nil {
		return ledger.PendingAction{}, ErrNilAction
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.LoadRaw(ctx)
	if err != nil {
		return ledger.PendingAction{}, fmt.Errorf("load ledger: %w", err)
	}

	pa := p.newPending(a)
	doc.PendingActions = append(doc.PendingActions, pa)
	if err := p.store.PersistRaw(ctx, doc); err != nil {
		return ledger.PendingAction{}, fmt.Errorf("persist ledger: %w", err)
	}

	p.logger.Infof("enqueued %s action %s (risk %s)", a.Action.Kind(), pa.ID, pa.Risk)
	p.record(events.Record{
		Timestamp:  pa.CreatedAt,
		Type:       events.EventEnqueued,
		ActionID:   pa.ID,
		ActionType: a.Action.Kind(),
		Risk:       pa.Risk,
		EntryIDs:   action.AffectedEntries(a.Action),
		Summary:    pa.Description,
	})
	return pa, nil
}

func (p *Plane) newPending(a NewAction) ledger.PendingAction {
	now := p.clock.Now()
	expires := a.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(p.ttl)
	}
	return ledger.PendingAction{
		ID:          p.newID(),
		CreatedAt:   now,
		ExpiresAt:   expires,
		Action:      action.Wrap(a.Action),
		Risk:        ClassifyRisk(a.Action.Kind()),
		Description: a.Description,
		Reasoning:   a.Reasoning,
		Preview:     a.Preview,
		Status:      ledger.StatusPending,
	}
}

// Outcome is what Submit did with a proposal.
type Outcome string

const (
	OutcomeSuppressed  Outcome = "suppressed"
	OutcomeAutoExecute Outcome = "auto_execute"
	OutcomeQueued      Outcome = "queued"
)

// Decision is the result of Submit. Pending is set only when queued.
type Decision struct {
	Outcome Outcome
	Risk    action.Risk
	Pending *ledger.PendingAction
}

// Submit routes a proposal: protected proposals are dropped, proposals
// the policy allows are returned for immediate execution, and everything
// else is enqueued for review.
func (p *Plane) Submit(ctx context.Context, a NewAction) (Decision, error) {
	a.Action = action.Value(a.Action)
	if a.Action == nil {
		return Decision{}, ErrNilAction
	}
	kind := a.Action.Kind()
	risk := ClassifyRisk(kind)

	kept, _, err := p.FilterProposals(ctx, []action.Action{a.Action})
	if err != nil {
		return Decision{}, err
	}
	if len(kept) == 0 {
		p.logger.Infof("suppressed %s proposal: protected", kind)
		p.record(events.Record{
			Timestamp:  p.clock.Now(),
			Type:       events.EventSuppressed,
			ActionType: kind,
			Risk:       risk,
			EntryIDs:   action.AffectedEntries(a.Action),
			Summary:    a.Description,
		})
		return Decision{Outcome: OutcomeSuppressed, Risk: risk}, nil
	}

	if p.ShouldAutoExecute(kind) {
		p.logger.Infof("%s proposal cleared for auto-execution (risk %s)", kind, risk)
		p.record(events.Record{
			Timestamp:  p.clock.Now(),
			Type:       events.EventAutoExecutable,
			ActionType: kind,
			Risk:       risk,
			EntryIDs:   action.AffectedEntries(a.Action),
			Summary:    a.Description,
		})
		return Decision{Outcome: OutcomeAutoExecute, Risk: risk}, nil
	}

	pa, err := p.Enqueue(ctx, a)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Outcome: OutcomeQueued, Risk: pa.Risk, Pending: &pa}, nil
}

// Approve marks a pending action approved and returns a confirmation. It
// does not execute the action. When the action is missing or not pending,
// the message describes why and the error wraps ErrNotFound or
// ErrInvalidState.
func (p *Plane) Approve(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.LoadRaw(ctx)
	if err != nil {
		return "", fmt.Errorf("load ledger: %w", err)
	}
	i := indexOf(doc, id)
	if i < 0 {
		return fmt.Sprintf("No pending action with id %s", id), fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	pa := &doc.PendingActions[i]
	if pa.Status != ledger.StatusPending {
		return fmt.Sprintf("Action %s is already %s", id, pa.Status),
			fmt.Errorf("%w: %s is %s", ErrInvalidState, id, pa.Status)
	}

	now := p.clock.Now()
	pa.Status = ledger.StatusApproved
	pa.DecidedAt = &now
	kind := pa.Action.KindOf()
	if err := p.store.PersistRaw(ctx, doc); err != nil {
		return "", fmt.Errorf("persist ledger: %w", err)
	}

	p.logger.Infof("approved %s action %s", kind, id)
	p.record(events.Record{
		Timestamp:  now,
		Type:       events.EventApproved,
		ActionID:   id,
		ActionType: kind,
		Risk:       pa.Risk,
		Summary:    pa.Description,
	})
	return fmt.Sprintf("Approved %s action %s. It will run when the executor picks it up.", kind, id), nil
}

// Dismiss rejects a pending action and learns protections from it. It
// returns false when the action is missing or not pending.
func (p *Plane) Dismiss(ctx context.Context, id, reason string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.LoadRaw(ctx)
	if err != nil {
		return false, fmt.Errorf("load ledger: %w", err)
	}
	i := indexOf(doc, id)
	if i < 0 || doc.PendingActions[i].Status != ledger.StatusPending {
		return false, nil
	}

	now := p.clock.Now()
	pa := &doc.PendingActions[i]
	pa.Status = ledger.StatusDismissed
	pa.DismissReason = reason
	pa.DecidedAt = &now
	kind := pa.Action.KindOf()
	entries := action.AffectedEntries(pa.Action.Action)
	dismissed := *pa

	learned := p.learnLocked(doc, kind, entries, reason, now)
	if err := p.store.PersistRaw(ctx, doc); err != nil {
		return false, fmt.Errorf("persist ledger: %w", err)
	}

	p.logger.Infof("dismissed %s action %s, learned %d protections", kind, id, len(learned))
	records := []events.Record{{
		Timestamp:  now,
		Type:       events.EventDismissed,
		ActionID:   id,
		ActionType: kind,
		Risk:       dismissed.Risk,
		EntryIDs:   entries,
		Reason:     reason,
		Summary:    dismissed.Description,
	}}
	for _, prot := range learned {
		records = append(records, protectionRecord(events.EventProtectionLearned, prot))
	}
	p.record(records...)
	return true, nil
}

// learnLocked adds entry protections for a dismissal and, once enough
// entry-carrying dismissals of kind exist, one pattern protection.
func (p *Plane) learnLocked(doc *ledger.Document, kind action.Kind, entries []string, reason string, now time.Time) []ledger.Protection {
	if len(entries) == 0 || kind == "" {
		return nil
	}

	why := reason
	if why == "" {
		why = "no reason given"
	}

	var learned []ledger.Protection
	for _, entryID := range entries {
		if hasEntryProtection(doc.Protections, entryID, kind) {
			continue
		}
		prot := ledger.Protection{
			ID:            p.newID(),
			EntryID:       entryID,
			ProtectedFrom: []action.Kind{kind},
			Reason:        fmt.Sprintf("Dismissed %s: %s", kind, why),
			CreatedAt:     now,
			Learned:       true,
		}
		doc.Protections = append(doc.Protections, prot)
		learned = append(learned, prot)
	}

	// Counts dismissed actions that carried entries, not distinct entries.
	count := 0
	for _, other := range doc.PendingActions {
		if other.Status != ledger.StatusDismissed || other.Action.KindOf() != kind {
			continue
		}
		if len(action.AffectedEntries(other.Action.Action)) > 0 {
			count++
		}
	}
	if count >= PatternThreshold && !hasPatternProtection(doc.Protections, kind) {
		prot := ledger.Protection{
			ID:            p.newID(),
			Pattern:       kind,
			ProtectedFrom: []action.Kind{kind},
			Reason:        fmt.Sprintf("Dismissed %d %s actions", count, kind),
			CreatedAt:     now,
			Learned:       true,
		}
		doc.Protections = append(doc.Protections, prot)
		learned = append(learned, prot)
		p.logger.Infof("learned pattern protection against %s after %d dismissals", kind, count)
	}
	return learned
}

// Result is the outcome of one id in a bulk operation.
type Result struct {
	ID      string
	OK      bool
	Message string
	Err     error
}

// BulkApprove approves each id independently.
func (p *Plane) BulkApprove(ctx context.Context, ids []string) []Result {
	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		msg, err := p.Approve(ctx, id)
		if err != nil {
			p.logger.Warningf("failed to approve %s: %v", id, err)
		}
		results = append(results, Result{ID: id, OK: err == nil, Message: msg, Err: err})
	}
	return results
}

// BulkDismiss dismisses each id independently.
func (p *Plane) BulkDismiss(ctx context.Context, ids []string, reason string) []Result {
	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		ok, err := p.Dismiss(ctx, id, reason)
		res := Result{ID: id, OK: ok, Err: err}
		switch {
		case err != nil:
			p.logger.Warningf("failed to dismiss %s: %v", id, err)
			res.Message = err.Error()
		case ok:
			res.Message = fmt.Sprintf("Dismissed %s", id)
		default:
			res.Message = fmt.Sprintf("No pending action with id %s", id)
		}
		results = append(results, res)
	}
	return results
}

// ExpireStale moves pending actions past their expiry to expired and
// returns how many moved. Nothing is written when none did.
func (p *Plane) ExpireStale(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.LoadRaw(ctx)
	if err != nil {
		return 0, fmt.Errorf("load ledger: %w", err)
	}

	now := p.clock.Now()
	var records []events.Record
	for i := range doc.PendingActions {
		pa := &doc.PendingActions[i]
		if pa.Status != ledger.StatusPending || pa.ExpiresAt.IsZero() || !now.After(pa.ExpiresAt) {
			continue
		}
		decided := now
		pa.Status = ledger.StatusExpired
		pa.DecidedAt = &decided
		records = append(records, events.Record{
			Timestamp:  now,
			Type:       events.EventExpired,
			ActionID:   pa.ID,
			ActionType: pa.Action.KindOf(),
			Risk:       pa.Risk,
		})
	}
	if len(records) == 0 {
		return 0, nil
	}

	if err := p.store.PersistRaw(ctx, doc); err != nil {
		return 0, fmt.Errorf("persist ledger: %w", err)
	}
	p.logger.Infof("expired %d stale actions", len(records))
	p.record(records...)
	return len(records), nil
}

// ListPending returns actions still awaiting a decision, oldest first.
func (p *Plane) ListPending(ctx context.Context) ([]ledger.PendingAction, error) {
	return p.ListActions(ctx, ledger.StatusPending)
}

// ListActions returns actions with status, or every action when status
// is empty.
func (p *Plane) ListActions(ctx context.Context, status ledger.ActionStatus) ([]ledger.PendingAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.LoadRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	out := []ledger.PendingAction{}
	for _, pa := range doc.PendingActions {
		if status == "" || pa.Status == status {
			out = append(out, pa)
		}
	}
	return out, nil
}

// Get returns one action by id.
func (p *Plane) Get(ctx context.Context, id string) (ledger.PendingAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.LoadRaw(ctx)
	if err != nil {
		return ledger.PendingAction{}, fmt.Errorf("load ledger: %w", err)
	}
	i := indexOf(doc, id)
	if i < 0 {
		return ledger.PendingAction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc.PendingActions[i], nil
}

func indexOf(doc *ledger.Document, id string) int {
	for i := range doc.PendingActions {
		if doc.PendingActions[i].ID == id {
			return i
		}
	}
	return -1
}

// record writes audit records. Audit failures are logged, never returned.
func (p *Plane) record(records ...events.Record) {
	if len(records) == 0 {
		return
	}
	if err := p.audit.Write(records); err != nil {
		p.logger.Warningf("failed to record audit event: %v", err)
	}
}
