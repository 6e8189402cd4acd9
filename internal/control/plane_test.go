package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywolf/ctxkeeper/internal/action"
	"github.com/andywolf/ctxkeeper/internal/clock"
	"github.com/andywolf/ctxkeeper/internal/events"
	"github.com/andywolf/ctxkeeper/internal/ledger"
	"github.com/andywolf/ctxkeeper/internal/observer"
)

var testStart = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

type harness struct {
	plane   *Plane
	backend *ledger.MemoryBackend
	clock   *clock.Manual
	audit   *events.MemorySink
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clk := clock.NewManual(testStart)
	backend := ledger.NewMemoryBackend()
	obs := observer.New(backend, observer.WithClock(clk))
	audit := &events.MemorySink{}
	all := append([]Option{WithClock(clk), WithAuditSink(audit)}, opts...)
	return &harness{
		plane:   New(obs, all...),
		backend: backend,
		clock:   clk,
		audit:   audit,
	}
}

func archive(ids ...string) NewAction {
	return NewAction{Action: action.ArchiveStale{EntryIDs: ids}, Description: "archive stale entries"}
}

func merge(keep, drop string) NewAction {
	return NewAction{
		Action:      action.MergeDuplicates{Pairs: []action.DuplicatePair{{KeepID: keep, DropID: drop, Similarity: 0.93}}},
		Description: "merge duplicates",
	}
}

func TestEnqueue_ThenListPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	pa, err := h.plane.Enqueue(ctx, archive("e1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, pa.Status)
	assert.Equal(t, action.RiskHigh, pa.Risk)
	assert.Equal(t, testStart, pa.CreatedAt)
	assert.Equal(t, testStart.Add(DefaultTTL), pa.ExpiresAt)
	assert.NotEmpty(t, pa.ID)

	pending, err := h.plane.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, pa.ID, pending[0].ID)
	assert.Equal(t, ledger.StatusPending, pending[0].Status)
	assert.Equal(t, action.ArchiveStale{EntryIDs: []string{"e1"}}, pending[0].Action.Action)

	require.Len(t, h.audit.Records, 1)
	assert.Equal(t, events.EventEnqueued, h.audit.Records[0].Type)
}

func TestEnqueue_KeepsExplicitExpiry(t *testing.T) {
	h := newHarness(t)
	na := archive("e1")
	na.ExpiresAt = testStart.Add(time.Hour)

	pa, err := h.plane.Enqueue(context.Background(), na)
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(time.Hour), pa.ExpiresAt)
}

func TestRiskAlwaysComesFromTheKind(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	pa, err := h.plane.Enqueue(ctx, archive("e1"))
	require.NoError(t, err)
	assert.Equal(t, action.RiskHigh, pa.Risk)

	d, err := h.plane.Submit(ctx, NewAction{Action: action.PromoteToType{EntryIDs: []string{"e2"}, TargetType: "project"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, d.Outcome)
	assert.Equal(t, action.RiskMedium, d.Risk)
	require.NotNil(t, d.Pending)
	assert.Equal(t, action.RiskMedium, d.Pending.Risk)

	stored, err := h.plane.Get(ctx, d.Pending.ID)
	require.NoError(t, err)
	assert.Equal(t, action.RiskMedium, stored.Risk)
}

func TestEnqueue_RejectsNilAction(t *testing.T) {
	h := newHarness(t)
	_, err := h.plane.Enqueue(context.Background(), NewAction{Description: "nothing"})
	assert.ErrorIs(t, err, ErrNilAction)
	assert.Equal(t, 0, h.backend.Saves())
}

func TestEnqueue_UniqueIDsUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	const n = 20
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pa, err := h.plane.Enqueue(ctx, archive(fmt.Sprintf("e%d", i)))
			if err != nil {
				t.Errorf("Enqueue failed: %v", err)
				return
			}
			ids <- pa.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	pending, err := h.plane.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, n)
}

func TestApprove_OnceThenInvalidState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pa, err := h.plane.Enqueue(ctx, merge("a", "b"))
	require.NoError(t, err)

	msg, err := h.plane.Approve(ctx, pa.ID)
	require.NoError(t, err)
	assert.Contains(t, msg, pa.ID)

	msg, err = h.plane.Approve(ctx, pa.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Contains(t, msg, "approved")

	got, err := h.plane.Get(ctx, pa.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, got.Status)
	require.NotNil(t, got.DecidedAt)
	assert.Equal(t, testStart, *got.DecidedAt)
}

func TestApprove_NotFound(t *testing.T) {
	h := newHarness(t)
	msg, err := h.plane.Approve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, msg, "missing")
	assert.Equal(t, 0, h.backend.Saves())
}

func TestDismiss_NonexistentLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.plane.Enqueue(ctx, archive("e1"))
	require.NoError(t, err)
	before := h.backend.Saves()

	ok, err := h.plane.Dismiss(ctx, "nope", "whatever")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, h.backend.Saves())

	prots, err := h.plane.ListProtections(ctx)
	require.NoError(t, err)
	assert.Empty(t, prots)
}

func TestDismiss_NotPendingReturnsFalse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pa, err := h.plane.Enqueue(ctx, archive("e1"))
	require.NoError(t, err)
	_, err = h.plane.Approve(ctx, pa.ID)
	require.NoError(t, err)

	ok, err := h.plane.Dismiss(ctx, pa.ID, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDismiss_LearnsEntryProtections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pa, err := h.plane.Enqueue(ctx, merge("keep", "drop"))
	require.NoError(t, err)

	ok, err := h.plane.Dismiss(ctx, pa.ID, "not duplicates")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := h.plane.Get(ctx, pa.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDismissed, got.Status)
	assert.Equal(t, "not duplicates", got.DismissReason)

	prots, err := h.plane.ListProtections(ctx)
	require.NoError(t, err)
	require.Len(t, prots, 2)
	for _, p := range prots {
		assert.Equal(t, []action.Kind{action.KindMergeDuplicates}, p.ProtectedFrom)
		assert.True(t, p.Learned)
		assert.Contains(t, p.Reason, "not duplicates")
	}

	protected, err := h.plane.IsProtected(ctx, "keep", action.KindMergeDuplicates)
	require.NoError(t, err)
	assert.True(t, protected)
	protected, err = h.plane.IsProtected(ctx, "keep", action.KindArchiveStale)
	require.NoError(t, err)
	assert.False(t, protected)

	learned := events.FilterByType(h.audit.Records, events.EventProtectionLearned)
	assert.Len(t, learned, 2)
}

func TestDismiss_PointerActionLearnsProtections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	pa, err := h.plane.Enqueue(ctx, NewAction{Action: &action.ArchiveStale{EntryIDs: []string{"e1"}}})
	require.NoError(t, err)
	assert.Equal(t, action.ArchiveStale{EntryIDs: []string{"e1"}}, pa.Action.Action)

	ok, err := h.plane.Dismiss(ctx, pa.ID, "keep it")
	require.NoError(t, err)
	require.True(t, ok)

	protected, err := h.plane.IsProtected(ctx, "e1", action.KindArchiveStale)
	require.NoError(t, err)
	assert.True(t, protected)

	_, err = h.plane.Enqueue(ctx, NewAction{Action: (*action.ArchiveStale)(nil)})
	assert.ErrorIs(t, err, ErrNilAction)
}

func TestDismiss_NoEntriesLearnsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		pa, err := h.plane.Enqueue(ctx, NewAction{Action: action.CreateGapStubs{Queries: []string{"q"}}})
		require.NoError(t, err)
		ok, err := h.plane.Dismiss(ctx, pa.ID, "")
		require.NoError(t, err)
		require.True(t, ok)
	}
	prots, err := h.plane.ListProtections(ctx)
	require.NoError(t, err)
	assert.Empty(t, prots)
}

func TestDismiss_PatternProtectionLearnedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	patterns := func() int {
		prots, err := h.plane.ListProtections(ctx)
		require.NoError(t, err)
		n := 0
		for _, p := range prots {
			if p.EntryID == "" {
				n++
				assert.Equal(t, action.KindArchiveStale, p.Pattern)
			}
		}
		return n
	}

	for i := 1; i <= 5; i++ {
		pa, err := h.plane.Enqueue(ctx, archive(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
		ok, err := h.plane.Dismiss(ctx, pa.ID, "keep it")
		require.NoError(t, err)
		require.True(t, ok)

		want := 0
		if i >= PatternThreshold {
			want = 1
		}
		assert.Equal(t, want, patterns(), "after %d dismissals", i)
	}

	protected, err := h.plane.IsProtected(ctx, "never-seen", action.KindArchiveStale)
	require.NoError(t, err)
	assert.True(t, protected, "pattern protection covers every entry")
}

func TestDismiss_ThresholdCountsActionsNotEntries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// The same entry in three dismissed actions still reaches the threshold.
	for i := 0; i < PatternThreshold; i++ {
		pa, err := h.plane.Enqueue(ctx, archive("same"))
		require.NoError(t, err)
		_, err = h.plane.Dismiss(ctx, pa.ID, "")
		require.NoError(t, err)
	}

	prots, err := h.plane.ListProtections(ctx)
	require.NoError(t, err)
	var entryScoped, pattern int
	for _, p := range prots {
		if p.EntryID == "" {
			pattern++
		} else {
			entryScoped++
		}
	}
	assert.Equal(t, 1, entryScoped, "identical entry protections are not duplicated")
	assert.Equal(t, 1, pattern)
}

func TestBulkOperations_AreIndependent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a, err := h.plane.Enqueue(ctx, archive("e1"))
	require.NoError(t, err)
	b, err := h.plane.Enqueue(ctx, archive("e2"))
	require.NoError(t, err)
	c, err := h.plane.Enqueue(ctx, archive("e3"))
	require.NoError(t, err)

	results := h.plane.BulkApprove(ctx, []string{a.ID, "ghost", b.ID})
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.ErrorIs(t, results[1].Err, ErrNotFound)
	assert.True(t, results[2].OK)

	results = h.plane.BulkDismiss(ctx, []string{a.ID, c.ID}, "later")
	require.Len(t, results, 2)
	assert.False(t, results[0].OK, "already approved")
	assert.NoError(t, results[0].Err)
	assert.True(t, results[1].OK)

	pending, err := h.plane.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExpireStale_Scenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	expiring := archive("old")
	expiring.ExpiresAt = testStart.Add(-1000 * time.Millisecond)
	_, err := h.plane.Enqueue(ctx, expiring)
	require.NoError(t, err)

	future := merge("x", "y")
	future.ExpiresAt = testStart.Add(365 * 24 * time.Hour)
	_, err = h.plane.Enqueue(ctx, future)
	require.NoError(t, err)

	n, err := h.plane.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := h.plane.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, action.KindMergeDuplicates, pending[0].Action.KindOf())

	saves := h.backend.Saves()
	n, err = h.plane.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, saves, h.backend.Saves(), "no write when nothing expired")
}

func TestExpireStale_LeavesDecidedActionsAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithTTL(time.Hour))

	approved, err := h.plane.Enqueue(ctx, archive("a"))
	require.NoError(t, err)
	_, err = h.plane.Approve(ctx, approved.ID)
	require.NoError(t, err)
	_, err = h.plane.Enqueue(ctx, archive("b"))
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	n, err := h.plane.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.plane.Get(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, got.Status)

	expired, err := h.plane.ListActions(ctx, ledger.StatusExpired)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
	all, err := h.plane.ListActions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGet_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.plane.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmit_Routing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	d, err := h.plane.Submit(ctx, NewAction{Action: action.AutoTag{Entries: []action.TagSuggestion{{EntryID: "e1", Tags: []string{"go"}}}}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoExecute, d.Outcome)
	assert.Equal(t, action.RiskLow, d.Risk)
	assert.Nil(t, d.Pending)

	d, err = h.plane.Submit(ctx, archive("e2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, d.Outcome)
	require.NotNil(t, d.Pending)

	_, err = h.plane.AddProtection(ctx, NewProtection{EntryID: "e3", ProtectedFrom: []action.Kind{action.KindArchiveStale}})
	require.NoError(t, err)
	d, err = h.plane.Submit(ctx, archive("e3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, d.Outcome)

	pending, err := h.plane.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	assert.Len(t, events.FilterByType(h.audit.Records, events.EventAutoExecutable), 1)
	assert.Len(t, events.FilterByType(h.audit.Records, events.EventSuppressed), 1)
}

func TestSubmit_PolicyOverride(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithPolicy(Policy{Overrides: map[action.Risk]string{action.RiskLow: "false"}}))

	d, err := h.plane.Submit(ctx, NewAction{Action: action.SuggestSchema{}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, d.Outcome)

	h.plane.SetPolicy(DefaultPolicy())
	d, err = h.plane.Submit(ctx, NewAction{Action: action.SuggestSchema{}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoExecute, d.Outcome)
}

type failingStore struct {
	doc *ledger.Document
}

func (f *failingStore) LoadRaw(context.Context) (*ledger.Document, error) {
	if f.doc == nil {
		f.doc = ledger.NewDocument()
	}
	return f.doc, nil
}

func (f *failingStore) PersistRaw(context.Context, *ledger.Document) error {
	return errors.New("disk full")
}

func TestStorageFailuresPropagate(t *testing.T) {
	ctx := context.Background()
	p := New(&failingStore{}, WithClock(clock.NewManual(testStart)))

	_, err := p.Enqueue(ctx, archive("e1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	_, err = p.AddProtection(ctx, NewProtection{EntryID: "e1", ProtectedFrom: []action.Kind{action.KindAutoTag}})
	assert.Error(t, err)
}
