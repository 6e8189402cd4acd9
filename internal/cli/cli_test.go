package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/fatih/color"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywolf/ctxkeeper/internal/action"
	"github.com/andywolf/ctxkeeper/internal/config"
	"github.com/andywolf/ctxkeeper/internal/control"
	"github.com/andywolf/ctxkeeper/internal/events"
	"github.com/andywolf/ctxkeeper/internal/ledger"
	"github.com/andywolf/ctxkeeper/internal/printer"
	"github.com/andywolf/ctxkeeper/internal/selfmodel"
)

type testApp struct {
	*app
	out    *bytes.Buffer
	errOut *bytes.Buffer
	dir    string
}

func newTestApp(t *testing.T, overrides map[string]any) *testApp {
	t.Helper()
	color.NoColor = true

	dir := t.TempDir()
	v := viper.New()
	config.Bind(v)
	v.Set("storage.path", filepath.Join(dir, "awareness.json"))
	v.Set("notes.path", filepath.Join(dir, "notes.json"))
	v.Set("notes.schema", filepath.Join(dir, "schema.yaml"))
	v.Set("audit.dir", dir)
	v.Set("log.level", "error")
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	a, err := newApp(context.Background(), cfg, out, errOut)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	return &testApp{app: a, out: out, errOut: errOut, dir: dir}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEnqueueFile_RoutesByPolicy(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	path := writeFile(t, ta.dir, "proposals.json", `[
		{"action": {"type": "auto_tag", "entries": [{"entry_id": "e1", "tags": ["work"]}]}, "description": "tag e1"},
		{"action": {"type": "archive_stale", "entry_ids": ["e2"]}, "description": "archive e2"},
		{"action": {"type": "frobnicate"}, "description": "mystery"}
	]`)

	require.NoError(t, enqueueFile(ctx, ta.app, path, false))

	pending, err := ta.plane.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, action.KindArchiveStale, pending[0].Action.KindOf())
	assert.Equal(t, action.RiskHigh, pending[1].Risk)

	assert.Contains(t, ta.out.String(), "2 queued, 1 ready to execute, 0 suppressed")
	assert.Contains(t, ta.out.String(), `"type": "auto_tag"`)
	assert.Contains(t, ta.errOut.String(), `unknown action type "frobnicate"`)
}

func TestEnqueueFile_QueueOnly(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	path := writeFile(t, ta.dir, "proposals.json", `[
		{"action": {"type": "auto_tag", "entries": [{"entry_id": "e1", "tags": ["work"]}]}, "description": "tag e1"}
	]`)

	require.NoError(t, enqueueFile(ctx, ta.app, path, true))

	pending, err := ta.plane.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, action.RiskLow, pending[0].Risk)
}

func TestEnqueueFile_SuppressesProtected(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	_, err := ta.plane.AddProtection(ctx, control.NewProtection{
		EntryID:       "e2",
		ProtectedFrom: []action.Kind{action.KindArchiveStale},
	})
	require.NoError(t, err)

	path := writeFile(t, ta.dir, "proposals.json", `[
		{"action": {"type": "archive_stale", "entry_ids": ["e2"]}, "description": "archive e2"}
	]`)
	require.NoError(t, enqueueFile(ctx, ta.app, path, false))

	pending, err := ta.plane.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Contains(t, ta.out.String(), "0 queued, 0 ready to execute, 1 suppressed")
}

func TestEnqueueFile_IgnoresStatedRisk(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	path := writeFile(t, ta.dir, "proposals.json", `[
		{"action": {"type": "archive_stale", "entry_ids": ["e1"]}, "risk": "low", "description": "archive e1"},
		{"action": {"type": "merge_duplicates", "pairs": [{"keep_id": "a", "drop_id": "b"}]}, "risk": "banana"}
	]`)
	require.NoError(t, enqueueFile(ctx, ta.app, path, false))

	pending, err := ta.plane.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, action.RiskHigh, pending[0].Risk)
	assert.Equal(t, action.RiskMedium, pending[1].Risk)
	assert.Contains(t, ta.errOut.String(), `ignoring stated risk "low" for archive_stale, classified as high`)
	assert.Contains(t, ta.errOut.String(), `ignoring stated risk "banana" for merge_duplicates, classified as medium`)
	assert.Contains(t, ta.out.String(), "2 queued, 0 ready to execute, 0 suppressed")
}

func TestReadProposals(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing action", func(t *testing.T) {
		path := writeFile(t, dir, "a.json", `[{"description": "nothing"}]`)
		_, err := readProposals(path)
		assert.ErrorContains(t, err, "proposal 1 has no action")
	})

	t.Run("invalid json", func(t *testing.T) {
		path := writeFile(t, dir, "b.json", `{not json`)
		_, err := readProposals(path)
		assert.ErrorContains(t, err, "failed to parse proposals")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := readProposals(filepath.Join(dir, "nope.json"))
		assert.ErrorContains(t, err, "failed to read proposals")
	})

	t.Run("valid", func(t *testing.T) {
		path := writeFile(t, dir, "c.json", `[{"action": {"type": "create_gap_stubs", "queries": ["deploy"]}, "risk": "medium"}]`)
		proposals, err := readProposals(path)
		require.NoError(t, err)
		require.Len(t, proposals, 1)
		na := proposals[0].toNewAction()
		assert.Equal(t, action.CreateGapStubs{Queries: []string{"deploy"}}, na.Action)
		assert.Equal(t, action.RiskMedium, proposals[0].Risk)
	})
}

func TestApproveAndDismiss(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	keep, err := ta.plane.Enqueue(ctx, control.NewAction{Action: action.MergeDuplicates{Pairs: []action.DuplicatePair{{KeepID: "a", DropID: "b"}}}})
	require.NoError(t, err)
	drop, err := ta.plane.Enqueue(ctx, control.NewAction{Action: action.ArchiveStale{EntryIDs: []string{"e9"}}})
	require.NoError(t, err)

	require.NoError(t, approveActions(ctx, ta.app, []string{keep.ID}))
	assert.Contains(t, ta.out.String(), "Approved merge_duplicates action "+keep.ID)

	require.NoError(t, dismissActions(ctx, ta.app, []string{drop.ID}, "still relevant"))
	assert.Contains(t, ta.out.String(), "Dismissed "+drop.ID)

	protected, err := ta.plane.IsProtected(ctx, "e9", action.KindArchiveStale)
	require.NoError(t, err)
	assert.True(t, protected)

	err = approveActions(ctx, ta.app, []string{drop.ID, "missing"})
	assert.ErrorContains(t, err, "failed to approve 2 of 2 action(s)")
	assert.Contains(t, ta.errOut.String(), "already dismissed")
	assert.Contains(t, ta.errOut.String(), "No pending action with id missing")
}

func TestListActions(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	require.NoError(t, listActions(ctx, ta.app, ledger.StatusPending, false))
	assert.Contains(t, ta.out.String(), "No pending actions.")

	pa, err := ta.plane.Enqueue(ctx, control.NewAction{
		Action:      action.PromoteToType{EntryIDs: []string{"e1"}, TargetType: "project"},
		Description: "promote e1",
	})
	require.NoError(t, err)

	ta.out.Reset()
	require.NoError(t, listActions(ctx, ta.app, ledger.StatusPending, false))
	assert.Contains(t, ta.out.String(), pa.ID)
	assert.Contains(t, ta.out.String(), "promote_to_type")

	ta.out.Reset()
	require.NoError(t, listActions(ctx, ta.app, "", true))
	assert.Contains(t, ta.out.String(), `"target_type": "project"`)

	assert.Error(t, listActions(ctx, ta.app, "bogus", false))
	assert.Contains(t, ta.errOut.String(), `Unknown status "bogus"`)
}

func TestShowAction(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	err := showAction(ctx, ta.app, "nope")
	assert.EqualError(t, err, "Action nope not found")

	pa, err := ta.plane.Enqueue(ctx, control.NewAction{Action: action.SuggestSchema{}, Description: "schema"})
	require.NoError(t, err)
	require.NoError(t, showAction(ctx, ta.app, pa.ID))
	assert.Contains(t, ta.out.String(), pa.ID)
}

func TestParseKinds(t *testing.T) {
	tests := []struct {
		name    string
		raw     []string
		want    []action.Kind
		wantErr string
	}{
		{name: "known", raw: []string{"auto_tag", " archive_stale "}, want: []action.Kind{action.KindAutoTag, action.KindArchiveStale}},
		{name: "unknown", raw: []string{"auto_tag", "frob"}, wantErr: "unknown action kind(s): frob"},
		{name: "empty", raw: []string{"", " "}, wantErr: control.ErrNoActionTypes.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseKinds(tt.raw)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProtectionCommands(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	require.NoError(t, listProtections(ctx, ta.app, false))
	assert.Contains(t, ta.out.String(), "No protections.")

	require.NoError(t, addProtection(ctx, ta.app, "e1", []string{"archive_stale", "merge_duplicates"}, "keep"))
	require.NoError(t, addProtection(ctx, ta.app, "", []string{"resolve_contradictions"}, ""))
	assert.Contains(t, ta.out.String(), "Protected e1 from archive_stale, merge_duplicates")
	assert.Contains(t, ta.out.String(), "Protected all entries from resolve_contradictions")

	ta.out.Reset()
	require.NoError(t, listProtections(ctx, ta.app, false))
	assert.Contains(t, ta.out.String(), "(all entries)")
	assert.Contains(t, ta.out.String(), "manual")

	require.NoError(t, removeProtection(ctx, ta.app, "e1", "archive_stale"))
	protected, err := ta.plane.IsProtected(ctx, "e1", action.KindArchiveStale)
	require.NoError(t, err)
	assert.False(t, protected)
	protected, err = ta.plane.IsProtected(ctx, "e1", action.KindMergeDuplicates)
	require.NoError(t, err)
	assert.True(t, protected)

	require.NoError(t, removeProtection(ctx, ta.app, "e7", "archive_stale"))
	assert.Contains(t, ta.errOut.String(), "No protection matched")

	assert.Error(t, addProtection(ctx, ta.app, "e1", []string{"frob"}, ""))
	assert.Contains(t, ta.errOut.String(), "Known kinds: auto_tag")
}

func TestShowAudit(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	require.NoError(t, showAudit(ta.app, events.Query{}))
	assert.Contains(t, ta.out.String(), "No decisions recorded.")

	pa, err := ta.plane.Enqueue(ctx, control.NewAction{Action: action.ArchiveStale{EntryIDs: []string{"e1"}}})
	require.NoError(t, err)
	_, err = ta.plane.Dismiss(ctx, pa.ID, "no")
	require.NoError(t, err)

	ta.out.Reset()
	require.NoError(t, showAudit(ta.app, events.Query{ActionID: pa.ID}))
	assert.Contains(t, ta.out.String(), string(events.EventEnqueued))
	assert.Contains(t, ta.out.String(), string(events.EventDismissed))

	ta.out.Reset()
	require.NoError(t, showAudit(ta.app, events.Query{Types: []events.EventType{events.EventProtectionLearned}}))
	assert.Contains(t, ta.out.String(), string(events.EventProtectionLearned))
	assert.NotContains(t, ta.out.String(), string(events.EventEnqueued))

	ta.out.Reset()
	require.NoError(t, showAudit(ta.app, events.Query{ActionID: "other"}))
	assert.Contains(t, ta.out.String(), "No matching decisions.")
}

func TestShowAudit_Since(t *testing.T) {
	ta := newTestApp(t, nil)

	sink, err := events.NewFileSink(ta.dir)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, sink.Write([]events.Record{
		{Timestamp: now.Add(-72 * time.Hour), Type: events.EventEnqueued, ActionID: "stale-decision"},
		{Timestamp: now.Add(-time.Hour), Type: events.EventDismissed, ActionID: "fresh-decision"},
	}))
	require.NoError(t, sink.Close())

	q, err := auditQuery("", nil, 24*time.Hour, now)
	require.NoError(t, err)
	require.NoError(t, showAudit(ta.app, q))
	assert.Contains(t, ta.out.String(), "fresh-decision")
	assert.NotContains(t, ta.out.String(), "stale-decision")

	ta.out.Reset()
	q, err = auditQuery("", nil, 30*time.Minute, now)
	require.NoError(t, err)
	require.NoError(t, showAudit(ta.app, q))
	assert.Contains(t, ta.out.String(), "No matching decisions.")
}

func TestAuditQuery(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	q, err := auditQuery("a-1", []string{"approved", "dismissed"}, 0, now)
	require.NoError(t, err)
	assert.True(t, q.Since.IsZero())
	assert.Equal(t, "a-1", q.ActionID)
	assert.Equal(t, []events.EventType{events.EventApproved, events.EventDismissed}, q.Types)

	q, err = auditQuery("", nil, 90*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), q.Since)

	_, err = auditQuery("", nil, -time.Hour, now)
	assert.Error(t, err)
}

func TestParseApplied(t *testing.T) {
	got, err := parseApplied([]string{"auto_tag=12", " archive_stale = 1"})
	require.NoError(t, err)
	assert.Equal(t, []ledger.ActionCount{
		{ActionType: action.KindAutoTag, Count: 12},
		{ActionType: action.KindArchiveStale, Count: 1},
	}, got)

	_, err = parseApplied([]string{"auto_tag"})
	assert.ErrorContains(t, err, "want kind=count")
	_, err = parseApplied([]string{"frob=1"})
	assert.ErrorContains(t, err, "unknown action kind")
	_, err = parseApplied([]string{"auto_tag=-1"})
	assert.ErrorContains(t, err, "invalid count")
}

func TestReplayEvents_RefreshesModel(t *testing.T) {
	ta := newTestApp(t, map[string]any{"refresh.every_writes": 2})
	ctx := context.Background()

	path := writeFile(t, ta.dir, "events.jsonl", strings.Join([]string{
		`{"action": "write", "tool": "save", "context_type": "project", "entry_ids": ["e1"]}`,
		`{"action": "read", "tool": "get", "context_type": "project", "entry_ids": ["e1"]}`,
		``,
		`{"action": "teleport", "tool": "x"}`,
		`{"action": "update", "tool": "save", "entry_ids": ["e1"]}`,
		`{"action": "query_miss", "tool": "search", "query": "deploy"}`,
		`{"action": "delete", "tool": "save"}`,
	}, "\n"))

	require.NoError(t, replayEvents(ctx, ta.app, path))
	assert.Contains(t, ta.out.String(), "Recorded 5 event(s), refreshed the self-model 1 time(s)")
	assert.Contains(t, ta.errOut.String(), `line 4: skipping event with action "teleport"`)

	s, err := ta.observer.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalReads)
	assert.Equal(t, 2, s.TotalWrites)
	assert.Equal(t, 1, s.TotalMisses)

	_, _, ok, err := selfmodel.LoadCached(ctx, ta.observer)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReplayEvents_BadLine(t *testing.T) {
	ta := newTestApp(t, nil)
	path := writeFile(t, ta.dir, "events.jsonl", "{\"action\": \"read\", \"tool\": \"get\"}\nnot json\n")

	err := replayEvents(context.Background(), ta.app, path)
	assert.ErrorContains(t, err, "failed to parse event on line 2")
}

func TestPrintModel(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	require.NoError(t, printModel(ctx, ta.app, true))
	assert.Contains(t, ta.errOut.String(), "No cached model")
	assert.Contains(t, ta.out.String(), `"overall": "sparse"`)

	ta.out.Reset()
	require.NoError(t, printModel(ctx, ta.app, true))
	assert.Contains(t, ta.out.String(), "cached")
	assert.Contains(t, ta.out.String(), `"overall": "sparse"`)
}

func TestInitProject(t *testing.T) {
	color.NoColor = true
	dir := t.TempDir()
	out := &bytes.Buffer{}
	p := printer.New(out, out)

	require.NoError(t, initProject(p, dir, []string{"preference", "project"}, false))
	assert.FileExists(t, filepath.Join(dir, configFilename))
	assert.FileExists(t, filepath.Join(dir, config.DefaultDataDir, "schema.yaml"))
	assert.Contains(t, out.String(), "Next steps:")

	err := initProject(p, dir, nil, false)
	assert.ErrorContains(t, err, "already exists")

	require.NoError(t, initProject(p, dir, nil, true))

	v := viper.New()
	config.Bind(v)
	v.SetConfigFile(filepath.Join(dir, configFilename))
	require.NoError(t, v.ReadInConfig())
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "file", cfg.Storage.Backend)
}

func TestShutdown_FlushesAfterCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	ta := newTestApp(t, map[string]any{
		"storage.backend":    "redis",
		"storage.redis_addr": mr.Addr(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ta.observer.Log(ctx, ledger.Event{Action: ledger.EventRead, Tool: "get"}))
	assert.Equal(t, 1, ta.observer.Buffered())
	cancel()

	require.NoError(t, ta.shutdown(ctx))

	stored, err := mr.Get(ledger.DefaultRedisKey)
	require.NoError(t, err)
	assert.Contains(t, stored, `"tool": "get"`)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))

	got := truncate("héllo wörld ünïcode", 10)
	assert.Equal(t, "héllo w...", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "日本語", truncate("日本語", 3))
	assert.Equal(t, "日本", truncate("日本語テキスト", 2))
}
