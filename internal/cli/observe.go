package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andywolf/ctxkeeper/internal/action"
	"github.com/andywolf/ctxkeeper/internal/ledger"
	"github.com/andywolf/ctxkeeper/internal/notes"
	"github.com/andywolf/ctxkeeper/internal/selfmodel"
)

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Record and inspect context-store usage",
}

var observeSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print aggregate usage statistics",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, _ *cobra.Command, a *app, _ []string) error {
		s, err := a.observer.Summary(ctx)
		if err != nil {
			return err
		}
		return a.printer.JSON(s)
	}),
}

var observeMissedCmd = &cobra.Command{
	Use:   "missed",
	Short: "List queries that found nothing, most frequent first",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, _ *cobra.Command, a *app, _ []string) error {
		missed, err := a.observer.MissedQueries(ctx)
		if err != nil {
			return err
		}
		if len(missed) == 0 {
			a.printer.Info("No missed queries.")
			return nil
		}
		rows := make([][]string, 0, len(missed))
		for _, m := range missed {
			rows = append(rows, []string{strconv.Itoa(m.Count), m.Query})
		}
		a.printer.Table([]string{"MISSES", "QUERY"}, rows)
		return nil
	}),
}

var observePopularityCmd = &cobra.Command{
	Use:   "popularity",
	Short: "List context types by reads and writes",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, _ *cobra.Command, a *app, _ []string) error {
		usage, err := a.observer.TypePopularity(ctx)
		if err != nil {
			return err
		}
		if len(usage) == 0 {
			a.printer.Info("No typed reads or writes recorded.")
			return nil
		}
		rows := make([][]string, 0, len(usage))
		for _, u := range usage {
			rows = append(rows, []string{u.Type, strconv.Itoa(u.Reads), strconv.Itoa(u.Writes)})
		}
		a.printer.Table([]string{"TYPE", "READS", "WRITES"}, rows)
		return nil
	}),
}

var observeLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Record one usage event",
	Long: `Record one usage event.

Examples:
  ctxkeeper observe log --action read --tool get_context --type preference --entry e1
  ctxkeeper observe log --action query_miss --tool search --query "deploy steps"`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		ev, err := eventFromFlags(cmd)
		if err != nil {
			return err
		}
		if err := a.observer.Log(ctx, ev); err != nil {
			return err
		}
		a.printer.Success("Recorded %s", ev.Action)
		return nil
	}),
}

var observeReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Record a JSONL file of usage events",
	Long: `Record every event in a JSONL file, one event per line, in order.

Write, update and delete events count as store writes: every
refresh.every_writes of them, the cached self-model is rebuilt.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		path, _ := cmd.Flags().GetString("file")
		return replayEvents(ctx, a, path)
	}),
}

var observeImprovementCmd = &cobra.Command{
	Use:   "improvement",
	Short: "Record actions an executor applied",
	Long: `Record a self-improvement: the kinds and counts of actions an executor
applied.

Example:
  ctxkeeper observe improvement --applied auto_tag=12 --applied create_gap_stubs=2 --automatic`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		applied, _ := cmd.Flags().GetStringSlice("applied")
		automatic, _ := cmd.Flags().GetBool("automatic")
		counts, err := parseApplied(applied)
		if err != nil {
			return err
		}
		if err := a.observer.LogSelfImprovement(ctx, ledger.ImprovementRecord{Actions: counts, Automatic: automatic}); err != nil {
			return err
		}
		a.printer.Success("Recorded improvement of %d action kind(s)", len(counts))
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(observeCmd)
	observeCmd.AddCommand(observeSummaryCmd, observeMissedCmd, observePopularityCmd,
		observeLogCmd, observeReplayCmd, observeImprovementCmd)

	observeLogCmd.Flags().String("action", "", "Event action (read, write, update, delete, query_miss)")
	observeLogCmd.Flags().String("tool", "cli", "Tool that produced the event")
	observeLogCmd.Flags().String("type", "", "Context type involved")
	observeLogCmd.Flags().StringSlice("entry", nil, "Entry ids involved")
	observeLogCmd.Flags().String("query", "", "Query text (for query_miss)")
	observeLogCmd.Flags().String("agent", "", "Agent that produced the event")
	observeLogCmd.Flags().Bool("useful", false, "Whether the read was useful (omit when unknown)")
	_ = observeLogCmd.MarkFlagRequired("action")

	observeReplayCmd.Flags().StringP("file", "f", "", "JSONL file of events")
	_ = observeReplayCmd.MarkFlagRequired("file")

	observeImprovementCmd.Flags().StringSlice("applied", nil, "kind=count pairs")
	observeImprovementCmd.Flags().Bool("automatic", false, "Applied without human approval")
	_ = observeImprovementCmd.MarkFlagRequired("applied")
}

func eventFromFlags(cmd *cobra.Command) (ledger.Event, error) {
	var ev ledger.Event
	act, _ := cmd.Flags().GetString("action")
	ev.Action = ledger.EventAction(act)
	if !ev.Action.Valid() {
		return ev, fmt.Errorf("invalid event action %q", act)
	}
	ev.Tool, _ = cmd.Flags().GetString("tool")
	ev.ContextType, _ = cmd.Flags().GetString("type")
	ev.EntryIDs, _ = cmd.Flags().GetStringSlice("entry")
	ev.Query, _ = cmd.Flags().GetString("query")
	ev.Agent, _ = cmd.Flags().GetString("agent")
	if cmd.Flags().Changed("useful") {
		useful, _ := cmd.Flags().GetBool("useful")
		ev.Useful = &useful
	}
	if ev.Action == ledger.EventQueryMiss && ev.Query == "" {
		return ev, fmt.Errorf("query_miss events need --query")
	}
	return ev, nil
}

func parseApplied(raw []string) ([]ledger.ActionCount, error) {
	counts := make([]ledger.ActionCount, 0, len(raw))
	for _, r := range raw {
		kind, n, ok := strings.Cut(r, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --applied %q (want kind=count)", r)
		}
		k := action.Kind(strings.TrimSpace(kind))
		if !k.Known() {
			return nil, fmt.Errorf("unknown action kind %q", k)
		}
		count, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil || count < 0 {
			return nil, fmt.Errorf("invalid count in --applied %q", r)
		}
		counts = append(counts, ledger.ActionCount{ActionType: k, Count: count})
	}
	return counts, nil
}

func storeWrite(ev ledger.Event) (notes.WriteOp, bool) {
	switch ev.Action {
	case ledger.EventWrite:
		return notes.OpCreate, true
	case ledger.EventUpdate:
		return notes.OpUpdate, true
	case ledger.EventDelete:
		return notes.OpDelete, true
	}
	return "", false
}

func replayEvents(ctx context.Context, a *app, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open events file: %w", err)
	}
	defer func() { _ = file.Close() }()

	notifier := notes.NewNotifier()
	refresher := selfmodel.NewRefresher(a.builder, a.notes, a.schema, a.observer,
		a.cfg.Refresh.EveryWrites, a.logger.Named("refresh"))
	unsubscribe := refresher.Attach(notifier)
	defer unsubscribe()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum, recorded := 0, 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev ledger.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("failed to parse event on line %d: %w", lineNum, err)
		}
		if !ev.Action.Valid() {
			a.printer.Warning("line %d: skipping event with action %q", lineNum, ev.Action)
			continue
		}
		if err := a.observer.Log(ctx, ev); err != nil {
			return err
		}
		recorded++
		if op, ok := storeWrite(ev); ok {
			for _, id := range writeTargets(ev) {
				notifier.Publish(notes.WriteEvent{EntryID: id, Type: ev.ContextType, Op: op, At: ev.Timestamp})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read events file: %w", err)
	}

	_, builds, lastErr := refresher.Stats()
	if lastErr != nil {
		a.printer.Warning("self-model refresh failed: %v", lastErr)
	}
	a.printer.Success("Recorded %d event(s), refreshed the self-model %d time(s)", recorded, builds)
	return nil
}

// writeTargets returns one id per written entry; an event with no ids
// still counts as one write.
func writeTargets(ev ledger.Event) []string {
	if len(ev.EntryIDs) == 0 {
		return []string{""}
	}
	return ev.EntryIDs
}
