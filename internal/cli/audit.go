package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/andywolf/ctxkeeper/internal/events"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the decision audit trail",
	Long: `Show recorded control-plane decisions: enqueues, approvals, dismissals,
expiries and protection changes.

Examples:
  ctxkeeper audit
  ctxkeeper audit --action 6f1c...
  ctxkeeper audit --type dismissed --type protection_learned
  ctxkeeper audit --since 24h`,
	Args: cobra.NoArgs,
	RunE: withApp(func(_ context.Context, cmd *cobra.Command, a *app, _ []string) error {
		actionID, _ := cmd.Flags().GetString("action")
		types, _ := cmd.Flags().GetStringSlice("type")
		since, _ := cmd.Flags().GetDuration("since")
		q, err := auditQuery(actionID, types, since, time.Now())
		if err != nil {
			return err
		}
		return showAudit(a, q)
	}),
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().String("action", "", "Only records about this action id")
	auditCmd.Flags().StringSlice("type", nil, "Only records of these types")
	auditCmd.Flags().Duration("since", 0, "Only records from this long ago onward (e.g. 24h, 90m)")
}

// auditQuery turns the command flags into a record query anchored at now.
func auditQuery(actionID string, types []string, since time.Duration, now time.Time) (events.Query, error) {
	if since < 0 {
		return events.Query{}, fmt.Errorf("--since must not be negative, got %s", since)
	}
	q := events.Query{ActionID: actionID}
	for _, t := range types {
		q.Types = append(q.Types, events.EventType(t))
	}
	if since > 0 {
		q.Since = now.Add(-since)
	}
	return q, nil
}

func showAudit(a *app, q events.Query) error {
	path := filepath.Join(a.cfg.Audit.Dir, events.DefaultFilename)
	records, err := events.ReadRecords(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.printer.Info("No decisions recorded.")
			return nil
		}
		return err
	}
	if len(records) == 0 {
		a.printer.Info("No decisions recorded.")
		return nil
	}

	records = q.Select(records)
	if len(records) == 0 {
		a.printer.Info("No matching decisions.")
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			string(r.Type),
			string(r.ActionType),
			r.ActionID,
			truncate(firstNonEmpty(r.Reason, r.Summary), 40),
		})
	}
	a.printer.Table([]string{"TIME", "EVENT", "KIND", "ACTION", "DETAIL"}, rows)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
