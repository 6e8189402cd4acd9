package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/andywolf/ctxkeeper/internal/action"
	"github.com/andywolf/ctxkeeper/internal/control"
	"github.com/andywolf/ctxkeeper/internal/ledger"
	"github.com/andywolf/ctxkeeper/internal/printer"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List improvement actions awaiting a decision",
	Long: `List improvement actions.

Without flags, lists actions still pending review. Use --status to see
approved, dismissed or expired actions, or --all for the full history.

Examples:
  ctxkeeper pending
  ctxkeeper pending --status dismissed
  ctxkeeper pending --all --json`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		status, _ := cmd.Flags().GetString("status")
		all, _ := cmd.Flags().GetBool("all")
		asJSON, _ := cmd.Flags().GetBool("json")
		if all {
			status = ""
		}
		return listActions(ctx, a, ledger.ActionStatus(status), asJSON)
	}),
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one action in full",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, _ *cobra.Command, a *app, args []string) error {
		return showAction(ctx, a, args[0])
	}),
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>...",
	Short: "Approve pending actions",
	Long: `Approve one or more pending actions.

Approval only marks an action for execution; the executor that applies it
reports back with 'ctxkeeper observe improvement'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: withApp(func(ctx context.Context, _ *cobra.Command, a *app, args []string) error {
		return approveActions(ctx, a, args)
	}),
}

var dismissCmd = &cobra.Command{
	Use:   "dismiss <id>...",
	Short: "Dismiss pending actions",
	Long: `Dismiss one or more pending actions.

Dismissing an action that targets specific entries protects those entries
from the same kind of action. After three such dismissals of one kind,
ctxkeeper stops proposing that kind altogether.`,
	Args: cobra.MinimumNArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return dismissActions(ctx, a, args, reason)
	}),
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire pending actions past their deadline",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, _ *cobra.Command, a *app, _ []string) error {
		n, err := a.plane.ExpireStale(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			a.printer.Info("No stale actions.")
			return nil
		}
		a.printer.Success("Expired %d action(s)", n)
		return nil
	}),
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit proposed actions",
	Long: `Submit proposed improvement actions from a JSON file.

The file holds a list of proposals:

  [
    {
      "action": {"type": "archive_stale", "entry_ids": ["e1"]},
      "description": "Archive entries untouched for a year",
      "reasoning": "Not read since last spring",
      "preview": {"titles": ["old note"]}
    }
  ]

Protected proposals are dropped, proposals the policy allows are printed
as ready to execute, and the rest are queued for review. Use --queue-only
to queue everything regardless of policy.

Example:
  ctxkeeper enqueue --file proposals.json`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		path, _ := cmd.Flags().GetString("file")
		queueOnly, _ := cmd.Flags().GetBool("queue-only")
		return enqueueFile(ctx, a, path, queueOnly)
	}),
}

func init() {
	rootCmd.AddCommand(pendingCmd, showCmd, approveCmd, dismissCmd, expireCmd, enqueueCmd)

	pendingCmd.Flags().String("status", string(ledger.StatusPending), "Filter by status (pending, approved, dismissed, expired)")
	pendingCmd.Flags().Bool("all", false, "List actions in every status")
	pendingCmd.Flags().Bool("json", false, "Print as JSON")

	dismissCmd.Flags().String("reason", "", "Why the action was dismissed")

	enqueueCmd.Flags().StringP("file", "f", "", "JSON file of proposals")
	enqueueCmd.Flags().Bool("queue-only", false, "Queue every proposal for review")
	_ = enqueueCmd.MarkFlagRequired("file")
}

func listActions(ctx context.Context, a *app, status ledger.ActionStatus, asJSON bool) error {
	switch status {
	case "", ledger.StatusPending, ledger.StatusApproved, ledger.StatusDismissed, ledger.StatusExpired:
	default:
		return a.printer.Error(
			fmt.Sprintf("Unknown status %q", status),
			"Actions are pending, approved, dismissed or expired.",
			[]string{"Use --all to list every action"},
		)
	}

	actions, err := a.plane.ListActions(ctx, status)
	if err != nil {
		return err
	}
	if asJSON {
		return a.printer.JSON(actions)
	}
	if len(actions) == 0 {
		if status == "" {
			a.printer.Info("No actions.")
		} else {
			a.printer.Info("No %s actions.", status)
		}
		return nil
	}

	rows := make([][]string, 0, len(actions))
	for _, pa := range actions {
		rows = append(rows, []string{
			pa.ID,
			string(pa.Action.KindOf()),
			printer.Risk(string(pa.Risk)),
			string(pa.Status),
			pa.ExpiresAt.Format(time.DateOnly),
			truncate(pa.Description, 50),
		})
	}
	a.printer.Table([]string{"ID", "KIND", "RISK", "STATUS", "EXPIRES", "DESCRIPTION"}, rows)
	return nil
}

func showAction(ctx context.Context, a *app, id string) error {
	pa, err := a.plane.Get(ctx, id)
	if errors.Is(err, control.ErrNotFound) {
		return a.printer.Error(
			fmt.Sprintf("Action %s not found", id),
			"No action with that id exists in the ledger.",
			[]string{"Run 'ctxkeeper pending --all' to list action ids"},
		)
	}
	if err != nil {
		return err
	}
	return a.printer.JSON(pa)
}

func approveActions(ctx context.Context, a *app, ids []string) error {
	results := a.plane.BulkApprove(ctx, ids)
	return reportResults(a, results, "approve")
}

func dismissActions(ctx context.Context, a *app, ids []string, reason string) error {
	results := a.plane.BulkDismiss(ctx, ids, reason)
	return reportResults(a, results, "dismiss")
}

func reportResults(a *app, results []control.Result, verb string) error {
	failed := 0
	for _, r := range results {
		if r.OK {
			a.printer.Success("%s", r.Message)
			continue
		}
		failed++
		a.printer.Warning("%s", r.Message)
	}
	if failed > 0 {
		return fmt.Errorf("failed to %s %d of %d action(s)", verb, failed, len(results))
	}
	return nil
}

// proposal is one element of an enqueue file. A stated risk is only
// compared with the classification; it never replaces it.
type proposal struct {
	Action      action.Envelope `json:"action"`
	Risk        action.Risk     `json:"risk,omitempty"`
	Description string          `json:"description"`
	Reasoning   string          `json:"reasoning,omitempty"`
	Preview     json.RawMessage `json:"preview,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at,omitempty"`
}

func (p proposal) toNewAction() control.NewAction {
	return control.NewAction{
		Action:      p.Action.Action,
		Description: p.Description,
		Reasoning:   p.Reasoning,
		Preview:     p.Preview,
		ExpiresAt:   p.ExpiresAt,
	}
}

func readProposals(path string) ([]proposal, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proposals: %w", err)
	}
	var proposals []proposal
	if err := json.Unmarshal(raw, &proposals); err != nil {
		return nil, fmt.Errorf("failed to parse proposals in %s: %w", path, err)
	}
	for i, p := range proposals {
		if p.Action.Action == nil {
			return nil, fmt.Errorf("proposal %d has no action", i+1)
		}
	}
	return proposals, nil
}

// enqueueFile submits every proposal in path and returns the decisions'
// auto-executable payloads on stdout.
func enqueueFile(ctx context.Context, a *app, path string, queueOnly bool) error {
	proposals, err := readProposals(path)
	if err != nil {
		return err
	}

	var ready []proposal
	var queued, suppressed int
	for _, p := range proposals {
		kind := p.Action.KindOf()
		if !kind.Known() {
			a.printer.Warning("unknown action type %q will be queued as high risk", kind)
		}
		if classified := control.ClassifyRisk(kind); p.Risk != "" && p.Risk != classified {
			a.printer.Warning("ignoring stated risk %q for %s, classified as %s", p.Risk, kind, classified)
		}

		if queueOnly {
			pa, err := a.plane.Enqueue(ctx, p.toNewAction())
			if err != nil {
				return err
			}
			queued++
			a.printer.Step("queued %s %s (%s risk)", kind, pa.ID, pa.Risk)
			continue
		}

		d, err := a.plane.Submit(ctx, p.toNewAction())
		if err != nil {
			return err
		}
		switch d.Outcome {
		case control.OutcomeSuppressed:
			suppressed++
			a.printer.Muted("suppressed %s: protected", kind)
		case control.OutcomeAutoExecute:
			p.Risk = d.Risk
			ready = append(ready, p)
			a.printer.Step("%s cleared for execution (%s risk)", kind, d.Risk)
		case control.OutcomeQueued:
			queued++
			a.printer.Step("queued %s %s (%s risk)", kind, d.Pending.ID, d.Risk)
		}
	}

	a.printer.Success("%d queued, %d ready to execute, %d suppressed", queued, len(ready), suppressed)
	if len(ready) > 0 {
		return a.printer.JSON(ready)
	}
	return nil
}

// truncate shortens s to at most maxLen runes.
func truncate(s string, maxLen int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= maxLen {
		return string(r)
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
