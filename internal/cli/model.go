package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/andywolf/ctxkeeper/internal/selfmodel"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Print the self-model of the context store",
	Long: `Compute the self-model (coverage, freshness, gaps, contradictions and
health) from the notes snapshot and the usage ledger, cache it in the
ledger, and print it as JSON.

With --cached, print the last cached model without recomputing.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		cached, _ := cmd.Flags().GetBool("cached")
		return printModel(ctx, a, cached)
	}),
}

func init() {
	rootCmd.AddCommand(modelCmd)
	modelCmd.Flags().Bool("cached", false, "Print the cached model instead of recomputing")
}

func printModel(ctx context.Context, a *app, cached bool) error {
	if cached {
		m, computedAt, ok, err := selfmodel.LoadCached(ctx, a.observer)
		if err != nil {
			return err
		}
		if ok {
			a.printer.Muted("cached %s ago", time.Since(computedAt).Round(time.Second))
			return a.printer.JSON(m)
		}
		a.printer.Warning("No cached model, computing one")
	}

	m, err := a.builder.BuildAndCache(ctx, a.notes, a.schema, a.observer)
	if err != nil {
		return err
	}
	return a.printer.JSON(m)
}
