package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andywolf/ctxkeeper/internal/action"
	"github.com/andywolf/ctxkeeper/internal/control"
)

var protectionsCmd = &cobra.Command{
	Use:   "protections",
	Short: "Manage protections against improvement actions",
	Long: `Protections stop ctxkeeper from proposing an action kind for an entry,
or for every entry when no entry is given. Dismissals create them
automatically; these commands manage them directly.`,
}

var protectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List protections",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return listProtections(ctx, a, asJSON)
	}),
}

var protectionsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a protection",
	Long: `Add a protection.

Examples:
  ctxkeeper protections add --entry e42 --kinds archive_stale,merge_duplicates
  ctxkeeper protections add --kinds resolve_contradictions --reason "I resolve these myself"`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		entry, _ := cmd.Flags().GetString("entry")
		kinds, _ := cmd.Flags().GetStringSlice("kinds")
		reason, _ := cmd.Flags().GetString("reason")
		return addProtection(ctx, a, entry, kinds, reason)
	}),
}

var protectionsRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Lift a protection",
	Long: `Lift one action kind from the protections on an entry. Without --entry,
lifts the kind from pattern protections.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		entry, _ := cmd.Flags().GetString("entry")
		kind, _ := cmd.Flags().GetString("kind")
		return removeProtection(ctx, a, entry, kind)
	}),
}

func init() {
	rootCmd.AddCommand(protectionsCmd)
	protectionsCmd.AddCommand(protectionsListCmd, protectionsAddCmd, protectionsRemoveCmd)

	protectionsListCmd.Flags().Bool("json", false, "Print as JSON")

	protectionsAddCmd.Flags().String("entry", "", "Entry id (omit for a pattern protection)")
	protectionsAddCmd.Flags().StringSlice("kinds", nil, "Action kinds to protect from")
	protectionsAddCmd.Flags().String("reason", "", "Why the protection exists")
	_ = protectionsAddCmd.MarkFlagRequired("kinds")

	protectionsRemoveCmd.Flags().String("entry", "", "Entry id (omit for pattern protections)")
	protectionsRemoveCmd.Flags().String("kind", "", "Action kind to lift")
	_ = protectionsRemoveCmd.MarkFlagRequired("kind")
}

func parseKinds(raw []string) ([]action.Kind, error) {
	var kinds []action.Kind
	var unknown []string
	for _, r := range raw {
		k := action.Kind(strings.TrimSpace(r))
		if k == "" {
			continue
		}
		if !k.Known() {
			unknown = append(unknown, string(k))
			continue
		}
		kinds = append(kinds, k)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown action kind(s): %s", strings.Join(unknown, ", "))
	}
	if len(kinds) == 0 {
		return nil, control.ErrNoActionTypes
	}
	return kinds, nil
}

func listProtections(ctx context.Context, a *app, asJSON bool) error {
	prots, err := a.plane.ListProtections(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return a.printer.JSON(prots)
	}
	if len(prots) == 0 {
		a.printer.Info("No protections.")
		return nil
	}

	rows := make([][]string, 0, len(prots))
	for _, p := range prots {
		scope := p.EntryID
		if scope == "" {
			scope = "(all entries)"
		}
		kinds := make([]string, len(p.ProtectedFrom))
		for i, k := range p.ProtectedFrom {
			kinds[i] = string(k)
		}
		origin := "manual"
		if p.Learned {
			origin = "learned"
		}
		rows = append(rows, []string{scope, strings.Join(kinds, ","), origin, truncate(p.Reason, 50)})
	}
	a.printer.Table([]string{"SCOPE", "PROTECTED FROM", "ORIGIN", "REASON"}, rows)
	return nil
}

func addProtection(ctx context.Context, a *app, entry string, rawKinds []string, reason string) error {
	kinds, err := parseKinds(rawKinds)
	if err != nil {
		return a.printer.Error("Invalid protection", err.Error(),
			[]string{fmt.Sprintf("Known kinds: %s", knownKinds())})
	}
	prot, err := a.plane.AddProtection(ctx, control.NewProtection{
		EntryID:       entry,
		ProtectedFrom: kinds,
		Reason:        reason,
	})
	if err != nil {
		return err
	}
	if entry == "" {
		a.printer.Success("Protected all entries from %s (%s)", joinKinds(prot.ProtectedFrom), prot.ID)
	} else {
		a.printer.Success("Protected %s from %s (%s)", entry, joinKinds(prot.ProtectedFrom), prot.ID)
	}
	return nil
}

func removeProtection(ctx context.Context, a *app, entry, rawKind string) error {
	kinds, err := parseKinds([]string{rawKind})
	if err != nil {
		return a.printer.Error("Invalid kind", err.Error(),
			[]string{fmt.Sprintf("Known kinds: %s", knownKinds())})
	}
	removed, err := a.plane.RemoveProtection(ctx, entry, kinds[0])
	if err != nil {
		return err
	}
	if !removed {
		a.printer.Warning("No protection matched")
		return nil
	}
	a.printer.Success("Lifted %s protection", kinds[0])
	return nil
}

func joinKinds(kinds []action.Kind) string {
	s := make([]string, len(kinds))
	for i, k := range kinds {
		s[i] = string(k)
	}
	return strings.Join(s, ", ")
}

func knownKinds() string {
	return joinKinds(action.Kinds)
}
