package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/teacherly/plansync/internal/conflict"
	"github.com/teacherly/plansync/internal/suggest"
	"github.com/teacherly/plansync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List recorded sync conflicts",
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")

		a := mustApp()
		defer a.Close()

		ctx := context.Background()
		records, err := a.store.ListConflicts(ctx, !all)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(records) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}

		fmt.Println(ui.RenderHeader("Conflicts"))
		for _, r := range records {
			state := ui.RenderWarn("unresolved")
			if r.Resolved {
				state = ui.RenderPass(fmt.Sprintf("resolved (%s)", r.Resolution))
			}
			fmt.Printf("  %s  %-15s %-20s detected %s  %s\n",
				r.ID, r.EntityType, r.EntityID,
				r.DetectedAt.Local().Format("2006-01-02 15:04"), state)
		}
		fmt.Printf("\nRun 'plansync conflicts resolve <id>' to resolve one.\n")
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <conflict-id>",
	Short: "Show both sides of a conflict",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		ctx := context.Background()
		record, err := a.store.GetConflict(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Conflict %s on %s %s, detected %s\n\n",
			record.ID, record.EntityType, record.EntityID,
			record.DetectedAt.Local().Format("2006-01-02 15:04"))
		fmt.Printf("%s\n%s\n\n", ui.RenderHeader("Local"), indentJSON(record.LocalData))
		fmt.Printf("%s\n%s\n", ui.RenderHeader("Remote"), indentJSON(record.RemoteData))

		if record.Resolved {
			fmt.Printf("\n%s Resolved as %s\n", ui.RenderPass("✓"), record.Resolution)
			if len(record.ResolvedData) > 0 {
				fmt.Printf("%s\n%s\n", ui.RenderHeader("Resolved document"), indentJSON(record.ResolvedData))
			}
			for _, d := range record.Decisions {
				fmt.Printf("  %s\n", ui.RenderDim(d))
			}
		}
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a recorded conflict",
	Long: `Resolve a conflict by choosing which side wins.

Strategies:
  local    keep the local edit, overwriting the server
  remote   adopt the server version, discarding the local edit
  merge    combine both sides field by field

Interactively a picker is shown; in scripts pass --strategy. With an
Anthropic API key configured, --suggest asks the model for a proposed
merge and rationale before you choose.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		strategy, _ := cmd.Flags().GetString("strategy")
		withSuggestion, _ := cmd.Flags().GetBool("suggest")

		a := mustApp()
		defer a.Close()

		ctx := context.Background()
		record, err := a.store.GetConflict(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Conflict on %s %s (detected %s)\n\n",
			record.EntityType, record.EntityID,
			record.DetectedAt.Local().Format("2006-01-02 15:04"))
		fmt.Printf("%s\n%s\n\n", ui.RenderHeader("Local"), indentJSON(record.LocalData))
		fmt.Printf("%s\n%s\n\n", ui.RenderHeader("Remote"), indentJSON(record.RemoteData))

		if withSuggestion {
			printSuggestion(ctx, a, record.ID)
		}

		if strategy == "" {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Fprintln(os.Stderr, "Error: --strategy is required when stdin is not a terminal")
				os.Exit(1)
			}
			form := huh.NewForm(huh.NewGroup(
				huh.NewSelect[string]().
					Title("How should this conflict be resolved?").
					Options(
						huh.NewOption("Keep local edit", string(conflict.StrategyLocal)),
						huh.NewOption("Adopt server version", string(conflict.StrategyRemote)),
						huh.NewOption("Merge field by field", string(conflict.StrategyMerge)),
					).
					Value(&strategy),
			))
			if err := form.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		strat := conflict.Strategy(strategy)
		if !strat.Valid() {
			fmt.Fprintf(os.Stderr, "Error: unknown strategy %q (local, remote, or merge)\n", strategy)
			os.Exit(1)
		}

		a.probeConnectivity(ctx)
		outcome, err := a.syncer.ResolveStoredConflict(ctx, record.ID, strat)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Resolution failed: %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}

		fmt.Printf("%s Resolved as %s\n", ui.RenderPass("✓"), outcome.Resolution)
		for _, d := range outcome.Decisions {
			fmt.Printf("  %s\n", ui.RenderDim(d))
		}
		if !a.monitor.Online() {
			fmt.Printf("%s API offline, resolved document will push on next sync\n", ui.RenderWarn("⚠"))
		}
	},
}

func printSuggestion(ctx context.Context, a *app, conflictID string) {
	if a.cfg.Anthropic.APIKey == "" {
		fmt.Printf("%s No Anthropic API key configured, skipping suggestion\n\n", ui.RenderWarn("⚠"))
		return
	}
	suggester, err := suggest.New(a.cfg.Anthropic.APIKey, a.cfg.Anthropic.Model)
	if err != nil {
		fmt.Printf("%s Suggestion unavailable: %v\n\n", ui.RenderWarn("⚠"), err)
		return
	}
	record, err := a.store.GetConflict(ctx, conflictID)
	if err != nil {
		return
	}
	suggestion, err := suggester.SuggestMerge(ctx, record)
	if err != nil {
		fmt.Printf("%s Suggestion unavailable: %v\n\n", ui.RenderWarn("⚠"), err)
		return
	}
	fmt.Printf("%s\n%s\n%s\n\n", ui.RenderHeader("Suggested merge"),
		indentJSON(suggestion.Merged), ui.RenderDim(suggestion.Rationale))
}

func indentJSON(data json.RawMessage) string {
	var buf json.RawMessage
	if err := json.Unmarshal(data, &buf); err != nil {
		return string(data)
	}
	out, err := json.MarshalIndent(buf, "  ", "  ")
	if err != nil {
		return string(data)
	}
	return "  " + string(out)
}

func init() {
	conflictsCmd.Flags().Bool("all", false, "include resolved conflicts")
	conflictsResolveCmd.Flags().String("strategy", "", "resolution strategy: local, remote, or merge")
	conflictsResolveCmd.Flags().Bool("suggest", false, "show an AI-suggested merge before choosing")
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
