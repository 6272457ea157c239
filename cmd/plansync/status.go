package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync state per entity type",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		ctx := context.Background()
		a.probeConnectivity(ctx)

		if a.monitor.Online() {
			fmt.Printf("%s API: online (%s)\n\n", ui.RenderPass("✓"), a.cfg.API.BaseURL)
		} else {
			fmt.Printf("%s API: offline (%s)\n\n", ui.RenderWarn("⚠"), a.cfg.API.BaseURL)
		}

		statuses, err := a.syncer.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(ui.RenderHeader("Entity Types"))
		for _, t := range entity.AllTypes() {
			st := statuses[t]
			line := fmt.Sprintf("  %-15s %-8s pending=%d", t, st.State, st.Pending)
			if !st.LastSyncedAt.IsZero() {
				line += fmt.Sprintf("  last synced %s", st.LastSyncedAt.Local().Format("2006-01-02 15:04:05"))
			}
			if st.Err != "" {
				line += "  " + ui.RenderFail(st.Err)
			}
			fmt.Println(line)
		}

		conflicts, err := a.store.ListConflicts(ctx, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(conflicts) > 0 {
			fmt.Printf("\n%s %d unresolved conflict(s) — run 'plansync conflicts' to review\n",
				ui.RenderWarn("⚠"), len(conflicts))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
