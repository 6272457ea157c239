package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/syncer"
	"github.com/teacherly/plansync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [entity-type]",
	GroupID: "sync",
	Short:   "Run a one-shot sync pass",
	Long: `Push queued offline changes and pull fresh server state.

Without an argument every entity type is synced. Pass a type to sync
just that one:

  plansync sync
  plansync sync daybook-entry`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		ctx := context.Background()
		a.probeConnectivity(ctx)

		var err error
		if len(args) == 1 {
			t := entity.Type(args[0])
			if !t.Valid() {
				fmt.Fprintf(os.Stderr, "Error: unknown entity type %q\n", args[0])
				os.Exit(1)
			}
			err = a.syncer.Sync(ctx, t)
		} else {
			err = a.syncer.SyncAll(ctx)
		}

		if errors.Is(err, syncer.ErrOffline) {
			fmt.Printf("%s API unreachable, changes remain queued\n", ui.RenderWarn("⚠"))
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}

		statuses, serr := a.syncer.Status(ctx)
		if serr == nil {
			pending := 0
			for _, st := range statuses {
				pending += st.Pending
			}
			if pending > 0 {
				fmt.Printf("%s Sync complete, %d change(s) still queued\n", ui.RenderWarn("⚠"), pending)
				return
			}
		}
		fmt.Printf("%s Sync complete\n", ui.RenderPass("✓"))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
