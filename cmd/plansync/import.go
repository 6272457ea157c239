package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teacherly/plansync/internal/importer"
	"github.com/teacherly/plansync/internal/syncer"
	"github.com/teacherly/plansync/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <curriculum.yaml>",
	GroupID: "advanced",
	Short:   "Import a YAML curriculum into the planning API",
	Long: `Upload a curriculum definition and wait for server-side processing.

The file describes a full curriculum (units and lessons) in YAML. The
server expands it into unit and lesson plans; progress is polled until
the import is ready or fails.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		curriculum, err := importer.ParseFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		a := mustApp()
		defer a.Close()

		ctx := context.Background()
		a.probeConnectivity(ctx)
		if !a.monitor.Online() {
			fmt.Fprintf(os.Stderr, "%s API unreachable, cannot import\n", ui.RenderWarn("⚠"))
			os.Exit(1)
		}

		fmt.Printf("%s Importing %q (%d units)...\n",
			ui.RenderAccent("📚"), curriculum.Name, len(curriculum.Units))

		// Stream progress while the import runs.
		events := a.syncer.Bus().Subscribe()
		go func() {
			for ev := range events {
				if ev.Kind != syncer.EventImport {
					continue
				}
				fmt.Printf("  %s %s\n", ev.Status, ui.RenderDim(ev.Detail))
			}
		}()

		icfg := importer.DefaultConfig()
		icfg.Logger = a.logger
		im := importer.New(a.client, a.syncer.Bus(), icfg)

		job, err := im.Run(ctx, curriculum)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Import failed: %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}

		fmt.Printf("%s Import %s complete\n", ui.RenderPass("✓"), job.ID)
		// Pull the freshly imported plans into the local cache.
		if err := a.syncer.SyncAll(ctx); err != nil {
			fmt.Printf("%s Imported, but refresh failed: %v\n", ui.RenderWarn("⚠"), err)
		}
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
