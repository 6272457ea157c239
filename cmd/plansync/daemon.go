package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teacherly/plansync/internal/dashboard"
	"github.com/teacherly/plansync/internal/logging"
	"github.com/teacherly/plansync/internal/syncer"
	"github.com/teacherly/plansync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run plansync continuously in the foreground.

The daemon:
  1. Probes API connectivity and syncs immediately on reconnect
  2. Watches the drafts directory and queues dropped draft files
  3. Runs a debounced sync pass after local activity
  4. Runs a periodic full sync and cache sweep

With --dashboard it also serves the WebSocket monitoring dashboard.

Logs go to stderr and to a rotating file under the data directory.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")

		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		logger, logFile, err := logging.NewDaemon(cfg.Data.Dir, "[plansync] ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer logFile.Close()

		a, err := newApp(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		dcfg := syncer.DefaultConfig()
		dcfg.FullSyncInterval = cfg.Sync.FullInterval
		dcfg.CacheSweepInterval = cfg.Sync.SweepInterval
		dcfg.DebounceInterval = cfg.Sync.Debounce
		dcfg.Logger = logger
		d := syncer.NewDaemon(a.syncer, a.monitor, dcfg)

		watcher, err := syncer.NewDraftWatcher(cfg.Data.DraftsDir, a.queue, d, 0, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create drafts watcher: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start daemon: %v\n", err)
			os.Exit(1)
		}
		if err := watcher.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start drafts watcher: %v\n", err)
			os.Exit(1)
		}

		var srv *dashboard.Server
		if withDashboard {
			scfg := dashboard.DefaultConfig()
			scfg.Port = cfg.Dashboard.Port
			scfg.Logger = logger
			srv = dashboard.NewServer(a.syncer, a.store, scfg)
			if err := srv.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("   Dashboard: http://localhost:%d\n", cfg.Dashboard.Port)
		}

		fmt.Printf("%s plansync daemon started\n", ui.RenderAccent("🚀"))
		fmt.Printf("   API:        %s\n", cfg.API.BaseURL)
		fmt.Printf("   Data dir:   %s\n", cfg.Data.Dir)
		fmt.Printf("   Drafts dir: %s\n", cfg.Data.DraftsDir)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if srv != nil {
			if err := srv.Stop(); err != nil {
				logger.Printf("Warning: dashboard shutdown: %v", err)
			}
		}
		if err := watcher.Stop(); err != nil {
			logger.Printf("Warning: watcher shutdown: %v", err)
		}
		if err := d.Stop(); err != nil {
			logger.Printf("Warning: daemon shutdown: %v", err)
		}
		fmt.Println("Daemon stopped")
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "also serve the WebSocket dashboard")
	rootCmd.AddCommand(daemonCmd)
}
