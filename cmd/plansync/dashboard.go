package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teacherly/plansync/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start the real-time WebSocket sync dashboard",
	Long: `Start a WebSocket dashboard server for monitoring sync state in real-time.

The server broadcasts sync events to connected clients as they happen:
- sync-status: a sync pass started, finished, or failed
- conflict-detected: a local edit collided with a server change
- connectivity: the API went online or offline
- import-progress: a curriculum import advanced

Each client receives a status snapshot on connect.

Example usage:
  plansync dashboard               # Start on the configured port (default 8765)
  plansync dashboard --port 9000   # Start on a custom port

Connect with a WebSocket client:
  ws://localhost:8765/ws

Usually the dashboard runs inside the daemon ('plansync daemon
--dashboard'); this command runs it standalone against the local store.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		port := a.cfg.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		config := dashboard.DefaultConfig()
		config.Port = port
		config.Logger = a.logger

		server := dashboard.NewServer(a.syncer, a.store, config)

		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Dashboard server started on http://localhost:%d\n", port)
		fmt.Printf("WebSocket endpoint: ws://localhost:%d/ws\n", port)
		fmt.Printf("Health check: http://localhost:%d/health\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Dashboard server stopped")
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8765, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
