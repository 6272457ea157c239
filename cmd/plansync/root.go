package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/teacherly/plansync/internal/cache"
	"github.com/teacherly/plansync/internal/changequeue"
	"github.com/teacherly/plansync/internal/config"
	"github.com/teacherly/plansync/internal/connectivity"
	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
	"github.com/teacherly/plansync/internal/logging"
	"github.com/teacherly/plansync/internal/remote"
	"github.com/teacherly/plansync/internal/syncer"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "plansync",
	Short: "Offline-first sync for Teacherly planning data",
	Long: `plansync keeps unit plans, lesson plans, daybook entries, and planner
state usable without a network connection.

Writes made while offline are queued in a local SQLite database and
replayed when the API becomes reachable again. Edits that collide with
server-side changes are recorded as conflicts and resolved per entity
type: planning documents keep the local edit, daybook entries merge
field by field.

Run 'plansync daemon' for continuous background sync, or 'plansync sync'
for a one-shot pass.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default ~/.plansync/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Planning Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

// app bundles the wired collaborators every command needs.
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	store   localstore.Store
	cache   *cache.Cache
	queue   *changequeue.Queue
	client  remote.Client
	monitor *connectivity.Monitor
	syncer  *syncer.Syncer
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newApp wires the full stack from configuration. A nil logger gets a
// stderr default.
func newApp(cfg *config.Config, logger *log.Logger) (*app, error) {
	if logger == nil {
		logger = logging.New("[plansync] ")
	}

	store := localstore.OpenOrFallback(cfg.DatabasePath(), logger)

	c := cache.New(store)
	for _, t := range entity.AllTypes() {
		c.SetTTL(t, cfg.Sync.CacheTTL)
	}

	queue := changequeue.New(store, logger)

	resolver, err := cfg.Resolver()
	if err != nil {
		store.Close()
		return nil, err
	}

	retryCfg := remote.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.Sync.RetryMaxAttempts
	client := remote.NewRetryClient(remote.NewHTTPClient(cfg.API.BaseURL, cfg.API.Token), retryCfg)

	monitor := connectivity.NewMonitor(client, cfg.Sync.ProbeInterval, logger)
	s := syncer.New(store, queue, c, client, resolver, monitor, nil, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		cache:   c,
		queue:   queue,
		client:  client,
		monitor: monitor,
		syncer:  s,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Printf("Warning: failed to close local store: %v", err)
	}
}

// probeConnectivity runs a single health check and pins the monitor's
// state for commands that don't run the monitor loop.
func (a *app) probeConnectivity(ctx context.Context) {
	if err := a.client.Health(ctx); err != nil {
		a.monitor.Force(connectivity.StateOffline)
		return
	}
	a.monitor.Force(connectivity.StateOnline)
}

// mustApp loads config and wires the stack, exiting on failure. Used by
// the one-shot commands.
func mustApp() *app {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	a, err := newApp(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return a
}
