package syncer

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/teacherly/plansync/internal/connectivity"
	"github.com/teacherly/plansync/internal/entity"
)

// Config holds configuration for the sync daemon.
type Config struct {
	// FullSyncInterval is how often every entity type is synced even
	// without local activity.
	FullSyncInterval time.Duration

	// CacheSweepInterval is how often expired cache rows are purged.
	CacheSweepInterval time.Duration

	// DebounceInterval is how long to wait after a trigger before syncing.
	// This batches rapid edits together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FullSyncInterval:   5 * time.Minute,
		CacheSweepInterval: time.Minute,
		DebounceInterval:   2 * time.Second,
		Logger:             log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs the syncer continuously: debounced per-type triggers,
// periodic full syncs, cache sweeps, and a catch-up sync whenever the API
// comes back online.
type Daemon struct {
	syncer  *Syncer
	monitor *connectivity.Monitor
	config  *Config

	pending   map[entity.Type]time.Time // type -> trigger time
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDaemon creates a Daemon around an existing Syncer and Monitor.
func NewDaemon(s *Syncer, monitor *connectivity.Monitor, config *Config) *Daemon {
	if config == nil {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		syncer:  s,
		monitor: monitor,
		config:  config,
		pending: make(map[entity.Type]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Trigger requests a debounced sync of one entity type. Safe to call from
// any goroutine.
func (d *Daemon) Trigger(t entity.Type) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pending[t] = time.Now()
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Start connectivity monitoring
// 2. Perform an initial full sync when the API is reachable
// 3. Process debounced sync triggers
// 4. Run periodic full syncs and cache sweeps
//
// Start returns once the loops are running; cancelling ctx or calling
// Stop shuts them down.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.monitor.Run(d.ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.syncer.SyncAll(d.ctx); err != nil {
			// Offline or a bad first pass is not fatal; the loops catch up.
			d.config.Logger.Printf("Initial sync incomplete: %v", err)
		}
	}()

	d.wg.Add(3)
	go d.processTriggers()
	go d.periodicLoops()
	go d.watchConnectivity()

	// Mirror the caller's context onto the daemon's lifetime.
	go func() {
		select {
		case <-ctx.Done():
			d.config.Logger.Println("Shutdown signal received")
			d.cancel()
		case <-d.ctx.Done():
		}
	}()
	return nil
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()
	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// processTriggers syncs entity types whose trigger has settled past the
// debounce interval.
func (d *Daemon) processTriggers() {
	defer d.wg.Done()

	tick := d.config.DebounceInterval / 4
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingTriggers()
		}
	}
}

func (d *Daemon) processPendingTriggers() {
	d.pendingMu.Lock()
	now := time.Now()
	var due []entity.Type
	for t, at := range d.pending {
		if now.Sub(at) < d.config.DebounceInterval {
			continue
		}
		due = append(due, t)
		delete(d.pending, t)
	}
	d.pendingMu.Unlock()

	for _, t := range due {
		if err := d.syncer.Sync(d.ctx, t); err != nil {
			d.config.Logger.Printf("Triggered sync of %s failed: %v", t, err)
		}
	}
}

// periodicLoops runs full syncs and cache sweeps on their intervals.
func (d *Daemon) periodicLoops() {
	defer d.wg.Done()

	syncTicker := time.NewTicker(d.config.FullSyncInterval)
	defer syncTicker.Stop()
	sweepTicker := time.NewTicker(d.config.CacheSweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-syncTicker.C:
			if err := d.syncer.SyncAll(d.ctx); err != nil {
				d.config.Logger.Printf("Periodic sync incomplete: %v", err)
			}
		case <-sweepTicker.C:
			n, err := d.syncer.cache.Sweep(d.ctx)
			if err != nil {
				d.config.Logger.Printf("Cache sweep failed: %v", err)
			} else if n > 0 {
				d.config.Logger.Printf("Swept %d expired cache entries", n)
			}
		}
	}
}

// watchConnectivity mirrors connectivity transitions onto the event bus
// and runs a catch-up sync when the API comes back.
func (d *Daemon) watchConnectivity() {
	defer d.wg.Done()

	sub := d.monitor.Subscribe()
	for {
		select {
		case <-d.ctx.Done():
			return
		case state := <-sub:
			d.syncer.bus.Publish(Event{Kind: EventConnectivity, Status: state.String()})
			if state == connectivity.StateOnline {
				d.config.Logger.Println("Back online, running catch-up sync")
				if err := d.syncer.SyncAll(d.ctx); err != nil {
					d.config.Logger.Printf("Catch-up sync incomplete: %v", err)
				}
			}
		}
	}
}
