package syncer

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/teacherly/plansync/internal/connectivity"
	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
)

func newTestDaemon(t *testing.T, h *harness) *Daemon {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	cfg.DebounceInterval = 20 * time.Millisecond
	cfg.FullSyncInterval = time.Hour
	cfg.CacheSweepInterval = time.Hour
	return NewDaemon(h.syncer, h.monitor, cfg)
}

func TestDaemonStartReturnsWhileRunning(t *testing.T) {
	h := newHarness(t)
	d := newTestDaemon(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- d.Start(ctx) }()

	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return while the daemon runs")
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestDaemonTriggerSyncsAfterDebounce(t *testing.T) {
	h := newHarness(t)
	d := newTestDaemon(t, h)
	ctx := context.Background()

	h.client.Seed(entity.TypeUnitPlan, mustEnvelope(t,
		`{"id":"u1","updatedAt":"2026-02-01T09:00:00Z","title":"Old"}`))
	if err := h.store.SetLastSyncedAt(ctx, entity.TypeUnitPlan, "u1",
		time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	h.record(t, localstore.ChangeUpdate, entity.TypeUnitPlan, "u1", `{"title":"New"}`)

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	d.Trigger(entity.TypeUnitPlan)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.pending(t, entity.TypeUnitPlan) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("triggered change was not pushed")
}

func TestDaemonStopTerminatesLoops(t *testing.T) {
	h := newHarness(t)
	h.monitor.Force(connectivity.StateOffline)
	d := newTestDaemon(t, h)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
