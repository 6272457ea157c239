package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/teacherly/plansync/internal/cache"
	"github.com/teacherly/plansync/internal/changequeue"
	"github.com/teacherly/plansync/internal/conflict"
	"github.com/teacherly/plansync/internal/connectivity"
	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
	"github.com/teacherly/plansync/internal/remote"
	"github.com/teacherly/plansync/internal/syncer"
)

func newTestServer(t *testing.T) (*Server, localstore.Store) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	store := localstore.NewMemoryStore()
	queue := changequeue.New(store, quiet)
	c := cache.New(store)
	client := remote.NewMockClient()
	monitor := connectivity.NewMonitor(client, time.Hour, nil)
	monitor.Force(connectivity.StateOnline)
	s := syncer.New(store, queue, c, client, conflict.NewResolver(), monitor, nil, quiet)

	server := NewServer(s, store, &Config{Port: 0, Logger: quiet})
	return server, store
}

func TestServerStartStop(t *testing.T) {
	server, _ := newTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketReceivesSnapshotAndEvents(t *testing.T) {
	server, _ := newTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	// First frame is the status snapshot.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	var snap map[string]any
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap["kind"] != "status-snapshot" {
		t.Fatalf("first frame kind = %v, want status-snapshot", snap["kind"])
	}

	// Broadcast an event and read it back.
	server.Broadcast(syncer.Event{
		Kind:       syncer.EventSyncStatus,
		EntityType: entity.TypeUnitPlan,
		Status:     "SYNCING",
	})

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	var ev syncer.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != syncer.EventSyncStatus || ev.EntityType != entity.TypeUnitPlan {
		t.Fatalf("event = %+v", ev)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server, store := newTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	time.Sleep(100 * time.Millisecond)

	if _, err := store.SaveConflict(context.Background(), &localstore.ConflictRecord{
		EntityType: entity.TypeDaybookEntry,
		EntityID:   "d1",
		LocalData:  json.RawMessage(`{"id":"d1"}`),
		RemoteData: json.RawMessage(`{"id":"d1"}`),
		DetectedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get("http://" + server.GetAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var snap struct {
		Kind                string          `json:"kind"`
		Stores              json.RawMessage `json:"stores"`
		UnresolvedConflicts int             `json:"unresolvedConflicts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Kind != "status-snapshot" {
		t.Fatalf("kind = %q", snap.Kind)
	}
	if snap.UnresolvedConflicts != 1 {
		t.Fatalf("unresolvedConflicts = %d, want 1", snap.UnresolvedConflicts)
	}

	var stores map[string]any
	if err := json.Unmarshal(snap.Stores, &stores); err != nil {
		t.Fatal(err)
	}
	if len(stores) != len(entity.AllTypes()) {
		t.Fatalf("stores has %d entries, want %d", len(stores), len(entity.AllTypes()))
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" {
		t.Fatalf("health = %v", health)
	}
}
