package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/teacherly/plansync/internal/cache"
	"github.com/teacherly/plansync/internal/changequeue"
	"github.com/teacherly/plansync/internal/conflict"
	"github.com/teacherly/plansync/internal/connectivity"
	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
	"github.com/teacherly/plansync/internal/remote"
)

type harness struct {
	store   *localstore.MemoryStore
	queue   *changequeue.Queue
	cache   *cache.Cache
	client  *remote.MockClient
	monitor *connectivity.Monitor
	syncer  *Syncer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	store := localstore.NewMemoryStore()
	queue := changequeue.New(store, quiet)
	c := cache.New(store)
	client := remote.NewMockClient()
	monitor := connectivity.NewMonitor(client, time.Hour, nil)
	monitor.Force(connectivity.StateOnline)
	s := New(store, queue, c, client, conflict.NewResolver(), monitor, nil, quiet)
	return &harness{store: store, queue: queue, cache: c, client: client, monitor: monitor, syncer: s}
}

func (h *harness) record(t *testing.T, kind localstore.ChangeKind, typ entity.Type, id, data string) {
	t.Helper()
	payload := entity.ChangePayload{Type: typ, Data: json.RawMessage(data)}
	if _, err := h.queue.Record(context.Background(), kind, typ, id, payload); err != nil {
		t.Fatalf("record change: %v", err)
	}
}

func (h *harness) pending(t *testing.T, typ entity.Type) int {
	t.Helper()
	n, err := h.queue.Pending(context.Background(), typ)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return n
}

func TestSyncOfflineLeavesQueueAlone(t *testing.T) {
	h := newHarness(t)
	h.monitor.Force(connectivity.StateOffline)
	ctx := context.Background()

	h.record(t, localstore.ChangeCreate, entity.TypeDaybookEntry, "temp-1",
		`{"id":"temp-1","date":"2026-02-03","whatWorked":"stations"}`)

	if err := h.syncer.Sync(ctx, entity.TypeDaybookEntry); !errors.Is(err, ErrOffline) {
		t.Fatalf("Sync offline = %v, want ErrOffline", err)
	}
	if got := h.pending(t, entity.TypeDaybookEntry); got != 1 {
		t.Fatalf("pending = %d, want 1 (change must stay queued)", got)
	}
	if len(h.client.Calls) != 0 {
		t.Fatalf("client saw calls while offline: %v", h.client.Calls)
	}
}

func TestSyncPushesCreateAndAssignsServerID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.record(t, localstore.ChangeCreate, entity.TypeUnitPlan, "temp-1",
		`{"id":"temp-1","title":"Fractions"}`)
	h.record(t, localstore.ChangeUpdate, entity.TypeUnitPlan, "temp-1",
		`{"title":"Fractions and decimals"}`)

	if err := h.syncer.Sync(ctx, entity.TypeUnitPlan); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if got := h.pending(t, entity.TypeUnitPlan); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}

	// Coalesced to a single CREATE carrying the final title.
	env, ok := h.client.Entities["unit-plan/srv-1"]
	if !ok {
		t.Fatalf("server has no unit-plan/srv-1; entities: %v", h.client.Entities)
	}
	var doc map[string]any
	if err := json.Unmarshal(env.Data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["title"] != "Fractions and decimals" {
		t.Fatalf("title = %v, want merged title", doc["title"])
	}

	// The server copy lands in the detail cache under the server id.
	detail, err := h.cache.GetDetail(ctx, entity.TypeUnitPlan, "srv-1")
	if err != nil {
		t.Fatalf("GetDetail: %v", err)
	}
	if len(detail) == 0 {
		t.Fatal("detail cache is empty after sync")
	}
}

func TestSyncPullRefreshesListCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.Seed(entity.TypeLessonPlan, mustEnvelope(t,
		`{"id":"l1","updatedAt":"2026-02-01T09:00:00Z","title":"Intro"}`))
	h.client.Seed(entity.TypeLessonPlan, mustEnvelope(t,
		`{"id":"l2","updatedAt":"2026-02-02T09:00:00Z","title":"Practice"}`))

	if err := h.syncer.Sync(ctx, entity.TypeLessonPlan); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	list, err := h.cache.GetList(ctx, entity.TypeLessonPlan)
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(list, &docs); err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("cached list has %d docs, want 2", len(docs))
	}

	last, err := h.store.LastSyncedAt(ctx, entity.TypeLessonPlan, "")
	if err != nil {
		t.Fatal(err)
	}
	if last.IsZero() {
		t.Fatal("type-level sync time not recorded")
	}
}

func TestSyncUpdateWithoutConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.Seed(entity.TypeUnitPlan, mustEnvelope(t,
		`{"id":"u1","updatedAt":"2026-02-01T09:00:00Z","title":"Old"}`))
	// Local copy synced after the remote's last edit: no conflict.
	if err := h.store.SetLastSyncedAt(ctx, entity.TypeUnitPlan, "u1",
		time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}

	h.record(t, localstore.ChangeUpdate, entity.TypeUnitPlan, "u1", `{"title":"New"}`)

	if err := h.syncer.Sync(ctx, entity.TypeUnitPlan); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	conflicts, err := h.store.ListConflicts(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("recorded %d conflicts, want 0", len(conflicts))
	}

	var doc map[string]any
	json.Unmarshal(h.client.Entities["unit-plan/u1"].Data, &doc)
	if doc["title"] != "New" {
		t.Fatalf("server title = %v, want New", doc["title"])
	}
}

func TestSyncDetectsConflictAndMergesDaybook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Remote edited after our last sync while a local change is queued.
	h.client.Seed(entity.TypeDaybookEntry, mustEnvelope(t,
		`{"id":"d1","updatedAt":"2026-02-03T11:00:00Z","date":"2026-02-03","nextSteps":"review fractions"}`))
	if err := h.store.SetLastSyncedAt(ctx, entity.TypeDaybookEntry, "d1",
		time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}

	h.record(t, localstore.ChangeUpdate, entity.TypeDaybookEntry, "d1",
		`{"whatWorked":"small groups"}`)

	if err := h.syncer.Sync(ctx, entity.TypeDaybookEntry); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	conflicts, err := h.store.ListConflicts(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("recorded %d conflicts, want 1", len(conflicts))
	}
	rec := conflicts[0]
	if !rec.Resolved || rec.Resolution != localstore.ResolutionMerge {
		t.Fatalf("conflict resolved=%v resolution=%s, want resolved merge", rec.Resolved, rec.Resolution)
	}

	var doc map[string]any
	json.Unmarshal(h.client.Entities["daybook-entry/d1"].Data, &doc)
	if doc["whatWorked"] != "small groups" {
		t.Fatalf("merged doc lost local field: %v", doc)
	}
	if doc["nextSteps"] != "review fractions" {
		t.Fatalf("merged doc lost remote field: %v", doc)
	}
}

func TestSyncConflictLocalStrategyPushesLocal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.Seed(entity.TypeUnitPlan, mustEnvelope(t,
		`{"id":"u1","updatedAt":"2026-02-03T11:00:00Z","title":"Remote title"}`))
	if err := h.store.SetLastSyncedAt(ctx, entity.TypeUnitPlan, "u1",
		time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}

	h.record(t, localstore.ChangeUpdate, entity.TypeUnitPlan, "u1", `{"title":"Local title"}`)

	if err := h.syncer.Sync(ctx, entity.TypeUnitPlan); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	var doc map[string]any
	json.Unmarshal(h.client.Entities["unit-plan/u1"].Data, &doc)
	if doc["title"] != "Local title" {
		t.Fatalf("server title = %v, want local edit to win", doc["title"])
	}

	conflicts, _ := h.store.ListConflicts(ctx, false)
	if len(conflicts) != 1 || conflicts[0].Resolution != localstore.ResolutionLocal {
		t.Fatalf("conflicts = %+v, want one local resolution", conflicts)
	}
}

func TestSyncDeleteOfRemotelyMissingEntity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.record(t, localstore.ChangeDelete, entity.TypeLessonPlan, "gone", "")

	if err := h.syncer.Sync(ctx, entity.TypeLessonPlan); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := h.pending(t, entity.TypeLessonPlan); got != 0 {
		t.Fatalf("pending = %d, want 0 (404 delete treated as done)", got)
	}
}

func TestSyncPermanentRejectionDropsChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.Err = &remote.RemoteError{Status: 422, Code: "validation", Message: "bad"}
	h.record(t, localstore.ChangeCreate, entity.TypeUnitPlan, "temp-1",
		`{"id":"temp-1","title":"Rejected"}`)

	// List also fails with 422; the pass still completes the push stage.
	err := h.syncer.Sync(ctx, entity.TypeUnitPlan)
	if err == nil {
		t.Fatal("expected pull failure while client errors")
	}
	if got := h.pending(t, entity.TypeUnitPlan); got != 0 {
		t.Fatalf("pending = %d, want 0 (rejected change dropped)", got)
	}
}

func TestSyncTransientFailureKeepsChangeQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.Err = &remote.RemoteError{Status: 503, Code: "unavailable", Message: "down"}
	h.record(t, localstore.ChangeCreate, entity.TypeUnitPlan, "temp-1",
		`{"id":"temp-1","title":"Kept"}`)

	if err := h.syncer.Sync(ctx, entity.TypeUnitPlan); err == nil {
		t.Fatal("expected error on transient failure")
	}
	if got := h.pending(t, entity.TypeUnitPlan); got != 1 {
		t.Fatalf("pending = %d, want 1 (change retried next pass)", got)
	}

	status, err := h.syncer.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status[entity.TypeUnitPlan].State != StateError {
		t.Fatalf("state = %s, want ERROR", status[entity.TypeUnitPlan].State)
	}

	// Error state is not sticky: a healthy pass clears it.
	h.client.Err = nil
	if err := h.syncer.Sync(ctx, entity.TypeUnitPlan); err != nil {
		t.Fatalf("Sync after recovery: %v", err)
	}
	status, _ = h.syncer.Status(ctx)
	if status[entity.TypeUnitPlan].State != StateIdle {
		t.Fatalf("state = %s, want IDLE after recovery", status[entity.TypeUnitPlan].State)
	}
}

func TestSyncEmitsStatusEvents(t *testing.T) {
	h := newHarness(t)
	sub := h.syncer.Bus().Subscribe()

	if err := h.syncer.Sync(context.Background(), entity.TypePlannerState); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	var statuses []string
	for len(statuses) < 2 {
		select {
		case ev := <-sub:
			if ev.Kind == EventSyncStatus && ev.EntityType == entity.TypePlannerState {
				statuses = append(statuses, ev.Status)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out; saw %v", statuses)
		}
	}
	if statuses[0] != string(StateSyncing) || statuses[1] != string(StateIdle) {
		t.Fatalf("statuses = %v, want [SYNCING IDLE]", statuses)
	}
}

func TestResolveStoredConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.store.SaveConflict(ctx, &localstore.ConflictRecord{
		EntityType: entity.TypeUnitPlan,
		EntityID:   "u1",
		LocalData:  json.RawMessage(`{"id":"u1","title":"Local"}`),
		RemoteData: json.RawMessage(`{"id":"u1","title":"Remote"}`),
		DetectedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.client.Seed(entity.TypeUnitPlan, mustEnvelope(t,
		`{"id":"u1","updatedAt":"2026-02-03T11:00:00Z","title":"Remote"}`))

	out, err := h.syncer.ResolveStoredConflict(ctx, id, conflict.StrategyLocal)
	if err != nil {
		t.Fatalf("ResolveStoredConflict: %v", err)
	}
	if out.Resolution != localstore.ResolutionLocal {
		t.Fatalf("resolution = %s, want local", out.Resolution)
	}

	rec, err := h.store.GetConflict(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Resolved {
		t.Fatal("record not marked resolved")
	}

	var doc map[string]any
	json.Unmarshal(h.client.Entities["unit-plan/u1"].Data, &doc)
	if doc["title"] != "Local" {
		t.Fatalf("server title = %v, want Local pushed", doc["title"])
	}

	// Resolving again is rejected.
	if _, err := h.syncer.ResolveStoredConflict(ctx, id, conflict.StrategyRemote); err == nil {
		t.Fatal("expected error resolving an already-resolved conflict")
	}
}

func mustEnvelope(t *testing.T, doc string) *entity.Envelope {
	t.Helper()
	env, err := entity.ParseEnvelope(json.RawMessage(doc))
	if err != nil {
		t.Fatal(err)
	}
	return env
}
