package planstore

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/teacherly/plansync/internal/cache"
	"github.com/teacherly/plansync/internal/changequeue"
	"github.com/teacherly/plansync/internal/connectivity"
	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
	"github.com/teacherly/plansync/internal/remote"
)

type fixture struct {
	store   *Store
	queue   *changequeue.Queue
	cache   *cache.Cache
	client  *remote.MockClient
	monitor *connectivity.Monitor
}

func newFixture(t *testing.T, typ entity.Type) *fixture {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	local := localstore.NewMemoryStore()
	queue := changequeue.New(local, quiet)
	c := cache.New(local)
	client := remote.NewMockClient()
	monitor := connectivity.NewMonitor(client, time.Hour, nil)
	monitor.Force(connectivity.StateOnline)

	s, err := New(typ, client, c, queue, local, monitor, nil, quiet)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{store: s, queue: queue, cache: c, client: client, monitor: monitor}
}

func (f *fixture) pending(t *testing.T, typ entity.Type) int {
	t.Helper()
	n, err := f.queue.Pending(context.Background(), typ)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestOnlineCreateGoesStraightToServer(t *testing.T) {
	f := newFixture(t, entity.TypeUnitPlan)
	ctx := context.Background()

	id, err := f.store.Create(ctx, json.RawMessage(`{"title":"Fractions"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if entity.IsTempID(id) {
		t.Fatalf("id = %q, want a server id while online", id)
	}
	if got := f.pending(t, entity.TypeUnitPlan); got != 0 {
		t.Fatalf("pending = %d, want 0 for online write", got)
	}

	doc, err := f.cache.GetDetail(ctx, entity.TypeUnitPlan, id)
	if err != nil {
		t.Fatalf("server write not cached: %v", err)
	}
	var m map[string]any
	json.Unmarshal(doc, &m)
	if m["title"] != "Fractions" {
		t.Fatalf("cached doc = %v", m)
	}
}

func TestOfflineCreateQueuesWithTempID(t *testing.T) {
	f := newFixture(t, entity.TypeUnitPlan)
	f.monitor.Force(connectivity.StateOffline)
	ctx := context.Background()

	id, err := f.store.Create(ctx, json.RawMessage(`{"title":"Offline unit"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !entity.IsTempID(id) {
		t.Fatalf("id = %q, want temp id while offline", id)
	}
	if got := f.pending(t, entity.TypeUnitPlan); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	// The optimistic copy is readable immediately.
	doc, err := f.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get optimistic copy: %v", err)
	}
	var m map[string]any
	json.Unmarshal(doc, &m)
	if m["id"] != id {
		t.Fatalf("optimistic doc = %v, want temp id stamped", m)
	}
}

func TestOfflineCreateRevertsOnInvalidPayload(t *testing.T) {
	f := newFixture(t, entity.TypeUnitPlan)
	f.monitor.Force(connectivity.StateOffline)
	ctx := context.Background()

	// Seed an empty cached list so the revert has something to restore.
	if err := f.cache.PutList(ctx, entity.TypeUnitPlan, json.RawMessage(`[]`)); err != nil {
		t.Fatal(err)
	}

	// Missing title fails create validation at queue time.
	_, err := f.store.Create(ctx, json.RawMessage(`{"subject":"math"}`))
	if err == nil {
		t.Fatal("expected validation error")
	}

	list, err := f.cache.GetList(ctx, entity.TypeUnitPlan)
	if err != nil {
		t.Fatal(err)
	}
	var docs []json.RawMessage
	json.Unmarshal(list, &docs)
	if len(docs) != 0 {
		t.Fatalf("list has %d docs after revert, want 0", len(docs))
	}
	if got := f.pending(t, entity.TypeUnitPlan); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestOfflineUpdateAppliesPatchOptimistically(t *testing.T) {
	f := newFixture(t, entity.TypeDaybookEntry)
	ctx := context.Background()

	if err := f.cache.PutDetail(ctx, entity.TypeDaybookEntry, "d1",
		json.RawMessage(`{"id":"d1","date":"2026-02-03","whatWorked":"stations"}`)); err != nil {
		t.Fatal(err)
	}
	f.monitor.Force(connectivity.StateOffline)

	if err := f.store.Update(ctx, "d1", json.RawMessage(`{"nextSteps":"review"}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	doc, err := f.store.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	json.Unmarshal(doc, &m)
	if m["whatWorked"] != "stations" || m["nextSteps"] != "review" {
		t.Fatalf("optimistic doc = %v, want patch merged over base", m)
	}
	if got := f.pending(t, entity.TypeDaybookEntry); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
}

func TestOfflineDeleteRemovesFromCachedList(t *testing.T) {
	f := newFixture(t, entity.TypeLessonPlan)
	ctx := context.Background()

	f.cache.PutDetail(ctx, entity.TypeLessonPlan, "l1", json.RawMessage(`{"id":"l1","title":"Intro"}`))
	f.cache.PutList(ctx, entity.TypeLessonPlan, json.RawMessage(`[{"id":"l1","title":"Intro"},{"id":"l2","title":"Practice"}]`))
	f.monitor.Force(connectivity.StateOffline)

	if err := f.store.Delete(ctx, "l1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	list, err := f.cache.GetList(ctx, entity.TypeLessonPlan)
	if err != nil {
		t.Fatal(err)
	}
	var docs []json.RawMessage
	json.Unmarshal(list, &docs)
	if len(docs) != 1 {
		t.Fatalf("list has %d docs, want 1", len(docs))
	}
	if _, err := f.cache.GetDetail(ctx, entity.TypeLessonPlan, "l1"); err == nil {
		t.Fatal("detail still cached after delete")
	}
	if got := f.pending(t, entity.TypeLessonPlan); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
}

func TestLoadFallsBackToCacheWhenOffline(t *testing.T) {
	f := newFixture(t, entity.TypeUnitPlan)
	ctx := context.Background()

	f.client.Seed(entity.TypeUnitPlan, mustEnvelope(t,
		`{"id":"u1","updatedAt":"2026-02-01T09:00:00Z","title":"Fractions"}`))

	// Online load fills the cache.
	if _, err := f.store.Load(ctx); err != nil {
		t.Fatalf("Load online: %v", err)
	}

	f.monitor.Force(connectivity.StateOffline)
	list, err := f.store.Load(ctx)
	if err != nil {
		t.Fatalf("Load offline: %v", err)
	}
	var docs []json.RawMessage
	json.Unmarshal(list, &docs)
	if len(docs) != 1 {
		t.Fatalf("offline list has %d docs, want 1", len(docs))
	}
}

func TestLoadOfflineWithColdCacheFails(t *testing.T) {
	f := newFixture(t, entity.TypePlannerState)
	f.monitor.Force(connectivity.StateOffline)

	if _, err := f.store.Load(context.Background()); err == nil {
		t.Fatal("expected error loading offline with empty cache")
	}
}

func TestGetOfflineWithColdCacheFails(t *testing.T) {
	f := newFixture(t, entity.TypeUnitPlan)
	f.monitor.Force(connectivity.StateOffline)

	if _, err := f.store.Get(context.Background(), "u-missing"); err == nil {
		t.Fatal("expected error reading uncached entity offline")
	}
}

func TestStatusReflectsQueueAndConnectivity(t *testing.T) {
	f := newFixture(t, entity.TypeUnitPlan)
	ctx := context.Background()

	st, err := f.store.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsOnline || st.HasOfflineChanges {
		t.Fatalf("status = %+v, want online with no offline changes", st)
	}

	f.monitor.Force(connectivity.StateOffline)
	if _, err := f.store.Create(ctx, json.RawMessage(`{"title":"Queued"}`)); err != nil {
		t.Fatal(err)
	}

	st, err = f.store.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.IsOnline || !st.HasOfflineChanges || st.PendingChanges != 1 {
		t.Fatalf("status = %+v, want offline with one pending change", st)
	}
}

func TestSetBuildsEveryType(t *testing.T) {
	quiet := log.New(io.Discard, "", 0)
	local := localstore.NewMemoryStore()
	queue := changequeue.New(local, quiet)
	c := cache.New(local)
	client := remote.NewMockClient()
	monitor := connectivity.NewMonitor(client, time.Hour, nil)

	set, err := NewSet(client, c, queue, local, monitor, nil, quiet)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	for _, typ := range entity.AllTypes() {
		s, err := set.For(typ)
		if err != nil || s.Type() != typ {
			t.Fatalf("For(%s) = %v, %v", typ, s, err)
		}
	}
	if _, err := set.For(entity.Type("mystery")); err == nil {
		t.Fatal("expected error for unknown type")
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
