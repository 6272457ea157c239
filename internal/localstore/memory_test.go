package localstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/teacherly/plansync/internal/entity"
)

var _ Store = (*MemoryStore)(nil)
var _ Store = (*SQLiteStore)(nil)

// TestMemoryStore_ChangeLifecycle verifies the fallback behaves like the
// durable store for queue operations within a session.
func TestMemoryStore_ChangeLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	id, err := m.SaveChange(ctx, testChange(ChangeCreate, "", map[string]any{"title": "A"}))
	if err != nil {
		t.Fatalf("SaveChange() failed: %v", err)
	}

	changes, _ := m.ListUnsyncedChanges(ctx, entity.TypeUnitPlan)
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}

	// Idempotent mark-synced, same contract as SQLite
	if err := m.MarkChangeSynced(ctx, id); err != nil {
		t.Fatalf("MarkChangeSynced() failed: %v", err)
	}
	if err := m.MarkChangeSynced(ctx, id); err != nil {
		t.Errorf("second MarkChangeSynced() failed: %v", err)
	}

	n, _ := m.PruneSynced(ctx)
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
}

// TestMemoryStore_CacheExpiry mirrors the SQLite TTL contract.
func TestMemoryStore_CacheExpiry(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_ = m.CacheData(ctx, "k", json.RawMessage(`1`), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got, _ := m.GetCachedData(ctx, "k")
	if got != nil {
		t.Errorf("expired entry still readable: %s", got)
	}
}

// TestMemoryStore_ListCopies verifies callers cannot mutate internal state
// through returned records.
func TestMemoryStore_ListCopies(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, _ = m.SaveChange(ctx, testChange(ChangeUpdate, "u1", map[string]any{"title": "A"}))

	first, _ := m.ListUnsyncedChanges(ctx, entity.TypeUnitPlan)
	first[0].EntityID = "mutated"

	second, _ := m.ListUnsyncedChanges(ctx, entity.TypeUnitPlan)
	if second[0].EntityID != "u1" {
		t.Errorf("internal state mutated through returned record")
	}
}
