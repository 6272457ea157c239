package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teacherly/plansync/internal/entity"
)

// MemoryStore is the degraded, session-only fallback used when the SQLite
// database cannot be opened. Queued changes are lost on process exit; the
// application keeps working. Also serves as the test double.
type MemoryStore struct {
	mu sync.Mutex

	changes   []*StoredChange
	cache     map[string]memCacheEntry
	conflicts []*ConflictRecord
	syncMeta  map[string]time.Time
}

type memCacheEntry struct {
	value     json.RawMessage
	expiresAt time.Time // zero = never
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache:    make(map[string]memCacheEntry),
		syncMeta: make(map[string]time.Time),
	}
}

// OpenOrFallback opens the SQLite store at path, or degrades to a memory
// store with a warning when the database is unusable.
func OpenOrFallback(path string, logger *log.Logger) Store {
	s := Open(path)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Ready(ctx); err != nil {
		if logger != nil {
			logger.Printf("WARNING: local storage unavailable, offline changes will not survive restart: %v", err)
		}
		_ = s.Close()
		return NewMemoryStore()
	}
	return s
}

func (m *MemoryStore) SaveChange(_ context.Context, c *StoredChange) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	m.changes = append(m.changes, &cp)
	return c.ID, nil
}

func (m *MemoryStore) ListUnsyncedChanges(_ context.Context, t entity.Type) ([]*StoredChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*StoredChange
	for _, c := range m.changes {
		if c.Synced {
			continue
		}
		if t != "" && c.EntityType != t {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	// insertion order already FIFO; sort keeps it stable on equal timestamps
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MarkChangeSynced(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.changes {
		if c.ID == id {
			c.Synced = true
			return nil
		}
	}
	return nil // idempotent, unknown ids are a no-op
}

func (m *MemoryStore) DiscardChanges(_ context.Context, t entity.Type, entityID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.changes {
		if !c.Synced && c.EntityType == t && c.EntityID == entityID {
			c.Synced = true
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PruneSynced(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.changes[:0]
	n := 0
	for _, c := range m.changes {
		if c.Synced {
			n++
			continue
		}
		kept = append(kept, c)
	}
	m.changes = kept
	return n, nil
}

func (m *MemoryStore) CacheData(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memCacheEntry{value: append(json.RawMessage(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.cache[key] = e
	return nil
}

func (m *MemoryStore) GetCachedData(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.cache[key]
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.cache, key)
		return nil, nil
	}
	return e.value, nil
}

func (m *MemoryStore) DeleteCachedData(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, key)
	return nil
}

func (m *MemoryStore) CleanupExpiredCache(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := 0
	for k, e := range m.cache {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.cache, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveConflict(_ context.Context, c *ConflictRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	cp := *c
	m.conflicts = append(m.conflicts, &cp)
	return c.ID, nil
}

func (m *MemoryStore) GetConflict(_ context.Context, id string) (*ConflictRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.conflicts {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) ListConflicts(_ context.Context, unresolvedOnly bool) ([]*ConflictRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ConflictRecord
	for _, c := range m.conflicts {
		if unresolvedOnly && c.Resolved {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

func (m *MemoryStore) ResolveConflict(_ context.Context, id string, res Resolution, resolvedData json.RawMessage, decisions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.conflicts {
		if c.ID == id {
			now := time.Now()
			c.Resolved = true
			c.Resolution = res
			c.ResolvedData = append(json.RawMessage(nil), resolvedData...)
			c.Decisions = append([]string(nil), decisions...)
			c.ResolvedAt = &now
			return nil
		}
	}
	return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) LastSyncedAt(_ context.Context, t entity.Type, entityID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.syncMeta[string(t)+"/"+entityID], nil
}

func (m *MemoryStore) SetLastSyncedAt(_ context.Context, t entity.Type, entityID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncMeta[string(t)+"/"+entityID] = at
	return nil
}

func (m *MemoryStore) Close() error { return nil }
