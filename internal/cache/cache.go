// Package cache wraps the durable store's cache table with per-entity-type
// TTL policy. Stores cache every successful server read here and consult it
// before declaring "no data" while offline.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
)

// DefaultTTL applies to list and detail reads unless overridden.
const DefaultTTL = 60 * time.Minute

// Cache is a thin policy layer over the durable store's cache operations.
type Cache struct {
	store localstore.Store
	ttls  map[entity.Type]time.Duration
}

// New creates a Cache with the default TTL for every entity type. Planner
// state never expires: it is tiny, purely personal, and stale preferences
// beat an empty grid.
func New(store localstore.Store) *Cache {
	return &Cache{
		store: store,
		ttls: map[entity.Type]time.Duration{
			entity.TypeUnitPlan:     DefaultTTL,
			entity.TypeLessonPlan:   DefaultTTL,
			entity.TypeDaybookEntry: DefaultTTL,
			entity.TypePlannerState: 0,
		},
	}
}

// SetTTL overrides the TTL for one entity type. Zero means never expire.
func (c *Cache) SetTTL(t entity.Type, ttl time.Duration) {
	c.ttls[t] = ttl
}

// ListKey is the cache key for an entity type's list read.
func ListKey(t entity.Type) string {
	return fmt.Sprintf("%s:list", t)
}

// DetailKey is the cache key for a single entity read.
func DetailKey(t entity.Type, id string) string {
	return fmt.Sprintf("%s:detail:%s", t, id)
}

// PutList caches a list read for the type's TTL.
func (c *Cache) PutList(ctx context.Context, t entity.Type, value json.RawMessage) error {
	return c.store.CacheData(ctx, ListKey(t), value, c.ttls[t])
}

// GetList returns the cached list read, or nil on miss/expiry.
func (c *Cache) GetList(ctx context.Context, t entity.Type) (json.RawMessage, error) {
	return c.store.GetCachedData(ctx, ListKey(t))
}

// PutDetail caches a detail read for the type's TTL.
func (c *Cache) PutDetail(ctx context.Context, t entity.Type, id string, value json.RawMessage) error {
	return c.store.CacheData(ctx, DetailKey(t, id), value, c.ttls[t])
}

// GetDetail returns the cached detail read, or nil on miss/expiry.
func (c *Cache) GetDetail(ctx context.Context, t entity.Type, id string) (json.RawMessage, error) {
	return c.store.GetCachedData(ctx, DetailKey(t, id))
}

// Invalidate drops the cached reads touching an entity. Called after local
// mutations so stale reads don't shadow optimistic state.
func (c *Cache) Invalidate(ctx context.Context, t entity.Type, id string) error {
	if err := c.store.DeleteCachedData(ctx, ListKey(t)); err != nil {
		return err
	}
	if id != "" {
		return c.store.DeleteCachedData(ctx, DetailKey(t, id))
	}
	return nil
}

// Sweep purges expired entries; the daemon calls this periodically.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	return c.store.CleanupExpiredCache(ctx)
}
