// Package localstore provides the durable local database backing the
// offline change queue, the read cache, and the conflict audit trail.
//
// The store has four tables:
//   - changes: pending local mutations, one row per mutation event
//   - cache: time-boxed cached server reads
//   - conflicts: detected concurrent edits, kept forever as an audit trail
//   - sync_meta: per-entity last-synced timestamps
//
// The SQLite implementation opens in the background; every operation awaits
// the ready signal, so callers may use the store immediately after
// construction. If the database cannot be opened, operations return
// ErrStorageUnavailable and callers fall back to the memory store for the
// session.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/teacherly/plansync/internal/entity"
)

// ErrStorageUnavailable is returned by every operation when the underlying
// database failed to open. Callers degrade to memory-only operation.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ChangeKind is the mutation kind of a queued change.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// StoredChange is one pending local mutation.
type StoredChange struct {
	ID         string               `json:"id"`
	Kind       ChangeKind           `json:"kind"`
	EntityType entity.Type          `json:"entityType"`
	EntityID   string               `json:"entityId,omitempty"` // empty for CREATE until the server assigns one
	Payload    entity.ChangePayload `json:"payload"`
	CreatedAt  time.Time            `json:"createdAt"`
	Synced     bool                 `json:"synced"`
}

// Resolution is the outcome chosen for a conflict.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionMerge  Resolution = "merge"
)

// ConflictRecord is a detected concurrent-edit situation. Records are never
// deleted; resolving one marks it resolved and stores the chosen outcome.
type ConflictRecord struct {
	ID         string      `json:"id"`
	EntityType entity.Type `json:"entityType"`
	EntityID   string      `json:"entityId"`

	LocalData  json.RawMessage `json:"localData"`
	RemoteData json.RawMessage `json:"remoteData"`

	DetectedAt time.Time `json:"detectedAt"`

	Resolved     bool            `json:"resolved"`
	Resolution   Resolution      `json:"resolution,omitempty"`
	ResolvedData json.RawMessage `json:"resolvedData,omitempty"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`

	// Decisions is the audit trail of per-field merge choices.
	Decisions []string `json:"decisions,omitempty"`
}

// Store is the durable-store contract shared by the SQLite implementation
// and the memory fallback.
type Store interface {
	// Changes
	SaveChange(ctx context.Context, c *StoredChange) (string, error)
	ListUnsyncedChanges(ctx context.Context, t entity.Type) ([]*StoredChange, error)
	MarkChangeSynced(ctx context.Context, id string) error
	DiscardChanges(ctx context.Context, t entity.Type, entityID string) (int, error)
	PruneSynced(ctx context.Context) (int, error)

	// Cache
	CacheData(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	GetCachedData(ctx context.Context, key string) (json.RawMessage, error)
	DeleteCachedData(ctx context.Context, key string) error
	CleanupExpiredCache(ctx context.Context) (int, error)

	// Conflicts
	SaveConflict(ctx context.Context, c *ConflictRecord) (string, error)
	GetConflict(ctx context.Context, id string) (*ConflictRecord, error)
	ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*ConflictRecord, error)
	ResolveConflict(ctx context.Context, id string, res Resolution, resolvedData json.RawMessage, decisions []string) error

	// Sync metadata
	LastSyncedAt(ctx context.Context, t entity.Type, entityID string) (time.Time, error)
	SetLastSyncedAt(ctx context.Context, t entity.Type, entityID string, at time.Time) error

	Close() error
}
