// Package changequeue records local mutations made while offline (or
// speculatively) and drains them in creation order for the sync pipeline.
//
// Draining coalesces per entity: a CREATE followed by UPDATEs collapses into
// one CREATE carrying the final payload, repeated UPDATEs collapse into one,
// and a DELETE cancels everything before it — the server never sees an
// UPDATE for an entity it has no record of.
package changequeue

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
)

// Queue records and drains pending local mutations.
type Queue struct {
	store  localstore.Store
	logger *log.Logger
}

// New creates a Queue over the given durable store. If logger is nil, a
// default logger writing to stderr is used.
func New(store localstore.Store, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{store: store, logger: logger}
}

// Record validates and persists one local mutation, returning its id.
// CREATE payloads must be full documents; UPDATE payloads are partial
// patches; DELETE carries no payload.
func (q *Queue) Record(ctx context.Context, kind localstore.ChangeKind, t entity.Type, entityID string, payload entity.ChangePayload) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", t)
	}

	switch kind {
	case localstore.ChangeCreate:
		if err := payload.Validate(true); err != nil {
			return "", fmt.Errorf("invalid create payload: %w", err)
		}
	case localstore.ChangeUpdate:
		if err := payload.Validate(false); err != nil {
			return "", fmt.Errorf("invalid update payload: %w", err)
		}
		if entityID == "" {
			return "", fmt.Errorf("update requires an entity id")
		}
	case localstore.ChangeDelete:
		if entityID == "" {
			return "", fmt.Errorf("delete requires an entity id")
		}
		payload = entity.ChangePayload{Type: t, Data: []byte("{}")}
	default:
		return "", fmt.Errorf("unknown change kind %q", kind)
	}

	change := &localstore.StoredChange{
		Kind:       kind,
		EntityType: t,
		EntityID:   entityID,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}

	id, err := q.store.SaveChange(ctx, change)
	if err != nil {
		return "", fmt.Errorf("failed to record %s change: %w", kind, err)
	}

	q.logger.Printf("Recorded %s for %s/%s (%s)", kind, t, entityID, id)
	return id, nil
}

// Drain returns the coalesced pending operations for an entity type, in
// creation order, plus the ids of changes cancelled outright (an offline
// CREATE deleted again before ever syncing). Cancelled changes produce no
// network traffic; the caller retires them directly.
func (q *Queue) Drain(ctx context.Context, t entity.Type) ([]*Op, []string, error) {
	changes, err := q.store.ListUnsyncedChanges(ctx, t)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list pending changes: %w", err)
	}

	ops, cancelled, err := Coalesce(changes)
	if err != nil {
		return nil, nil, err
	}

	if len(changes) > 0 {
		q.logger.Printf("Drained %s: %d changes -> %d ops (%d cancelled)",
			t, len(changes), len(ops), len(cancelled))
	}
	return ops, cancelled, nil
}

// Pending returns the number of unsynced changes for a type ("" = all).
func (q *Queue) Pending(ctx context.Context, t entity.Type) (int, error) {
	changes, err := q.store.ListUnsyncedChanges(ctx, t)
	if err != nil {
		return 0, err
	}
	return len(changes), nil
}

// Retire marks the given source changes as confirmed and prunes them.
func (q *Queue) Retire(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := q.store.MarkChangeSynced(ctx, id); err != nil {
			return fmt.Errorf("failed to retire change %s: %w", id, err)
		}
	}
	if _, err := q.store.PruneSynced(ctx); err != nil {
		return fmt.Errorf("failed to prune retired changes: %w", err)
	}
	return nil
}
