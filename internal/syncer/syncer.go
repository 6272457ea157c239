// Package syncer drives the offline change queue against the planning API:
// it drains queued changes, pushes them, pulls fresh server state into the
// cache, and records conflicts along the way.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/teacherly/plansync/internal/cache"
	"github.com/teacherly/plansync/internal/changequeue"
	"github.com/teacherly/plansync/internal/conflict"
	"github.com/teacherly/plansync/internal/connectivity"
	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
	"github.com/teacherly/plansync/internal/remote"
)

// ErrOffline is returned when a sync is requested while the API is
// unreachable. Queued changes stay queued.
var ErrOffline = errors.New("api unreachable, changes remain queued")

// PassState is the sync machinery's state for one entity type.
type PassState string

const (
	StateIdle    PassState = "IDLE"
	StateSyncing PassState = "SYNCING"
	StateError   PassState = "ERROR"
)

// TypeStatus is a snapshot of one entity type's sync state.
type TypeStatus struct {
	State        PassState `json:"state"`
	Err          string    `json:"error,omitempty"`
	Pending      int       `json:"pending"`
	LastSyncedAt time.Time `json:"lastSyncedAt,omitempty"`
}

type typeState struct {
	state PassState
	err   error
}

// Syncer pushes queued changes and pulls server state, one entity type at
// a time. At most one pass runs per type; a request made while a pass is
// in flight is dropped.
type Syncer struct {
	store    localstore.Store
	queue    *changequeue.Queue
	cache    *cache.Cache
	client   remote.Client
	resolver *conflict.Resolver
	monitor  *connectivity.Monitor
	bus      *Bus
	logger   *log.Logger

	mu     sync.Mutex
	states map[entity.Type]*typeState
}

// New creates a Syncer. All collaborators are required except logger and
// bus, which default to stderr logging and a fresh bus.
func New(store localstore.Store, queue *changequeue.Queue, c *cache.Cache, client remote.Client, resolver *conflict.Resolver, monitor *connectivity.Monitor, bus *Bus, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if bus == nil {
		bus = NewBus()
	}
	states := make(map[entity.Type]*typeState)
	for _, t := range entity.AllTypes() {
		states[t] = &typeState{state: StateIdle}
	}
	return &Syncer{
		store:    store,
		queue:    queue,
		cache:    c,
		client:   client,
		resolver: resolver,
		monitor:  monitor,
		bus:      bus,
		logger:   logger,
		states:   states,
	}
}

// Bus returns the event bus sync activity is published on.
func (s *Syncer) Bus() *Bus {
	return s.bus
}

// Status reports the current state of every entity type, including how
// many unsynced changes each has queued.
func (s *Syncer) Status(ctx context.Context) (map[entity.Type]TypeStatus, error) {
	out := make(map[entity.Type]TypeStatus, len(s.states))
	for _, t := range entity.AllTypes() {
		pending, err := s.queue.Pending(ctx, t)
		if err != nil {
			return nil, err
		}
		lastSynced, err := s.store.LastSyncedAt(ctx, t, "")
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		st := s.states[t]
		ts := TypeStatus{State: st.state, Pending: pending, LastSyncedAt: lastSynced}
		if st.err != nil {
			ts.Err = st.err.Error()
		}
		s.mu.Unlock()

		out[t] = ts
	}
	return out, nil
}

// Sync runs one full pass for the entity type: drain, push, pull, cache.
// A request while a pass for the same type is already running is dropped.
// While offline it returns ErrOffline without touching the queue.
func (s *Syncer) Sync(ctx context.Context, t entity.Type) error {
	if !s.monitor.Online() {
		s.logger.Printf("Skipping %s sync: offline", t)
		return ErrOffline
	}

	s.mu.Lock()
	st := s.states[t]
	if st.state == StateSyncing {
		s.mu.Unlock()
		s.logger.Printf("Dropping %s sync request: pass already running", t)
		return nil
	}
	st.state = StateSyncing
	st.err = nil
	s.mu.Unlock()
	s.publishStatus(t, StateSyncing, "")

	err := s.pass(ctx, t)

	s.mu.Lock()
	if err != nil {
		st.state = StateError
		st.err = err
	} else {
		st.state = StateIdle
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Printf("Sync pass failed for %s: %v", t, err)
		s.publishStatus(t, StateError, err.Error())
		return err
	}
	s.publishStatus(t, StateIdle, "")
	return nil
}

// SyncAll runs a pass for every entity type. A partial failure does not
// stop the remaining types.
func (s *Syncer) SyncAll(ctx context.Context) error {
	var errs []error
	for _, t := range entity.AllTypes() {
		if err := s.Sync(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Syncer) publishStatus(t entity.Type, st PassState, detail string) {
	s.bus.Publish(Event{Kind: EventSyncStatus, EntityType: t, Status: string(st), Detail: detail})
}

// pass is one drain-push-pull cycle for a single entity type.
func (s *Syncer) pass(ctx context.Context, t entity.Type) error {
	ops, cancelled, err := s.queue.Drain(ctx, t)
	if err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}
	if len(cancelled) > 0 {
		s.logger.Printf("Coalescing cancelled %d %s changes", len(cancelled), t)
		if err := s.queue.Retire(ctx, cancelled); err != nil {
			return fmt.Errorf("retire cancelled changes: %w", err)
		}
	}

	for _, op := range ops {
		if err := s.pushOp(ctx, t, op); err != nil {
			return err
		}
	}

	if err := s.pull(ctx, t); err != nil {
		return err
	}

	if err := s.store.SetLastSyncedAt(ctx, t, "", time.Now().UTC()); err != nil {
		return fmt.Errorf("record sync time: %w", err)
	}
	return nil
}

// pushOp sends one coalesced operation to the server. Permanent rejections
// (4xx) are logged and the underlying changes dropped so one bad payload
// cannot wedge the queue; transient failures abort the pass and leave the
// changes queued for the next attempt.
func (s *Syncer) pushOp(ctx context.Context, t entity.Type, op *changequeue.Op) error {
	switch op.Kind {
	case localstore.ChangeCreate:
		env, err := s.client.Create(ctx, t, op.Payload.Data)
		if err != nil {
			return s.pushFailure(ctx, t, op, err)
		}
		if entity.IsTempID(op.EntityID) {
			s.logger.Printf("Created %s: %s -> %s", t, op.EntityID, env.ID)
			if err := s.cache.Invalidate(ctx, t, op.EntityID); err != nil {
				s.logger.Printf("Warning: failed to drop temp cache entry %s: %v", op.EntityID, err)
			}
		}
		return s.confirmPush(ctx, t, env, op)

	case localstore.ChangeUpdate:
		return s.pushUpdate(ctx, t, op)

	case localstore.ChangeDelete:
		err := s.client.Delete(ctx, t, op.EntityID)
		if err != nil && !isNotFound(err) {
			return s.pushFailure(ctx, t, op, err)
		}
		if err := s.cache.Invalidate(ctx, t, op.EntityID); err != nil {
			s.logger.Printf("Warning: failed to invalidate %s %s: %v", t, op.EntityID, err)
		}
		return s.queue.Retire(ctx, op.SourceIDs)
	}
	return fmt.Errorf("unknown change kind %q", op.Kind)
}

// pushUpdate checks the server copy for a conflicting edit before pushing.
func (s *Syncer) pushUpdate(ctx context.Context, t entity.Type, op *changequeue.Op) error {
	remoteEnv, err := s.client.Get(ctx, t, op.EntityID)
	if isNotFound(err) {
		// Deleted on the server while we were offline. The local edit has
		// nothing to land on.
		s.logger.Printf("Warning: %s %s was deleted remotely, dropping local update", t, op.EntityID)
		if cerr := s.cache.Invalidate(ctx, t, op.EntityID); cerr != nil {
			s.logger.Printf("Warning: failed to invalidate %s %s: %v", t, op.EntityID, cerr)
		}
		return s.queue.Retire(ctx, op.SourceIDs)
	}
	if err != nil {
		return s.pushFailure(ctx, t, op, err)
	}

	lastSynced, err := s.store.LastSyncedAt(ctx, t, op.EntityID)
	if err != nil {
		return fmt.Errorf("load sync time for %s %s: %w", t, op.EntityID, err)
	}

	if !conflict.Detected(remoteEnv.UpdatedAt, lastSynced, true) {
		env, err := s.client.Update(ctx, t, op.EntityID, op.Payload.Data)
		if err != nil {
			return s.pushFailure(ctx, t, op, err)
		}
		return s.confirmPush(ctx, t, env, op)
	}

	return s.resolveAndPush(ctx, t, op, remoteEnv)
}

// resolveAndPush handles an update that collided with a newer remote edit.
func (s *Syncer) resolveAndPush(ctx context.Context, t entity.Type, op *changequeue.Op, remoteEnv *entity.Envelope) error {
	localDoc := s.localDocument(ctx, t, op, remoteEnv)

	rec := &localstore.ConflictRecord{
		EntityType: t,
		EntityID:   op.EntityID,
		LocalData:  localDoc,
		RemoteData: remoteEnv.Data,
		DetectedAt: time.Now().UTC(),
	}
	conflictID, err := s.store.SaveConflict(ctx, rec)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	s.logger.Printf("Conflict detected on %s %s (strategy %s)", t, op.EntityID, s.resolver.StrategyFor(t))

	out, rerr := s.resolver.Resolve(t, localDoc, remoteEnv.Data)
	if rerr != nil {
		// Leave the record unresolved for a manual decision; the change
		// itself is captured in the record, so retire it from the queue.
		s.logger.Printf("Warning: automatic resolution failed for %s %s: %v", t, op.EntityID, rerr)
		s.bus.Publish(Event{Kind: EventConflict, EntityType: t, Status: "unresolved", Detail: conflictID})
		return s.queue.Retire(ctx, op.SourceIDs)
	}

	if err := s.store.ResolveConflict(ctx, conflictID, out.Resolution, out.Data, out.Decisions); err != nil {
		return fmt.Errorf("record conflict resolution: %w", err)
	}
	s.bus.Publish(Event{Kind: EventConflict, EntityType: t, Status: string(out.Resolution), Detail: conflictID})

	if out.Resolution == localstore.ResolutionRemote {
		// Server copy wins; nothing to push.
		return s.confirmPush(ctx, t, remoteEnv, op)
	}

	env, err := s.client.Update(ctx, t, op.EntityID, out.Data)
	if err != nil {
		return s.pushFailure(ctx, t, op, err)
	}
	return s.confirmPush(ctx, t, env, op)
}

// localDocument reconstructs the full local view of the entity: the cached
// detail (or the remote copy when the cache is cold) with the queued patch
// applied on top.
func (s *Syncer) localDocument(ctx context.Context, t entity.Type, op *changequeue.Op, remoteEnv *entity.Envelope) json.RawMessage {
	base, err := s.cache.GetDetail(ctx, t, op.EntityID)
	if err != nil || len(base) == 0 {
		base = remoteEnv.Data
	}
	doc, err := op.Payload.MergeInto(base)
	if err != nil {
		return op.Payload.Data
	}
	return doc
}

// confirmPush records a successful push: cache the server's copy, stamp
// the entity's sync time, and retire the source changes.
func (s *Syncer) confirmPush(ctx context.Context, t entity.Type, env *entity.Envelope, op *changequeue.Op) error {
	if err := s.cache.PutDetail(ctx, t, env.ID, env.Data); err != nil {
		s.logger.Printf("Warning: failed to cache %s %s: %v", t, env.ID, err)
	}
	if err := s.store.SetLastSyncedAt(ctx, t, env.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("record entity sync time: %w", err)
	}
	return s.queue.Retire(ctx, op.SourceIDs)
}

// pushFailure decides whether a push error is permanent. Permanent
// rejections drop the changes with a warning; anything else aborts the
// pass so the changes are retried later.
func (s *Syncer) pushFailure(ctx context.Context, t entity.Type, op *changequeue.Op, err error) error {
	var re *remote.RemoteError
	if errors.As(err, &re) && re.Status >= 400 && re.Status < 500 && re.Status != http.StatusTooManyRequests {
		s.logger.Printf("Warning: server rejected %s %s %s, dropping change: %v", op.Kind, t, op.EntityID, err)
		return s.queue.Retire(ctx, op.SourceIDs)
	}
	return fmt.Errorf("push %s %s %s: %w", op.Kind, t, op.EntityID, err)
}

// pull refreshes the cache from the server's current state.
func (s *Syncer) pull(ctx context.Context, t entity.Type) error {
	envs, err := s.client.List(ctx, t)
	if err != nil {
		return fmt.Errorf("pull %s: %w", t, err)
	}

	docs := make([]json.RawMessage, 0, len(envs))
	now := time.Now().UTC()
	for _, env := range envs {
		docs = append(docs, env.Data)
		if err := s.cache.PutDetail(ctx, t, env.ID, env.Data); err != nil {
			s.logger.Printf("Warning: failed to cache %s %s: %v", t, env.ID, err)
		}
		if err := s.store.SetLastSyncedAt(ctx, t, env.ID, now); err != nil {
			return fmt.Errorf("record entity sync time: %w", err)
		}
	}

	list, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("marshal %s list: %w", t, err)
	}
	if err := s.cache.PutList(ctx, t, list); err != nil {
		return fmt.Errorf("cache %s list: %w", t, err)
	}

	s.logger.Printf("Pulled %d %s", len(envs), t.Resource())
	return nil
}

// ResolveStoredConflict applies a strategy to an unresolved conflict
// record, pushes the result when the local side wins, and marks the
// record resolved.
func (s *Syncer) ResolveStoredConflict(ctx context.Context, conflictID string, strat conflict.Strategy) (*conflict.Outcome, error) {
	rec, err := s.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if rec.Resolved {
		return nil, fmt.Errorf("conflict %s is already resolved", conflictID)
	}

	out, err := conflict.ResolveWith(strat, rec.LocalData, rec.RemoteData)
	if err != nil {
		return nil, err
	}

	if out.Resolution != localstore.ResolutionRemote && s.monitor.Online() {
		if _, err := s.client.Update(ctx, rec.EntityType, rec.EntityID, out.Data); err != nil {
			return nil, fmt.Errorf("push resolved %s %s: %w", rec.EntityType, rec.EntityID, err)
		}
	}

	if err := s.cache.PutDetail(ctx, rec.EntityType, rec.EntityID, out.Data); err != nil {
		s.logger.Printf("Warning: failed to cache resolved %s %s: %v", rec.EntityType, rec.EntityID, err)
	}
	if err := s.store.ResolveConflict(ctx, conflictID, out.Resolution, out.Data, out.Decisions); err != nil {
		return nil, err
	}
	s.bus.Publish(Event{Kind: EventConflict, EntityType: rec.EntityType, Status: string(out.Resolution), Detail: conflictID})
	return out, nil
}

func isNotFound(err error) bool {
	var re *remote.RemoteError
	return errors.As(err, &re) && re.Status == http.StatusNotFound
}
