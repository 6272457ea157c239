// Package planstore is the front door for planning data: each entity type
// gets a Store that reads through the cache and writes either straight to
// the planning API (online) or optimistically to the cache plus the change
// queue (offline).
package planstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/teacherly/plansync/internal/cache"
	"github.com/teacherly/plansync/internal/changequeue"
	"github.com/teacherly/plansync/internal/connectivity"
	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
	"github.com/teacherly/plansync/internal/remote"
)

// Trigger requests a debounced sync of one entity type. Satisfied by the
// sync daemon.
type Trigger interface {
	Trigger(t entity.Type)
}

// Status is a snapshot of one store's health for UI surfaces.
type Status struct {
	IsLoading         bool   `json:"isLoading"`
	IsSaving          bool   `json:"isSaving"`
	Err               string `json:"error,omitempty"`
	IsOnline          bool   `json:"isOnline"`
	HasOfflineChanges bool   `json:"hasOfflineChanges"`
	PendingChanges    int    `json:"pendingChanges"`
}

// Store serves one entity type.
type Store struct {
	typ     entity.Type
	client  remote.Client
	cache   *cache.Cache
	queue   *changequeue.Queue
	local   localstore.Store
	monitor *connectivity.Monitor
	trigger Trigger
	logger  *log.Logger

	mu      sync.Mutex
	loading bool
	saving  bool
	lastErr error
}

// New creates a Store for the given entity type. trigger may be nil when
// no daemon is running (one-shot CLI commands).
func New(typ entity.Type, client remote.Client, c *cache.Cache, queue *changequeue.Queue, local localstore.Store, monitor *connectivity.Monitor, trigger Trigger, logger *log.Logger) (*Store, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", typ)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Store{
		typ:     typ,
		client:  client,
		cache:   c,
		queue:   queue,
		local:   local,
		monitor: monitor,
		trigger: trigger,
		logger:  logger,
	}, nil
}

// Type returns the entity type this store serves.
func (s *Store) Type() entity.Type {
	return s.typ
}

// Status reports the store's current condition.
func (s *Store) Status(ctx context.Context) (Status, error) {
	pending, err := s.queue.Pending(ctx, s.typ)
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		IsLoading:         s.loading,
		IsSaving:          s.saving,
		IsOnline:          s.monitor.Online(),
		HasOfflineChanges: pending > 0,
		PendingChanges:    pending,
	}
	if s.lastErr != nil {
		st.Err = s.lastErr.Error()
	}
	return st, nil
}

func (s *Store) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

func (s *Store) setSaving(v bool) {
	s.mu.Lock()
	s.saving = v
	s.mu.Unlock()
}

func (s *Store) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Load returns the entity list: from the server when online (refreshing
// the cache), from the cache otherwise. A server failure falls back to
// the cache before giving up.
func (s *Store) Load(ctx context.Context) (json.RawMessage, error) {
	s.setLoading(true)
	defer s.setLoading(false)

	if s.monitor.Online() {
		envs, err := s.client.List(ctx, s.typ)
		if err == nil {
			list, merr := marshalList(envs)
			if merr != nil {
				s.setErr(merr)
				return nil, merr
			}
			s.refreshCaches(ctx, envs, list)
			s.setErr(nil)
			return list, nil
		}
		s.logger.Printf("Warning: list %s from server failed, falling back to cache: %v", s.typ, err)
	}

	list, err := s.cache.GetList(ctx, s.typ)
	if err == nil && len(list) == 0 {
		err = errors.New("cache is empty")
	}
	if err != nil {
		err = fmt.Errorf("no cached %s available offline: %w", s.typ.Resource(), err)
		s.setErr(err)
		return nil, err
	}
	s.setErr(nil)
	return list, nil
}

// Get returns a single entity, server first when online, cache otherwise.
func (s *Store) Get(ctx context.Context, id string) (json.RawMessage, error) {
	s.setLoading(true)
	defer s.setLoading(false)

	if s.monitor.Online() {
		env, err := s.client.Get(ctx, s.typ, id)
		if err == nil {
			if cerr := s.cache.PutDetail(ctx, s.typ, id, env.Data); cerr != nil {
				s.logger.Printf("Warning: failed to cache %s %s: %v", s.typ, id, cerr)
			}
			s.setErr(nil)
			return env.Data, nil
		}
		s.logger.Printf("Warning: get %s %s from server failed, falling back to cache: %v", s.typ, id, err)
	}

	doc, err := s.cache.GetDetail(ctx, s.typ, id)
	if err == nil && len(doc) == 0 {
		err = errors.New("cache is empty")
	}
	if err != nil {
		err = fmt.Errorf("no cached %s %s available offline: %w", s.typ, id, err)
		s.setErr(err)
		return nil, err
	}
	s.setErr(nil)
	return doc, nil
}

// Create adds a new entity and returns its id: the server's when online,
// a temp id when offline. The offline path applies the document to the
// cache first and reverts if queueing fails.
func (s *Store) Create(ctx context.Context, data json.RawMessage) (string, error) {
	s.setSaving(true)
	defer s.setSaving(false)

	if s.monitor.Online() {
		env, err := s.client.Create(ctx, s.typ, data)
		if err != nil {
			s.setErr(err)
			return "", fmt.Errorf("create %s: %w", s.typ, err)
		}
		s.applyWrite(ctx, env)
		s.setErr(nil)
		return env.ID, nil
	}

	tempID := entity.NewTempID()
	payload, err := entity.ChangePayload{Type: s.typ, Data: data}.WithID(tempID)
	if err != nil {
		s.setErr(err)
		return "", err
	}

	pre, err := s.snapshot(ctx, tempID)
	if err != nil {
		s.setErr(err)
		return "", err
	}
	if err := s.applyLocal(ctx, tempID, payload.Data); err != nil {
		s.setErr(err)
		return "", err
	}

	if _, err := s.queue.Record(ctx, localstore.ChangeCreate, s.typ, tempID, payload); err != nil {
		s.revert(ctx, pre)
		s.setErr(err)
		return "", fmt.Errorf("queue offline create: %w", err)
	}

	s.logger.Printf("Queued offline create %s %s", s.typ, tempID)
	s.requestSync()
	s.setErr(nil)
	return tempID, nil
}

// Update patches an entity. Offline, the patch lands on the cached copy
// immediately and is reverted if queueing fails.
func (s *Store) Update(ctx context.Context, id string, patch json.RawMessage) error {
	s.setSaving(true)
	defer s.setSaving(false)

	if s.monitor.Online() {
		env, err := s.client.Update(ctx, s.typ, id, patch)
		if err != nil {
			s.setErr(err)
			return fmt.Errorf("update %s %s: %w", s.typ, id, err)
		}
		s.applyWrite(ctx, env)
		s.setErr(nil)
		return nil
	}

	pre, err := s.snapshot(ctx, id)
	if err != nil {
		s.setErr(err)
		return err
	}

	base := pre.detail
	merged, err := entity.ChangePayload{Type: s.typ, Data: patch}.MergeInto(base)
	if err != nil {
		s.setErr(err)
		return err
	}
	if err := s.applyLocal(ctx, id, merged); err != nil {
		s.setErr(err)
		return err
	}

	payload := entity.ChangePayload{Type: s.typ, Data: patch}
	if _, err := s.queue.Record(ctx, localstore.ChangeUpdate, s.typ, id, payload); err != nil {
		s.revert(ctx, pre)
		s.setErr(err)
		return fmt.Errorf("queue offline update: %w", err)
	}

	s.logger.Printf("Queued offline update %s %s", s.typ, id)
	s.requestSync()
	s.setErr(nil)
	return nil
}

// Delete removes an entity. Offline, the cached copy disappears
// immediately and comes back if queueing fails.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.setSaving(true)
	defer s.setSaving(false)

	if s.monitor.Online() {
		if err := s.client.Delete(ctx, s.typ, id); err != nil {
			s.setErr(err)
			return fmt.Errorf("delete %s %s: %w", s.typ, id, err)
		}
		s.removeLocal(ctx, id)
		s.setErr(nil)
		return nil
	}

	pre, err := s.snapshot(ctx, id)
	if err != nil {
		s.setErr(err)
		return err
	}
	s.removeLocal(ctx, id)

	payload := entity.ChangePayload{Type: s.typ, Data: []byte("{}")}
	if _, err := s.queue.Record(ctx, localstore.ChangeDelete, s.typ, id, payload); err != nil {
		s.revert(ctx, pre)
		s.setErr(err)
		return fmt.Errorf("queue offline delete: %w", err)
	}

	s.logger.Printf("Queued offline delete %s %s", s.typ, id)
	s.requestSync()
	s.setErr(nil)
	return nil
}

func (s *Store) requestSync() {
	if s.trigger != nil {
		s.trigger.Trigger(s.typ)
	}
}

// applyWrite records a confirmed server write in the cache and stamps the
// entity's sync time so the next pass doesn't see our own write as a
// conflicting remote edit.
func (s *Store) applyWrite(ctx context.Context, env *entity.Envelope) {
	if err := s.applyLocal(ctx, env.ID, env.Data); err != nil {
		s.logger.Printf("Warning: failed to cache %s %s: %v", s.typ, env.ID, err)
	}
	if err := s.local.SetLastSyncedAt(ctx, s.typ, env.ID, time.Now().UTC()); err != nil {
		s.logger.Printf("Warning: failed to stamp sync time for %s %s: %v", s.typ, env.ID, err)
	}
}

// preImage captures cache state before an optimistic apply.
type preImage struct {
	id        string
	detail    json.RawMessage // nil when the entity was not cached
	list      json.RawMessage // nil when no list was cached
	hadDetail bool
	hadList   bool
}

func (s *Store) snapshot(ctx context.Context, id string) (*preImage, error) {
	pre := &preImage{id: id}
	// A cache miss reads as (nil, nil); only a real hit is worth restoring.
	if detail, err := s.cache.GetDetail(ctx, s.typ, id); err == nil && len(detail) > 0 {
		pre.detail = detail
		pre.hadDetail = true
	}
	if list, err := s.cache.GetList(ctx, s.typ); err == nil && len(list) > 0 {
		pre.list = list
		pre.hadList = true
	}
	return pre, nil
}

// applyLocal writes the document into the detail cache and upserts it
// into the cached list.
func (s *Store) applyLocal(ctx context.Context, id string, doc json.RawMessage) error {
	if err := s.cache.PutDetail(ctx, s.typ, id, doc); err != nil {
		return err
	}
	list, err := s.cache.GetList(ctx, s.typ)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return nil // no list cached yet, nothing to maintain
	}
	updated, err := upsertInList(list, id, doc)
	if err != nil {
		return err
	}
	return s.cache.PutList(ctx, s.typ, updated)
}

// removeLocal drops the document from both cache views.
func (s *Store) removeLocal(ctx context.Context, id string) {
	if err := s.cache.Invalidate(ctx, s.typ, id); err != nil {
		s.logger.Printf("Warning: failed to invalidate %s %s: %v", s.typ, id, err)
	}
	list, err := s.cache.GetList(ctx, s.typ)
	if err != nil || len(list) == 0 {
		return
	}
	updated, err := removeFromList(list, id)
	if err != nil {
		s.logger.Printf("Warning: failed to trim %s list: %v", s.typ, err)
		return
	}
	if err := s.cache.PutList(ctx, s.typ, updated); err != nil {
		s.logger.Printf("Warning: failed to cache %s list: %v", s.typ, err)
	}
}

// revert restores the pre-image after a failed optimistic apply.
func (s *Store) revert(ctx context.Context, pre *preImage) {
	if pre.hadDetail {
		if err := s.cache.PutDetail(ctx, s.typ, pre.id, pre.detail); err != nil {
			s.logger.Printf("Warning: revert of %s %s failed: %v", s.typ, pre.id, err)
		}
	} else {
		if err := s.cache.Invalidate(ctx, s.typ, pre.id); err != nil {
			s.logger.Printf("Warning: revert of %s %s failed: %v", s.typ, pre.id, err)
		}
	}
	if pre.hadList {
		if err := s.cache.PutList(ctx, s.typ, pre.list); err != nil {
			s.logger.Printf("Warning: revert of %s list failed: %v", s.typ, err)
		}
	}
}

func (s *Store) refreshCaches(ctx context.Context, envs []*entity.Envelope, list json.RawMessage) {
	if err := s.cache.PutList(ctx, s.typ, list); err != nil {
		s.logger.Printf("Warning: failed to cache %s list: %v", s.typ, err)
	}
	for _, env := range envs {
		if err := s.cache.PutDetail(ctx, s.typ, env.ID, env.Data); err != nil {
			s.logger.Printf("Warning: failed to cache %s %s: %v", s.typ, env.ID, err)
		}
	}
}

func marshalList(envs []*entity.Envelope) (json.RawMessage, error) {
	docs := make([]json.RawMessage, 0, len(envs))
	for _, env := range envs {
		docs = append(docs, env.Data)
	}
	return json.Marshal(docs)
}

// upsertInList replaces the document with the given id in a cached list,
// appending when absent.
func upsertInList(list json.RawMessage, id string, doc json.RawMessage) (json.RawMessage, error) {
	var docs []json.RawMessage
	if err := json.Unmarshal(list, &docs); err != nil {
		return nil, fmt.Errorf("failed to parse cached list: %w", err)
	}

	replaced := false
	for i, d := range docs {
		env, err := entity.ParseEnvelope(d)
		if err != nil {
			continue
		}
		if env.ID == id {
			docs[i] = doc
			replaced = true
			break
		}
	}
	if !replaced {
		docs = append(docs, doc)
	}
	return json.Marshal(docs)
}

// removeFromList drops the document with the given id from a cached list.
func removeFromList(list json.RawMessage, id string) (json.RawMessage, error) {
	var docs []json.RawMessage
	if err := json.Unmarshal(list, &docs); err != nil {
		return nil, fmt.Errorf("failed to parse cached list: %w", err)
	}

	out := docs[:0]
	for _, d := range docs {
		env, err := entity.ParseEnvelope(d)
		if err == nil && env.ID == id {
			continue
		}
		out = append(out, d)
	}
	return json.Marshal(out)
}
