package planstore

import (
	"context"
	"fmt"
	"log"

	"github.com/teacherly/plansync/internal/cache"
	"github.com/teacherly/plansync/internal/changequeue"
	"github.com/teacherly/plansync/internal/connectivity"
	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
	"github.com/teacherly/plansync/internal/remote"
)

// Set holds one Store per entity type.
type Set struct {
	stores map[entity.Type]*Store
}

// NewSet builds a Store for every entity type over shared collaborators.
func NewSet(client remote.Client, c *cache.Cache, queue *changequeue.Queue, local localstore.Store, monitor *connectivity.Monitor, trigger Trigger, logger *log.Logger) (*Set, error) {
	stores := make(map[entity.Type]*Store, len(entity.AllTypes()))
	for _, t := range entity.AllTypes() {
		s, err := New(t, client, c, queue, local, monitor, trigger, logger)
		if err != nil {
			return nil, err
		}
		stores[t] = s
	}
	return &Set{stores: stores}, nil
}

// For returns the Store for the given entity type.
func (s *Set) For(t entity.Type) (*Store, error) {
	st, ok := s.stores[t]
	if !ok {
		return nil, fmt.Errorf("no store for entity type %q", t)
	}
	return st, nil
}

// Statuses reports every store's condition, keyed by entity type.
func (s *Set) Statuses(ctx context.Context) (map[entity.Type]Status, error) {
	out := make(map[entity.Type]Status, len(s.stores))
	for t, st := range s.stores {
		status, err := st.Status(ctx)
		if err != nil {
			return nil, err
		}
		out[t] = status
	}
	return out, nil
}
