// Package conflict detects concurrent edits between local and remote entity
// state and resolves them under a configurable strategy.
//
// Detection rule: a conflict exists when the remote document's updatedAt is
// strictly newer than the client's last confirmed sync for that entity AND
// the entity has unsynced local changes. With no pending local changes the
// remote document is simply adopted.
//
// Resolution never blocks sync: every strategy produces an outcome, and
// every per-field decision is logged into the conflict record's audit trail.
package conflict

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
)

// Strategy selects how a store resolves detected conflicts.
type Strategy string

const (
	// StrategyLocal discards remote and pushes local as authoritative.
	StrategyLocal Strategy = "local"
	// StrategyRemote drops local pending changes and adopts remote.
	StrategyRemote Strategy = "remote"
	// StrategyMerge unions array fields and keeps local scalars on ties.
	StrategyMerge Strategy = "merge"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyLocal || s == StrategyRemote || s == StrategyMerge
}

// Detected reports whether local and remote state of one entity are in
// conflict under the detection rule.
func Detected(remoteUpdatedAt, lastSyncedAt time.Time, hasPendingLocal bool) bool {
	return hasPendingLocal && remoteUpdatedAt.After(lastSyncedAt)
}

// Outcome is the result of resolving one conflict.
type Outcome struct {
	Resolution localstore.Resolution
	// Data is the authoritative document after resolution: pushed to the
	// server for LOCAL and MERGE, adopted locally for REMOTE.
	Data json.RawMessage
	// Decisions is the audit trail of per-field choices.
	Decisions []string
}

// Resolver maps entity types to strategies and resolves conflicts.
type Resolver struct {
	strategies map[entity.Type]Strategy
}

// NewResolver returns a Resolver with the default policy: LOCAL for every
// store, MERGE for daybook entries (their list-valued reflection fields are
// additive by nature).
func NewResolver() *Resolver {
	return &Resolver{strategies: map[entity.Type]Strategy{
		entity.TypeUnitPlan:     StrategyLocal,
		entity.TypeLessonPlan:   StrategyLocal,
		entity.TypeDaybookEntry: StrategyMerge,
		entity.TypePlannerState: StrategyLocal,
	}}
}

// SetStrategy overrides the strategy for one entity type.
func (r *Resolver) SetStrategy(t entity.Type, s Strategy) error {
	if !s.Valid() {
		return fmt.Errorf("unknown conflict strategy %q", s)
	}
	r.strategies[t] = s
	return nil
}

// StrategyFor returns the configured strategy for an entity type.
func (r *Resolver) StrategyFor(t entity.Type) Strategy {
	if s, ok := r.strategies[t]; ok {
		return s
	}
	return StrategyLocal
}

// Resolve produces the outcome for a conflict between local and remote
// snapshots of one entity, under the type's configured strategy.
func (r *Resolver) Resolve(t entity.Type, local, remote json.RawMessage) (*Outcome, error) {
	return ResolveWith(r.StrategyFor(t), local, remote)
}

// ResolveWith resolves under an explicit strategy. Used for manual
// resolution of recorded conflicts, where the user's choice overrides the
// store policy.
func ResolveWith(s Strategy, local, remote json.RawMessage) (*Outcome, error) {
	switch s {
	case StrategyLocal:
		return &Outcome{
			Resolution: localstore.ResolutionLocal,
			Data:       local,
			Decisions:  []string{"local snapshot kept in full, remote discarded"},
		}, nil
	case StrategyRemote:
		return &Outcome{
			Resolution: localstore.ResolutionRemote,
			Data:       remote,
			Decisions:  []string{"remote snapshot adopted in full, local pending changes dropped"},
		}, nil
	case StrategyMerge:
		merged, decisions, err := Merge(local, remote)
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Resolution: localstore.ResolutionMerge,
			Data:       merged,
			Decisions:  decisions,
		}, nil
	}
	return nil, fmt.Errorf("unknown conflict strategy %q", s)
}
