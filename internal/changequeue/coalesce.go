package changequeue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
)

// Op is one coalesced operation ready to push: a single CREATE, UPDATE, or
// DELETE per entity, subsuming every queued change that contributed to it.
type Op struct {
	Kind       localstore.ChangeKind
	EntityType entity.Type
	EntityID   string
	Payload    entity.ChangePayload
	CreatedAt  time.Time

	// SourceIDs are the queued changes subsumed by this op; they are marked
	// synced once the op is confirmed on the server.
	SourceIDs []string
}

// entityState accumulates the queued changes for one entity during a pass.
type entityState struct {
	op    *Op
	order int
}

// Coalesce folds a FIFO change list into per-entity operations:
//
//   - CREATE + UPDATE... on a temp id -> one CREATE with the merged payload
//   - UPDATE + UPDATE -> one UPDATE, later fields winning
//   - DELETE after pending changes -> the prior changes are cancelled; only
//     the DELETE survives, and only when the server already knows the entity
//     (a deleted temp-id entity produces nothing at all)
//
// The second return value lists changes cancelled without any surviving op.
// Cross-entity order follows each entity's earliest surviving change.
func Coalesce(changes []*localstore.StoredChange) ([]*Op, []string, error) {
	states := make(map[string]*entityState)
	var keys []string
	var cancelled []string

	key := func(c *localstore.StoredChange) string {
		return string(c.EntityType) + "/" + c.EntityID
	}

	for i, c := range changes {
		k := key(c)
		st := states[k]

		switch c.Kind {
		case localstore.ChangeCreate:
			// A create restarts the entity's state (a delete may have
			// cleared it earlier in the queue).
			if st != nil && st.op != nil {
				cancelled = append(cancelled, st.op.SourceIDs...)
			}
			states[k] = &entityState{
				order: i,
				op: &Op{
					Kind:       localstore.ChangeCreate,
					EntityType: c.EntityType,
					EntityID:   c.EntityID,
					Payload:    c.Payload,
					CreatedAt:  c.CreatedAt,
					SourceIDs:  []string{c.ID},
				},
			}
			if st == nil {
				keys = append(keys, k)
			}

		case localstore.ChangeUpdate:
			if st == nil || st.op == nil || st.op.Kind == localstore.ChangeDelete {
				// No pending create: the entity exists on the server. An
				// update queued after a pending delete supersedes it, so
				// the delete's sources are cancelled rather than pushed.
				if st != nil && st.op != nil {
					cancelled = append(cancelled, st.op.SourceIDs...)
				}
				states[k] = &entityState{
					order: i,
					op: &Op{
						Kind:       localstore.ChangeUpdate,
						EntityType: c.EntityType,
						EntityID:   c.EntityID,
						Payload:    c.Payload,
						CreatedAt:  c.CreatedAt,
						SourceIDs:  []string{c.ID},
					},
				}
				if st == nil {
					keys = append(keys, k)
				}
				continue
			}

			merged, err := c.Payload.MergeInto(st.op.Payload.Data)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to coalesce update for %s: %w", k, err)
			}
			st.op.Payload = entity.ChangePayload{Type: c.EntityType, Data: merged}
			st.op.SourceIDs = append(st.op.SourceIDs, c.ID)

		case localstore.ChangeDelete:
			pendingCreate := st != nil && st.op != nil && st.op.Kind == localstore.ChangeCreate
			if st != nil && st.op != nil {
				cancelled = append(cancelled, st.op.SourceIDs...)
			}
			if pendingCreate && entity.IsTempID(c.EntityID) {
				// Never reached the server: nothing to send.
				cancelled = append(cancelled, c.ID)
				if st == nil {
					keys = append(keys, k)
				}
				states[k] = &entityState{order: i, op: nil}
				continue
			}
			states[k] = &entityState{
				order: i,
				op: &Op{
					Kind:       localstore.ChangeDelete,
					EntityType: c.EntityType,
					EntityID:   c.EntityID,
					Payload:    entity.ChangePayload{Type: c.EntityType, Data: json.RawMessage(`{}`)},
					CreatedAt:  c.CreatedAt,
					SourceIDs:  []string{c.ID},
				},
			}
			if st == nil {
				keys = append(keys, k)
			}

		default:
			return nil, nil, fmt.Errorf("unknown change kind %q in queue", c.Kind)
		}
	}

	// Emit surviving ops in the order their entities last (re)started.
	var ops []*Op
	for _, k := range keys {
		if st := states[k]; st.op != nil {
			ops = append(ops, st.op)
		}
	}
	// keys preserves first-appearance order; re-sort by state order so a
	// delete+recreate sequence pushes in queue position, not discovery
	// position.
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0 && orderOf(states, ops[j]) < orderOf(states, ops[j-1]); j-- {
			ops[j], ops[j-1] = ops[j-1], ops[j]
		}
	}

	return ops, cancelled, nil
}

func orderOf(states map[string]*entityState, op *Op) int {
	return states[string(op.EntityType)+"/"+op.EntityID].order
}
