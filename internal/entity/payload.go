package entity

import (
	"encoding/json"
	"fmt"
)

// ChangePayload is the tagged payload carried by a queued change. The tag is
// the entity type; Validate decodes the raw document against the matching
// concrete type so malformed payloads are rejected at the queue boundary
// instead of at push time.
type ChangePayload struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewChangePayload marshals v into a payload tagged with t.
func NewChangePayload(t Type, v any) (ChangePayload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return ChangePayload{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return ChangePayload{Type: t, Data: data}, nil
}

// Validate checks the tag and, for full documents, the decoded entity.
// Partial UPDATE patches only need to be well-formed JSON objects.
func (p ChangePayload) Validate(full bool) error {
	if !p.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", p.Type)
	}
	if len(p.Data) == 0 {
		return fmt.Errorf("%s payload is empty", p.Type)
	}
	if !full {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(p.Data, &obj); err != nil {
			return fmt.Errorf("%s patch is not a JSON object: %w", p.Type, err)
		}
		if len(obj) == 0 {
			return fmt.Errorf("%s patch has no fields", p.Type)
		}
		return nil
	}

	switch p.Type {
	case TypeUnitPlan:
		var u UnitPlan
		if err := json.Unmarshal(p.Data, &u); err != nil {
			return fmt.Errorf("invalid unit-plan payload: %w", err)
		}
		return u.Validate()
	case TypeLessonPlan:
		var l LessonPlan
		if err := json.Unmarshal(p.Data, &l); err != nil {
			return fmt.Errorf("invalid lesson-plan payload: %w", err)
		}
		return l.Validate()
	case TypeDaybookEntry:
		var d DaybookEntry
		if err := json.Unmarshal(p.Data, &d); err != nil {
			return fmt.Errorf("invalid daybook-entry payload: %w", err)
		}
		return d.Validate()
	case TypePlannerState:
		var ps PlannerState
		if err := json.Unmarshal(p.Data, &ps); err != nil {
			return fmt.Errorf("invalid planner-state payload: %w", err)
		}
		return ps.Validate()
	}
	return nil
}

// WithID returns a copy of the payload with the given id stamped into its
// data document. Used when assigning a temp id to a new entity.
func (p ChangePayload) WithID(id string) (ChangePayload, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(p.Data, &obj); err != nil {
		return ChangePayload{}, fmt.Errorf("failed to parse payload document: %w", err)
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage)
	}
	idJSON, err := json.Marshal(id)
	if err != nil {
		return ChangePayload{}, err
	}
	obj["id"] = idJSON

	data, err := json.Marshal(obj)
	if err != nil {
		return ChangePayload{}, err
	}
	return ChangePayload{Type: p.Type, Data: data}, nil
}

// MergeInto overlays this payload's fields on top of base and returns the
// combined document. Fields present in p win. Used when coalescing queued
// changes for the same entity.
func (p ChangePayload) MergeInto(base json.RawMessage) (json.RawMessage, error) {
	var dst map[string]json.RawMessage
	if len(base) > 0 {
		if err := json.Unmarshal(base, &dst); err != nil {
			return nil, fmt.Errorf("failed to parse base document: %w", err)
		}
	}
	if dst == nil {
		dst = make(map[string]json.RawMessage)
	}

	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(p.Data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse patch document: %w", err)
	}
	for k, v := range overlay {
		dst[k] = v
	}

	merged, err := json.Marshal(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged document: %w", err)
	}
	return merged, nil
}
