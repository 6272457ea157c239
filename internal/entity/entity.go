// Package entity provides the planning entity types shared by the stores,
// the change queue, and the sync pipeline.
package entity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type identifies a planning entity kind. The set is closed: the change
// queue and the remote API only accept these four values.
type Type string

const (
	TypeUnitPlan     Type = "unit-plan"
	TypeLessonPlan   Type = "lesson-plan"
	TypeDaybookEntry Type = "daybook-entry"
	TypePlannerState Type = "planner-state"
)

// AllTypes lists every entity type in a stable order.
func AllTypes() []Type {
	return []Type{TypeUnitPlan, TypeLessonPlan, TypeDaybookEntry, TypePlannerState}
}

// Valid reports whether t is one of the known entity types.
func (t Type) Valid() bool {
	switch t {
	case TypeUnitPlan, TypeLessonPlan, TypeDaybookEntry, TypePlannerState:
		return true
	}
	return false
}

// Resource returns the REST resource name for this type, e.g.
// "unit-plans" for /api/unit-plans.
func (t Type) Resource() string {
	switch t {
	case TypeUnitPlan:
		return "unit-plans"
	case TypeLessonPlan:
		return "lesson-plans"
	case TypeDaybookEntry:
		return "daybook-entries"
	case TypePlannerState:
		return "planner-state"
	}
	return string(t)
}

// TempIDPrefix marks client-assigned ids for entities the server has not
// seen yet. The prefix is replaced by the server id on first sync.
const TempIDPrefix = "temp-"

// IsTempID reports whether id was assigned locally and is not yet known to
// the server.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewTempID returns a fresh client-local id for an offline CREATE.
func NewTempID() string {
	return fmt.Sprintf("%s%d", TempIDPrefix, time.Now().UnixNano())
}

// UnitPlan is a multi-week curriculum unit aligned to a teaching framework.
type UnitPlan struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Grade       string `json:"grade,omitempty"`

	// Framework alignment
	BigIdeas     []string `json:"bigIdeas,omitempty"`
	Expectations []string `json:"expectations,omitempty"`

	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks required UnitPlan fields.
func (u *UnitPlan) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("id is required")
	}
	if u.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(u.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(u.Title))
	}
	if u.EndDate != nil && u.StartDate != nil && u.EndDate.Before(*u.StartDate) {
		return fmt.Errorf("endDate must not precede startDate")
	}
	return nil
}

// LessonPlan is a single lesson inside a unit.
type LessonPlan struct {
	ID         string `json:"id"`
	UnitPlanID string `json:"unitPlanId,omitempty"`
	Title      string `json:"title"`

	Date            *time.Time `json:"date,omitempty"`
	LearningGoals   []string   `json:"learningGoals,omitempty"`
	Materials       []string   `json:"materials,omitempty"`
	AssessmentNotes string     `json:"assessmentNotes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks required LessonPlan fields.
func (l *LessonPlan) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("id is required")
	}
	if l.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// DaybookEntry is a daily reflection. Its list-valued fields merge under the
// MERGE conflict strategy.
// DayDate is a calendar timestamp. Daybook drafts are authored by hand,
// so both RFC3339 and plain YYYY-MM-DD values are accepted.
type DayDate struct {
	time.Time
}

func (d *DayDate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return fmt.Errorf("date must be RFC3339 or YYYY-MM-DD: %w", err)
	}
	d.Time = t
	return nil
}

func (d DayDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(time.RFC3339))
}

type DaybookEntry struct {
	ID   string  `json:"id"`
	Date DayDate `json:"date"`

	WhatWorked string `json:"whatWorked,omitempty"`
	WhatDidnt  string `json:"whatDidnt,omitempty"`
	NextSteps  string `json:"nextSteps,omitempty"`
	Notes      string `json:"notes,omitempty"`

	ResourceLinks []string `json:"resourceLinks,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks required DaybookEntry fields.
func (d *DaybookEntry) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if d.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	return nil
}

// TimeSlot is one block in the weekly planner grid.
type TimeSlot struct {
	Day      string `json:"day"`
	Start    string `json:"start"` // "09:00"
	End      string `json:"end"`   // "09:40"
	Subject  string `json:"subject,omitempty"`
	LessonID string `json:"lessonId,omitempty"`
}

// PlannerState holds weekly-planner layout and preferences.
type PlannerState struct {
	ID        string    `json:"id"`
	WeekStart time.Time `json:"weekStart"`

	TimeSlots   []TimeSlot        `json:"timeSlots,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks required PlannerState fields.
func (p *PlannerState) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.WeekStart.IsZero() {
		return fmt.Errorf("weekStart is required")
	}
	return nil
}

// Envelope is the generic view of a planning entity the sync pipeline works
// with: identity, the last-write-wins timestamp, and the raw document.
type Envelope struct {
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Data      json.RawMessage `json:"-"`
}

// ParseEnvelope extracts id and updatedAt from a raw entity document.
func ParseEnvelope(raw json.RawMessage) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to parse entity document: %w", err)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("entity document has no id")
	}
	e.Data = raw
	return &e, nil
}
