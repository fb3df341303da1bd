package requirement

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("requirement not found")

// DurationUnit is the unit of an engagement duration.
type DurationUnit string

const (
	UnitHours  DurationUnit = "hours"
	UnitDays   DurationUnit = "days"
	UnitWeeks  DurationUnit = "weeks"
	UnitMonths DurationUnit = "months"
)

func (u DurationUnit) Valid() bool {
	switch u {
	case UnitHours, UnitDays, UnitWeeks, UnitMonths:
		return true
	}
	return false
}

// Budget is a min/max range in a fixed currency.
type Budget struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Currency string  `json:"currency"`
}

// Duration is an engagement length with its unit.
type Duration struct {
	Value float64      `json:"value"`
	Unit  DurationUnit `json:"unit"`
}

// Draft is the structured job specification extracted by the assistant's
// save directive. Field names follow the upstream tool schema. Validation
// beyond what the tool schema enforces is left to the sink.
type Draft struct {
	TaskTitle                string   `json:"task_title"`
	TaskDescription          string   `json:"task_description"`
	SkillsRequired           []string `json:"skills_required"`
	Experience               string   `json:"experience"`
	BudgetMin                float64  `json:"budget_min,omitempty"`
	BudgetMax                float64  `json:"budget_max,omitempty"`
	DurationValue            float64  `json:"duration_value,omitempty"`
	DurationUnit             string   `json:"duration_unit,omitempty"`
	PreferredCharacteristics []string `json:"preferred_characteristics,omitempty"`
	MustHaveSkills           []string `json:"must_have_skills,omitempty"`
	NiceToHaveSkills         []string `json:"nice_to_have_skills,omitempty"`
}

// ParseDraft decodes a tool-call argument payload.
func ParseDraft(raw []byte) (Draft, error) {
	var d Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return Draft{}, fmt.Errorf("decode requirement draft: %w", err)
	}
	return d, nil
}

// Requirement is a persisted job specification record.
type Requirement struct {
	ID                       string    `json:"id"`
	SessionID                string    `json:"session_id,omitempty"`
	TaskTitle                string    `json:"task_title"`
	TaskDescription          string    `json:"task_description"`
	SkillsRequired           []string  `json:"skills_required"`
	Experience               string    `json:"experience"`
	Budget                   *Budget   `json:"budget,omitempty"`
	Duration                 *Duration `json:"duration,omitempty"`
	PreferredCharacteristics []string  `json:"preferred_characteristics"`
	MustHaveSkills           []string  `json:"must_have_skills"`
	NiceToHaveSkills         []string  `json:"nice_to_have_skills"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// DefaultCurrency is fixed for all budgets; the intake conversation is
// priced in yen.
const DefaultCurrency = "JPY"

// FromDraft materializes a record from an extracted draft. The sink (not
// the client) owns persistence-time validation.
func FromDraft(d Draft, sessionID string) (Requirement, error) {
	if strings.TrimSpace(d.TaskTitle) == "" {
		return Requirement{}, errors.New("task_title is required")
	}
	if strings.TrimSpace(d.TaskDescription) == "" {
		return Requirement{}, errors.New("task_description is required")
	}

	r := Requirement{
		SessionID:                sessionID,
		TaskTitle:                strings.TrimSpace(d.TaskTitle),
		TaskDescription:          strings.TrimSpace(d.TaskDescription),
		SkillsRequired:           emptyIfNil(d.SkillsRequired),
		Experience:               strings.TrimSpace(d.Experience),
		PreferredCharacteristics: emptyIfNil(d.PreferredCharacteristics),
		MustHaveSkills:           emptyIfNil(d.MustHaveSkills),
		NiceToHaveSkills:         emptyIfNil(d.NiceToHaveSkills),
	}

	if d.BudgetMin > 0 || d.BudgetMax > 0 {
		r.Budget = &Budget{Min: d.BudgetMin, Max: d.BudgetMax, Currency: DefaultCurrency}
	}
	if d.DurationValue > 0 {
		unit := DurationUnit(strings.TrimSpace(d.DurationUnit))
		if !unit.Valid() {
			return Requirement{}, fmt.Errorf("invalid duration_unit %q", d.DurationUnit)
		}
		r.Duration = &Duration{Value: d.DurationValue, Unit: unit}
	}
	return r, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
