// Package automation implements the rule-based event processor: rule
// definitions, event and schedule triggers, condition evaluation,
// prioritized dispatch and execution records.
package automation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/storekit/automation/internal/action"
	"github.com/storekit/automation/internal/condition"
)

// ErrInvalidRule marks definition-time validation failures. Nothing is
// stored when it is returned.
var ErrInvalidRule = errors.New("invalid rule")

// ErrNotFound is returned for unknown rule IDs.
var ErrNotFound = errors.New("rule not found")

// reservedNamespace guards against rules triggering on the engine's
// own lifecycle events; a rule reacting to automation.rule.executed
// would retrigger itself forever.
const reservedNamespace = "automation.rule."

// TriggerType discriminates how a rule fires.
type TriggerType string

const (
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
)

// Trigger binds a rule to an event name or a cron cadence.
type Trigger struct {
	Type  TriggerType `json:"type"`
	Event string      `json:"event,omitempty"`
	Cron  string      `json:"cron,omitempty"`
}

// Rule is a named, prioritized binding of a trigger to a condition
// tree and an action list. Higher priority executes first when several
// rules match one event.
type Rule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Enabled     bool            `json:"enabled"`
	Priority    int             `json:"priority"`
	Trigger     Trigger         `json:"trigger"`
	Conditions  *condition.Node `json:"conditions,omitempty"`
	Actions     []action.Spec   `json:"actions"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	// seq preserves insertion order for deterministic priority ties.
	seq int64
}

// Patch is a partial rule update; nil fields are left unchanged.
// Conditions and Actions replace wholesale when set.
type Patch struct {
	Name        *string
	Description *string
	Priority    *int
	Enabled     *bool
	Trigger     *Trigger
	Conditions  *condition.Node
	Actions     []action.Spec
}

func validateRule(r *Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: rule name is required", ErrInvalidRule)
	}
	switch r.Trigger.Type {
	case TriggerEvent:
		if r.Trigger.Event == "" {
			return fmt.Errorf("%w: event trigger requires an event name", ErrInvalidRule)
		}
		if strings.HasPrefix(r.Trigger.Event, reservedNamespace) {
			return fmt.Errorf("%w: cannot trigger on reserved namespace %q", ErrInvalidRule, reservedNamespace)
		}
	case TriggerSchedule:
		if r.Trigger.Cron == "" {
			return fmt.Errorf("%w: schedule trigger requires a cron expression", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidRule, r.Trigger.Type)
	}
	if err := condition.Validate(r.Conditions); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	for i, a := range r.Actions {
		if a.Type == "" {
			return fmt.Errorf("%w: action %d has no type", ErrInvalidRule, i)
		}
	}
	return nil
}

// apply overlays the patch onto a copy of r and returns it.
func (p Patch) apply(r *Rule) *Rule {
	out := *r
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.Trigger != nil {
		out.Trigger = *p.Trigger
	}
	if p.Conditions != nil {
		out.Conditions = p.Conditions
	}
	if p.Actions != nil {
		out.Actions = p.Actions
	}
	return &out
}
