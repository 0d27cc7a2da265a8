package automation

import (
	"time"

	"github.com/storekit/automation/internal/action"
	"github.com/storekit/automation/internal/condition"
)

// ExecutionRecord captures one rule invocation: the triggering
// payload, every leaf condition's individual result, and per-action
// outcomes. Records are read-only once created.
type ExecutionRecord struct {
	ID         string                 `json:"id"`
	RuleID     string                 `json:"rule_id"`
	Event      string                 `json:"event,omitempty"`
	Payload    map[string]any         `json:"payload,omitempty"`
	Matched    bool                   `json:"matched"`
	DryRun     bool                   `json:"dry_run,omitempty"`
	Conditions []condition.LeafResult `json:"conditions,omitempty"`
	Actions    []action.Outcome       `json:"actions,omitempty"`
	Duration   time.Duration          `json:"duration"`
	CreatedAt  time.Time              `json:"created_at"`
}
