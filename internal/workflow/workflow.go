package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidDefinition reports a malformed workflow definition.
	// Nothing is stored when definition fails.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrNotFound reports an unknown workflow name or instance key.
	ErrNotFound = errors.New("not found")

	// ErrGuardsFailed reports a transition rejected by its guards. No
	// state is mutated and no hook runs when guards fail.
	ErrGuardsFailed = errors.New("transition guards failed")
)

// NoTransitionError reports a transition request with no matching
// transition from the instance's current state.
type NoTransitionError struct {
	Event string
	State string
}

func (e *NoTransitionError) Error() string {
	return fmt.Sprintf("no transition found for event %q from state %q", e.Event, e.State)
}

// Guard is an ordered predicate on a transition. All guards must pass
// for the transition to proceed, unless it is forced.
type Guard func(ctx context.Context, tc *TransitionContext) (bool, error)

// Hook is a side-effecting callback around a transition. Before hooks
// run prior to the state mutation and abort it on error; after hooks
// run once the state has changed and their errors are only logged.
type Hook func(ctx context.Context, tc *TransitionContext) error

// Transition moves an instance from any of the From states to To when
// Event is requested. Guards and hooks are closures and never
// serialize; Export emits only the structural fields.
type Transition struct {
	From   []string `json:"from"`
	To     string   `json:"to"`
	Event  string   `json:"event"`
	Guards []Guard  `json:"-"`
	Before []Hook   `json:"-"`
	After  []Hook   `json:"-"`
}

func (t Transition) hasFrom(state string) bool {
	for _, f := range t.From {
		if f == state {
			return true
		}
	}
	return false
}

// Definition is a named state machine for a class of entities. It is
// immutable once defined; redefinition under the same name is
// rejected.
type Definition struct {
	Name         string       `json:"name"`
	EntityType   string       `json:"entity_type,omitempty"`
	States       []string     `json:"states"`
	InitialState string       `json:"initial_state"`
	Transitions  []Transition `json:"transitions"`
}

func (d *Definition) hasState(state string) bool {
	for _, s := range d.States {
		if s == state {
			return true
		}
	}
	return false
}

// HistoryEntry records one state change. The first entry of every
// instance is synthetic with Event "init" and an empty From; Reset
// appends an entry with Event "reset".
type HistoryEntry struct {
	Event     string    `json:"event"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Actor     string    `json:"actor,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Instance is the live state of one entity within one workflow,
// keyed by (workflow name, entity ID).
type Instance struct {
	Workflow     string         `json:"workflow"`
	EntityID     string         `json:"entity_id"`
	CurrentState string         `json:"current_state"`
	Data         map[string]any `json:"data,omitempty"`
	History      []HistoryEntry `json:"history"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (i *Instance) snapshot() *Instance {
	cp := *i
	cp.History = make([]HistoryEntry, len(i.History))
	copy(cp.History, i.History)
	if i.Data != nil {
		cp.Data = make(map[string]any, len(i.Data))
		for k, v := range i.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

// TransitionContext is handed to guards and hooks. The instance is a
// private working copy for this call: hooks may mutate its Data, and
// the engine merges those writes back when the transition commits.
// Guards get the same copy and should treat it as read-only. The copy
// is never shared with other goroutines, so the context is safe to
// use without synchronization until the transition returns.
type TransitionContext struct {
	Instance *Instance
	Event    string
	Payload  map[string]any
	Actor    string
}

// TransitionOptions tunes a single transition call. Force skips guard
// evaluation entirely; guards are not even invoked.
type TransitionOptions struct {
	Force   bool
	Payload map[string]any
	Actor   string
}

// Stats summarizes the live instances of one workflow.
type Stats struct {
	TotalInstances    int            `json:"total_instances"`
	StateDistribution map[string]int `json:"state_distribution"`
}
