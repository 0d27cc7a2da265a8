package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/storekit/automation/internal/events"
)

// Engine owns workflow definitions and their instances. Definitions
// are read-heavy and guarded by a single RWMutex; transitions on one
// instance are serialized by a per-instance lock, so transitions on
// different instances run in parallel.
//
// Instances live in memory only: guards and hooks are closures and
// cannot be rehydrated from a store.
type Engine struct {
	bus    *events.Bus
	logger *slog.Logger

	mu          sync.RWMutex
	definitions map[string]*Definition
	instances   map[string]*Instance

	locks *keyLocks
}

// NewEngine creates a workflow engine publishing lifecycle events on
// bus. A nil bus gets a private one.
func NewEngine(bus *events.Bus) *Engine {
	if bus == nil {
		bus = events.NewBus()
	}
	return &Engine{
		bus:         bus,
		logger:      slog.Default(),
		definitions: make(map[string]*Definition),
		instances:   make(map[string]*Instance),
		locks:       newKeyLocks(),
	}
}

func instanceKey(name, entityID string) string {
	return name + "/" + entityID
}

// Define registers a workflow definition. Definitions are immutable;
// redefining an existing name is rejected. Emits workflow.defined.
func (e *Engine) Define(def *Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.definitions[def.Name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: workflow %q is already defined", ErrInvalidDefinition, def.Name)
	}
	e.definitions[def.Name] = def
	e.mu.Unlock()

	e.logger.Info("workflow: defined", "workflow", def.Name, "states", len(def.States))
	e.bus.Publish("workflow.defined", map[string]any{
		"workflow": def.Name,
		"states":   append([]string(nil), def.States...),
	})
	return nil
}

func validateDefinition(def *Definition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("%w: workflow name is required", ErrInvalidDefinition)
	}
	if len(def.States) == 0 {
		return fmt.Errorf("%w: workflow %q has no states", ErrInvalidDefinition, def.Name)
	}
	if !def.hasState(def.InitialState) {
		return fmt.Errorf("%w: initial state must be in states list", ErrInvalidDefinition)
	}
	for i, t := range def.Transitions {
		if t.Event == "" {
			return fmt.Errorf("%w: transition %d has no event", ErrInvalidDefinition, i)
		}
		if len(t.From) == 0 {
			return fmt.Errorf("%w: transition %q has no source states", ErrInvalidDefinition, t.Event)
		}
		for _, from := range t.From {
			if !def.hasState(from) {
				return fmt.Errorf("%w: transition %q references unknown state %q", ErrInvalidDefinition, t.Event, from)
			}
		}
		if !def.hasState(t.To) {
			return fmt.Errorf("%w: transition %q references unknown state %q", ErrInvalidDefinition, t.Event, t.To)
		}
	}
	return nil
}

// Definition returns the named definition.
func (e *Engine) Definition(name string) (*Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", name, ErrNotFound)
	}
	return def, nil
}

// CreateInstance places an entity at the workflow's initial state. It
// is idempotent: if an instance already exists for (name, entityID)
// it is returned unchanged, with no extra history entry and no second
// creation event. Emits workflow.instance.created on first creation.
func (e *Engine) CreateInstance(name, entityID string, data map[string]any, actor string) (*Instance, error) {
	e.mu.Lock()
	def, ok := e.definitions[name]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %q: %w", name, ErrNotFound)
	}
	key := instanceKey(name, entityID)
	if existing, ok := e.instances[key]; ok {
		snap := existing.snapshot()
		e.mu.Unlock()
		return snap, nil
	}

	now := time.Now()
	inst := &Instance{
		Workflow:     name,
		EntityID:     entityID,
		CurrentState: def.InitialState,
		Data:         data,
		History: []HistoryEntry{{
			Event:     "init",
			To:        def.InitialState,
			Actor:     actor,
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.instances[key] = inst
	snap := inst.snapshot()
	e.mu.Unlock()

	e.logger.Info("workflow: instance created", "workflow", name, "entity_id", entityID, "state", def.InitialState)
	e.bus.Publish("workflow.instance.created", map[string]any{
		"workflow":  name,
		"entity_id": entityID,
		"state":     def.InitialState,
	})
	return snap, nil
}

// Transition applies the named event to an instance. Guards run in
// order unless opts.Force is set, in which case they are not invoked
// at all. A guard rejection mutates nothing and runs no hook. Before
// hooks run prior to the state change and abort it on error; after
// hooks run once the state has changed and their errors are logged.
// Hook writes to the context's instance Data are merged back under
// the engine lock, so concurrent readers never observe a bare map
// write. Concurrent transitions against the same instance are
// serialized.
//
// Emits workflow.transition and workflow.{name}.{newState}.
func (e *Engine) Transition(ctx context.Context, name, entityID, event string, opts TransitionOptions) (*Instance, error) {
	key := instanceKey(name, entityID)
	unlock := e.locks.lock(key)
	defer unlock()

	e.mu.RLock()
	def, defOK := e.definitions[name]
	inst, instOK := e.instances[key]
	var view *Instance
	if instOK {
		view = inst.snapshot()
	}
	e.mu.RUnlock()
	if !defOK {
		return nil, fmt.Errorf("workflow %q: %w", name, ErrNotFound)
	}
	if !instOK {
		return nil, fmt.Errorf("instance %q of workflow %q: %w", entityID, name, ErrNotFound)
	}

	transition, ok := resolveTransition(def, view.CurrentState, event)
	if !ok {
		return nil, &NoTransitionError{Event: event, State: view.CurrentState}
	}

	// Guards and hooks work on a private copy; Data writes are merged
	// into the engine's instance when the transition commits, so they
	// never race with snapshot readers.
	tc := &TransitionContext{
		Instance: view,
		Event:    event,
		Payload:  opts.Payload,
		Actor:    opts.Actor,
	}

	if !opts.Force {
		for _, guard := range transition.Guards {
			pass, err := guard(ctx, tc)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrGuardsFailed, err)
			}
			if !pass {
				return nil, ErrGuardsFailed
			}
		}
	}

	for _, hook := range transition.Before {
		if err := hook(ctx, tc); err != nil {
			return nil, fmt.Errorf("before hook: %w", err)
		}
	}

	from := view.CurrentState
	now := time.Now()
	entry := HistoryEntry{
		Event:     event,
		From:      from,
		To:        transition.To,
		Actor:     opts.Actor,
		Timestamp: now,
	}
	e.mu.Lock()
	inst.CurrentState = transition.To
	inst.UpdatedAt = now
	inst.History = append(inst.History, entry)
	inst.Data = maps.Clone(view.Data)
	e.mu.Unlock()

	// Keep the hook view in step with the committed state.
	view.CurrentState = transition.To
	view.UpdatedAt = now
	view.History = append(view.History, entry)

	for _, hook := range transition.After {
		if err := hook(ctx, tc); err != nil {
			e.logger.Error("workflow: after hook failed",
				"workflow", name, "entity_id", entityID, "event", event, "err", err)
		}
	}

	e.mu.Lock()
	inst.Data = maps.Clone(view.Data)
	snap := inst.snapshot()
	e.mu.Unlock()

	e.logger.Info("workflow: transition",
		"workflow", name, "entity_id", entityID, "event", event, "from", from, "to", transition.To)

	transitionInfo := map[string]any{
		"event": event,
		"from":  from,
		"to":    transition.To,
	}
	if opts.Actor != "" {
		transitionInfo["actor"] = opts.Actor
	}
	instanceInfo := map[string]any{
		"workflow":  name,
		"entity_id": entityID,
		"state":     transition.To,
	}
	e.bus.Publish("workflow.transition", map[string]any{
		"instance":   instanceInfo,
		"transition": transitionInfo,
	})
	e.bus.Publish("workflow."+name+"."+transition.To, map[string]any{
		"instance":   instanceInfo,
		"transition": transitionInfo,
	})
	return snap, nil
}

// resolveTransition picks the first transition by definition order
// whose From includes state and whose Event matches.
func resolveTransition(def *Definition, state, event string) (Transition, bool) {
	for _, t := range def.Transitions {
		if t.Event == event && t.hasFrom(state) {
			return t, true
		}
	}
	return Transition{}, false
}

// CanTransition reports whether the event would be accepted right
// now: the transition must resolve and its guards must pass. It never
// mutates state and never runs hooks. A missing transition yields
// (false, nil) rather than an error.
func (e *Engine) CanTransition(ctx context.Context, name, entityID, event string) (bool, error) {
	e.mu.RLock()
	def, defOK := e.definitions[name]
	inst, instOK := e.instances[instanceKey(name, entityID)]
	var view *Instance
	if instOK {
		view = inst.snapshot()
	}
	e.mu.RUnlock()
	if !defOK {
		return false, fmt.Errorf("workflow %q: %w", name, ErrNotFound)
	}
	if !instOK {
		return false, fmt.Errorf("instance %q of workflow %q: %w", entityID, name, ErrNotFound)
	}

	transition, ok := resolveTransition(def, view.CurrentState, event)
	if !ok {
		return false, nil
	}
	tc := &TransitionContext{Instance: view, Event: event}
	for _, guard := range transition.Guards {
		pass, err := guard(ctx, tc)
		if err != nil || !pass {
			return false, nil
		}
	}
	return true, nil
}

// AvailableTransitions lists every transition whose From includes the
// instance's current state. Guards are not evaluated; this lists
// possible events, not currently permitted ones.
func (e *Engine) AvailableTransitions(name, entityID string) ([]Transition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, defOK := e.definitions[name]
	inst, instOK := e.instances[instanceKey(name, entityID)]
	if !defOK {
		return nil, fmt.Errorf("workflow %q: %w", name, ErrNotFound)
	}
	if !instOK {
		return nil, fmt.Errorf("instance %q of workflow %q: %w", entityID, name, ErrNotFound)
	}

	var available []Transition
	for _, t := range def.Transitions {
		if t.hasFrom(inst.CurrentState) {
			available = append(available, t)
		}
	}
	return available, nil
}

// Instance returns a snapshot of the instance's current state.
func (e *Engine) Instance(name, entityID string) (*Instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[instanceKey(name, entityID)]
	if !ok {
		return nil, fmt.Errorf("instance %q of workflow %q: %w", entityID, name, ErrNotFound)
	}
	return inst.snapshot(), nil
}

// History returns the instance's full ordered history.
func (e *Engine) History(name, entityID string) ([]HistoryEntry, error) {
	inst, err := e.Instance(name, entityID)
	if err != nil {
		return nil, err
	}
	return inst.History, nil
}

// Reset reverts the instance to the workflow's initial state and
// appends a "reset" history entry; earlier history is retained. Emits
// workflow.instance.reset.
func (e *Engine) Reset(name, entityID, actor string) (*Instance, error) {
	key := instanceKey(name, entityID)
	unlock := e.locks.lock(key)
	defer unlock()

	e.mu.Lock()
	def, defOK := e.definitions[name]
	inst, instOK := e.instances[key]
	if !defOK {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %q: %w", name, ErrNotFound)
	}
	if !instOK {
		e.mu.Unlock()
		return nil, fmt.Errorf("instance %q of workflow %q: %w", entityID, name, ErrNotFound)
	}

	from := inst.CurrentState
	now := time.Now()
	inst.CurrentState = def.InitialState
	inst.UpdatedAt = now
	inst.History = append(inst.History, HistoryEntry{
		Event:     "reset",
		From:      from,
		To:        def.InitialState,
		Actor:     actor,
		Timestamp: now,
	})
	snap := inst.snapshot()
	e.mu.Unlock()

	e.logger.Info("workflow: instance reset", "workflow", name, "entity_id", entityID, "from", from)
	e.bus.Publish("workflow.instance.reset", map[string]any{
		"workflow":  name,
		"entity_id": entityID,
		"from":      from,
		"state":     def.InitialState,
	})
	return snap, nil
}

// DeleteInstance removes the instance entirely.
func (e *Engine) DeleteInstance(name, entityID string) error {
	key := instanceKey(name, entityID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.instances[key]; !ok {
		return fmt.Errorf("instance %q of workflow %q: %w", entityID, name, ErrNotFound)
	}
	delete(e.instances, key)
	return nil
}

// Stats counts live instances per current state for one workflow.
// Returns nil for an unknown workflow name.
func (e *Engine) Stats(name string) *Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.definitions[name]; !ok {
		return nil
	}
	stats := &Stats{StateDistribution: make(map[string]int)}
	for _, inst := range e.instances {
		if inst.Workflow == name {
			stats.TotalInstances++
			stats.StateDistribution[inst.CurrentState]++
		}
	}
	return stats
}

// Export serializes the workflow definition (not its instances) as
// JSON. Guards and hooks are closures and are omitted.
func (e *Engine) Export(name string) ([]byte, error) {
	def, err := e.Definition(name)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(def, "", "  ")
}

// keyLocks hands out one mutex per instance key so transitions on the
// same instance serialize while different instances proceed in
// parallel. Locks are never reaped; the instance population is small
// and bounded by the domain.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
