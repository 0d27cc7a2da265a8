package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storekit/automation/internal/action"
	"github.com/storekit/automation/internal/condition"
	"github.com/storekit/automation/internal/events"
	"github.com/storekit/automation/internal/scheduler"
)

// Config wires the engine's collaborators. Nil stores default to the
// in-memory adapters; Bus and Scheduler are required for event
// emission and schedule triggers respectively.
type Config struct {
	Rules      RuleStore
	Records    RecordStore
	Dispatcher *action.Dispatcher
	Scheduler  scheduler.Scheduler
	Bus        *events.Bus
	Limits     Limits
}

// Engine owns rule definitions and orchestrates trigger matching,
// condition evaluation, action execution and record keeping. Multiple
// engines can coexist; there is no package-level state.
type Engine struct {
	store      RuleStore
	records    RecordStore
	dispatcher *action.Dispatcher
	sched      scheduler.Scheduler
	bus        *events.Bus
	limiter    *Limiter
	logger     *slog.Logger

	mu         sync.RWMutex
	rules      map[string]*Rule
	eventIndex map[string][]string // event name -> rule IDs, insertion order
	nextSeq    int64

	wg          sync.WaitGroup
	unsubscribe func()
}

// NewEngine creates a rule engine. Call Start to load persisted rules
// and register their schedules, and Close on shutdown.
func NewEngine(cfg Config) *Engine {
	if cfg.Rules == nil {
		cfg.Rules = NewMemoryRuleStore()
	}
	if cfg.Records == nil {
		cfg.Records = NewMemoryRecordStore()
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = action.NewDispatcher()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	return &Engine{
		store:      cfg.Rules,
		records:    cfg.Records,
		dispatcher: cfg.Dispatcher,
		sched:      cfg.Scheduler,
		bus:        cfg.Bus,
		limiter:    NewLimiter(cfg.Limits),
		logger:     slog.Default(),
		rules:      make(map[string]*Rule),
		eventIndex: make(map[string][]string),
	}
}

// Dispatcher exposes the action dispatcher for custom handler
// registration.
func (e *Engine) Dispatcher() *action.Dispatcher { return e.dispatcher }

// Start loads persisted rules, rebuilds the trigger index and
// registers scheduled jobs.
func (e *Engine) Start(ctx context.Context) error {
	rules, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	for _, rule := range rules {
		e.index(rule)
		if err := e.scheduleRule(rule); err != nil {
			e.logger.Error("automation: failed to schedule rule", "rule_id", rule.ID, "err", err)
		}
	}
	e.logger.Info("automation: engine started", "rules", len(rules))
	return nil
}

// Attach subscribes the engine to every bus topic so published domain
// events dispatch event-triggered rules. Dispatches run on their own
// goroutines, bounded by the engine's limiter.
func (e *Engine) Attach() {
	e.unsubscribe = e.bus.Subscribe("*", func(ev events.Event) {
		e.HandleEventAsync(context.Background(), ev.Topic, ev.Payload)
	})
}

// Close detaches from the bus, cancels scheduled jobs and waits for
// in-flight dispatches. The scheduler itself is owned by the host.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	if e.sched != nil {
		e.mu.RLock()
		for id, rule := range e.rules {
			if rule.Trigger.Type == TriggerSchedule {
				e.sched.Cancel(id)
			}
		}
		e.mu.RUnlock()
	}
	e.wg.Wait()
}

// CreateRule validates and stores a new rule, indexes its trigger and
// registers its schedule. The ID is assigned when empty. Nothing is
// stored on validation failure.
func (e *Engine) CreateRule(ctx context.Context, rule *Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.Trigger.Type == TriggerSchedule && e.sched == nil {
		return fmt.Errorf("%w: no scheduler configured for schedule triggers", ErrInvalidRule)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := e.store.Create(ctx, rule); err != nil {
		return fmt.Errorf("store rule: %w", err)
	}
	e.index(rule)
	if err := e.scheduleRule(rule); err != nil {
		// Roll back; a rule whose cron cannot be parsed must not be
		// half-registered.
		e.unindex(rule.ID)
		if delErr := e.store.Delete(ctx, rule.ID); delErr != nil {
			e.logger.Error("automation: rollback failed", "rule_id", rule.ID, "err", delErr)
		}
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	e.logger.Info("automation: rule created", "rule_id", rule.ID, "name", rule.Name)
	e.bus.Publish("automation.rule.created", map[string]any{
		"rule_id": rule.ID,
		"name":    rule.Name,
	})
	return nil
}

// UpdateRule applies a partial update. The combined result is
// re-validated before anything is stored; trigger changes re-register
// the schedule and re-index the event.
func (e *Engine) UpdateRule(ctx context.Context, id string, patch Patch) (*Rule, error) {
	e.mu.RLock()
	existing, ok := e.rules[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rule %q: %w", id, ErrNotFound)
	}

	updated := patch.apply(existing)
	if err := validateRule(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now()

	triggerChanged := updated.Trigger != existing.Trigger
	if triggerChanged && updated.Trigger.Type == TriggerSchedule && e.sched == nil {
		return nil, fmt.Errorf("%w: no scheduler configured for schedule triggers", ErrInvalidRule)
	}

	if err := e.store.Update(ctx, updated); err != nil {
		return nil, fmt.Errorf("store rule: %w", err)
	}

	if triggerChanged {
		if updated.Trigger.Type == TriggerSchedule {
			// Register only once the store holds the new cadence, so
			// the scheduler never runs a cron the store doesn't have.
			if err := e.scheduleRule(updated); err != nil {
				if rbErr := e.store.Update(ctx, existing); rbErr != nil {
					e.logger.Error("automation: rollback failed", "rule_id", id, "err", rbErr)
				}
				return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
			}
		}
		if existing.Trigger.Type == TriggerSchedule && updated.Trigger.Type != TriggerSchedule && e.sched != nil {
			e.sched.Cancel(id)
		}
	}
	e.unindex(id)
	e.index(updated)

	e.logger.Info("automation: rule updated", "rule_id", id)
	e.bus.Publish("automation.rule.updated", map[string]any{
		"rule_id": id,
		"name":    updated.Name,
	})
	return updated, nil
}

// DeleteRule removes the rule, deregisters its schedule and drops it
// from the event index.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	e.mu.RLock()
	rule, ok := e.rules[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("rule %q: %w", id, ErrNotFound)
	}

	if err := e.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if rule.Trigger.Type == TriggerSchedule && e.sched != nil {
		e.sched.Cancel(id)
	}
	e.unindex(id)

	e.logger.Info("automation: rule deleted", "rule_id", id)
	e.bus.Publish("automation.rule.deleted", map[string]any{"rule_id": id})
	return nil
}

// EnableRule re-enables a disabled rule.
func (e *Engine) EnableRule(ctx context.Context, id string) error {
	return e.setEnabled(ctx, id, true)
}

// DisableRule disables a rule. Its scheduled job keeps firing but
// short-circuits without executing actions.
func (e *Engine) DisableRule(ctx context.Context, id string) error {
	return e.setEnabled(ctx, id, false)
}

func (e *Engine) setEnabled(ctx context.Context, id string, enabled bool) error {
	e.mu.RLock()
	existing, ok := e.rules[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("rule %q: %w", id, ErrNotFound)
	}

	updated := *existing
	updated.Enabled = enabled
	updated.UpdatedAt = time.Now()
	if err := e.store.Update(ctx, &updated); err != nil {
		return fmt.Errorf("store rule: %w", err)
	}

	e.mu.Lock()
	e.rules[id] = &updated
	e.mu.Unlock()
	return nil
}

// GetRule returns the rule with the given ID.
func (e *Engine) GetRule(id string) (*Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %q: %w", id, ErrNotFound)
	}
	return rule, nil
}

// ListRules returns every rule in insertion order.
func (e *Engine) ListRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rules := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].seq < rules[j].seq })
	return rules
}

// HandleEvent dispatches an event to every enabled rule indexed under
// it, in descending priority order (ties broken by insertion order),
// sequentially. A failure inside one rule never prevents the others
// from running.
func (e *Engine) HandleEvent(ctx context.Context, event string, payload map[string]any) []*ExecutionRecord {
	matched := e.rulesForEvent(event)
	if len(matched) == 0 {
		return nil
	}

	records := make([]*ExecutionRecord, 0, len(matched))
	for _, rule := range matched {
		records = append(records, e.executeIsolated(ctx, rule, payload, event))
	}
	return records
}

// HandleEventAsync dispatches on a new goroutine, bounded by the
// engine's concurrency limiter. Independent events run in parallel;
// rules within one dispatch still run sequentially.
func (e *Engine) HandleEventAsync(ctx context.Context, event string, payload map[string]any) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.limiter.Acquire(ctx, event); err != nil {
			e.logger.Error("automation: dispatch cancelled", "event", event, "err", err)
			return
		}
		defer e.limiter.Release(event)
		e.HandleEvent(ctx, event, payload)
	}()
}

func (e *Engine) rulesForEvent(event string) []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := e.eventIndex[event]
	matched := make([]*Rule, 0, len(ids))
	for _, id := range ids {
		if rule, ok := e.rules[id]; ok && rule.Enabled {
			matched = append(matched, rule)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].seq < matched[j].seq
	})
	return matched
}

func (e *Engine) executeIsolated(ctx context.Context, rule *Rule, payload map[string]any, event string) (rec *ExecutionRecord) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("automation: rule execution panicked", "rule_id", rule.ID, "err", r)
			rec = &ExecutionRecord{
				ID:        uuid.NewString(),
				RuleID:    rule.ID,
				Event:     event,
				CreatedAt: time.Now(),
			}
		}
	}()
	return e.ExecuteRule(ctx, rule, payload, event)
}

// ExecuteRule evaluates the rule's conditions against payload and, on
// a match, runs its actions. Every invocation produces an
// ExecutionRecord with per-condition results and per-action outcomes;
// execution failures are captured in the record, never returned.
// The record keeps its own snapshot of the triggering payload, taken
// before any action runs.
func (e *Engine) ExecuteRule(ctx context.Context, rule *Rule, payload map[string]any, event string) *ExecutionRecord {
	start := time.Now()
	snapshot := maps.Clone(payload)

	matched, conditionResults := condition.Explain(rule.Conditions, payload)

	var outcomes []action.Outcome
	if matched {
		exec := action.NewExecContext(rule.ID, event)
		outcomes = e.dispatcher.Execute(ctx, rule.Actions, payload, exec)
	}

	rec := &ExecutionRecord{
		ID:         uuid.NewString(),
		RuleID:     rule.ID,
		Event:      event,
		Payload:    snapshot,
		Matched:    matched,
		Conditions: conditionResults,
		Actions:    outcomes,
		Duration:   time.Since(start),
		CreatedAt:  time.Now(),
	}
	if err := e.records.Create(ctx, rec); err != nil {
		e.logger.Error("automation: failed to store execution record", "rule_id", rule.ID, "err", err)
	}

	e.bus.Publish("automation.rule.executed", map[string]any{
		"rule_id":     rule.ID,
		"record_id":   rec.ID,
		"event":       event,
		"matched":     matched,
		"duration_ms": rec.Duration.Milliseconds(),
		"actions":     summarize(outcomes),
	})
	return rec
}

func summarize(outcomes []action.Outcome) []map[string]any {
	out := make([]map[string]any, len(outcomes))
	for i, o := range outcomes {
		out[i] = map[string]any{
			"type":    o.Type,
			"success": o.Success,
		}
		if o.Error != "" {
			out[i]["error"] = o.Error
		}
	}
	return out
}

// TestRule previews a rule against a sample payload. Conditions are
// evaluated in full-explain mode; actions never execute and the
// returned record is flagged as a dry run and not stored.
func (e *Engine) TestRule(_ context.Context, id string, payload map[string]any) (*ExecutionRecord, error) {
	rule, err := e.GetRule(id)
	if err != nil {
		return nil, err
	}
	matched, conditionResults := condition.Explain(rule.Conditions, payload)
	return &ExecutionRecord{
		ID:         uuid.NewString(),
		RuleID:     rule.ID,
		Payload:    maps.Clone(payload),
		Matched:    matched,
		DryRun:     true,
		Conditions: conditionResults,
		CreatedAt:  time.Now(),
	}, nil
}

// ScheduledJobStatus reports the cron job state for a
// schedule-triggered rule.
func (e *Engine) ScheduledJobStatus(id string) (scheduler.Status, error) {
	rule, err := e.GetRule(id)
	if err != nil {
		return scheduler.Status{}, err
	}
	if rule.Trigger.Type != TriggerSchedule {
		return scheduler.Status{}, fmt.Errorf("rule %q has no schedule trigger", id)
	}
	if e.sched == nil {
		return scheduler.Status{}, fmt.Errorf("no scheduler configured")
	}
	status, ok := e.sched.Status(id)
	if !ok {
		return scheduler.Status{}, fmt.Errorf("schedule for rule %q: %w", id, ErrNotFound)
	}
	return status, nil
}

// TriggerScheduledRule fires a schedule-triggered rule immediately,
// bypassing the cron wait. Disabled rules short-circuit without
// executing anything.
func (e *Engine) TriggerScheduledRule(ctx context.Context, id string) (*ExecutionRecord, error) {
	rule, err := e.GetRule(id)
	if err != nil {
		return nil, err
	}
	if !rule.Enabled {
		e.logger.Debug("automation: scheduled rule disabled, skipping", "rule_id", id)
		return nil, nil
	}
	payload := map[string]any{
		"rule_id": rule.ID,
		"trigger": "schedule",
	}
	return e.executeIsolated(ctx, rule, payload, ""), nil
}

// ExportRules serializes every rule definition (not execution
// records) as a JSON array.
func (e *Engine) ExportRules() ([]byte, error) {
	return json.MarshalIndent(e.ListRules(), "", "  ")
}

// ImportRules loads a JSON array of rule definitions. Every rule is
// validated before any is stored; existing IDs are replaced, so
// importing an export reproduces an equivalent rule set.
func (e *Engine) ImportRules(ctx context.Context, data []byte) error {
	var incoming []*Rule
	if err := json.Unmarshal(data, &incoming); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	for _, rule := range incoming {
		if err := validateRule(rule); err != nil {
			return fmt.Errorf("rule %q: %w", rule.Name, err)
		}
	}

	for _, rule := range incoming {
		e.mu.RLock()
		_, exists := e.rules[rule.ID]
		e.mu.RUnlock()

		if exists {
			patch := Patch{
				Name:        &rule.Name,
				Description: &rule.Description,
				Priority:    &rule.Priority,
				Enabled:     &rule.Enabled,
				Trigger:     &rule.Trigger,
				Conditions:  rule.Conditions,
				Actions:     rule.Actions,
			}
			if _, err := e.UpdateRule(ctx, rule.ID, patch); err != nil {
				return err
			}
			continue
		}
		if err := e.CreateRule(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}

// Records exposes the execution record store for history queries.
func (e *Engine) Records() RecordStore { return e.records }

func (e *Engine) index(rule *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSeq++
	rule.seq = e.nextSeq
	e.rules[rule.ID] = rule
	if rule.Trigger.Type == TriggerEvent {
		e.eventIndex[rule.Trigger.Event] = append(e.eventIndex[rule.Trigger.Event], rule.ID)
	}
}

func (e *Engine) unindex(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[id]
	if !ok {
		return
	}
	delete(e.rules, id)
	if rule.Trigger.Type == TriggerEvent {
		ids := e.eventIndex[rule.Trigger.Event]
		for i, rid := range ids {
			if rid == id {
				e.eventIndex[rule.Trigger.Event] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
}

func (e *Engine) scheduleRule(rule *Rule) error {
	if rule.Trigger.Type != TriggerSchedule || e.sched == nil {
		return nil
	}
	id := rule.ID
	return e.sched.Schedule(id, rule.Trigger.Cron, func() {
		if _, err := e.TriggerScheduledRule(context.Background(), id); err != nil {
			e.logger.Error("automation: scheduled rule failed", "rule_id", id, "err", err)
		}
	})
}
