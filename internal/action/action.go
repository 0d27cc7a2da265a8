// Package action executes the parameterized side-effecting operations
// attached to automation rules. Handlers are looked up by type in a
// registry; built-ins cover event emission, logging, outbound HTTP,
// delivery emissions and record persistence, and custom handlers may
// override or extend them.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Spec is one action entry on a rule: a handler type plus its
// parameters. String parameter values support {{path}} interpolation
// against the triggering payload.
type Spec struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// Outcome is the result of one action execution.
type Outcome struct {
	Type     string        `json:"type"`
	Success  bool          `json:"success"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Invocation is what a handler receives: interpolated params, the
// triggering payload, and the shared execution context.
type Invocation struct {
	Params  map[string]any
	Payload map[string]any
	Exec    *ExecContext
}

// ExecContext is shared across the actions of one rule execution.
// Metadata written by set_metadata is visible to later actions in the
// same run.
type ExecContext struct {
	RuleID   string
	Event    string
	Actor    string
	Metadata map[string]any
}

// NewExecContext builds an execution context with an initialized
// metadata map.
func NewExecContext(ruleID, event string) *ExecContext {
	return &ExecContext{
		RuleID:   ruleID,
		Event:    event,
		Metadata: make(map[string]any),
	}
}

// Handler executes one action. The returned value is recorded as the
// outcome's output.
type Handler func(ctx context.Context, inv Invocation) (any, error)

// Dispatcher maps action types to handlers and runs action lists.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewDispatcher creates an empty dispatcher. Call RegisterBuiltins to
// install the standard handler set.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
}

// Register adds or replaces the handler for an action type.
// Registering a built-in name overrides it.
func (d *Dispatcher) Register(actionType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[actionType] = h
}

// Handler returns the handler registered for actionType.
func (d *Dispatcher) Handler(actionType string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[actionType]
	return h, ok
}

// Execute runs actions sequentially in list order. A failing action is
// captured in its outcome and logged; it never prevents subsequent
// actions from running, and Execute itself never returns an error.
func (d *Dispatcher) Execute(ctx context.Context, actions []Spec, payload map[string]any, exec *ExecContext) []Outcome {
	if exec == nil {
		exec = NewExecContext("", "")
	}
	outcomes := make([]Outcome, 0, len(actions))
	for _, spec := range actions {
		outcomes = append(outcomes, d.executeOne(ctx, spec, payload, exec))
	}
	return outcomes
}

func (d *Dispatcher) executeOne(ctx context.Context, spec Spec, payload map[string]any, exec *ExecContext) (out Outcome) {
	start := time.Now()
	out = Outcome{Type: spec.Type}

	defer func() {
		out.Duration = time.Since(start)
		if r := recover(); r != nil {
			out.Success = false
			out.Error = fmt.Sprintf("handler panic: %v", r)
		}
		if !out.Success {
			d.logger.Error("action: execution failed",
				"type", spec.Type, "rule_id", exec.RuleID, "err", out.Error)
		}
	}()

	handler, ok := d.Handler(spec.Type)
	if !ok {
		out.Error = fmt.Sprintf("no handler registered for action type %q", spec.Type)
		return out
	}

	inv := Invocation{
		Params:  Interpolate(spec.Params, payload),
		Payload: payload,
		Exec:    exec,
	}

	result, err := handler(ctx, inv)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Success = true
	out.Output = result
	return out
}
