package workflow

import (
	"context"
	"fmt"

	"github.com/storekit/automation/internal/action"
)

// TransitionHandler adapts the workflow engine into an action handler
// so automation rules can drive transitions. Params:
//
//	workflow   workflow name (required)
//	entity_id  entity to transition (required)
//	event      transition event (required)
//	force      skip guards when true
//	actor      recorded in the history entry
//
// The triggering payload is passed through to guards and hooks.
func TransitionHandler(engine *Engine) action.Handler {
	return func(ctx context.Context, inv action.Invocation) (any, error) {
		name := stringParam(inv.Params, "workflow")
		entityID := stringParam(inv.Params, "entity_id")
		event := stringParam(inv.Params, "event")
		if name == "" || entityID == "" || event == "" {
			return nil, fmt.Errorf("workflow_transition requires workflow, entity_id and event params")
		}
		force, _ := inv.Params["force"].(bool)

		inst, err := engine.Transition(ctx, name, entityID, event, TransitionOptions{
			Force:   force,
			Payload: inv.Payload,
			Actor:   stringParam(inv.Params, "actor"),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"workflow":  inst.Workflow,
			"entity_id": inst.EntityID,
			"state":     inst.CurrentState,
		}, nil
	}
}

// CreateInstanceHandler adapts instance creation into an action
// handler. Creation is idempotent, so rules re-fired for the same
// entity are harmless. Params: workflow, entity_id, actor; the
// triggering payload becomes the instance data.
func CreateInstanceHandler(engine *Engine) action.Handler {
	return func(_ context.Context, inv action.Invocation) (any, error) {
		name := stringParam(inv.Params, "workflow")
		entityID := stringParam(inv.Params, "entity_id")
		if name == "" || entityID == "" {
			return nil, fmt.Errorf("workflow_create_instance requires workflow and entity_id params")
		}
		inst, err := engine.CreateInstance(name, entityID, inv.Payload, stringParam(inv.Params, "actor"))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"workflow":  inst.Workflow,
			"entity_id": inst.EntityID,
			"state":     inst.CurrentState,
		}, nil
	}
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}
