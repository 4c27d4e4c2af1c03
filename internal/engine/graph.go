package engine

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/flowrun/pkg/schema"
)

// Graph is the in-memory representation of a workflow's steps and successor
// links. Built once per execution, before the control loop starts; offers
// O(1) lookup from step ID to definition.
type Graph struct {
	Steps map[string]*schema.WorkflowStep // step ID → definition
	Entry string                          // entry step ID (steps[0] by convention)
	Order []string                        // definition order
}

// validStepTypes is the set of recognized step types.
var validStepTypes = map[schema.StepType]bool{
	schema.StepTypeAction:    true,
	schema.StepTypeCondition: true,
	schema.StepTypeLoop:      true,
	schema.StepTypeDelay:     true,
	schema.StepTypeParallel:  true,
}

// ParseGraph validates a workflow's structure and builds its Graph. Every
// next_steps reference must resolve to an existing step; violations surface
// as STRUCTURAL_ERROR before any execution is created, never mid-run.
func ParseGraph(wf *schema.Workflow) (*Graph, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeStructural, "workflow is nil")
	}
	if len(wf.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeStructural, "workflow has no steps")
	}

	g := &Graph{
		Steps: make(map[string]*schema.WorkflowStep, len(wf.Steps)),
		Order: make([]string, 0, len(wf.Steps)),
	}

	// First pass: register all steps, check ids and types.
	for i := range wf.Steps {
		step := &wf.Steps[i]

		if step.ID == "" {
			return nil, schema.NewError(schema.ErrCodeStructural, fmt.Sprintf("step at index %d has empty ID", i))
		}
		if _, exists := g.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "duplicate step ID: %s", step.ID)
		}

		// Default step type to action when empty.
		if step.Type == "" {
			step.Type = schema.StepTypeAction
		}
		if !validStepTypes[step.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "step %s has unknown type: %s", step.ID, step.Type)
		}

		g.Steps[step.ID] = step
		g.Order = append(g.Order, step.ID)
	}

	// Second pass: type-specific config constraints.
	for _, id := range g.Order {
		if err := validateStepConfig(g.Steps[id]); err != nil {
			return nil, err
		}
	}

	// Third pass: every successor reference must resolve.
	for _, id := range g.Order {
		for _, next := range g.Steps[id].NextSteps {
			if _, exists := g.Steps[next]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeStructural,
					"step %s references non-existent next step: %s", id, next).
					WithStep(id).
					WithDetails(map[string]any{"missing_step_id": next})
			}
		}
	}

	g.Entry = g.Order[0]
	return g, nil
}

// Step returns the step definition for an ID, or nil when absent.
func (g *Graph) Step(id string) *schema.WorkflowStep {
	return g.Steps[id]
}

// validateStepConfig checks type-specific constraints on a step definition,
// including inline sub-graphs of loop and parallel steps.
func validateStepConfig(step *schema.WorkflowStep) error {
	switch step.Type {
	case schema.StepTypeCondition:
		if step.Condition == "" {
			return schema.NewErrorf(schema.ErrCodeStructural, "condition step %s has no condition expression", step.ID).WithStep(step.ID)
		}
		if len(step.NextSteps) > 2 {
			return schema.NewErrorf(schema.ErrCodeStructural, "condition step %s has %d next steps; at most 2 (true, false) are allowed", step.ID, len(step.NextSteps)).WithStep(step.ID)
		}

	case schema.StepTypeDelay:
		var cfg schema.DelayConfig
		if err := decodeConfig(step.Config, &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeStructural, "delay step %s has invalid config: %v", step.ID, err).WithStep(step.ID)
		}
		if cfg.DurationMs < 0 {
			return schema.NewErrorf(schema.ErrCodeStructural, "delay step %s has negative duration", step.ID).WithStep(step.ID)
		}

	case schema.StepTypeLoop:
		var cfg schema.LoopConfig
		if err := decodeConfig(step.Config, &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeStructural, "loop step %s has invalid config: %v", step.ID, err).WithStep(step.ID)
		}
		if cfg.MaxIterations <= 0 && cfg.Condition == "" {
			return schema.NewErrorf(schema.ErrCodeStructural, "loop step %s must have max_iterations > 0 or a condition to prevent infinite loops", step.ID).WithStep(step.ID)
		}
		if len(cfg.Body) == 0 {
			return schema.NewErrorf(schema.ErrCodeStructural, "loop step %s has empty body", step.ID).WithStep(step.ID)
		}
		if err := validateInlineSteps(step.ID, cfg.Body); err != nil {
			return err
		}

	case schema.StepTypeParallel:
		var cfg schema.ParallelConfig
		if err := decodeConfig(step.Config, &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeStructural, "parallel step %s has invalid config: %v", step.ID, err).WithStep(step.ID)
		}
		if len(cfg.Branches) == 0 {
			return schema.NewErrorf(schema.ErrCodeStructural, "parallel step %s has no branches", step.ID).WithStep(step.ID)
		}
		for _, branch := range cfg.Branches {
			if len(branch) == 0 {
				return schema.NewErrorf(schema.ErrCodeStructural, "parallel step %s has an empty branch", step.ID).WithStep(step.ID)
			}
			if err := validateInlineSteps(step.ID, branch); err != nil {
				return err
			}
		}

	case schema.StepTypeAction:
		var cfg schema.ActionConfig
		if err := decodeConfig(step.Config, &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeStructural, "action step %s has invalid config: %v", step.ID, err).WithStep(step.ID)
		}
		if cfg.ActionID == "" {
			return schema.NewErrorf(schema.ErrCodeStructural, "action step %s has no action_id", step.ID).WithStep(step.ID)
		}
	}

	return nil
}

// validateInlineSteps checks an inline sub-graph (loop body or parallel
// branch). Inline steps run sequentially in definition order, so successor
// links are not allowed on them.
func validateInlineSteps(ownerID string, steps []schema.WorkflowStep) error {
	for i := range steps {
		sub := &steps[i]
		if sub.ID == "" {
			return schema.NewErrorf(schema.ErrCodeStructural, "step %s has an inline step with empty ID", ownerID).WithStep(ownerID)
		}
		if sub.Type == "" {
			sub.Type = schema.StepTypeAction
		}
		if !validStepTypes[sub.Type] {
			return schema.NewErrorf(schema.ErrCodeStructural, "inline step %s has unknown type: %s", sub.ID, sub.Type).WithStep(ownerID)
		}
		if len(sub.NextSteps) > 0 {
			return schema.NewErrorf(schema.ErrCodeStructural, "inline step %s must not declare next steps", sub.ID).WithStep(ownerID)
		}
		if err := validateStepConfig(sub); err != nil {
			return err
		}
	}
	return nil
}

// decodeConfig converts an opaque config map into a typed config block.
func decodeConfig(config map[string]any, out any) error {
	if config == nil {
		config = map[string]any{}
	}
	data, err := json.Marshal(config)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
