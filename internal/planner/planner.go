// Package planner turns raw plan documents produced by an external
// generator into validated draft workflows.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/pkg/schema"
)

// Generator produces a raw plan document for a prompt. Implementations are
// external collaborators (an LLM client, a template expander); the adapter
// never assumes anything about how the document was produced.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// rawPlanSchemaJSON is the JSON Schema for generator output. Embedded as a
// constant to avoid filesystem dependencies.
const rawPlanSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowrun.dev/schemas/plan.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": { "type": "string" },
    "description": { "type": "string" },
    "version": { "type": "string" },
    "variables": { "type": "object" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "description": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["action", "condition", "loop", "delay", "parallel"]
        },
        "config": { "type": "object" },
        "condition": { "type": "string" }
      }
    }
  }
}`

// rawPlan mirrors the validated generator output.
type rawPlan struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Version     string         `json:"version"`
	Variables   map[string]any `json:"variables"`
	Steps       []rawPlanStep  `json:"steps"`
}

type rawPlanStep struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Type        string         `json:"type"`
	Config      map[string]any `json:"config"`
	Condition   string         `json:"condition"`
}

// Adapter converts generator output into draft workflows. It JSON-Schema
// validates the raw document, assigns deterministic sequential step IDs,
// infers a linear successor chain, applies defaults, and runs the same
// structural validation the executor applies before a run.
type Adapter struct {
	generator Generator
	schema    *jsonschema.Schema
}

// NewAdapter creates an Adapter over the given generator.
func NewAdapter(generator Generator) (*Adapter, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(rawPlanSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource("https://flowrun.dev/schemas/plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	compiled, err := c.Compile("https://flowrun.dev/schemas/plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &Adapter{generator: generator, schema: compiled}, nil
}

// Plan generates a raw plan for the prompt and adapts it into a draft
// workflow. Documents that are not valid JSON, whose steps field is not a
// non-empty list, or whose steps fail shape validation are rejected with a
// MALFORMED_PLAN error.
func (a *Adapter) Plan(ctx context.Context, prompt string) (*schema.Workflow, error) {
	raw, err := a.generator.Generate(ctx, prompt)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedPlan, "plan generation failed: %s", err.Error()).WithCause(err)
	}
	return a.Adapt(raw)
}

// Adapt converts a raw plan document into a validated draft workflow.
func (a *Adapter) Adapt(raw []byte) (*schema.Workflow, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeMalformedPlan, "plan is not valid JSON").WithCause(err)
	}
	if err := a.schema.Validate(doc); err != nil {
		return nil, toMalformedPlanError(err)
	}

	var plan rawPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, schema.NewError(schema.ErrCodeMalformedPlan, "plan does not match expected shape").WithCause(err)
	}

	wf := a.buildWorkflow(&plan)

	// The adapter's output must already satisfy the executor's structural
	// validation, so a plan that slips through the schema still cannot
	// produce an unrunnable workflow.
	if _, err := engine.ParseGraph(wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedPlan, "plan produced invalid workflow: %s", err.Error()).WithCause(err)
	}
	return wf, nil
}

// buildWorkflow applies ID assignment, linear chaining and defaults.
func (a *Adapter) buildWorkflow(plan *rawPlan) *schema.Workflow {
	wf := &schema.Workflow{
		ID:          uuid.NewString(),
		Name:        plan.Name,
		Description: plan.Description,
		Version:     plan.Version,
		Status:      schema.WorkflowStatusDraft,
		Trigger:     schema.Trigger{Kind: schema.TriggerManual},
		Variables:   plan.Variables,
	}
	if wf.Name == "" {
		wf.Name = "generated workflow"
	}
	if wf.Version == "" {
		wf.Version = "0.1.0"
	}
	if wf.Variables == nil {
		wf.Variables = map[string]any{}
	}

	wf.Steps = make([]schema.WorkflowStep, len(plan.Steps))
	for i, raw := range plan.Steps {
		step := schema.WorkflowStep{
			ID:          fmt.Sprintf("step-%d", i+1),
			Name:        raw.Name,
			Description: raw.Description,
			Type:        schema.StepType(raw.Type),
			Config:      raw.Config,
			Condition:   raw.Condition,
		}
		if step.Type == "" {
			step.Type = schema.StepTypeAction
		}
		// Linear chain: each step points at its successor. A condition
		// step's inferred link is its true branch; the false branch is
		// absent, which halts the run normally.
		if i < len(plan.Steps)-1 {
			step.NextSteps = []string{fmt.Sprintf("step-%d", i+2)}
		}
		wf.Steps[i] = step
	}
	return wf
}

// toMalformedPlanError converts a jsonschema.ValidationError into a
// MALFORMED_PLAN error carrying the leaf violations.
func toMalformedPlanError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeMalformedPlan, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeMalformedPlan, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewErrorf(schema.ErrCodeMalformedPlan, "plan rejected: %s", violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeMalformedPlan, "plan rejected with %d violations", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
