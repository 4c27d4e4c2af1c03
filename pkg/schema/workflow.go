package schema

// Workflow is a reusable, versioned definition of a step graph.
// Once a workflow is activated its steps are immutable by convention;
// structural changes happen on new draft versions.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version"`
	Status      WorkflowStatus `json:"status"`
	Trigger     Trigger        `json:"trigger"`
	Steps       []WorkflowStep `json:"steps"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// WorkflowStep is a single node in the workflow graph.
type WorkflowStep struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Type        StepType       `json:"type"`
	Config      map[string]any `json:"config,omitempty"`

	// NextSteps lists successor step IDs. For condition steps the list is
	// positional: index 0 is the true branch, index 1 the false branch
	// (a missing false branch halts the execution normally). All other
	// types follow index 0 only.
	NextSteps []string `json:"next_steps,omitempty"`

	// Condition is a boolean expression, present only on condition steps.
	Condition string `json:"condition,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAction    StepType = "action"
	StepTypeCondition StepType = "condition"
	StepTypeLoop      StepType = "loop"
	StepTypeDelay     StepType = "delay"
	StepTypeParallel  StepType = "parallel"
)

// Trigger describes how executions of a workflow are initiated.
type Trigger struct {
	Kind   TriggerKind    `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// TriggerKind enumerates the supported trigger mechanisms.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerEvent     TriggerKind = "event"
	TriggerWebhook   TriggerKind = "webhook"
)

// WorkflowStatus is the lifecycle state of a workflow definition,
// independent of any execution.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// LoopConfig is the config block for loop-type steps. The body is an inline
// sub-graph executed sequentially once per iteration. Iteration continues
// while Condition evaluates true, bounded by MaxIterations.
type LoopConfig struct {
	Condition     string         `json:"condition,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	Body          []WorkflowStep `json:"body"`
}

// ParallelConfig is the config block for parallel-type steps. Each branch is
// an inline sequence of steps; branches run concurrently and the join waits
// for all of them (fail-fast on the first branch error).
type ParallelConfig struct {
	Branches [][]WorkflowStep `json:"branches"`
}

// DelayConfig is the config block for delay-type steps.
type DelayConfig struct {
	DurationMs int64 `json:"duration_ms"`
}

// ActionConfig is the config block for action-type steps. When OutputVar is
// set, the action's output data is stored into that execution variable,
// making it addressable from later conditions.
type ActionConfig struct {
	ActionID  string         `json:"action_id"`
	Params    map[string]any `json:"params,omitempty"`
	OutputVar string         `json:"output_var,omitempty"`
}
