package schema

import "time"

// ExecutionStatus is the lifecycle state of a single workflow run.
// Completed, failed and cancelled are terminal and absorbing.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// WorkflowExecution is one concrete run of a Workflow. It is mutated
// exclusively by the executor's control loop and checkpointed at every
// step boundary.
type WorkflowExecution struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	Status        ExecutionStatus `json:"status"`
	CurrentStepID string          `json:"current_step_id,omitempty"`

	// Variables is seeded from the workflow's defaults and writable by
	// step handlers.
	Variables map[string]any `json:"variables,omitempty"`

	// Results holds per-step outcome history, keyed by step ID. Re-entering
	// a step (loop iterations) appends rather than overwrites, so iteration
	// history is preserved. Seq on each result gives the global traversal
	// order across steps.
	Results map[string][]StepResult `json:"results,omitempty"`

	// Warnings collects non-fatal anomalies, e.g. condition expressions
	// that failed to evaluate and were treated as false.
	Warnings []string `json:"warnings,omitempty"`

	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`

	// Seq is the last assigned result sequence number.
	Seq int64 `json:"seq"`
}

// StepResult is the recorded outcome of one step attempt.
type StepResult struct {
	StepID     string    `json:"step_id"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// LatestResults flattens the per-step history into a last-wins view,
// used to assemble expression binding contexts.
func (e *WorkflowExecution) LatestResults() map[string]StepResult {
	latest := make(map[string]StepResult, len(e.Results))
	for id, history := range e.Results {
		if len(history) > 0 {
			latest[id] = history[len(history)-1]
		}
	}
	return latest
}

// RecordResult appends a result to the step's history and stamps it with
// the next sequence number.
func (e *WorkflowExecution) RecordResult(res StepResult) {
	if e.Results == nil {
		e.Results = make(map[string][]StepResult)
	}
	e.Seq++
	res.Seq = e.Seq
	e.Results[res.StepID] = append(e.Results[res.StepID], res)
}
