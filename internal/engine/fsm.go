package engine

import (
	"sync"

	"github.com/rendis/flowrun/pkg/schema"
)

// ValidExecutionTransitions defines the execution lifecycle state machine.
// Terminal states (completed, failed, cancelled) are absorbing: they have
// no outgoing transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
}

// TransitionHook is called after a state transition.
type TransitionHook func(executionID string, from, to schema.ExecutionStatus)

// ExecutionFSM validates execution lifecycle transitions and notifies
// registered hooks. The executor applies the resulting state; the FSM only
// decides legality.
type ExecutionFSM struct {
	mu    sync.Mutex
	hooks []TransitionHook
}

// NewExecutionFSM creates a new ExecutionFSM.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{}
}

// OnTransition registers a hook invoked after every successful transition.
func (f *ExecutionFSM) OnTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// Transition validates the requested transition and applies it to the
// execution. Invalid transitions (including any move out of a terminal
// state) return INVALID_TRANSITION.
func (f *ExecutionFSM) Transition(exec *schema.WorkflowExecution, to schema.ExecutionStatus) error {
	from := exec.Status
	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}

	exec.Status = to

	f.mu.Lock()
	hooks := make([]TransitionHook, len(f.hooks))
	copy(hooks, f.hooks)
	f.mu.Unlock()

	for _, hook := range hooks {
		hook(exec.ID, from, to)
	}
	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, allowed := range ValidExecutionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
