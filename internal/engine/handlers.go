package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/flowrun/internal/actions"
	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// ExecutionView is the uniform state surface handed to step handlers.
// Handlers read variables and results through it and merge new variable
// bindings back; they never touch graph topology or the store.
type ExecutionView interface {
	// Variables returns a snapshot of the execution's variable bindings.
	Variables() map[string]any
	// LatestResults returns the last recorded outcome per step ID.
	LatestResults() map[string]schema.StepResult
	// TriggerData returns the payload that initiated the run.
	TriggerData() map[string]any
	// SetVariable merges a binding into the execution's variables.
	SetVariable(name string, value any)
	// AddWarning records a non-fatal anomaly on the execution.
	AddWarning(msg string)
	// Bindings returns the expression binding context: variables merged
	// with latest results, results winning on collision.
	Bindings() map[string]any
	// RunSequence executes an inline sub-graph (loop body, parallel branch)
	// sequentially within the owning execution, recording each step's
	// result into the execution's history.
	RunSequence(ctx context.Context, steps []schema.WorkflowStep) error
}

// Handler executes one step type. Implementations must be safe for
// concurrent use across executions.
type Handler interface {
	Type() schema.StepType
	Execute(ctx context.Context, step *schema.WorkflowStep, view ExecutionView) (*schema.StepResult, error)
}

// HandlerRegistry is the stateless dispatch table from step type to handler.
type HandlerRegistry struct {
	handlers map[schema.StepType]Handler
}

// NewHandlerRegistry creates a registry from the given handlers.
func NewHandlerRegistry(handlers ...Handler) *HandlerRegistry {
	reg := &HandlerRegistry{handlers: make(map[schema.StepType]Handler, len(handlers))}
	for _, h := range handlers {
		reg.handlers[h.Type()] = h
	}
	return reg
}

// Get returns the handler for a step type.
func (r *HandlerRegistry) Get(t schema.StepType) (Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "no handler registered for step type %q", t)
	}
	return h, nil
}

// --- action ---

// ActionHandler delegates to the action invocation collaborator identified
// by config.action_id and wraps whatever it returns with the success/
// message/timestamp envelope. No automatic retry: retry policy, if any,
// belongs to the caller of the engine.
type ActionHandler struct {
	invoker actions.Invoker
}

func NewActionHandler(invoker actions.Invoker) *ActionHandler {
	return &ActionHandler{invoker: invoker}
}

func (h *ActionHandler) Type() schema.StepType { return schema.StepTypeAction }

func (h *ActionHandler) Execute(ctx context.Context, step *schema.WorkflowStep, view ExecutionView) (*schema.StepResult, error) {
	var cfg schema.ActionConfig
	if err := decodeConfig(step.Config, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "action step %s: invalid config: %s", step.ID, err.Error()).WithStep(step.ID).WithCause(err)
	}

	input := actions.Input{
		Params: cfg.Params,
		Context: map[string]any{
			"variables": view.Variables(),
			"results":   resultOutputs(view.LatestResults()),
			"trigger":   view.TriggerData(),
			"step_id":   step.ID,
		},
	}

	out, err := h.invoker.Invoke(ctx, cfg.ActionID, input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler,
			"action %q failed: %s", cfg.ActionID, err.Error()).WithStep(step.ID).WithCause(err)
	}

	res := &schema.StepResult{
		StepID:    step.ID,
		Success:   true,
		Message:   out.Message,
		Timestamp: time.Now().UTC(),
	}
	if res.Message == "" {
		res.Message = fmt.Sprintf("action %s completed", cfg.ActionID)
	}
	if out.Data != nil {
		res.Output = out.Data
	}
	if cfg.OutputVar != "" {
		view.SetVariable(cfg.OutputVar, out.Data)
	}
	return res, nil
}

// resultOutputs flattens latest results into step ID → output payload.
func resultOutputs(latest map[string]schema.StepResult) map[string]any {
	out := make(map[string]any, len(latest))
	for id, res := range latest {
		out[id] = res.Output
	}
	return out
}

// --- delay ---

// DelayHandler suspends the execution's own control flow for
// config.duration_ms without blocking other executions. The suspension is
// abortable: a concurrent cancel resolves the delay early with a cancelled
// outcome instead of waiting the timer out.
type DelayHandler struct{}

func NewDelayHandler() *DelayHandler { return &DelayHandler{} }

func (h *DelayHandler) Type() schema.StepType { return schema.StepTypeDelay }

func (h *DelayHandler) Execute(ctx context.Context, step *schema.WorkflowStep, _ ExecutionView) (*schema.StepResult, error) {
	var cfg schema.DelayConfig
	if err := decodeConfig(step.Config, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "delay step %s: invalid config: %s", step.ID, err.Error()).WithStep(step.ID).WithCause(err)
	}

	timer := time.NewTimer(time.Duration(cfg.DurationMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return &schema.StepResult{
			StepID:    step.ID,
			Success:   true,
			Message:   fmt.Sprintf("delayed %dms", cfg.DurationMs),
			Timestamp: time.Now().UTC(),
		}, nil
	case <-ctx.Done():
		return &schema.StepResult{
			StepID:    step.ID,
			Success:   false,
			Message:   "delay cancelled",
			Timestamp: time.Now().UTC(),
		}, ctx.Err()
	}
}

// --- condition ---

// ConditionHandler evaluates the step's boolean expression. It only returns
// the boolean: branch selection is the executor's job, so the handler has no
// knowledge of graph topology.
type ConditionHandler struct {
	evaluator *expressions.ConditionEvaluator
}

func NewConditionHandler(evaluator *expressions.ConditionEvaluator) *ConditionHandler {
	return &ConditionHandler{evaluator: evaluator}
}

func (h *ConditionHandler) Type() schema.StepType { return schema.StepTypeCondition }

func (h *ConditionHandler) Execute(ctx context.Context, step *schema.WorkflowStep, view ExecutionView) (*schema.StepResult, error) {
	value, err := h.evaluator.EvaluateBool(ctx, step.Condition, view.Bindings())
	if err != nil {
		return nil, err
	}
	return &schema.StepResult{
		StepID:    step.ID,
		Success:   true,
		Message:   fmt.Sprintf("condition evaluated to %t", value),
		Output:    value,
		Timestamp: time.Now().UTC(),
	}, nil
}

// --- loop ---

// LoopHandler repeats an inline body while the configured condition holds,
// bounded by max_iterations and the engine-level safety cap. Each
// iteration's body results append to the execution's per-step history, so
// re-entering a step ID preserves prior iterations instead of overwriting.
// A condition evaluation failure stops the loop (treated as false) and is
// recorded as a warning, mirroring the branching policy.
type LoopHandler struct {
	evaluator *expressions.ConditionEvaluator
	safetyCap int
}

func NewLoopHandler(evaluator *expressions.ConditionEvaluator, safetyCap int) *LoopHandler {
	if safetyCap <= 0 {
		safetyCap = DefaultMaxLoopIterations
	}
	return &LoopHandler{evaluator: evaluator, safetyCap: safetyCap}
}

func (h *LoopHandler) Type() schema.StepType { return schema.StepTypeLoop }

func (h *LoopHandler) Execute(ctx context.Context, step *schema.WorkflowStep, view ExecutionView) (*schema.StepResult, error) {
	var cfg schema.LoopConfig
	if err := decodeConfig(step.Config, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "loop step %s: invalid config: %s", step.ID, err.Error()).WithStep(step.ID).WithCause(err)
	}

	limit := h.safetyCap
	if cfg.MaxIterations > 0 && cfg.MaxIterations < limit {
		limit = cfg.MaxIterations
	}

	iterations := 0
	for ; iterations < limit; iterations++ {
		if ctx.Err() != nil {
			return &schema.StepResult{
				StepID:    step.ID,
				Success:   false,
				Message:   "loop cancelled",
				Timestamp: time.Now().UTC(),
			}, ctx.Err()
		}

		if cfg.Condition != "" {
			bindings := view.Bindings()
			bindings["iteration"] = iterations
			proceed, err := h.evaluator.EvaluateBool(ctx, cfg.Condition, bindings)
			if err != nil {
				if schema.CodeOf(err) == schema.ErrCodeCondition {
					view.AddWarning(fmt.Sprintf("loop %s: condition error treated as false: %s", step.ID, err.Error()))
					break
				}
				return nil, err
			}
			if !proceed {
				break
			}
		}

		if err := view.RunSequence(ctx, cfg.Body); err != nil {
			return nil, err
		}
	}

	return &schema.StepResult{
		StepID:    step.ID,
		Success:   true,
		Message:   fmt.Sprintf("loop completed after %d iterations", iterations),
		Output:    map[string]any{"iterations": iterations},
		Timestamp: time.Now().UTC(),
	}, nil
}

// --- parallel ---

// ParallelHandler fans out the configured branches concurrently on the
// worker pool and joins on all of them. The join is fail-fast: the first
// branch error cancels the siblings and fails the step.
type ParallelHandler struct {
	pool *WorkerPool
}

func NewParallelHandler(pool *WorkerPool) *ParallelHandler {
	return &ParallelHandler{pool: pool}
}

func (h *ParallelHandler) Type() schema.StepType { return schema.StepTypeParallel }

func (h *ParallelHandler) Execute(ctx context.Context, step *schema.WorkflowStep, view ExecutionView) (*schema.StepResult, error) {
	var cfg schema.ParallelConfig
	if err := decodeConfig(step.Config, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "parallel step %s: invalid config: %s", step.ID, err.Error()).WithStep(step.ID).WithCause(err)
	}

	branchCtx, cancelBranches := context.WithCancel(ctx)
	defer cancelBranches()

	errCh := make(chan error, len(cfg.Branches))
	for _, branch := range cfg.Branches {
		b := branch
		if err := h.pool.Submit(ctx, func(workCtx context.Context) error {
			err := view.RunSequence(branchCtx, b)
			errCh <- err
			if err != nil {
				cancelBranches()
			}
			return err
		}); err != nil {
			errCh <- err
			cancelBranches()
		}
	}

	// Join: wait for every branch, keep the first error.
	var firstErr error
	for range cfg.Branches {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		if fe, ok := firstErr.(*schema.FlowError); ok {
			return nil, fe
		}
		return nil, schema.NewErrorf(schema.ErrCodeHandler,
			"parallel step %s: branch failed: %s", step.ID, firstErr.Error()).WithStep(step.ID).WithCause(firstErr)
	}

	return &schema.StepResult{
		StepID:    step.ID,
		Success:   true,
		Message:   fmt.Sprintf("parallel step joined %d branches", len(cfg.Branches)),
		Output:    map[string]any{"branches": len(cfg.Branches)},
		Timestamp: time.Now().UTC(),
	}, nil
}
