package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/internal/actions"
	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

const (
	// DefaultPoolSize bounds concurrent parallel-branch work.
	DefaultPoolSize = 8

	// DefaultMaxLoopIterations is the engine-level safety cap applied on
	// top of each loop step's own max_iterations.
	DefaultMaxLoopIterations = 1000
)

// Executor drives workflow executions through their lifecycle. One goroutine
// of control flow advances each execution; many executions may run
// concurrently on the same Executor.
type Executor struct {
	store      store.Store
	handlers   *HandlerRegistry
	evaluator  *expressions.ConditionEvaluator
	checkpoint *Checkpointer
	fsm        *ExecutionFSM
	pool       *WorkerPool
	logger     *slog.Logger

	engine   expressions.Engine
	poolSize int
	maxLoop  int

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithEngine selects the expression engine backing condition evaluation.
// Defaults to CEL.
func WithEngine(engine expressions.Engine) Option {
	return func(e *Executor) { e.engine = engine }
}

// WithPoolSize bounds concurrent parallel-branch work.
func WithPoolSize(size int) Option {
	return func(e *Executor) { e.poolSize = size }
}

// WithMaxLoopIterations sets the engine-level loop safety cap.
func WithMaxLoopIterations(n int) Option {
	return func(e *Executor) { e.maxLoop = n }
}

// NewExecutor wires an Executor over the given store and action invoker.
func NewExecutor(st store.Store, invoker actions.Invoker, opts ...Option) (*Executor, error) {
	e := &Executor{
		store:    st,
		fsm:      NewExecutionFSM(),
		poolSize: DefaultPoolSize,
		maxLoop:  DefaultMaxLoopIterations,
		logger:   slog.Default(),
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}

	evaluator, err := expressions.NewConditionEvaluator(e.engine)
	if err != nil {
		return nil, err
	}
	e.evaluator = evaluator
	e.checkpoint = NewCheckpointer(st)
	e.pool = NewWorkerPool(e.poolSize)
	e.handlers = NewHandlerRegistry(
		NewActionHandler(invoker),
		NewDelayHandler(),
		NewConditionHandler(evaluator),
		NewLoopHandler(evaluator, e.maxLoop),
		NewParallelHandler(e.pool),
	)
	return e, nil
}

// Start runs the workflow identified by workflowID to a terminal state.
//
// The returned error is non-nil only for pre-start failures (unknown
// workflow, structural validation) and for persistence failures; a step
// handler failure produces a terminal failed execution and a nil error.
// Callers observe step-level failure through the execution's status and
// error fields.
func (e *Executor) Start(ctx context.Context, workflowID string, triggerData map[string]any) (*schema.WorkflowExecution, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence, "load workflow %s: %s", workflowID, err.Error()).WithCause(err)
	}
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}

	graph, err := ParseGraph(wf)
	if err != nil {
		return nil, err
	}

	exec := &schema.WorkflowExecution{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		Status:      schema.ExecutionStatusPending,
		Variables:   cloneMap(wf.Variables),
		TriggerData: triggerData,
		StartedAt:   time.Now().UTC(),
	}

	ctx = logging.WithIDs(ctx, wf.ID, exec.ID, "")
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence, "create execution: %s", err.Error()).WithCause(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.trackExecution(exec.ID, cancel)
	defer e.untrackExecution(exec.ID)

	e.logger.InfoContext(ctx, "execution started",
		slog.String("workflow_id", wf.ID),
		slog.String("execution_id", exec.ID))

	if err := e.fsm.Transition(exec, schema.ExecutionStatusRunning); err != nil {
		return exec, err
	}
	if err := e.checkpoint.Save(ctx, exec); err != nil {
		return exec, err
	}

	if err := e.run(runCtx, ctx, graph, exec); err != nil {
		return exec, err
	}
	return exec, nil
}

// Cancel requests cooperative cancellation of an in-flight execution.
// The execution observes the request at its next step boundary, or
// immediately if it is suspended in a delay.
func (e *Executor) Cancel(executionID string) error {
	e.mu.Lock()
	cancel, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no running execution %s", executionID)
	}
	cancel()
	return nil
}

// Load reconstructs a checkpointed execution's state from the store.
func (e *Executor) Load(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	return e.checkpoint.Load(ctx, executionID)
}

// Shutdown stops the worker pool. In-flight executions are not interrupted;
// cancel them individually first if needed.
func (e *Executor) Shutdown() {
	e.pool.Shutdown()
}

func (e *Executor) trackExecution(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
}

func (e *Executor) untrackExecution(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// run advances the execution from the graph entry to a terminal state.
// runCtx carries cancellation; saveCtx outlives it so terminal checkpoints
// still persist after a cancel.
func (e *Executor) run(runCtx, saveCtx context.Context, graph *Graph, exec *schema.WorkflowExecution) error {
	view := &execView{executor: e, exec: exec, saveCtx: saveCtx}
	currentID := graph.Entry

	for currentID != "" {
		if runCtx.Err() != nil {
			return e.finish(saveCtx, exec, schema.ExecutionStatusCancelled, nil)
		}

		step := graph.Step(currentID)
		if step == nil {
			// Validation makes this unreachable for parsed graphs; fail the
			// run rather than panic if a graph is ever mutated underneath us.
			ferr := schema.NewErrorf(schema.ErrCodeStepNotFound, "step %s not found", currentID).WithStep(currentID)
			return e.finish(saveCtx, exec, schema.ExecutionStatusFailed, ferr)
		}

		exec.CurrentStepID = step.ID
		stepCtx := logging.WithStepID(runCtx, step.ID)
		e.logger.DebugContext(stepCtx, "executing step",
			slog.String("step_id", step.ID),
			slog.String("step_type", string(step.Type)))

		res, err := e.executeStep(stepCtx, step, view)
		if err != nil {
			switch {
			case runCtx.Err() != nil && errors.Is(err, context.Canceled):
				if res != nil {
					exec.RecordResult(*res)
				}
				return e.finish(saveCtx, exec, schema.ExecutionStatusCancelled, nil)

			case schema.CodeOf(err) == schema.ErrCodeCondition && step.Type == schema.StepTypeCondition:
				// Branching policy: a condition that cannot be evaluated
				// selects the false branch and leaves a warning, it does not
				// fail the run.
				exec.Warnings = append(exec.Warnings, err.Error())
				res = &schema.StepResult{
					StepID:    step.ID,
					Success:   false,
					Message:   "condition error, branch treated as false",
					Output:    false,
					Error:     err.Error(),
					Timestamp: time.Now().UTC(),
				}
				e.logger.WarnContext(stepCtx, "condition error treated as false",
					slog.String("error", err.Error()))

			case schema.CodeOf(err) == schema.ErrCodePersistence:
				return err

			default:
				exec.RecordResult(schema.StepResult{
					StepID:    step.ID,
					Success:   false,
					Message:   "step failed",
					Error:     err.Error(),
					Timestamp: time.Now().UTC(),
				})
				var ferr *schema.FlowError
				if !errors.As(err, &ferr) {
					ferr = schema.NewError(schema.ErrCodeHandler, err.Error()).WithStep(step.ID).WithCause(err)
				}
				return e.finish(saveCtx, exec, schema.ExecutionStatusFailed, ferr)
			}
		}

		exec.RecordResult(*res)
		if err := e.checkpoint.Save(saveCtx, exec); err != nil {
			return err
		}

		currentID = nextStepID(step, res)
	}

	return e.finish(saveCtx, exec, schema.ExecutionStatusCompleted, nil)
}

// executeStep dispatches to the step's handler and stamps the result with
// its wall-clock duration.
func (e *Executor) executeStep(ctx context.Context, step *schema.WorkflowStep, view ExecutionView) (*schema.StepResult, error) {
	handler, err := e.handlers.Get(step.Type)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, execErr := handler.Execute(ctx, step, view)
	if res != nil {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	return res, execErr
}

// nextStepID selects the successor. Condition steps branch positionally:
// index 0 on true, index 1 on false; a missing false branch halts the run
// normally. Every other type follows index 0.
func nextStepID(step *schema.WorkflowStep, res *schema.StepResult) string {
	if step.Type == schema.StepTypeCondition {
		branch, _ := res.Output.(bool)
		if branch {
			if len(step.NextSteps) > 0 {
				return step.NextSteps[0]
			}
			return ""
		}
		if len(step.NextSteps) > 1 {
			return step.NextSteps[1]
		}
		return ""
	}
	if len(step.NextSteps) > 0 {
		return step.NextSteps[0]
	}
	return ""
}

// finish moves the execution to a terminal state and writes the final
// checkpoint.
func (e *Executor) finish(ctx context.Context, exec *schema.WorkflowExecution, status schema.ExecutionStatus, ferr *schema.FlowError) error {
	if err := e.fsm.Transition(exec, status); err != nil {
		return err
	}
	now := time.Now().UTC()
	exec.CompletedAt = &now
	if ferr != nil {
		exec.Error = ferr.Message
		exec.ErrorCode = ferr.Code
	}

	level := slog.LevelInfo
	if status == schema.ExecutionStatusFailed {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "execution finished",
		slog.String("execution_id", exec.ID),
		slog.String("status", string(status)),
		slog.String("error", exec.Error))

	return e.checkpoint.Save(ctx, exec)
}

// execView is the executor-backed ExecutionView handed to handlers.
type execView struct {
	executor *Executor
	exec     *schema.WorkflowExecution
	saveCtx  context.Context

	mu sync.Mutex
}

func (v *execView) Variables() map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneMap(v.exec.Variables)
}

func (v *execView) LatestResults() map[string]schema.StepResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.exec.LatestResults()
}

func (v *execView) TriggerData() map[string]any {
	return cloneMap(v.exec.TriggerData)
}

func (v *execView) SetVariable(name string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.exec.Variables == nil {
		v.exec.Variables = make(map[string]any)
	}
	v.exec.Variables[name] = value
}

func (v *execView) AddWarning(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.exec.Warnings = append(v.exec.Warnings, msg)
}

func (v *execView) Bindings() map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return expressions.BuildBindings(v.exec.Variables, v.exec.LatestResults())
}

// RunSequence executes inline sub-steps (loop bodies, parallel branches)
// sequentially. Inline steps carry no successor links; control flow is
// purely positional. Each result lands in the owning execution's history
// and is checkpointed like a top-level step.
func (v *execView) RunSequence(ctx context.Context, steps []schema.WorkflowStep) error {
	for i := range steps {
		step := &steps[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Inline steps reach here from the decoded config map, not the parsed
		// graph, so the empty-type→action default has to apply again.
		if step.Type == "" {
			step.Type = schema.StepTypeAction
		}

		stepCtx := logging.WithStepID(ctx, step.ID)
		res, err := v.executor.executeStep(stepCtx, step, v)
		if err != nil {
			if schema.CodeOf(err) == schema.ErrCodeCondition && step.Type == schema.StepTypeCondition {
				v.AddWarning(err.Error())
				res = &schema.StepResult{
					StepID:    step.ID,
					Success:   false,
					Message:   "condition error, treated as false",
					Output:    false,
					Error:     err.Error(),
					Timestamp: time.Now().UTC(),
				}
			} else {
				v.recordResult(schema.StepResult{
					StepID:    step.ID,
					Success:   false,
					Message:   "step failed",
					Error:     err.Error(),
					Timestamp: time.Now().UTC(),
				})
				return err
			}
		}

		v.recordResult(*res)
		if err := v.checkpointLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (v *execView) recordResult(res schema.StepResult) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.exec.RecordResult(res)
}

func (v *execView) checkpointLocked() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.executor.checkpoint.Save(v.saveCtx, v.exec)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}
