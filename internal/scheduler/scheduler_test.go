package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// mockStarter tracks Start calls.
type mockStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

type startCall struct {
	WorkflowID  string
	TriggerData map[string]any
}

func (m *mockStarter) Start(_ context.Context, workflowID string, triggerData map[string]any) (*schema.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, startCall{WorkflowID: workflowID, TriggerData: triggerData})
	if m.err != nil {
		return nil, m.err
	}
	return &schema.WorkflowExecution{
		ID:         "exec-1",
		WorkflowID: workflowID,
		Status:     schema.ExecutionStatusCompleted,
	}, nil
}

func (m *mockStarter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestScheduler(s store.Store, starter ExecutionStarter) *Scheduler {
	return NewScheduler(s, starter, slog.Default())
}

func scheduledWorkflow(id, cronExpr string) *schema.Workflow {
	config := map[string]any{}
	if cronExpr != "" {
		config["cron"] = cronExpr
	}
	return &schema.Workflow{
		ID:      id,
		Name:    "wf " + id,
		Version: "1.0.0",
		Status:  schema.WorkflowStatusActive,
		Trigger: schema.Trigger{Kind: schema.TriggerScheduled, Config: config},
		Steps: []schema.WorkflowStep{
			{ID: "s1", Name: "noop", Type: schema.StepTypeDelay, Config: map[string]any{"duration_ms": 0}},
		},
	}
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(store.NewMemoryStore(), &mockStarter{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestFirstTickSchedulesWithoutRunning(t *testing.T) {
	ms := store.NewMemoryStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, scheduledWorkflow("wf-1", "0 * * * *")))

	// A workflow seen for the first time is scheduled from now, not fired.
	sched.tick(ctx)
	assert.Equal(t, 0, starter.callCount())

	sched.nextMu.Lock()
	next, ok := sched.nextRun["wf-1"]
	sched.nextMu.Unlock()
	require.True(t, ok)
	assert.True(t, next.After(time.Now().UTC().Add(-time.Second)))
}

func TestTickRunsDueWorkflows(t *testing.T) {
	ms := store.NewMemoryStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, scheduledWorkflow("wf-due", "0 * * * *")))

	// Seed a past fire time to make the workflow due.
	sched.nextMu.Lock()
	sched.nextRun["wf-due"] = time.Now().UTC().Add(-time.Hour)
	sched.nextMu.Unlock()

	sched.tick(ctx)

	require.Equal(t, 1, starter.callCount())
	starter.mu.Lock()
	call := starter.calls[0]
	starter.mu.Unlock()
	assert.Equal(t, "wf-due", call.WorkflowID)
	assert.Equal(t, "scheduler", call.TriggerData["source"])

	// Next fire time advanced into the future.
	sched.nextMu.Lock()
	next := sched.nextRun["wf-due"]
	sched.nextMu.Unlock()
	assert.True(t, next.After(time.Now().UTC()))
}

func TestTickSkipsNotDueWorkflows(t *testing.T) {
	ms := store.NewMemoryStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, scheduledWorkflow("wf-future", "0 * * * *")))

	sched.nextMu.Lock()
	sched.nextRun["wf-future"] = time.Now().UTC().Add(time.Hour)
	sched.nextMu.Unlock()

	sched.tick(ctx)
	assert.Equal(t, 0, starter.callCount())
}

func TestTickIgnoresInactiveAndManualWorkflows(t *testing.T) {
	ms := store.NewMemoryStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()

	paused := scheduledWorkflow("wf-paused", "0 * * * *")
	paused.Status = schema.WorkflowStatusPaused
	require.NoError(t, ms.CreateWorkflow(ctx, paused))

	manual := scheduledWorkflow("wf-manual", "")
	manual.Trigger = schema.Trigger{Kind: schema.TriggerManual}
	require.NoError(t, ms.CreateWorkflow(ctx, manual))

	sched.tick(ctx)
	assert.Equal(t, 0, starter.callCount())

	sched.nextMu.Lock()
	defer sched.nextMu.Unlock()
	assert.Empty(t, sched.nextRun)
}

func TestTickSkipsMissingCron(t *testing.T) {
	ms := store.NewMemoryStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, scheduledWorkflow("wf-nocron", "")))

	sched.tick(ctx)
	assert.Equal(t, 0, starter.callCount())
}

func TestTickSkipsInvalidCron(t *testing.T) {
	ms := store.NewMemoryStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, scheduledWorkflow("wf-bad", "not a cron")))

	sched.tick(ctx)
	assert.Equal(t, 0, starter.callCount())
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := store.NewMemoryStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, scheduledWorkflow("wf-dedup", "0 * * * *")))

	sched.nextMu.Lock()
	sched.nextRun["wf-dedup"] = time.Now().UTC().Add(-time.Hour)
	sched.nextMu.Unlock()

	// Simulate an in-flight execution.
	require.True(t, sched.tryAcquire("wf-dedup"))

	sched.tick(ctx)
	assert.Equal(t, 0, starter.callCount())

	// Release and make it due again.
	sched.releaseWorkflow("wf-dedup")
	sched.nextMu.Lock()
	sched.nextRun["wf-dedup"] = time.Now().UTC().Add(-time.Hour)
	sched.nextMu.Unlock()

	sched.tick(ctx)
	assert.Equal(t, 1, starter.callCount())
}

func TestForgetsDeactivatedWorkflows(t *testing.T) {
	ms := store.NewMemoryStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, scheduledWorkflow("wf-gone", "0 * * * *")))

	sched.tick(ctx)
	sched.nextMu.Lock()
	_, tracked := sched.nextRun["wf-gone"]
	sched.nextMu.Unlock()
	require.True(t, tracked)

	require.NoError(t, ms.UpdateWorkflowStatus(ctx, "wf-gone", schema.WorkflowStatusPaused))

	sched.tick(ctx)
	sched.nextMu.Lock()
	_, tracked = sched.nextRun["wf-gone"]
	sched.nextMu.Unlock()
	assert.False(t, tracked)
}

func TestStartFailureDoesNotStopTick(t *testing.T) {
	ms := store.NewMemoryStore()
	starter := &mockStarter{err: assert.AnError}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, scheduledWorkflow("wf-fail", "0 * * * *")))

	sched.nextMu.Lock()
	sched.nextRun["wf-fail"] = time.Now().UTC().Add(-time.Hour)
	sched.nextMu.Unlock()

	sched.tick(ctx)
	assert.Equal(t, 1, starter.callCount())

	// Failure still advances the schedule; no tight retry loop.
	sched.nextMu.Lock()
	next := sched.nextRun["wf-fail"]
	sched.nextMu.Unlock()
	assert.True(t, next.After(time.Now().UTC()))
}

func TestMultipleWorkflowsSomeDue(t *testing.T) {
	ms := store.NewMemoryStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, scheduledWorkflow("wf-a", "0 * * * *")))
	require.NoError(t, ms.CreateWorkflow(ctx, scheduledWorkflow("wf-b", "0 * * * *")))

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	sched.nextMu.Lock()
	sched.nextRun["wf-a"] = past
	sched.nextRun["wf-b"] = future
	sched.nextMu.Unlock()

	sched.tick(ctx)

	require.Equal(t, 1, starter.callCount())
	starter.mu.Lock()
	defer starter.mu.Unlock()
	assert.Equal(t, "wf-a", starter.calls[0].WorkflowID)
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(store.NewMemoryStore(), &mockStarter{})

	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}
