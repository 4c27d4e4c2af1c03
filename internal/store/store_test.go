package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

// storeImpls runs a subtest against both Store implementations; the durable
// and the in-memory store must be interchangeable.
func storeImpls(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("libsql", func(t *testing.T) {
		s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "flowrun.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		require.NoError(t, s.Migrate(context.Background()))
		fn(t, s)
	})
}

func sampleWorkflow(id string) *schema.Workflow {
	return &schema.Workflow{
		ID:          id,
		Name:        "deploy pipeline",
		Description: "rolls out the service",
		Version:     "1.2.0",
		Status:      schema.WorkflowStatusActive,
		Trigger: schema.Trigger{
			Kind:   schema.TriggerScheduled,
			Config: map[string]any{"cron": "0 * * * *"},
		},
		Steps: []schema.WorkflowStep{
			{ID: "build", Type: schema.StepTypeAction, Config: map[string]any{"action_id": "echo"}, NextSteps: []string{"verify"}},
			{ID: "verify", Type: schema.StepTypeCondition, Condition: "${build.success}"},
		},
		Variables: map[string]any{"region": "eu-west-1"},
	}
}

func sampleExecution(id, workflowID string) *schema.WorkflowExecution {
	return &schema.WorkflowExecution{
		ID:            id,
		WorkflowID:    workflowID,
		Status:        schema.ExecutionStatusPending,
		CurrentStepID: "build",
		Variables:     map[string]any{"region": "eu-west-1"},
		TriggerData:   map[string]any{"source": "test"},
		StartedAt:     time.Now().UTC().Truncate(time.Second),
	}
}

// --- workflows ---

func TestWorkflowRoundTrip(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := sampleWorkflow("wf-rt")
		require.NoError(t, s.CreateWorkflow(ctx, wf))

		got, err := s.GetWorkflow(ctx, "wf-rt")
		require.NoError(t, err)
		require.NotNil(t, got)

		assert.Equal(t, wf.ID, got.ID)
		assert.Equal(t, wf.Name, got.Name)
		assert.Equal(t, wf.Description, got.Description)
		assert.Equal(t, wf.Version, got.Version)
		assert.Equal(t, wf.Status, got.Status)
		assert.Equal(t, wf.Trigger.Kind, got.Trigger.Kind)
		assert.Equal(t, "0 * * * *", got.Trigger.Config["cron"])
		require.Len(t, got.Steps, 2)
		assert.Equal(t, "build", got.Steps[0].ID)
		assert.Equal(t, []string{"verify"}, got.Steps[0].NextSteps)
		assert.Equal(t, "${build.success}", got.Steps[1].Condition)
		assert.Equal(t, "eu-west-1", got.Variables["region"])
	})
}

func TestGetWorkflowMissing(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		got, err := s.GetWorkflow(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestCreateWorkflowDuplicate(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow("wf-dup")))
		err := s.CreateWorkflow(ctx, sampleWorkflow("wf-dup"))
		require.Error(t, err)
	})
}

func TestUpdateWorkflowStatus(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow("wf-status")))

		require.NoError(t, s.UpdateWorkflowStatus(ctx, "wf-status", schema.WorkflowStatusPaused))
		got, err := s.GetWorkflow(ctx, "wf-status")
		require.NoError(t, err)
		assert.Equal(t, schema.WorkflowStatusPaused, got.Status)

		err = s.UpdateWorkflowStatus(ctx, "absent", schema.WorkflowStatusPaused)
		require.Error(t, err)
	})
}

func TestListWorkflowsFilters(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		active := sampleWorkflow("wf-active")
		require.NoError(t, s.CreateWorkflow(ctx, active))

		draft := sampleWorkflow("wf-draft")
		draft.Status = schema.WorkflowStatusDraft
		draft.Trigger = schema.Trigger{Kind: schema.TriggerManual}
		require.NoError(t, s.CreateWorkflow(ctx, draft))

		all, err := s.ListWorkflows(ctx, WorkflowFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		statusActive := schema.WorkflowStatusActive
		actives, err := s.ListWorkflows(ctx, WorkflowFilter{Status: &statusActive})
		require.NoError(t, err)
		require.Len(t, actives, 1)
		assert.Equal(t, "wf-active", actives[0].ID)

		scheduled := schema.TriggerScheduled
		byTrigger, err := s.ListWorkflows(ctx, WorkflowFilter{TriggerKind: &scheduled})
		require.NoError(t, err)
		require.Len(t, byTrigger, 1)
		assert.Equal(t, "wf-active", byTrigger[0].ID)

		limited, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

// --- executions ---

func TestExecutionRoundTrip(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow("wf-exec")))

		exec := sampleExecution("exec-rt", "wf-exec")
		require.NoError(t, s.CreateExecution(ctx, exec))

		got, err := s.GetExecution(ctx, "exec-rt")
		require.NoError(t, err)
		require.NotNil(t, got)

		assert.Equal(t, exec.ID, got.ID)
		assert.Equal(t, exec.WorkflowID, got.WorkflowID)
		assert.Equal(t, schema.ExecutionStatusPending, got.Status)
		assert.Equal(t, "build", got.CurrentStepID)
		assert.Equal(t, "eu-west-1", got.Variables["region"])
		assert.Equal(t, "test", got.TriggerData["source"])
		assert.Nil(t, got.CompletedAt)
	})
}

func TestSaveExecutionUpsertsSnapshot(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow("wf-save")))

		exec := sampleExecution("exec-save", "wf-save")
		require.NoError(t, s.CreateExecution(ctx, exec))

		// Advance the execution and save the full snapshot.
		exec.Status = schema.ExecutionStatusRunning
		exec.RecordResult(schema.StepResult{
			StepID:    "build",
			Success:   true,
			Message:   "done",
			Output:    map[string]any{"artifact": "svc-1.2.0"},
			Timestamp: time.Now().UTC(),
		})
		exec.Warnings = append(exec.Warnings, "slow build")
		require.NoError(t, s.SaveExecution(ctx, exec))

		got, err := s.GetExecution(ctx, "exec-save")
		require.NoError(t, err)
		assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
		assert.Equal(t, int64(1), got.Seq)
		require.Len(t, got.Results["build"], 1)
		assert.True(t, got.Results["build"][0].Success)
		assert.Equal(t, []string{"slow build"}, got.Warnings)

		// Saving again replaces, it does not duplicate.
		now := time.Now().UTC()
		exec.Status = schema.ExecutionStatusCompleted
		exec.CompletedAt = &now
		require.NoError(t, s.SaveExecution(ctx, exec))

		got, err = s.GetExecution(ctx, "exec-save")
		require.NoError(t, err)
		assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)
		require.Len(t, got.Results["build"], 1)
	})
}

func TestGetExecutionMissing(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		got, err := s.GetExecution(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestListExecutionsFilters(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow("wf-a")))
		require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow("wf-b")))

		e1 := sampleExecution("e1", "wf-a")
		require.NoError(t, s.CreateExecution(ctx, e1))

		e2 := sampleExecution("e2", "wf-b")
		e2.Status = schema.ExecutionStatusCompleted
		require.NoError(t, s.CreateExecution(ctx, e2))

		byWorkflow, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "wf-a"})
		require.NoError(t, err)
		require.Len(t, byWorkflow, 1)
		assert.Equal(t, "e1", byWorkflow[0].ID)

		completed := schema.ExecutionStatusCompleted
		byStatus, err := s.ListExecutions(ctx, ExecutionFilter{Status: &completed})
		require.NoError(t, err)
		require.Len(t, byStatus, 1)
		assert.Equal(t, "e2", byStatus[0].ID)
	})
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	wf := sampleWorkflow("wf-iso")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	// Mutating the caller's copy after Create must not affect the store.
	wf.Name = "mutated"
	got, err := s.GetWorkflow(ctx, "wf-iso")
	require.NoError(t, err)
	assert.Equal(t, "deploy pipeline", got.Name)

	// Mutating a returned copy must not affect subsequent reads.
	got.Variables["region"] = "tampered"
	again, err := s.GetWorkflow(ctx, "wf-iso")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", again.Variables["region"])
}

func TestLibSQLCorruptColumnSurfacesError(t *testing.T) {
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "flowrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	wf := sampleWorkflow("wf-corrupt")
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	exec := sampleExecution("exec-corrupt", "wf-corrupt")
	require.NoError(t, s.CreateExecution(ctx, exec))

	// A corrupted JSON column must fail the read, not come back as an
	// empty field.
	_, err = s.db.ExecContext(ctx, `UPDATE workflows SET variables = '{broken' WHERE id = ?`, "wf-corrupt")
	require.NoError(t, err)
	_, err = s.GetWorkflow(ctx, "wf-corrupt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal variables")

	_, err = s.db.ExecContext(ctx, `UPDATE executions SET results = '[not json' WHERE id = ?`, "exec-corrupt")
	require.NoError(t, err)
	_, err = s.GetExecution(ctx, "exec-corrupt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal results")
}
