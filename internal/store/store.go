package store

import (
	"context"

	"github.com/rendis/flowrun/pkg/schema"
)

// Store defines the persistence layer contract for workflow definitions and
// execution records. All implementations must be safe for concurrent use.
//
// The executor's checkpointer is the sole writer of a given execution's row
// for the lifetime of the run; concurrent reads of in-flight executions are
// safe because SaveExecution replaces the row atomically.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)

	// Executions
	CreateExecution(ctx context.Context, exec *schema.WorkflowExecution) error
	// SaveExecution persists the full execution snapshot, replacing the
	// stored row. Called by the checkpointer at every step boundary.
	SaveExecution(ctx context.Context, exec *schema.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// WorkflowFilter narrows ListWorkflows results.
type WorkflowFilter struct {
	Status      *schema.WorkflowStatus
	TriggerKind *schema.TriggerKind
	Limit       int
}

// ExecutionFilter narrows ListExecutions results.
type ExecutionFilter struct {
	WorkflowID string
	Status     *schema.ExecutionStatus
	Limit      int
}
