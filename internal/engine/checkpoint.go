package engine

import (
	"context"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// Checkpointer durably persists execution state at every step boundary:
// start, each step completion, and the terminal transition. Writes are
// synchronous with respect to the control loop — the executor does not
// advance until the write is acknowledged, so on-disk state never lags
// more than one step behind in-memory state.
type Checkpointer struct {
	store store.Store
}

// NewCheckpointer creates a Checkpointer backed by the given store.
func NewCheckpointer(s store.Store) *Checkpointer {
	return &Checkpointer{store: s}
}

// Save persists the full execution snapshot. A failed write is fatal to the
// in-progress execution and surfaces as PERSISTENCE_ERROR.
func (c *Checkpointer) Save(ctx context.Context, exec *schema.WorkflowExecution) error {
	if err := c.store.SaveExecution(ctx, exec); err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence,
			"checkpoint execution %s: %s", exec.ID, err.Error()).WithCause(err)
	}
	return nil
}

// Load reconstructs an execution state from the store by id.
func (c *Checkpointer) Load(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	exec, err := c.store.GetExecution(ctx, id)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence,
			"load execution %s: %s", id, err.Error()).WithCause(err)
	}
	if exec == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", id)
	}
	return exec, nil
}
