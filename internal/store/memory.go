package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/flowrun/pkg/schema"
)

// MemoryStore is an in-memory Store implementation. It is used by tests and
// by embedders that do not need durability. Records are deep-copied on the
// way in and out so callers never share mutable state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*schema.Workflow
	executions map[string]*schema.WorkflowExecution
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*schema.Workflow),
		executions: make(map[string]*schema.WorkflowExecution),
	}
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *schema.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow already exists: %s", wf.ID)
	}
	cp, err := copyWorkflow(wf)
	if err != nil {
		return err
	}
	s.workflows[wf.ID] = cp
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, nil
	}
	return copyWorkflow(wf)
}

func (s *MemoryStore) UpdateWorkflowStatus(_ context.Context, id string, status schema.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow not found: %s", id)
	}
	wf.Status = status
	return nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Workflow
	for _, wf := range s.workflows {
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		if filter.TriggerKind != nil && wf.Trigger.Kind != *filter.TriggerKind {
			continue
		}
		cp, err := copyWorkflow(wf)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *schema.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution already exists: %s", exec.ID)
	}
	cp, err := copyExecution(exec)
	if err != nil {
		return err
	}
	s.executions[exec.ID] = cp
	return nil
}

func (s *MemoryStore) SaveExecution(_ context.Context, exec *schema.WorkflowExecution) error {
	cp, err := copyExecution(exec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.executions[exec.ID] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*schema.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	return copyExecution(exec)
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.WorkflowExecution
	for _, exec := range s.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		cp, err := copyExecution(exec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// copyWorkflow and copyExecution round-trip through JSON so stored records
// behave like rows in a real database, including type normalization of
// map values (numbers become float64 and so on).
func copyWorkflow(wf *schema.Workflow) (*schema.Workflow, error) {
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, err
	}
	cp := &schema.Workflow{}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func copyExecution(exec *schema.WorkflowExecution) (*schema.WorkflowExecution, error) {
	data, err := json.Marshal(exec)
	if err != nil {
		return nil, err
	}
	cp := &schema.WorkflowExecution{}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, err
	}
	return cp, nil
}
