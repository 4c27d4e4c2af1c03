package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// ExecutionStarter is the interface the scheduler uses to start workflow
// runs. Satisfied by the executor (avoids import cycle).
type ExecutionStarter interface {
	Start(ctx context.Context, workflowID string, triggerData map[string]any) (*schema.WorkflowExecution, error)
}

// Scheduler polls the store for active workflows with a scheduled trigger
// and starts an execution each time their cron expression comes due.
type Scheduler struct {
	store   store.Store
	starter ExecutionStarter
	parser  cron.Parser
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	// nextRun tracks the computed next fire time per workflow ID. A
	// workflow seen for the first time is scheduled from now, it does not
	// fire immediately.
	nextMu  sync.Mutex
	nextRun map[string]time.Time

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, starter ExecutionStarter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		nextRun:  make(map[string]time.Time),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all scheduled workflows and starts those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	active := schema.WorkflowStatusActive
	scheduled := schema.TriggerScheduled
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		Status:      &active,
		TriggerKind: &scheduled,
	})
	if err != nil {
		s.logger.Error("failed to list scheduled workflows", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(workflows))
	for _, wf := range workflows {
		seen[wf.ID] = struct{}{}

		expr := cronExpression(wf)
		if expr == "" {
			s.logger.Warn("scheduled workflow has no cron expression",
				slog.String("workflow_id", wf.ID))
			continue
		}

		due, err := s.isDue(wf.ID, expr, now)
		if err != nil {
			s.logger.Error("invalid cron expression",
				slog.String("workflow_id", wf.ID),
				slog.String("cron", expr),
				slog.String("error", err.Error()))
			continue
		}
		if !due {
			continue
		}
		if !s.tryAcquire(wf.ID) {
			continue // previous run still in flight (dedup)
		}
		s.runWorkflow(ctx, wf, now)
		s.releaseWorkflow(wf.ID)
	}

	s.forgetUnseen(seen)
}

// isDue reports whether the workflow's cron schedule has come due, and
// advances the tracked next fire time when it has.
func (s *Scheduler) isDue(workflowID, expr string, now time.Time) (bool, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return false, err
	}

	s.nextMu.Lock()
	defer s.nextMu.Unlock()

	next, ok := s.nextRun[workflowID]
	if !ok {
		s.nextRun[workflowID] = schedule.Next(now)
		return false, nil
	}
	if now.Before(next) {
		return false, nil
	}
	s.nextRun[workflowID] = schedule.Next(now)
	return true, nil
}

// runWorkflow starts one execution for a due workflow.
func (s *Scheduler) runWorkflow(ctx context.Context, wf *schema.Workflow, now time.Time) {
	s.logger.Info("starting scheduled execution",
		slog.String("workflow_id", wf.ID),
		slog.String("workflow", wf.Name))

	exec, err := s.starter.Start(ctx, wf.ID, map[string]any{
		"source":       "scheduler",
		"scheduled_at": now.Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Error("scheduled execution failed to start",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()))
		return
	}
	if exec.Status == schema.ExecutionStatusFailed {
		s.logger.Error("scheduled execution failed",
			slog.String("workflow_id", wf.ID),
			slog.String("execution_id", exec.ID),
			slog.String("error", exec.Error))
	}
}

// forgetUnseen drops tracked fire times for workflows that are no longer
// active scheduled workflows, so re-activation reschedules from scratch.
func (s *Scheduler) forgetUnseen(seen map[string]struct{}) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	for id := range s.nextRun {
		if _, ok := seen[id]; !ok {
			delete(s.nextRun, id)
		}
	}
}

// tryAcquire returns true and marks the workflow as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(workflowID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[workflowID]; ok {
		return false
	}
	s.inflight[workflowID] = struct{}{}
	return true
}

// releaseWorkflow removes the workflow from the in-flight set.
func (s *Scheduler) releaseWorkflow(workflowID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflowID)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// cronExpression extracts the cron expression from a scheduled trigger's
// opaque config.
func cronExpression(wf *schema.Workflow) string {
	if wf.Trigger.Config == nil {
		return ""
	}
	expr, _ := wf.Trigger.Config["cron"].(string)
	return expr
}
