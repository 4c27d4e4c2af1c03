package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowrun/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	trigCfg, err := marshalMapOrDefault(wf.Trigger.Config)
	if err != nil {
		return fmt.Errorf("marshal trigger config: %w", err)
	}
	vars, err := marshalMapOrDefault(wf.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, version, status, trigger_kind, trigger_config, steps, variables)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, nullStr(wf.Name), nullStr(wf.Description), wf.Version, string(wf.Status),
		string(wf.Trigger.Kind), string(trigCfg), string(steps), string(vars),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, version, status, trigger_kind, trigger_config, steps, variables
		 FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TriggerKind != nil {
		where = append(where, "trigger_kind = ?")
		args = append(args, string(*filter.TriggerKind))
	}

	query := `SELECT id, name, description, version, status, trigger_kind, trigger_config, steps, variables FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(r rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		name, description    sql.NullString
		status, trigKind     string
		trigCfg, steps, vars string
	)
	if err := r.Scan(&wf.ID, &name, &description, &wf.Version, &status, &trigKind, &trigCfg, &steps, &vars); err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.Description = description.String
	wf.Status = schema.WorkflowStatus(status)
	wf.Trigger.Kind = schema.TriggerKind(trigKind)
	if trigCfg != "" {
		if err := json.Unmarshal([]byte(trigCfg), &wf.Trigger.Config); err != nil {
			return nil, fmt.Errorf("unmarshal trigger config: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if vars != "" {
		if err := json.Unmarshal([]byte(vars), &wf.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	return wf, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	cols, err := executionColumns(exec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, current_step_id, variables, results, warnings, error, error_code, trigger_data, seq, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cols...)
	return err
}

func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	cols, err := executionColumns(exec)
	if err != nil {
		return err
	}
	// Full-snapshot upsert: the checkpointer owns this row for the run's lifetime.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, current_step_id, variables, results, warnings, error, error_code, trigger_data, seq, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, current_step_id=excluded.current_step_id,
		   variables=excluded.variables, results=excluded.results, warnings=excluded.warnings,
		   error=excluded.error, error_code=excluded.error_code, seq=excluded.seq,
		   completed_at=excluded.completed_at, updated_at=CURRENT_TIMESTAMP`,
		cols...)
	return err
}

func executionColumns(exec *schema.WorkflowExecution) ([]any, error) {
	vars, err := marshalMapOrDefault(exec.Variables)
	if err != nil {
		return nil, fmt.Errorf("marshal variables: %w", err)
	}
	results, err := json.Marshal(exec.Results)
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	warnings, err := json.Marshal(exec.Warnings)
	if err != nil {
		return nil, fmt.Errorf("marshal warnings: %w", err)
	}
	trigData, err := marshalMapOrDefault(exec.TriggerData)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger data: %w", err)
	}
	return []any{
		exec.ID, exec.WorkflowID, string(exec.Status), nullStr(exec.CurrentStepID),
		string(vars), string(results), string(warnings),
		nullStr(exec.Error), nullStr(exec.ErrorCode), string(trigData),
		exec.Seq, exec.StartedAt.UTC(), nullTime(exec.CompletedAt),
	}, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, current_step_id, variables, results, warnings, error, error_code, trigger_data, seq, started_at, completed_at
		 FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return exec, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, workflow_id, status, current_step_id, variables, results, warnings, error, error_code, trigger_data, seq, started_at, completed_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(r rowScanner) (*schema.WorkflowExecution, error) {
	exec := &schema.WorkflowExecution{}
	var (
		currentStep, errMsg, errCode  sql.NullString
		status                        string
		vars, results, warnings, trig string
		completedAt                   sql.NullTime
	)
	if err := r.Scan(&exec.ID, &exec.WorkflowID, &status, &currentStep, &vars, &results,
		&warnings, &errMsg, &errCode, &trig, &exec.Seq, &exec.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.CurrentStepID = currentStep.String
	exec.Error = errMsg.String
	exec.ErrorCode = errCode.String
	if vars != "" {
		if err := json.Unmarshal([]byte(vars), &exec.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	if results != "" {
		if err := json.Unmarshal([]byte(results), &exec.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	if warnings != "" {
		if err := json.Unmarshal([]byte(warnings), &exec.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	if trig != "" {
		if err := json.Unmarshal([]byte(trig), &exec.TriggerData); err != nil {
			return nil, fmt.Errorf("unmarshal trigger data: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	return exec, nil
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", resource, id)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
