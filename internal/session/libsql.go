package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/arazzo/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). Suitable when executions must survive process restarts.
type LibSQLStore struct {
	db     *sql.DB
	events *EventLog
}

// NewLibSQLStore opens a libSQL database at the given path.
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
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	s := &LibSQLStore{db: db}
	s.events = NewEventLog(s)
	return s, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	inputs, err := marshalMapOrDefault(exec.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	steps, err := json.Marshal(exec.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	outputs, err := marshalMapOrDefault(exec.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, inputs, steps, next_step, outputs, error, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status),
		string(inputs), string(steps), exec.NextStep, string(outputs), nullRaw(exec.Error),
		timeOrNow(exec.CreatedAt), timeOrNow(exec.UpdatedAt), nullTime(exec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, inputs, steps, next_step, outputs, error, created_at, updated_at, completed_at
		 FROM executions WHERE id = ?`, id,
	)
	exec, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, unknownExecution(id)
	}
	return exec, err
}

func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *Execution) error {
	inputs, err := marshalMapOrDefault(exec.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	steps, err := json.Marshal(exec.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	outputs, err := marshalMapOrDefault(exec.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, inputs = ?, steps = ?, next_step = ?, outputs = ?, error = ?,
		        updated_at = CURRENT_TIMESTAMP, completed_at = ?
		 WHERE id = ?`,
		string(exec.Status), string(inputs), string(steps), exec.NextStep,
		string(outputs), nullRaw(exec.Error), nullTime(exec.CompletedAt), exec.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, exec.ID)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
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
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, status, inputs, steps, next_step, outputs, error, created_at, updated_at, completed_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *LibSQLStore) DeleteExecution(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE execution_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func scanExecution(scan func(...any) error) (*Execution, error) {
	exec := &Execution{}
	var (
		status                 string
		inputsJSON, stepsJSON  string
		outputsJSON, errorJSON sql.NullString
		completedAt            sql.NullTime
	)
	err := scan(&exec.ID, &exec.WorkflowID, &status, &inputsJSON, &stepsJSON,
		&exec.NextStep, &outputsJSON, &errorJSON, &exec.CreatedAt, &exec.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	if inputsJSON != "" {
		_ = json.Unmarshal([]byte(inputsJSON), &exec.Inputs)
	}
	if stepsJSON != "" {
		if err := json.Unmarshal([]byte(stepsJSON), &exec.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if outputsJSON.Valid && outputsJSON.String != "" {
		_ = json.Unmarshal([]byte(outputsJSON.String), &exec.Outputs)
	}
	exec.Error = rawOrNil(errorJSON)
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

// --- Events ---

// AppendEvent routes through the EventLog, which serializes sequence
// assignment with an upfront write lock.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	return s.events.AppendEvent(ctx, event)
}

// Replay reconstructs per-step records from the event log.
func (s *LibSQLStore) Replay(ctx context.Context, executionID string) ([]StepRecord, error) {
	return s.events.Replay(ctx, executionID)
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, workflow_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.WorkflowID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, workflow_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.CronExpression, nullRaw(run.Inputs), run.Enabled,
		nullTime(run.LastRunAt), nullTime(run.NextRunAt), nullStr(run.LastRunStatus), timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	run := &ScheduledRun{}
	var inputs, lastStatus sql.NullString
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.CronExpression, &inputs, &run.Enabled, &lastRun, &nextRun, &lastStatus, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "scheduled run %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	run.Inputs = rawOrNil(inputs)
	run.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		run.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		run.NextRunAt = &nextRun.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeStore, "scheduled run %q not found", id)
	}
	return nil
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT id, workflow_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		run := &ScheduledRun{}
		var inputs, lastStatus sql.NullString
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.CronExpression, &inputs, &run.Enabled,
			&lastRun, &nextRun, &lastStatus, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.Inputs = rawOrNil(inputs)
		run.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			run.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			run.NextRunAt = &nextRun.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeStore, "scheduled run %q not found", id)
	}
	return nil
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return unknownExecution(id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
