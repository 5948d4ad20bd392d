package session

import (
	"encoding/json"
	"time"

	"github.com/rendis/arazzo/pkg/schema"
)

// Execution is the persisted state of one workflow run. It is a complete
// snapshot: serializing an Execution and loading it back yields a run that
// continues exactly where it left off.
type Execution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Inputs      map[string]any         `json:"inputs,omitempty"`
	Steps       []StepRecord           `json:"steps,omitempty"`
	NextStep    int                    `json:"next_step"`
	Outputs     map[string]any         `json:"outputs,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// StepRecord captures the outcome of one executed step, in execution order.
type StepRecord struct {
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Outputs     map[string]any    `json:"outputs,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// StepOutputs returns the recorded outputs keyed by step id, for building
// expression scopes.
func (e *Execution) StepOutputs() map[string]map[string]any {
	out := make(map[string]map[string]any, len(e.Steps))
	for _, rec := range e.Steps {
		if rec.Status == schema.StepComplete {
			out[rec.StepID] = rec.Outputs
		}
	}
	return out
}

// Clone returns a deep copy. Stored executions are cloned on read and write
// so callers never share mutable state with the store.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.Inputs = cloneAnyMap(e.Inputs)
	cp.Outputs = cloneAnyMap(e.Outputs)
	cp.Error = append(json.RawMessage(nil), e.Error...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Steps = make([]StepRecord, len(e.Steps))
	for i, rec := range e.Steps {
		cp.Steps[i] = rec
		cp.Steps[i].Outputs = cloneAnyMap(rec.Outputs)
		cp.Steps[i].Error = append(json.RawMessage(nil), rec.Error...)
		if rec.StartedAt != nil {
			t := *rec.StartedAt
			cp.Steps[i].StartedAt = &t
		}
		if rec.CompletedAt != nil {
			t := *rec.CompletedAt
			cp.Steps[i].CompletedAt = &t
		}
	}
	return &cp
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// Event is an immutable entry in the execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ScheduledRun is a cron-triggered workflow execution.
type ScheduledRun struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	CronExpression string          `json:"cron_expression"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledRunFilter specifies criteria for listing scheduled runs.
type ScheduledRunFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
