package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/arazzo/pkg/schema"
)

func newExecution(id, workflowID string) *Execution {
	return &Execution{
		ID:         id,
		WorkflowID: workflowID,
		Status:     schema.StatusPending,
		Inputs:     map[string]any{"petId": float64(42)},
	}
}

func assertUnknownExecution(t *testing.T, err error) {
	t.Helper()
	var ae *schema.ArazzoError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeUnknownExecution, ae.Code)
}

func TestMemoryStore_executionLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	exec := newExecution("ex-1", "adopt-pet")
	require.NoError(t, s.CreateExecution(ctx, exec))
	assert.False(t, exec.CreatedAt.IsZero())

	got, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, "adopt-pet", got.WorkflowID)
	assert.Equal(t, schema.StatusPending, got.Status)

	got.Status = schema.StatusRunning
	got.Steps = append(got.Steps, StepRecord{StepID: "find", Status: schema.StepComplete})
	require.NoError(t, s.SaveExecution(ctx, got))

	reloaded, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, reloaded.Status)
	require.Len(t, reloaded.Steps, 1)

	require.NoError(t, s.DeleteExecution(ctx, "ex-1"))
	_, err = s.GetExecution(ctx, "ex-1")
	assertUnknownExecution(t, err)
}

func TestMemoryStore_executionMisuse(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	t.Run("duplicate create", func(t *testing.T) {
		require.NoError(t, s.CreateExecution(ctx, newExecution("dup", "wf")))
		err := s.CreateExecution(ctx, newExecution("dup", "wf"))
		var ae *schema.ArazzoError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, schema.ErrCodeStore, ae.Code)
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := s.GetExecution(ctx, "ghost")
		assertUnknownExecution(t, err)
	})

	t.Run("save unknown", func(t *testing.T) {
		assertUnknownExecution(t, s.SaveExecution(ctx, newExecution("ghost", "wf")))
	})

	t.Run("delete unknown", func(t *testing.T) {
		assertUnknownExecution(t, s.DeleteExecution(ctx, "ghost"))
	})
}

func TestMemoryStore_getReturnsClone(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateExecution(ctx, newExecution("ex-1", "wf")))

	got, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	got.Inputs["petId"] = float64(99)
	got.Status = schema.StatusWorkflowError

	fresh, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, float64(42), fresh.Inputs["petId"])
	assert.Equal(t, schema.StatusPending, fresh.Status)
}

func TestMemoryStore_ListExecutions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	running := schema.StatusRunning
	for i, spec := range []struct {
		id, wf string
		status schema.ExecutionStatus
	}{
		{"ex-1", "adopt-pet", schema.StatusRunning},
		{"ex-2", "adopt-pet", schema.StatusWorkflowComplete},
		{"ex-3", "return-pet", schema.StatusRunning},
	} {
		exec := newExecution(spec.id, spec.wf)
		exec.Status = spec.status
		exec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateExecution(ctx, exec))
	}

	all, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ex-3", all[0].ID, "newest first")

	byWorkflow, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "adopt-pet"})
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)

	byStatus, err := s.ListExecutions(ctx, ExecutionFilter{Status: &running})
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	limited, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "ex-2", limited[0].ID)
}

func TestMemoryStore_events(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, typ := range []string{
		schema.EventExecutionStarted,
		schema.EventStepStarted,
		schema.EventStepCompleted,
	} {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			ExecutionID: "ex-1",
			WorkflowID:  "adopt-pet",
			Type:        typ,
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "ex-2", Type: schema.EventExecutionStarted}))

	events, err := s.GetEvents(ctx, "ex-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence, "sequence is per execution and monotonic")
		assert.False(t, e.Timestamp.IsZero())
	}

	tail, err := s.GetEvents(ctx, "ex-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventStepCompleted, tail[0].Type)

	other, err := s.GetEvents(ctx, "ex-2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence)
}

func TestMemoryStore_Replay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	payload, err := json.Marshal(map[string]any{"petName": "rex"})
	require.NoError(t, err)
	events := []*Event{
		{ExecutionID: "ex-1", Type: schema.EventExecutionStarted},
		{ExecutionID: "ex-1", StepID: "find", Type: schema.EventStepStarted},
		{ExecutionID: "ex-1", StepID: "find", Type: schema.EventStepCompleted, Payload: payload},
		{ExecutionID: "ex-1", StepID: "adopt", Type: schema.EventStepStarted},
	}
	for _, e := range events {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	records, err := s.Replay(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "find", records[0].StepID)
	assert.Equal(t, schema.StepComplete, records[0].Status)
	assert.Equal(t, map[string]any{"petName": "rex"}, records[0].Outputs)

	assert.Equal(t, "adopt", records[1].StepID)
	assert.Equal(t, schema.StepRunning, records[1].Status)
}

func TestMemoryStore_scheduledRuns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour)
	run := &ScheduledRun{
		ID:             "run-1",
		WorkflowID:     "adopt-pet",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateScheduledRun(ctx, run))

	got, err := s.GetScheduledRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", got.CronExpression)

	disabled := false
	lastRun := time.Now().UTC()
	require.NoError(t, s.UpdateScheduledRun(ctx, "run-1", ScheduledRunUpdate{
		Enabled:       &disabled,
		LastRunAt:     &lastRun,
		LastRunStatus: "workflow_complete",
	}))

	got, err = s.GetScheduledRun(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "workflow_complete", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)

	enabled := true
	runs, err := s.ListScheduledRuns(ctx, ScheduledRunFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, runs)

	require.NoError(t, s.DeleteScheduledRun(ctx, "run-1"))
	err = s.DeleteScheduledRun(ctx, "run-1")
	var ae *schema.ArazzoError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeStore, ae.Code)
}

func TestExecution_StepOutputs(t *testing.T) {
	exec := &Execution{
		Steps: []StepRecord{
			{StepID: "find", Status: schema.StepComplete, Outputs: map[string]any{"petName": "rex"}},
			{StepID: "adopt", Status: schema.StepFailed, Outputs: map[string]any{"ignored": true}},
		},
	}

	out := exec.StepOutputs()
	require.Contains(t, out, "find")
	assert.NotContains(t, out, "adopt", "only completed steps contribute outputs")
	assert.Equal(t, "rex", out["find"]["petName"])
}
