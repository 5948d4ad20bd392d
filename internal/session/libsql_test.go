package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/arazzo/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedExecution(t *testing.T, s *LibSQLStore) *Execution {
	t.Helper()
	exec := &Execution{
		ID:         uuid.New().String(),
		WorkflowID: "adopt-pet",
		Status:     schema.StatusPending,
		Inputs:     map[string]any{"petId": float64(42)},
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

func TestLibSQLStore_CreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := seedExecution(t, s)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, "adopt-pet", got.WorkflowID)
	assert.Equal(t, schema.StatusPending, got.Status)
	assert.Equal(t, float64(42), got.Inputs["petId"])
	assert.False(t, got.CreatedAt.IsZero())
}

func TestLibSQLStore_GetExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExecution(context.Background(), "ghost")
	assertUnknownExecution(t, err)
}

func TestLibSQLStore_SaveExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	now := time.Now().UTC()
	exec.Status = schema.StatusWorkflowComplete
	exec.NextStep = 2
	exec.Outputs = map[string]any{"adoptionId": float64(7)}
	exec.Steps = []StepRecord{
		{StepID: "find", Status: schema.StepComplete, Outputs: map[string]any{"petName": "rex"}},
		{StepID: "adopt", Status: schema.StepComplete},
	}
	exec.CompletedAt = &now
	require.NoError(t, s.SaveExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusWorkflowComplete, got.Status)
	assert.Equal(t, 2, got.NextStep)
	assert.Equal(t, float64(7), got.Outputs["adoptionId"])
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "rex", got.Steps[0].Outputs["petName"])
	require.NotNil(t, got.CompletedAt)
}

func TestLibSQLStore_SaveExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveExecution(context.Background(), &Execution{ID: "ghost", Status: schema.StatusRunning})
	assertUnknownExecution(t, err)
}

func TestLibSQLStore_ListExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedExecution(t, s)
	b := seedExecution(t, s)
	b.Status = schema.StatusWorkflowComplete
	require.NoError(t, s.SaveExecution(ctx, b))

	other := &Execution{ID: uuid.New().String(), WorkflowID: "return-pet", Status: schema.StatusRunning}
	require.NoError(t, s.CreateExecution(ctx, other))

	all, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byWorkflow, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "adopt-pet"})
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)

	pending := schema.StatusPending
	byStatus, err := s.ListExecutions(ctx, ExecutionFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, a.ID, byStatus[0].ID)

	limited, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestLibSQLStore_DeleteExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, WorkflowID: exec.WorkflowID, Type: schema.EventExecutionStarted,
	}))

	require.NoError(t, s.DeleteExecution(ctx, exec.ID))

	_, err := s.GetExecution(ctx, exec.ID)
	assertUnknownExecution(t, err)

	events, err := s.GetEvents(ctx, exec.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events, "events are deleted with their execution")

	assertUnknownExecution(t, s.DeleteExecution(ctx, exec.ID))
}

func TestLibSQLStore_AppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	payload, _ := json.Marshal(map[string]any{"petName": "rex"})
	for _, e := range []*Event{
		{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID, Type: schema.EventExecutionStarted},
		{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID, StepID: "find", Type: schema.EventStepStarted},
		{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID, StepID: "find", Type: schema.EventStepCompleted, Payload: payload},
	} {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	events, err := s.GetEvents(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	assert.Equal(t, "find", events[1].StepID)
	assert.JSONEq(t, string(payload), string(events[2].Payload))

	tail, err := s.GetEvents(ctx, exec.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventStepCompleted, tail[0].Type)
}

func TestLibSQLStore_Replay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	payload, _ := json.Marshal(map[string]any{"petName": "rex"})
	for _, e := range []*Event{
		{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID, Type: schema.EventExecutionStarted},
		{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID, StepID: "find", Type: schema.EventStepStarted},
		{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID, StepID: "find", Type: schema.EventStepCompleted, Payload: payload},
	} {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	records, err := s.Replay(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "find", records[0].StepID)
	assert.Equal(t, schema.StepComplete, records[0].Status)
	assert.Equal(t, map[string]any{"petName": "rex"}, records[0].Outputs)
}

func TestLibSQLStore_ScheduledRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	inputs, _ := json.Marshal(map[string]any{"petId": 42})
	run := &ScheduledRun{
		ID:             uuid.New().String(),
		WorkflowID:     "adopt-pet",
		CronExpression: "0 6 * * *",
		Inputs:         inputs,
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateScheduledRun(ctx, run))

	got, err := s.GetScheduledRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 6 * * *", got.CronExpression)
	assert.True(t, got.Enabled)
	assert.JSONEq(t, string(inputs), string(got.Inputs))
	require.NotNil(t, got.NextRunAt)

	disabled := false
	lastRun := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateScheduledRun(ctx, run.ID, ScheduledRunUpdate{
		Enabled:       &disabled,
		LastRunAt:     &lastRun,
		LastRunStatus: string(schema.StatusWorkflowComplete),
	}))

	got, err = s.GetScheduledRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, string(schema.StatusWorkflowComplete), got.LastRunStatus)

	enabled := true
	runs, err := s.ListScheduledRuns(ctx, ScheduledRunFilter{WorkflowID: "adopt-pet", Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, runs)

	require.NoError(t, s.DeleteScheduledRun(ctx, run.ID))
	_, err = s.GetScheduledRun(ctx, run.ID)
	var ae *schema.ArazzoError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeStore, ae.Code)
}
