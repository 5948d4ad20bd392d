package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", StepID(ctx))

	ctx = WithExecutionID(ctx, "ex-1")
	ctx = WithWorkflowID(ctx, "adopt-pet")
	ctx = WithStepID(ctx, "find")

	assert.Equal(t, "ex-1", ExecutionID(ctx))
	assert.Equal(t, "adopt-pet", WorkflowID(ctx))
	assert.Equal(t, "find", StepID(ctx))
}

func TestWithIDs(t *testing.T) {
	ctx := WithIDs(context.Background(), "ex-1", "adopt-pet", "find")
	assert.Equal(t, "ex-1", ExecutionID(ctx))
	assert.Equal(t, "adopt-pet", WorkflowID(ctx))
	assert.Equal(t, "find", StepID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithIDs(context.Background(), "ex-1", "adopt-pet", "")
	LogWith(ctx, logger).Info("step finished")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "ex-1", record["execution_id"])
	assert.Equal(t, "adopt-pet", record["workflow_id"])
	assert.NotContains(t, record, "step_id", "empty IDs are omitted")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "ex-1", "adopt-pet", "find")
	logger.InfoContext(ctx, "step started")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "step started", record["msg"])
	assert.Equal(t, "ex-1", record["execution_id"])
	assert.Equal(t, "adopt-pet", record["workflow_id"])
	assert.Equal(t, "find", record["step_id"])
}

func TestCorrelationHandler_noContextValues(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.Info("bare")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.NotContains(t, record, "execution_id")
}

func TestCorrelationHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithExecutionID(context.Background(), "ex-1")
	logger.With(slog.String("component", "engine")).WithGroup("detail").
		InfoContext(ctx, "grouped", slog.String("k", "v"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "engine", record["component"])

	detail, ok := record["detail"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "v", detail["k"])
}
