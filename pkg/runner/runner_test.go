package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/arazzo/pkg/schema"
)

const petstoreAPI = `
openapi: 3.0.3
paths:
  /pets/{petId}:
    get:
      operationId: getPet
      parameters:
        - name: petId
          in: path
          required: true
  /adoptions:
    post:
      operationId: createAdoption
`

const adoptionArazzo = `
arazzo: 1.0.1
info:
  title: Pet adoption
sourceDescriptions:
  - name: petstore
    url: petstore.yaml
    type: openapi
workflows:
  - workflowId: adopt-pet
    inputs:
      type: object
      required: [petId]
      properties:
        petId:
          type: integer
    steps:
      - stepId: find
        operationId: getPet
        parameters:
          - name: petId
            in: path
            value: $inputs.petId
        successCriteria:
          - condition: $statusCode == 200
          - type: jsonpath
            condition: .status == "available"
        outputs:
          petName: $response.body.name
      - stepId: adopt
        operationId: createAdoption
        requestBody:
          payload:
            petName: $steps.find.outputs.petName
        successCriteria:
          - condition: $statusCode == 201
        outputs:
          adoptionId: $response.body.adoptionId
    outputs:
      adoptionId: $steps.adopt.outputs.adoptionId
`

func petstoreServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/pets/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/pets/")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": id, "name": "rex", "status": "available",
		})
	})
	mux.HandleFunc("/adoptions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"adoptionId": "A-100"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	srv := petstoreServer(t)
	if cfg.ServerOverrides == nil {
		cfg.ServerOverrides = map[string]string{"petstore": srv.URL}
	}
	r, err := LoadFromBytes(context.Background(), []byte(adoptionArazzo),
		map[string][]byte{"petstore": []byte(petstoreAPI)}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRunner_ExecuteWorkflow(t *testing.T) {
	r := newTestRunner(t, Config{})

	res, err := r.ExecuteWorkflow(context.Background(), "adopt-pet", map[string]any{"petId": 42})
	require.NoError(t, err)

	assert.Equal(t, schema.StatusWorkflowComplete, res.Status)
	assert.Equal(t, "A-100", res.Outputs["adoptionId"])
}

func TestRunner_ExecuteWorkflow_exprEngine(t *testing.T) {
	r := newTestRunner(t, Config{ConditionEngine: "expr"})

	res, err := r.ExecuteWorkflow(context.Background(), "adopt-pet", map[string]any{"petId": 42})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusWorkflowComplete, res.Status)
}

func TestRunner_unknownConditionEngine(t *testing.T) {
	_, err := LoadFromBytes(context.Background(), []byte(adoptionArazzo),
		map[string][]byte{"petstore": []byte(petstoreAPI)}, Config{ConditionEngine: "lua"})
	var ae *schema.ArazzoError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeValidation, ae.Code)
}

func TestRunner_stepwiseExecution(t *testing.T) {
	r := newTestRunner(t, Config{})
	ctx := context.Background()

	id, err := r.StartWorkflow(ctx, "adopt-pet", map[string]any{"petId": 42})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	state, err := r.ExecutionState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, state.Status)

	step, err := r.ExecuteNextStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "find", step.StepID)
	assert.Equal(t, schema.StepComplete, step.StepStatus)

	res, err := r.ExecutionResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusWorkflowComplete, res.Status)

	require.NoError(t, r.DisposeExecution(ctx, id))
	_, err = r.ExecutionState(ctx, id)
	var ae *schema.ArazzoError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeUnknownExecution, ae.Code)
}

func TestRunner_ReplaySteps(t *testing.T) {
	r := newTestRunner(t, Config{})
	ctx := context.Background()

	res, err := r.ExecuteWorkflow(ctx, "adopt-pet", map[string]any{"petId": 42})
	require.NoError(t, err)
	require.Equal(t, schema.StatusWorkflowComplete, res.Status)

	records, err := r.ReplaySteps(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "find", records[0].StepID)
	assert.Equal(t, schema.StepComplete, records[0].Status)
	assert.Equal(t, "rex", records[0].Outputs["petName"])

	assert.Equal(t, "adopt", records[1].StepID)
	assert.Equal(t, schema.StepComplete, records[1].Status)
}

func TestRunner_Document(t *testing.T) {
	r := newTestRunner(t, Config{})
	doc := r.Document()
	require.NotNil(t, doc)
	assert.Equal(t, "Pet adoption", doc.Info.Title)
	require.Len(t, doc.Workflows, 1)
}

func TestRunner_Schedule(t *testing.T) {
	r := newTestRunner(t, Config{})
	ctx := context.Background()

	inputs, _ := json.Marshal(map[string]any{"petId": 42})

	t.Run("registers a run", func(t *testing.T) {
		id, err := r.Schedule(ctx, "adopt-pet", "0 6 * * *", inputs)
		require.NoError(t, err)
		require.NotEmpty(t, id)
		require.NoError(t, r.Unschedule(ctx, id))
	})

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := r.Schedule(ctx, "ghost", "0 6 * * *", inputs)
		var ae *schema.ArazzoError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, schema.ErrCodeDocument, ae.Code)
	})

	t.Run("invalid cron expression", func(t *testing.T) {
		_, err := r.Schedule(ctx, "adopt-pet", "whenever", inputs)
		var ae *schema.ArazzoError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, schema.ErrCodeValidation, ae.Code)
	})
}

func TestRunner_SchedulerLifecycle(t *testing.T) {
	r := newTestRunner(t, Config{})
	ctx := context.Background()

	require.NoError(t, r.StartScheduler(ctx))
	assert.Error(t, r.StartScheduler(ctx))
	require.NoError(t, r.StopScheduler())
}

func TestRunner_invalidDocument(t *testing.T) {
	_, err := LoadFromBytes(context.Background(), []byte("arazzo: 2.0.0"), nil, Config{})
	var ae *schema.ArazzoError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeDocument, ae.Code)
}
