// Package engine drives workflow executions step by step: it binds each
// step to its OpenAPI operation, invokes it, judges the response against
// the step's success criteria, and records outputs for later steps.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/arazzo/internal/criteria"
	"github.com/rendis/arazzo/internal/document"
	"github.com/rendis/arazzo/internal/expressions"
	"github.com/rendis/arazzo/internal/invoker"
	"github.com/rendis/arazzo/internal/logging"
	"github.com/rendis/arazzo/internal/session"
	"github.com/rendis/arazzo/pkg/schema"
)

// Engine executes workflows from a loaded document bundle. Safe for
// concurrent use: all mutable run state lives in the session store.
type Engine struct {
	loaded   *document.Loaded
	store    session.Store
	invoker  *invoker.Invoker
	criteria *criteria.Evaluator
	execFSM  *ExecutionFSM
	stepFSM  *StepFSM
	inputs   *inputSchemas
	logger   *slog.Logger
}

// New creates an Engine over the given bundle and collaborators.
// A nil logger disables engine logging.
func New(loaded *document.Loaded, store session.Store, inv *invoker.Invoker, ev *criteria.Evaluator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		loaded:   loaded,
		store:    store,
		invoker:  inv,
		criteria: ev,
		execFSM:  NewExecutionFSM(store),
		stepFSM:  NewStepFSM(store),
		inputs:   newInputSchemas(),
		logger:   logger,
	}
}

// StepResult reports the outcome of executing one step.
type StepResult struct {
	ExecutionID string                 `json:"execution_id"`
	StepID      string                 `json:"step_id"`
	StepStatus  schema.StepStatus      `json:"step_status"`
	Status      schema.ExecutionStatus `json:"status"`
	Outputs     map[string]any         `json:"outputs,omitempty"`
}

// Result is the terminal outcome of an execution.
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Outputs     map[string]any         `json:"outputs,omitempty"`
	Err         *schema.ArazzoError    `json:"error,omitempty"`
}

// Start validates the inputs against the workflow's input schema, applies
// schema defaults, and creates a pending execution.
func (e *Engine) Start(ctx context.Context, workflowID string, inputs map[string]any) (*session.Execution, error) {
	wf := e.loaded.Doc.FindWorkflow(workflowID)
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeDocument, "workflow %q not found in document", workflowID)
	}

	inputs, err := e.inputs.prepare(wf, inputs)
	if err != nil {
		return nil, err
	}

	exec := &session.Execution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     schema.StatusPending,
		Inputs:     inputs,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, storeErr(err)
	}

	ctx = logging.WithIDs(ctx, exec.ID, workflowID, "")
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "execution created",
		slog.Int("steps", len(wf.Steps)))
	return exec, nil
}

// Step executes the next step of the execution. A failing step is reported
// in the StepResult, not as an error: errors are reserved for misuse
// (unknown execution, terminal execution) and store failures.
func (e *Engine) Step(ctx context.Context, executionID string) (*StepResult, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeTerminalState,
			"execution %q already finished with status %s", executionID, exec.Status)
	}

	wf := e.loaded.Doc.FindWorkflow(exec.WorkflowID)
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeDocument,
			"workflow %q not found in document", exec.WorkflowID)
	}

	if exec.Status == schema.StatusPending {
		if err := e.execFSM.Transition(ctx, exec.ID, exec.WorkflowID, schema.StatusPending, schema.StatusRunning); err != nil {
			return nil, err
		}
		exec.Status = schema.StatusRunning
	}

	// A persisted snapshot can outlive the document it was started against.
	if exec.NextStep < 0 || exec.NextStep >= len(wf.Steps) {
		return nil, schema.NewErrorf(schema.ErrCodeDocument,
			"execution %q expects step %d but workflow %q has %d steps",
			executionID, exec.NextStep, exec.WorkflowID, len(wf.Steps))
	}

	step := &wf.Steps[exec.NextStep]
	ctx = logging.WithIDs(ctx, exec.ID, exec.WorkflowID, step.StepID)
	log := logging.LogWith(ctx, e.logger)

	if err := e.stepFSM.Transition(ctx, exec.ID, exec.WorkflowID, step.StepID, schema.StepPending, schema.StepRunning, nil); err != nil {
		return nil, err
	}
	started := time.Now().UTC()

	outputs, stepErr := e.runStep(ctx, wf, step, exec)
	if stepErr != nil {
		log.WarnContext(ctx, "step failed", slog.String("error", stepErr.Error()))
		return e.failStep(ctx, exec, step, stepErr, started)
	}

	completed := time.Now().UTC()
	payload, _ := json.Marshal(outputs)
	if err := e.stepFSM.Transition(ctx, exec.ID, exec.WorkflowID, step.StepID, schema.StepRunning, schema.StepComplete, payload); err != nil {
		return nil, err
	}

	exec.Steps = append(exec.Steps, session.StepRecord{
		StepID:      step.StepID,
		Status:      schema.StepComplete,
		Outputs:     outputs,
		DurationMs:  completed.Sub(started).Milliseconds(),
		StartedAt:   &started,
		CompletedAt: &completed,
	})
	exec.NextStep++

	result := &StepResult{
		ExecutionID: exec.ID,
		StepID:      step.StepID,
		StepStatus:  schema.StepComplete,
		Status:      schema.StatusRunning,
		Outputs:     outputs,
	}

	if exec.NextStep >= len(wf.Steps) {
		if err := e.complete(ctx, wf, exec); err != nil {
			return nil, err
		}
		result.Status = exec.Status
	}

	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, storeErr(err)
	}
	log.InfoContext(ctx, "step finished",
		slog.String("step_status", string(result.StepStatus)),
		slog.String("status", string(result.Status)))
	return result, nil
}

// Run drives the execution until it reaches a terminal status.
func (e *Engine) Run(ctx context.Context, executionID string) (*Result, error) {
	for {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return resultOf(exec), nil
		}
		if _, err := e.Step(ctx, executionID); err != nil {
			return nil, err
		}
	}
}

// Execute starts a new execution and runs it to completion.
func (e *Engine) Execute(ctx context.Context, workflowID string, inputs map[string]any) (*Result, error) {
	exec, err := e.Start(ctx, workflowID, inputs)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, exec.ID)
}

// State returns the current execution snapshot.
func (e *Engine) State(ctx context.Context, executionID string) (*session.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// runStep binds, invokes, judges, and extracts outputs for one step.
func (e *Engine) runStep(ctx context.Context, wf *schema.Workflow, step *schema.Step, exec *session.Execution) (map[string]any, error) {
	op, sourceName, ok := e.loaded.ResolveOperation(step.OperationID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDocument,
			"operationId %q not found in any source description", step.OperationID).
			WithStep(step.StepID)
	}

	sc := &expressions.Scope{
		Inputs: exec.Inputs,
		Steps:  exec.StepOutputs(),
	}

	resp, err := e.invoker.Invoke(ctx, op, step, sc, sourceName)
	if err != nil {
		return nil, wrapStep(err, step.StepID)
	}

	respScope := &expressions.Scope{
		Inputs:   sc.Inputs,
		Steps:    sc.Steps,
		Response: resp,
	}

	if err := e.criteria.Evaluate(ctx, step.SuccessCriteria, respScope); err != nil {
		return nil, wrapStep(err, step.StepID)
	}

	outputs := make(map[string]any, len(step.Outputs))
	for name, exprText := range step.Outputs {
		v, err := expressions.ResolveString(exprText, respScope)
		if err != nil {
			return nil, wrapStep(err, step.StepID)
		}
		outputs[name] = v
	}
	return outputs, nil
}

// failStep records the step failure and moves the execution to its terminal
// failed status. Unmet success criteria end as step_failed; binding,
// resolution, and transport errors are engine-side and end as workflow_error.
func (e *Engine) failStep(ctx context.Context, exec *session.Execution, step *schema.Step, stepErr error, started time.Time) (*StepResult, error) {
	errJSON := marshalError(stepErr)
	completed := time.Now().UTC()

	terminal := schema.StatusWorkflowError
	if ae, ok := stepErr.(*schema.ArazzoError); ok && ae.Code == schema.ErrCodeCriteriaFailed {
		terminal = schema.StatusStepFailed
	}

	if err := e.stepFSM.Transition(ctx, exec.ID, exec.WorkflowID, step.StepID, schema.StepRunning, schema.StepFailed, errJSON); err != nil {
		return nil, err
	}
	if err := e.execFSM.Transition(ctx, exec.ID, exec.WorkflowID, schema.StatusRunning, terminal); err != nil {
		return nil, err
	}

	exec.Steps = append(exec.Steps, session.StepRecord{
		StepID:      step.StepID,
		Status:      schema.StepFailed,
		Error:       errJSON,
		DurationMs:  completed.Sub(started).Milliseconds(),
		StartedAt:   &started,
		CompletedAt: &completed,
	})
	exec.Status = terminal
	exec.Error = errJSON
	exec.CompletedAt = &completed

	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, storeErr(err)
	}

	return &StepResult{
		ExecutionID: exec.ID,
		StepID:      step.StepID,
		StepStatus:  schema.StepFailed,
		Status:      terminal,
	}, nil
}

// complete resolves workflow-level outputs and finishes the execution.
// An unresolvable workflow output is an engine-side failure, not a step one.
func (e *Engine) complete(ctx context.Context, wf *schema.Workflow, exec *session.Execution) error {
	sc := &expressions.Scope{
		Inputs: exec.Inputs,
		Steps:  exec.StepOutputs(),
	}

	outputs := make(map[string]any, len(wf.Outputs))
	for name, exprText := range wf.Outputs {
		v, err := expressions.ResolveString(exprText, sc)
		if err != nil {
			errJSON := marshalError(err)
			if ferr := e.execFSM.Transition(ctx, exec.ID, exec.WorkflowID, schema.StatusRunning, schema.StatusWorkflowError); ferr != nil {
				return ferr
			}
			now := time.Now().UTC()
			exec.Status = schema.StatusWorkflowError
			exec.Error = errJSON
			exec.CompletedAt = &now
			return nil
		}
		outputs[name] = v
	}

	if err := e.execFSM.Transition(ctx, exec.ID, exec.WorkflowID, schema.StatusRunning, schema.StatusWorkflowComplete); err != nil {
		return err
	}
	now := time.Now().UTC()
	exec.Status = schema.StatusWorkflowComplete
	exec.Outputs = outputs
	exec.CompletedAt = &now
	return nil
}

func resultOf(exec *session.Execution) *Result {
	res := &Result{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Status:      exec.Status,
		Outputs:     exec.Outputs,
	}
	if len(exec.Error) > 0 {
		var ae schema.ArazzoError
		if err := json.Unmarshal(exec.Error, &ae); err == nil && ae.Code != "" {
			res.Err = &ae
		}
	}
	return res
}

func marshalError(err error) json.RawMessage {
	if ae, ok := err.(*schema.ArazzoError); ok {
		b, merr := json.Marshal(ae)
		if merr == nil {
			return b
		}
	}
	b, _ := json.Marshal(map[string]string{"code": schema.ErrCodeValidation, "message": err.Error()})
	return b
}

func wrapStep(err error, stepID string) error {
	if ae, ok := err.(*schema.ArazzoError); ok {
		if ae.StepID == "" {
			ae.StepID = stepID
		}
		return ae
	}
	return err
}

func storeErr(err error) error {
	if _, ok := err.(*schema.ArazzoError); ok {
		return err
	}
	return schema.NewError(schema.ErrCodeStore, err.Error()).WithCause(err)
}
