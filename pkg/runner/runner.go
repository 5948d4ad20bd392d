// Package runner is the embedding surface of the workflow engine: load an
// Arazzo document, execute its workflows against live APIs, and inspect
// execution state.
package runner

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/arazzo/internal/criteria"
	"github.com/rendis/arazzo/internal/document"
	"github.com/rendis/arazzo/internal/engine"
	"github.com/rendis/arazzo/internal/expressions"
	"github.com/rendis/arazzo/internal/invoker"
	"github.com/rendis/arazzo/internal/scheduler"
	"github.com/rendis/arazzo/internal/session"
	"github.com/rendis/arazzo/pkg/schema"
)

// Config customizes a Runner. The zero value gives an in-memory store, CEL
// condition evaluation, and a 30s per-operation timeout.
type Config struct {
	// Store persists executions. Defaults to an in-memory store.
	Store session.Store
	// ConditionEngine selects the evaluator for simple success criteria:
	// "cel" (default) or "expr".
	ConditionEngine string
	// HTTPClient overrides the HTTP client used for operation calls.
	HTTPClient *http.Client
	// ServerOverrides replaces the OpenAPI server URL per source name.
	ServerOverrides map[string]string
	// Headers are added to every operation request.
	Headers map[string]string
	// Timeout bounds each operation call.
	Timeout time.Duration
	// Logger receives engine logs. Defaults to discarding them.
	Logger *slog.Logger
}

// Runner executes workflows from one loaded Arazzo document.
type Runner struct {
	loaded *document.Loaded
	store  session.Store
	engine *engine.Engine
	sched  *scheduler.Scheduler
	logger *slog.Logger
}

// New assembles a Runner over an already loaded document bundle.
func New(loaded *document.Loaded, cfg Config) (*Runner, error) {
	store := cfg.Store
	if store == nil {
		store = session.NewMemoryStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	simple, err := conditionEngine(cfg.ConditionEngine)
	if err != nil {
		return nil, err
	}
	evaluator, err := criteria.NewEvaluator(simple)
	if err != nil {
		return nil, err
	}

	inv := invoker.New(invoker.Config{
		DefaultTimeout:  cfg.Timeout,
		ServerOverrides: cfg.ServerOverrides,
		Client:          cfg.HTTPClient,
		Headers:         cfg.Headers,
	})

	eng := engine.New(loaded, store, inv, evaluator, logger)

	r := &Runner{
		loaded: loaded,
		store:  store,
		engine: eng,
		logger: logger,
	}
	r.sched = scheduler.NewScheduler(store, runnerAdapter{r}, logger)
	return r, nil
}

// Load reads, parses, and validates the Arazzo document at the given URL
// and assembles a Runner for it.
func Load(ctx context.Context, arazzoURL string, cfg Config) (*Runner, error) {
	loaded, err := document.NewLoader().Load(ctx, arazzoURL)
	if err != nil {
		return nil, err
	}
	return New(loaded, cfg)
}

// LoadFromBytes assembles a Runner from in-memory document content. sources
// maps source description names to their OpenAPI content.
func LoadFromBytes(ctx context.Context, arazzoData []byte, sources map[string][]byte, cfg Config) (*Runner, error) {
	loaded, err := document.NewLoader().LoadFromBytes(ctx, arazzoData, sources)
	if err != nil {
		return nil, err
	}
	return New(loaded, cfg)
}

func conditionEngine(name string) (expressions.Engine, error) {
	switch name {
	case "", "cel":
		return expressions.NewCELEngine()
	case "expr":
		return expressions.NewExprEngine(), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition engine %q", name)
	}
}

// Document returns the loaded Arazzo document.
func (r *Runner) Document() *schema.Document { return r.loaded.Doc }

// ExecuteWorkflow runs the named workflow to completion and returns its
// terminal result. Step failures are reported in the result, not as errors.
func (r *Runner) ExecuteWorkflow(ctx context.Context, workflowID string, inputs map[string]any) (*engine.Result, error) {
	return r.engine.Execute(ctx, workflowID, inputs)
}

// StartWorkflow creates a new execution without running any steps and
// returns its id, for step-wise driving via ExecuteNextStep.
func (r *Runner) StartWorkflow(ctx context.Context, workflowID string, inputs map[string]any) (string, error) {
	exec, err := r.engine.Start(ctx, workflowID, inputs)
	if err != nil {
		return "", err
	}
	return exec.ID, nil
}

// ExecuteNextStep runs the next step of an execution started with
// StartWorkflow.
func (r *Runner) ExecuteNextStep(ctx context.Context, executionID string) (*engine.StepResult, error) {
	return r.engine.Step(ctx, executionID)
}

// ExecutionState returns the current snapshot of an execution.
func (r *Runner) ExecutionState(ctx context.Context, executionID string) (*session.Execution, error) {
	return r.engine.State(ctx, executionID)
}

// ExecutionResult returns the terminal result of a finished execution.
func (r *Runner) ExecutionResult(ctx context.Context, executionID string) (*engine.Result, error) {
	return r.engine.Run(ctx, executionID)
}

// ReplaySteps reconstructs an execution's step records from its event log
// alone, independent of the persisted snapshot.
func (r *Runner) ReplaySteps(ctx context.Context, executionID string) ([]session.StepRecord, error) {
	return r.store.Replay(ctx, executionID)
}

// DisposeExecution removes an execution and its event log from the store.
func (r *Runner) DisposeExecution(ctx context.Context, executionID string) error {
	return r.store.DeleteExecution(ctx, executionID)
}

// Schedule registers a cron-scheduled execution of the named workflow and
// returns the schedule id. The scheduler must be started for runs to fire.
func (r *Runner) Schedule(ctx context.Context, workflowID, cronExpr string, inputs []byte) (string, error) {
	if wf := r.loaded.Doc.FindWorkflow(workflowID); wf == nil {
		return "", schema.NewErrorf(schema.ErrCodeDocument, "workflow %q not found in document", workflowID)
	}
	next, err := r.sched.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", cronExpr).WithCause(err)
	}

	run := &session.ScheduledRun{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Inputs:         inputs,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := r.store.CreateScheduledRun(ctx, run); err != nil {
		return "", err
	}
	return run.ID, nil
}

// Unschedule removes a scheduled run.
func (r *Runner) Unschedule(ctx context.Context, scheduleID string) error {
	return r.store.DeleteScheduledRun(ctx, scheduleID)
}

// StartScheduler launches the background scheduling loop.
func (r *Runner) StartScheduler(ctx context.Context) error {
	return r.sched.Start(ctx)
}

// StopScheduler shuts down the scheduling loop.
func (r *Runner) StopScheduler() error {
	return r.sched.Stop()
}

// Close stops the scheduler and releases the store.
func (r *Runner) Close() error {
	_ = r.sched.Stop()
	return r.store.Close()
}

// runnerAdapter lets the scheduler trigger full workflow executions.
type runnerAdapter struct {
	r *Runner
}

func (a runnerAdapter) ExecuteWorkflow(ctx context.Context, workflowID string, inputs map[string]any) error {
	res, err := a.r.ExecuteWorkflow(ctx, workflowID, inputs)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}
	return nil
}
