package schema

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	StatusPending          ExecutionStatus = "pending"
	StatusRunning          ExecutionStatus = "running"
	StatusStepFailed       ExecutionStatus = "step_failed"
	StatusWorkflowComplete ExecutionStatus = "workflow_complete"
	StatusWorkflowError    ExecutionStatus = "workflow_error"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusStepFailed, StatusWorkflowComplete, StatusWorkflowError:
		return true
	}
	return false
}

// StepStatus is the per-step outcome reported by the step-wise driver.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepRunning  StepStatus = "running"
	StepComplete StepStatus = "step_complete"
	StepFailed   StepStatus = "step_failed"
	StepSkipped  StepStatus = "skipped"
)

// Event type constants for the execution event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
)
