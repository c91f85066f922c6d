package models

// WorkflowQueueMessage is the admission envelope published to workflow_queue.
// The graph may be supplied inline; otherwise it is loaded from persistence
// by workflow id.
type WorkflowQueueMessage struct {
	WorkflowID          string         `json:"workflow_id" validate:"required"`
	Workflow            []Node         `json:"workflow,omitempty"`
	WorkflowExecutionID string         `json:"workflow_execution_id,omitempty"`
	Context             map[string]any `json:"context,omitempty"`
}

// StepQueueMessage is the per-step work envelope published to
// workflow_execution_queue. The step and graph are frozen snapshots so the
// consumer never depends on concurrent workflow edits.
type StepQueueMessage struct {
	WorkflowID          string `json:"workflow_id"`
	WorkflowExecutionID string `json:"workflow_execution_id"`
	StepExecutionID     string `json:"step_execution_id"`
	PreviousStepID      string `json:"previous_step_id,omitempty"`
	Step                Node   `json:"step"`
	Workflow            []Node `json:"workflow"`
	IsRetry             bool   `json:"is_retry,omitempty"`
	AttemptNumber       int    `json:"attempt_number,omitempty"`
}
