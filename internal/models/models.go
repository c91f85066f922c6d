package models

import (
	"sort"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft               WorkflowStatus = "DRAFT"
	WorkflowStatusActive              WorkflowStatus = "ACTIVE"
	WorkflowStatusInactive            WorkflowStatus = "INACTIVE"
	WorkflowStatusProcessing          WorkflowStatus = "PROCESSING"
	WorkflowStatusFailed              WorkflowStatus = "FAILED"
	WorkflowStatusCompleted           WorkflowStatus = "COMPLETED"
	WorkflowStatusCompletedWithErrors WorkflowStatus = "COMPLETED_WITH_ERRORS"
)

// Terminal reports whether the workflow can no longer make progress.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusFailed, WorkflowStatusCompleted, WorkflowStatusCompletedWithErrors:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a step execution.
type StepStatus string

const (
	StepStatusQueued     StepStatus = "QUEUED"
	StepStatusProcessing StepStatus = "PROCESSING"
	StepStatusCompleted  StepStatus = "COMPLETED"
	StepStatusFailed     StepStatus = "FAILED"
)

// Terminal reports whether the step has finished, successfully or not.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// ActionStatus is the outcome of a single action invocation.
type ActionStatus string

const (
	ActionStatusSuccess ActionStatus = "SUCCESS"
	ActionStatusFailed  ActionStatus = "FAILED"
)

// Workflow represents a workflow definition
type Workflow struct {
	ID        string         `json:"id" db:"id"`
	Name      string         `json:"name" db:"name"`
	Version   int            `json:"version" db:"version"`
	Status    WorkflowStatus `json:"status" db:"status"`
	Nodes     []Node         `json:"nodes"`
	Metadata  Metadata       `json:"metadata"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// Metadata carries workflow-level defaults applied to nodes that do not
// override them.
type Metadata struct {
	TimeoutMs   int64        `json:"timeout,omitempty"`
	ErrorPolicy *ErrorPolicy `json:"error_handling,omitempty"`
	Description string       `json:"description,omitempty"`
}

// Node represents one step definition inside a workflow graph.
type Node struct {
	ID                      string            `json:"id" validate:"required"`
	Type                    string            `json:"type" validate:"required"`
	Name                    string            `json:"name"`
	Actions                 map[string]Action `json:"actions,omitempty"`
	ActionOrder             []string          `json:"action_order,omitempty"`
	NextSteps               []EdgeDescriptor  `json:"next_steps,omitempty"`
	InputData               []string          `json:"input_data,omitempty"`
	WaitFor                 []string          `json:"wait_for,omitempty"`
	ErrorHandling           *ErrorPolicy      `json:"error_handling,omitempty"`
	Variables               map[string]any    `json:"variables,omitempty"`
	ContinueOnActionFailure bool              `json:"continue_on_action_failure,omitempty"`
	TimeoutMs               int64             `json:"timeout,omitempty"`
}

// Action is a single effect a node produces, keyed by handler tag in
// Node.Actions.
type Action struct {
	Config  map[string]any `json:"config"`
	Outputs []string       `json:"outputs,omitempty"`
}

// ConditionType decides whether an outgoing edge fires.
type ConditionType string

const (
	ConditionAlways      ConditionType = "always"
	ConditionIfNotEmpty  ConditionType = "if_not_empty"
	ConditionIfEmpty     ConditionType = "if_empty"
	ConditionEquals      ConditionType = "equals"
	ConditionNotEquals   ConditionType = "not_equals"
	ConditionContains    ConditionType = "contains"
	ConditionGreaterThan ConditionType = "greater_than"
	ConditionLessThan    ConditionType = "less_than"
)

// EdgeDescriptor declares a successor of a node together with the condition
// that gates it.
type EdgeDescriptor struct {
	TargetID       string        `json:"target_id" validate:"required"`
	Condition      string        `json:"condition,omitempty"`
	ConditionType  ConditionType `json:"condition_type,omitempty"`
	ConditionField string        `json:"condition_field,omitempty"`
	ConditionValue any           `json:"condition_value,omitempty"`
	Label          string        `json:"label,omitempty"`
	InputData      []string      `json:"input_data,omitempty"`
}

// FailurePolicy selects what happens once a step cannot succeed.
type FailurePolicy string

const (
	FailureTerminate  FailurePolicy = "terminate"
	FailureContinue   FailurePolicy = "continue"
	FailureRetry      FailurePolicy = "retry"
	FailureSkipToStep FailurePolicy = "skip_to_step"
)

// ErrorPolicy configures retry and failure behavior of one node.
type ErrorPolicy struct {
	OnFailure       FailurePolicy `json:"on_failure" mapstructure:"on_failure"`
	SkipToStepID    string        `json:"skip_to_step_id,omitempty" mapstructure:"skip_to_step_id"`
	RetryCount      int           `json:"retry_count" mapstructure:"retry_count"`
	BackoffStrategy string        `json:"backoff_strategy,omitempty" mapstructure:"backoff_strategy"`
	InitialDelayMs  int64         `json:"initial_delay_ms,omitempty" mapstructure:"initial_delay_ms"`
	MaxDelayMs      int64         `json:"max_delay_ms,omitempty" mapstructure:"max_delay_ms"`
	RetryOnStatus   []string      `json:"retry_on_status,omitempty" mapstructure:"retry_on_status"`
	Jitter          *bool         `json:"jitter,omitempty" mapstructure:"jitter"`
	NotifyOnFailure bool          `json:"notify_on_failure,omitempty" mapstructure:"notify_on_failure"`
}

const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"

	// DefaultStepTimeoutMs bounds a single action invocation.
	DefaultStepTimeoutMs = 30_000
)

// DefaultErrorPolicy returns the policy applied to nodes that declare none.
func DefaultErrorPolicy() *ErrorPolicy {
	return &ErrorPolicy{
		OnFailure:       FailureTerminate,
		RetryCount:      0,
		BackoffStrategy: BackoffExponential,
		InitialDelayMs:  1000,
		MaxDelayMs:      30_000,
		RetryOnStatus:   []string{"NETWORK_ERROR", "TIMEOUT", "RATE_LIMIT"},
	}
}

// Normalized returns a copy of the policy with defaults filled in. A nil
// receiver yields the default policy.
func (p *ErrorPolicy) Normalized() *ErrorPolicy {
	out := DefaultErrorPolicy()
	if p == nil {
		return out
	}
	cp := *p
	if cp.OnFailure == "" {
		cp.OnFailure = FailureTerminate
	}
	if cp.BackoffStrategy == "" {
		cp.BackoffStrategy = BackoffExponential
	}
	if cp.InitialDelayMs <= 0 {
		cp.InitialDelayMs = 1000
	}
	if cp.MaxDelayMs <= 0 {
		cp.MaxDelayMs = 30_000
	}
	if len(cp.RetryOnStatus) == 0 {
		cp.RetryOnStatus = out.RetryOnStatus
	}
	return &cp
}

// JitterEnabled defaults to true when unset.
func (p *ErrorPolicy) JitterEnabled() bool {
	if p == nil || p.Jitter == nil {
		return true
	}
	return *p.Jitter
}

// WorkflowExecution represents one runtime instance of a workflow.
type WorkflowExecution struct {
	ID          string         `json:"id" db:"id"`
	WorkflowID  string         `json:"workflow_id" db:"workflow_id"`
	Status      WorkflowStatus `json:"status" db:"status"`
	Context     map[string]any `json:"context,omitempty"`
	StartedAt   time.Time      `json:"started_at" db:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// StepExecution represents one runtime instance of a node within a
// workflow execution.
type StepExecution struct {
	ID                  string     `json:"id" db:"id"`
	WorkflowExecutionID string     `json:"workflow_execution_id" db:"workflow_execution_id"`
	WorkflowID          string     `json:"workflow_id" db:"workflow_id"`
	PreviousStepID      string     `json:"previous_step_id,omitempty" db:"previous_step_id"`
	StepID              string     `json:"step_id" db:"step_id"`
	StepType            string     `json:"step_type" db:"step_type"`
	Name                string     `json:"name" db:"name"`
	Status              StepStatus `json:"status" db:"status"`
	StepDefinition      *Node      `json:"step_definition,omitempty"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ActionResult represents the persisted outcome of one action invocation.
type ActionResult struct {
	ID              string         `json:"id" db:"id"`
	StepExecutionID string         `json:"step_execution_id" db:"step_execution_id"`
	WorkflowID      string         `json:"workflow_id" db:"workflow_id"`
	PreviousStepID  string         `json:"previous_step_id,omitempty" db:"previous_step_id"`
	StepID          string         `json:"step_id" db:"step_id"`
	ActionType      string         `json:"action_type" db:"action_type"`
	Status          ActionStatus   `json:"status" db:"status"`
	Result          map[string]any `json:"result,omitempty"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// Integration is an externally managed connector configuration. The engine
// only reads these.
type Integration struct {
	Type         string         `json:"type" db:"type"`
	Name         string         `json:"name" db:"name"`
	Config       map[string]any `json:"config,omitempty"`
	Status       string         `json:"status" db:"status"`
	LastTestedAt *time.Time     `json:"last_tested_at,omitempty" db:"last_tested_at"`
	LastError    string         `json:"last_error,omitempty" db:"last_error"`
	Enabled      bool           `json:"enabled" db:"enabled"`
}

// OrderedActions returns the node's action tags in declaration order.
// ActionOrder wins when present; otherwise tags are returned sorted so the
// order is at least deterministic for maps decoded from JSON.
func (n *Node) OrderedActions() []string {
	if len(n.ActionOrder) > 0 {
		out := make([]string, 0, len(n.ActionOrder))
		for _, tag := range n.ActionOrder {
			if _, ok := n.Actions[tag]; ok {
				out = append(out, tag)
			}
		}
		return out
	}
	out := make([]string, 0, len(n.Actions))
	for tag := range n.Actions {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Timeout returns the per-action timeout for this node.
func (n *Node) Timeout() time.Duration {
	if n.TimeoutMs > 0 {
		return time.Duration(n.TimeoutMs) * time.Millisecond
	}
	return DefaultStepTimeoutMs * time.Millisecond
}
