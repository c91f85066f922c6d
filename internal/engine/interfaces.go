package engine

import (
	"context"
	"time"

	"github.com/flowkit/engine-go/internal/models"
)

// Store is the persistence surface the engine depends on. *repo.Repository
// implements it.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id string, status models.WorkflowStatus) error

	CreateWorkflowExecution(ctx context.Context, exec *models.WorkflowExecution) error
	GetWorkflowExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)
	UpdateWorkflowExecutionStatus(ctx context.Context, id string, status models.WorkflowStatus) error

	CreateStepExecution(ctx context.Context, step *models.StepExecution) error
	GetStepExecution(ctx context.Context, id string) (*models.StepExecution, error)
	GetStepExecutionByStep(ctx context.Context, executionID, stepID string) (*models.StepExecution, error)
	ListStepExecutions(ctx context.Context, executionID string) ([]*models.StepExecution, error)
	UpdateStepExecutionStatus(ctx context.Context, id string, status models.StepStatus) error

	CreateActionResult(ctx context.Context, result *models.ActionResult) error
}

// Publisher is the broker surface the engine depends on.
// *broker.RabbitMQBroker implements it.
type Publisher interface {
	Publish(ctx context.Context, queue string, message any) error
	PublishDelayed(ctx context.Context, queue string, message any, delay time.Duration) error
}
