package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowkit/engine-go/internal/broker"
	"github.com/flowkit/engine-go/internal/errs"
	"github.com/flowkit/engine-go/internal/models"
)

// AdmissionConsumer reads workflow_queue, validates the graph, creates the
// execution and its entry step, and enqueues the first work message.
type AdmissionConsumer struct {
	store     Store
	publisher Publisher
	monitor   *Monitor
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewAdmissionConsumer creates the admission consumer.
func NewAdmissionConsumer(store Store, publisher Publisher, monitor *Monitor, logger *zap.Logger) *AdmissionConsumer {
	return &AdmissionConsumer{
		store:     store,
		publisher: publisher,
		monitor:   monitor,
		validate:  validator.New(),
		logger:    logger.With(zap.String("component", "admission")),
	}
}

// HandleMessage is the broker subscription entry point.
func (a *AdmissionConsumer) HandleMessage(ctx context.Context, d broker.Delivery) error {
	var msg models.WorkflowQueueMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		// Malformed admission payloads can never succeed; log and drop.
		a.logger.Error("Dropping malformed workflow message", zap.Error(err))
		return nil
	}
	return a.Accept(ctx, &msg)
}

// Accept admits one workflow run. Validation failures fail the workflow
// synchronously with INVALID_WORKFLOW; failures after the execution is
// created mark both records FAILED.
func (a *AdmissionConsumer) Accept(ctx context.Context, msg *models.WorkflowQueueMessage) error {
	logger := a.logger.With(zap.String("workflow_id", msg.WorkflowID))

	if err := a.validate.Struct(msg); err != nil {
		logger.Error("Workflow message failed validation", zap.Error(err))
		return nil
	}

	nodes := msg.Workflow
	if len(nodes) == 0 {
		wf, err := a.store.GetWorkflow(ctx, msg.WorkflowID)
		if err != nil {
			return fmt.Errorf("failed to load workflow %s: %w", msg.WorkflowID, err)
		}
		nodes = models.ApplyDefaults(wf.Metadata, wf.Nodes)
	}

	if err := models.ValidateGraph(nodes); err != nil {
		invalid := errs.Wrap(errs.CategoryInvalidWorkflow, err)
		logger.Error("Rejecting invalid workflow", zap.Error(invalid))
		if uerr := a.store.UpdateWorkflowStatus(ctx, msg.WorkflowID, models.WorkflowStatusFailed); uerr != nil {
			logger.Error("Failed to mark workflow FAILED", zap.Error(uerr))
		}
		return nil
	}

	if err := a.store.UpdateWorkflowStatus(ctx, msg.WorkflowID, models.WorkflowStatusProcessing); err != nil {
		return fmt.Errorf("failed to transition workflow to PROCESSING: %w", err)
	}

	executionID := msg.WorkflowExecutionID
	createdExecutionID := ""
	if executionID == "" {
		executionID = uuid.NewString()
		execution := &models.WorkflowExecution{
			ID:         executionID,
			WorkflowID: msg.WorkflowID,
			Status:     models.WorkflowStatusProcessing,
			Context:    msg.Context,
			StartedAt:  time.Now().UTC(),
		}
		if err := a.store.CreateWorkflowExecution(ctx, execution); err != nil {
			a.failAdmission(ctx, msg.WorkflowID, "", logger)
			return fmt.Errorf("failed to create workflow execution: %w", err)
		}
		createdExecutionID = executionID
	}

	entry := models.EntryNode(nodes)
	stepExecution := &models.StepExecution{
		ID:                  uuid.NewString(),
		WorkflowExecutionID: executionID,
		WorkflowID:          msg.WorkflowID,
		StepID:              entry.ID,
		StepType:            entry.Type,
		Name:                entry.Name,
		Status:              models.StepStatusQueued,
		StepDefinition:      entry,
		CreatedAt:           time.Now().UTC(),
	}
	if err := a.store.CreateStepExecution(ctx, stepExecution); err != nil {
		a.failAdmission(ctx, msg.WorkflowID, createdExecutionID, logger)
		return fmt.Errorf("failed to create entry step execution: %w", err)
	}

	work := models.StepQueueMessage{
		WorkflowID:          msg.WorkflowID,
		WorkflowExecutionID: executionID,
		StepExecutionID:     stepExecution.ID,
		Step:                *entry,
		Workflow:            nodes,
		AttemptNumber:       1,
	}
	if err := a.publisher.Publish(ctx, broker.ExecutionQueue, work); err != nil {
		a.failAdmission(ctx, msg.WorkflowID, createdExecutionID, logger)
		return fmt.Errorf("failed to enqueue entry step: %w", err)
	}

	if a.monitor != nil {
		a.monitor.ExecutionStarted(executionID)
	}

	logger.Info("Workflow admitted",
		zap.String("execution_id", executionID),
		zap.String("entry_step", entry.ID),
		zap.Int("nodes", len(nodes)),
	)
	return nil
}

// failAdmission marks the workflow, and the execution when this admission
// created one, as FAILED.
func (a *AdmissionConsumer) failAdmission(ctx context.Context, workflowID, executionID string, logger *zap.Logger) {
	if err := a.store.UpdateWorkflowStatus(ctx, workflowID, models.WorkflowStatusFailed); err != nil {
		logger.Error("Failed to mark workflow FAILED", zap.Error(err))
	}
	if executionID != "" {
		if err := a.store.UpdateWorkflowExecutionStatus(ctx, executionID, models.WorkflowStatusFailed); err != nil {
			logger.Error("Failed to mark execution FAILED", zap.Error(err))
		}
	}
}
