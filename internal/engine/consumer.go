package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/flowkit/engine-go/internal/actions"
	"github.com/flowkit/engine-go/internal/broker"
	"github.com/flowkit/engine-go/internal/errs"
	"github.com/flowkit/engine-go/internal/models"
	"github.com/flowkit/engine-go/internal/notify"
	"github.com/flowkit/engine-go/internal/observability"
	"github.com/flowkit/engine-go/internal/resilience"
)

// ConsumerConfig tunes the step execution consumer.
type ConsumerConfig struct {
	MaxConcurrentSteps int
	BarrierRetryDelay  time.Duration
	RateLimit          rate.Limit
	RateBurst          int
}

// DefaultConsumerConfig returns the shipped consumer settings.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MaxConcurrentSteps: 50,
		BarrierRetryDelay:  time.Second,
	}
}

// StepConsumer executes per-step work messages from
// workflow_execution_queue: lock, dependency barrier, input assembly, action
// invocation, output integration, edge evaluation, successor dispatch, and
// completion detection.
type StepConsumer struct {
	store     Store
	publisher Publisher
	registry  *actions.Registry
	retries   *RetryController
	contexts  *ContextStore
	locks     *LockTable
	breakers  *resilience.Registry
	monitor   *Monitor
	notifier  notify.Notifier
	metrics   *observability.Metrics
	config    ConsumerConfig
	logger    *zap.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewStepConsumer wires the step consumer. monitor, notifier, metrics and
// breakers may be nil.
func NewStepConsumer(
	store Store,
	publisher Publisher,
	registry *actions.Registry,
	retries *RetryController,
	breakers *resilience.Registry,
	monitor *Monitor,
	notifier notify.Notifier,
	metrics *observability.Metrics,
	cfg ConsumerConfig,
	logger *zap.Logger,
) *StepConsumer {
	if cfg.MaxConcurrentSteps <= 0 {
		cfg.MaxConcurrentSteps = DefaultConsumerConfig().MaxConcurrentSteps
	}
	if cfg.BarrierRetryDelay <= 0 {
		cfg.BarrierRetryDelay = time.Second
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}

	return &StepConsumer{
		store:     store,
		publisher: publisher,
		registry:  registry,
		retries:   retries,
		contexts:  NewContextStore(),
		locks:     NewLockTable(),
		breakers:  breakers,
		monitor:   monitor,
		notifier:  notifier,
		metrics:   metrics,
		config:    cfg,
		logger:    logger.With(zap.String("component", "step_consumer")),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentSteps)),
		limiter:   limiter,
	}
}

// HandleMessage is the broker subscription entry point.
func (c *StepConsumer) HandleMessage(ctx context.Context, d broker.Delivery) error {
	var msg models.StepQueueMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Error("Dropping malformed step message", zap.Error(err))
		return nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	return c.Process(ctx, &msg)
}

// Process runs the per-step contract for one work message.
func (c *StepConsumer) Process(ctx context.Context, msg *models.StepQueueMessage) error {
	logger := c.logger.With(
		zap.String("execution_id", msg.WorkflowExecutionID),
		zap.String("step_id", msg.Step.ID),
		zap.Int("attempt", msg.AttemptNumber),
	)

	if msg.IsRetry {
		c.retries.RetryStarted(msg.StepExecutionID)
	}

	if !c.locks.TryAcquire(msg.WorkflowExecutionID, msg.Step.ID) {
		if !msg.IsRetry {
			logger.Debug("Dropping duplicate step message, lock held")
			return nil
		}
		// A retry raced the previous attempt; come back shortly.
		return c.publisher.PublishDelayed(ctx, broker.ExecutionQueue, msg, c.config.BarrierRetryDelay)
	}
	defer c.locks.Release(msg.WorkflowExecutionID, msg.Step.ID)

	execution, err := c.store.GetWorkflowExecution(ctx, msg.WorkflowExecutionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", msg.WorkflowExecutionID, err)
	}
	if execution.Status.Terminal() {
		logger.Debug("Dropping step for terminal execution", zap.String("status", string(execution.Status)))
		return nil
	}

	ec := c.contexts.Bind(msg.WorkflowExecutionID, execution.Context)

	ready, err := c.barrierSatisfied(ctx, msg, logger)
	if err != nil {
		return err
	}
	if !ready {
		// Re-enqueue with a short delay until every dependency is terminal.
		// Not a retry attempt.
		return c.publisher.PublishDelayed(ctx, broker.ExecutionQueue, msg, c.config.BarrierRetryDelay)
	}

	step, err := c.store.GetStepExecution(ctx, msg.StepExecutionID)
	if err != nil {
		return fmt.Errorf("failed to load step execution %s: %w", msg.StepExecutionID, err)
	}
	if step.Status.Terminal() && !msg.IsRetry {
		logger.Debug("Dropping redelivered message for terminal step", zap.String("status", string(step.Status)))
		return nil
	}

	if err := c.store.UpdateStepExecutionStatus(ctx, msg.StepExecutionID, models.StepStatusProcessing); err != nil {
		return fmt.Errorf("failed to transition step to PROCESSING: %w", err)
	}

	started := time.Now()
	output, execErr := c.runActions(ctx, msg, ec, logger)
	if execErr != nil {
		return c.handleStepFailure(ctx, msg, ec, execErr, started, logger)
	}

	ec.SetStepOutput(msg.Step.ID, output)
	for name, value := range msg.Step.Variables {
		if s, ok := value.(string); ok {
			ec.SetVariable(name, Substitute(s, output))
			continue
		}
		ec.SetVariable(name, value)
	}

	if err := c.store.UpdateStepExecutionStatus(ctx, msg.StepExecutionID, models.StepStatusCompleted); err != nil {
		return fmt.Errorf("failed to transition step to COMPLETED: %w", err)
	}

	duration := time.Since(started)
	if c.monitor != nil {
		c.monitor.StepCompleted(msg.WorkflowExecutionID, duration)
	}
	if c.metrics != nil {
		c.metrics.RecordStepExecution(msg.Step.Type, "completed")
		c.metrics.ObserveStepDuration(msg.Step.Type, duration.Seconds())
	}
	logger.Info("Step completed", zap.Duration("duration", duration))

	enqueued, err := c.dispatchSuccessors(ctx, msg, ec, models.StepStatusCompleted, output)
	if err != nil {
		return err
	}
	return c.detectCompletion(ctx, msg, enqueued, logger)
}

// barrierSatisfied checks the wait_for dependencies. A predecessor passes
// when it is COMPLETED, or FAILED with an on_failure of continue.
func (c *StepConsumer) barrierSatisfied(ctx context.Context, msg *models.StepQueueMessage, logger *zap.Logger) (bool, error) {
	for _, dep := range msg.Step.WaitFor {
		predecessor, err := c.store.GetStepExecutionByStep(ctx, msg.WorkflowExecutionID, dep)
		if err != nil {
			if isNotFound(err) {
				logger.Debug("Dependency not yet dispatched", zap.String("dependency", dep))
				return false, nil
			}
			return false, fmt.Errorf("failed to load dependency %s: %w", dep, err)
		}

		switch predecessor.Status {
		case models.StepStatusCompleted:
			continue
		case models.StepStatusFailed:
			node := models.FindNode(msg.Workflow, dep)
			if node != nil && node.ErrorHandling.Normalized().OnFailure == models.FailureContinue {
				continue
			}
			logger.Debug("Dependency failed without continue policy", zap.String("dependency", dep))
			return false, nil
		default:
			logger.Debug("Dependency not yet terminal",
				zap.String("dependency", dep),
				zap.String("status", string(predecessor.Status)),
			)
			return false, nil
		}
	}
	return true, nil
}

// runActions executes the step's actions in declaration order, persisting an
// ActionResult per invocation, and returns the integrated output mapping.
func (c *StepConsumer) runActions(ctx context.Context, msg *models.StepQueueMessage, ec *ExecutionContext, logger *zap.Logger) (map[string]any, error) {
	inputs := AssembleInputs(ec, msg.Step.InputData, msg.PreviousStepID)
	output := make(map[string]any)

	for _, tag := range msg.Step.OrderedActions() {
		action := msg.Step.Actions[tag]

		handler, err := c.registry.Resolve(tag)
		if err != nil {
			c.persistActionResult(ctx, msg, tag, models.ActionStatusFailed, map[string]any{
				"success": false,
				"error":   err.Error(),
			}, logger)
			return nil, err
		}

		var breaker *resilience.Breaker
		if c.breakers != nil {
			breaker = c.breakers.For(tag)
			if !breaker.Allow() {
				err := errs.New(errs.CategoryNetworkError, "circuit breaker open for action type %q", tag)
				c.persistActionResult(ctx, msg, tag, models.ActionStatusFailed, map[string]any{
					"success": false,
					"error":   err.Error(),
				}, logger)
				if !msg.Step.ContinueOnActionFailure {
					return nil, err
				}
				continue
			}
		}

		enriched := EnrichConfig(action.Config, inputs)
		result, err := invokeAction(ctx, handler, enriched, msg.Step.Timeout())
		if err != nil {
			if breaker != nil {
				breaker.RecordFailure()
			}
			c.persistActionResult(ctx, msg, tag, models.ActionStatusFailed, map[string]any{
				"success": false,
				"error":   err.Error(),
			}, logger)
			if msg.Step.ContinueOnActionFailure {
				logger.Warn("Action failed, continuing", zap.String("action_type", tag), zap.Error(err))
				continue
			}
			return nil, err
		}

		envelope := map[string]any{"success": result.Success}
		if result.Data != nil {
			envelope["data"] = result.Data
		}
		if result.Error != "" {
			envelope["error"] = result.Error
		}

		if !result.Success {
			if breaker != nil {
				breaker.RecordFailure()
			}
			c.persistActionResult(ctx, msg, tag, models.ActionStatusFailed, envelope, logger)
			if msg.Step.ContinueOnActionFailure {
				logger.Warn("Action reported failure, continuing",
					zap.String("action_type", tag),
					zap.String("error", result.Error),
				)
				continue
			}
			return nil, errs.New(errs.Categorize(fmt.Errorf("%s", result.Error)), "action %s failed: %s", tag, result.Error)
		}

		if breaker != nil {
			breaker.RecordSuccess()
		}
		c.persistActionResult(ctx, msg, tag, models.ActionStatusSuccess, envelope, logger)
		mergeActionOutput(output, result.Data)
	}

	return output, nil
}

// mergeActionOutput integrates one action's data into the step output,
// flattening a nested "data" mapping one level.
func mergeActionOutput(output map[string]any, data map[string]any) {
	if data == nil {
		return
	}
	if inner, ok := data["data"].(map[string]any); ok {
		for k, v := range inner {
			output[k] = v
		}
		return
	}
	for k, v := range data {
		output[k] = v
	}
}

// invokeAction runs a handler under the step timeout. The handler goroutine
// is abandoned when the timeout fires; the outcome is TIMEOUT either way.
func invokeAction(ctx context.Context, handler actions.Handler, config map[string]any, timeout time.Duration) (*actions.Result, error) {
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *actions.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler.Execute(actionCtx, config)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && actionCtx.Err() == context.DeadlineExceeded {
			return nil, errs.Wrap(errs.CategoryTimeout, out.err)
		}
		return out.result, out.err
	case <-actionCtx.Done():
		return nil, errs.New(errs.CategoryTimeout, "action timed out after %s", timeout)
	}
}

func (c *StepConsumer) persistActionResult(ctx context.Context, msg *models.StepQueueMessage, actionType string, status models.ActionStatus, result map[string]any, logger *zap.Logger) {
	record := &models.ActionResult{
		ID:              uuid.NewString(),
		StepExecutionID: msg.StepExecutionID,
		WorkflowID:      msg.WorkflowID,
		PreviousStepID:  msg.PreviousStepID,
		StepID:          msg.Step.ID,
		ActionType:      actionType,
		Status:          status,
		Result:          redactSecrets(result),
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.store.CreateActionResult(ctx, record); err != nil {
		logger.Error("Failed to persist action result",
			zap.Error(err),
			zap.String("action_type", actionType),
		)
	}
}

// handleStepFailure routes a failed step through the retry controller.
func (c *StepConsumer) handleStepFailure(ctx context.Context, msg *models.StepQueueMessage, ec *ExecutionContext, execErr error, started time.Time, logger *zap.Logger) error {
	policy := msg.Step.ErrorHandling.Normalized()
	category := c.retries.Categorize(execErr)
	logger.Warn("Step failed",
		zap.Error(execErr),
		zap.String("category", string(category)),
		zap.String("on_failure", string(policy.OnFailure)),
	)

	if c.metrics != nil {
		c.metrics.RecordStepExecution(msg.Step.Type, "failed")
		c.metrics.RecordError("step_consumer", string(category))
	}

	if c.retries.ShouldRetry(policy, msg.StepExecutionID, execErr) {
		attempts := c.retries.RecordFailure(msg.StepExecutionID, msg.AttemptNumber, execErr)
		delay := c.retries.NextDelay(policy, attempts)

		// Back to QUEUED; the step is not FAILED while retries remain.
		if err := c.store.UpdateStepExecutionStatus(ctx, msg.StepExecutionID, models.StepStatusQueued); err != nil {
			return fmt.Errorf("failed to requeue step for retry: %w", err)
		}

		retryMsg := *msg
		retryMsg.IsRetry = true
		retryMsg.AttemptNumber = msg.AttemptNumber + 1
		if err := c.publisher.PublishDelayed(ctx, broker.ExecutionQueue, &retryMsg, delay); err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}

		c.retries.MarkRetryScheduled(msg.StepExecutionID, time.Now().Add(delay))
		if c.monitor != nil {
			c.monitor.StepRetried(msg.WorkflowExecutionID)
		}
		logger.Info("Retry scheduled",
			zap.Duration("delay", delay),
			zap.Int("attempt", attempts),
		)
		return nil
	}

	c.retries.RecordFailure(msg.StepExecutionID, msg.AttemptNumber, execErr)
	if err := c.store.UpdateStepExecutionStatus(ctx, msg.StepExecutionID, models.StepStatusFailed); err != nil {
		return fmt.Errorf("failed to transition step to FAILED: %w", err)
	}
	if c.monitor != nil {
		c.monitor.StepFailed(msg.WorkflowExecutionID, time.Since(started), category)
	}

	decision := c.retries.Decide(policy, msg.Workflow, msg.Step.ID)
	if decision.Notify {
		c.notifyFailure(ctx, msg, execErr)
	}

	switch decision.Kind {
	case DecisionContinue:
		ec.SetStepOutput(msg.Step.ID, map[string]any{})
		enqueued, err := c.dispatchSuccessors(ctx, msg, ec, models.StepStatusFailed, map[string]any{})
		if err != nil {
			return err
		}
		return c.detectCompletion(ctx, msg, enqueued, logger)

	case DecisionSkipToStep:
		if err := c.dispatchStep(ctx, msg, decision.SkipToStep, nil); err != nil {
			return err
		}
		return c.detectCompletion(ctx, msg, 1, logger)

	default: // terminate
		return c.failExecution(ctx, msg, logger)
	}
}

func (c *StepConsumer) notifyFailure(ctx context.Context, msg *models.StepQueueMessage, execErr error) {
	if c.notifier == nil {
		return
	}
	event := notify.Event{
		Kind:        "step_failed",
		Severity:    "error",
		WorkflowID:  msg.WorkflowID,
		ExecutionID: msg.WorkflowExecutionID,
		StepID:      msg.Step.ID,
		Message:     execErr.Error(),
		Timestamp:   time.Now(),
	}
	if err := c.notifier.Notify(ctx, event); err != nil {
		c.logger.Warn("Failure notification not delivered", zap.Error(err))
	}
}

// dispatchSuccessors evaluates outgoing edges and enqueues surviving
// targets. Returns how many successors were enqueued this turn.
func (c *StepConsumer) dispatchSuccessors(ctx context.Context, msg *models.StepQueueMessage, ec *ExecutionContext, status models.StepStatus, output map[string]any) (int, error) {
	enqueued := 0
	for _, edge := range msg.Step.NextSteps {
		if !EvaluateEdge(edge, status, ec, output) {
			continue
		}
		target := models.FindNode(msg.Workflow, edge.TargetID)
		if target == nil {
			c.logger.Warn("Edge target missing from graph",
				zap.String("step_id", msg.Step.ID),
				zap.String("target_id", edge.TargetID),
			)
			continue
		}
		if err := c.dispatchStep(ctx, msg, target, edge.InputData); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// dispatchStep creates the successor's StepExecution when none exists yet
// and publishes its work message. An existing record means another branch
// already dispatched the node.
func (c *StepConsumer) dispatchStep(ctx context.Context, msg *models.StepQueueMessage, target *models.Node, edgeInputs []string) error {
	if _, err := c.store.GetStepExecutionByStep(ctx, msg.WorkflowExecutionID, target.ID); err == nil {
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("failed to check successor %s: %w", target.ID, err)
	}

	snapshot := *target
	if len(edgeInputs) > 0 {
		snapshot.InputData = unionInputs(snapshot.InputData, edgeInputs)
	}

	stepExecution := &models.StepExecution{
		ID:                  uuid.NewString(),
		WorkflowExecutionID: msg.WorkflowExecutionID,
		WorkflowID:          msg.WorkflowID,
		PreviousStepID:      msg.Step.ID,
		StepID:              target.ID,
		StepType:            target.Type,
		Name:                target.Name,
		Status:              models.StepStatusQueued,
		StepDefinition:      &snapshot,
		CreatedAt:           time.Now().UTC(),
	}
	if err := c.store.CreateStepExecution(ctx, stepExecution); err != nil {
		return fmt.Errorf("failed to create successor step execution: %w", err)
	}

	work := models.StepQueueMessage{
		WorkflowID:          msg.WorkflowID,
		WorkflowExecutionID: msg.WorkflowExecutionID,
		StepExecutionID:     stepExecution.ID,
		PreviousStepID:      msg.Step.ID,
		Step:                snapshot,
		Workflow:            msg.Workflow,
		AttemptNumber:       1,
	}
	if err := c.publisher.Publish(ctx, broker.ExecutionQueue, work); err != nil {
		return fmt.Errorf("failed to enqueue successor %s: %w", target.ID, err)
	}
	return nil
}

func unionInputs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, lists := range [][]string{a, b} {
		for _, token := range lists {
			if !seen[token] {
				seen[token] = true
				out = append(out, token)
			}
		}
	}
	return out
}

// detectCompletion closes the execution once every step is terminal and this
// turn enqueued no further work.
func (c *StepConsumer) detectCompletion(ctx context.Context, msg *models.StepQueueMessage, enqueued int, logger *zap.Logger) error {
	if enqueued > 0 {
		return nil
	}

	steps, err := c.store.ListStepExecutions(ctx, msg.WorkflowExecutionID)
	if err != nil {
		return fmt.Errorf("failed to list step executions: %w", err)
	}

	anyFailed := false
	for _, step := range steps {
		if !step.Status.Terminal() {
			return nil
		}
		if step.Status == models.StepStatusFailed {
			anyFailed = true
		}
	}

	status := models.WorkflowStatusCompleted
	if anyFailed {
		status = models.WorkflowStatusCompletedWithErrors
	}

	if err := c.store.UpdateWorkflowExecutionStatus(ctx, msg.WorkflowExecutionID, status); err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}
	if err := c.store.UpdateWorkflowStatus(ctx, msg.WorkflowID, status); err != nil {
		return fmt.Errorf("failed to complete workflow: %w", err)
	}

	c.teardown(msg.WorkflowExecutionID, steps, status)
	if c.metrics != nil {
		c.metrics.RecordWorkflowExecution(string(status))
	}
	logger.Info("Execution completed", zap.String("status", string(status)))
	return nil
}

// failExecution terminates the execution and workflow after a fatal step
// failure.
func (c *StepConsumer) failExecution(ctx context.Context, msg *models.StepQueueMessage, logger *zap.Logger) error {
	if err := c.store.UpdateWorkflowExecutionStatus(ctx, msg.WorkflowExecutionID, models.WorkflowStatusFailed); err != nil {
		return fmt.Errorf("failed to fail execution: %w", err)
	}
	if err := c.store.UpdateWorkflowStatus(ctx, msg.WorkflowID, models.WorkflowStatusFailed); err != nil {
		return fmt.Errorf("failed to fail workflow: %w", err)
	}

	steps, err := c.store.ListStepExecutions(ctx, msg.WorkflowExecutionID)
	if err != nil {
		steps = nil
	}
	c.teardown(msg.WorkflowExecutionID, steps, models.WorkflowStatusFailed)
	if c.metrics != nil {
		c.metrics.RecordWorkflowExecution(string(models.WorkflowStatusFailed))
	}
	logger.Info("Execution terminated")
	return nil
}

func (c *StepConsumer) teardown(executionID string, steps []*models.StepExecution, status models.WorkflowStatus) {
	c.contexts.Drop(executionID)
	c.locks.DropExecution(executionID)
	for _, step := range steps {
		c.retries.Forget(step.ID)
	}
	if c.monitor != nil {
		c.monitor.ExecutionFinished(executionID, status)
	}
}
