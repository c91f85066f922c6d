package engine

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowkit/engine-go/internal/errs"
	"github.com/flowkit/engine-go/internal/models"
)

// Attempt is one recorded failure of a step execution.
type Attempt struct {
	AttemptNumber int
	Timestamp     time.Time
	Error         string
	NextRetryAt   *time.Time
}

// DecisionKind is what the scheduler should do after a step failure.
type DecisionKind int

const (
	// DecisionRetry reschedules the same step with a delay.
	DecisionRetry DecisionKind = iota
	// DecisionTerminate fails the whole execution.
	DecisionTerminate
	// DecisionContinue dispatches successors with an empty output.
	DecisionContinue
	// DecisionSkipToStep dispatches exactly one named node.
	DecisionSkipToStep
)

// Decision is the retry controller's verdict on a failed step.
type Decision struct {
	Kind          DecisionKind
	Delay         time.Duration
	AttemptNumber int
	SkipToStep    *models.Node
	Notify        bool
}

// RetryController owns the per-step attempt ledger and decides between
// retrying, terminating, continuing, and skipping after failures.
type RetryController struct {
	mu            sync.Mutex
	attempts      map[string][]Attempt
	activeRetries map[string]bool
	logger        *zap.Logger
}

// NewRetryController creates an empty controller.
func NewRetryController(logger *zap.Logger) *RetryController {
	return &RetryController{
		attempts:      make(map[string][]Attempt),
		activeRetries: make(map[string]bool),
		logger:        logger.With(zap.String("component", "retry_controller")),
	}
}

// Categorize maps an error onto the retry taxonomy.
func (c *RetryController) Categorize(err error) errs.Category {
	return errs.Categorize(err)
}

// Attempts returns the number of recorded attempts for a step execution.
func (c *RetryController) Attempts(stepExecutionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attempts[stepExecutionID])
}

// RecordFailure appends a failed attempt to the ledger and returns the new
// attempt count.
func (c *RetryController) RecordFailure(stepExecutionID string, attemptNumber int, err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[stepExecutionID] = append(c.attempts[stepExecutionID], Attempt{
		AttemptNumber: attemptNumber,
		Timestamp:     time.Now(),
		Error:         err.Error(),
	})
	return len(c.attempts[stepExecutionID])
}

// ShouldRetry reports whether a failed step should be rescheduled: the
// policy asks for retries, attempts remain, the error category is
// retryable for this step, and no retry is already pending.
func (c *RetryController) ShouldRetry(policy *models.ErrorPolicy, stepExecutionID string, err error) bool {
	policy = policy.Normalized()
	if policy.OnFailure != models.FailureRetry || policy.RetryCount <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeRetries[stepExecutionID] {
		return false
	}
	if len(c.attempts[stepExecutionID]) >= policy.RetryCount {
		return false
	}

	category := string(errs.Categorize(err))
	for _, retryable := range policy.RetryOnStatus {
		if retryable == category {
			return true
		}
	}
	return false
}

// NextDelay computes the backoff before the given attempt is retried.
// attemptNumber is 1-based: the delay after the first failure uses 1.
func (c *RetryController) NextDelay(policy *models.ErrorPolicy, attemptNumber int) time.Duration {
	policy = policy.Normalized()
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	initial := time.Duration(policy.InitialDelayMs) * time.Millisecond
	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond

	var delay time.Duration
	switch policy.BackoffStrategy {
	case models.BackoffFixed:
		delay = initial
	case models.BackoffLinear:
		delay = initial * time.Duration(attemptNumber)
	default: // exponential
		shift := attemptNumber - 1
		if shift > 31 {
			shift = 31
		}
		delay = initial << shift
	}

	if policy.JitterEnabled() {
		// ±25 % jitter
		factor := 0.75 + rand.Float64()*0.5
		delay = time.Duration(float64(delay) * factor)
	}

	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// MarkRetryScheduled records a pending retry, stamping the ledger's latest
// attempt with the scheduled time.
func (c *RetryController) MarkRetryScheduled(stepExecutionID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeRetries[stepExecutionID] = true
	if attempts := c.attempts[stepExecutionID]; len(attempts) > 0 {
		attempts[len(attempts)-1].NextRetryAt = &at
	}
}

// RetryStarted clears the pending-retry flag when the retried message is
// picked up.
func (c *RetryController) RetryStarted(stepExecutionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.activeRetries, stepExecutionID)
}

// Forget drops all ledger state for a step execution.
func (c *RetryController) Forget(stepExecutionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, stepExecutionID)
	delete(c.activeRetries, stepExecutionID)
}

// Decide resolves the on-failure policy once retries are exhausted or
// disallowed. The step itself is already FAILED by the time this runs.
func (c *RetryController) Decide(policy *models.ErrorPolicy, graph []models.Node, stepID string) Decision {
	policy = policy.Normalized()
	notify := policy.NotifyOnFailure

	switch policy.OnFailure {
	case models.FailureContinue:
		return Decision{Kind: DecisionContinue, Notify: notify}
	case models.FailureSkipToStep:
		if target := models.FindNode(graph, policy.SkipToStepID); target != nil {
			return Decision{Kind: DecisionSkipToStep, SkipToStep: target, Notify: notify}
		}
		c.logger.Warn("skip_to_step target not found, terminating",
			zap.String("step_id", stepID),
			zap.String("skip_to_step_id", policy.SkipToStepID),
		)
		return Decision{Kind: DecisionTerminate, Notify: notify}
	case models.FailureRetry:
		// Retries were exhausted before Decide was called; reaching this
		// branch with a retry policy means the ledger and policy disagree.
		c.logger.Error("retry policy reached failure handling, terminating",
			zap.String("step_id", stepID),
		)
		return Decision{Kind: DecisionTerminate, Notify: notify}
	default:
		return Decision{Kind: DecisionTerminate, Notify: notify}
	}
}
