package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/flowkit/engine-go/internal/errs"
	"github.com/flowkit/engine-go/internal/models"
)

func testPolicy(mutate func(*models.ErrorPolicy)) *models.ErrorPolicy {
	policy := &models.ErrorPolicy{
		OnFailure:       models.FailureRetry,
		RetryCount:      3,
		BackoffStrategy: models.BackoffExponential,
		InitialDelayMs:  100,
		MaxDelayMs:      1000,
		RetryOnStatus:   []string{"TIMEOUT", "NETWORK_ERROR"},
	}
	if mutate != nil {
		mutate(policy)
	}
	return policy
}

func TestShouldRetry(t *testing.T) {
	c := NewRetryController(zap.NewNop())
	timeoutErr := errors.New("request timeout")

	assert.True(t, c.ShouldRetry(testPolicy(nil), "se-1", timeoutErr))

	// Non-retryable category
	assert.False(t, c.ShouldRetry(testPolicy(nil), "se-1", errors.New("permission denied")))

	// retry_count=0 disables retries regardless of category
	assert.False(t, c.ShouldRetry(testPolicy(func(p *models.ErrorPolicy) { p.RetryCount = 0 }), "se-1", timeoutErr))

	// Policy that is not retry
	assert.False(t, c.ShouldRetry(testPolicy(func(p *models.ErrorPolicy) { p.OnFailure = models.FailureTerminate }), "se-1", timeoutErr))

	// Pending retry blocks double scheduling
	c.MarkRetryScheduled("se-1", time.Now())
	assert.False(t, c.ShouldRetry(testPolicy(nil), "se-1", timeoutErr))
	c.RetryStarted("se-1")
	assert.True(t, c.ShouldRetry(testPolicy(nil), "se-1", timeoutErr))
}

func TestShouldRetryBoundsAttempts(t *testing.T) {
	c := NewRetryController(zap.NewNop())
	policy := testPolicy(nil)
	err := errors.New("timeout")

	for i := 1; i <= policy.RetryCount; i++ {
		assert.True(t, c.ShouldRetry(policy, "se-1", err), "attempt %d", i)
		c.RecordFailure("se-1", i, err)
	}
	assert.False(t, c.ShouldRetry(policy, "se-1", err))
	assert.Equal(t, policy.RetryCount, c.Attempts("se-1"))
}

func TestNextDelayStrategies(t *testing.T) {
	c := NewRetryController(zap.NewNop())
	noJitter := func(p *models.ErrorPolicy) {
		off := false
		p.Jitter = &off
	}

	fixed := testPolicy(func(p *models.ErrorPolicy) { p.BackoffStrategy = models.BackoffFixed; noJitter(p) })
	assert.Equal(t, 100*time.Millisecond, c.NextDelay(fixed, 1))
	assert.Equal(t, 100*time.Millisecond, c.NextDelay(fixed, 4))

	linear := testPolicy(func(p *models.ErrorPolicy) { p.BackoffStrategy = models.BackoffLinear; noJitter(p) })
	assert.Equal(t, 100*time.Millisecond, c.NextDelay(linear, 1))
	assert.Equal(t, 300*time.Millisecond, c.NextDelay(linear, 3))

	exponential := testPolicy(noJitter)
	assert.Equal(t, 100*time.Millisecond, c.NextDelay(exponential, 1))
	assert.Equal(t, 200*time.Millisecond, c.NextDelay(exponential, 2))
	assert.Equal(t, 400*time.Millisecond, c.NextDelay(exponential, 3))

	// Clamped to max_delay_ms
	assert.Equal(t, time.Second, c.NextDelay(exponential, 10))
}

func TestNextDelayJitterStaysInBounds(t *testing.T) {
	c := NewRetryController(zap.NewNop())
	policy := testPolicy(nil)

	for i := 0; i < 200; i++ {
		delay := c.NextDelay(policy, 2)
		assert.GreaterOrEqual(t, delay, 150*time.Millisecond)
		assert.LessOrEqual(t, delay, 250*time.Millisecond)
	}
}

func TestNextDelayMaxBelowInitialClamps(t *testing.T) {
	c := NewRetryController(zap.NewNop())
	policy := testPolicy(func(p *models.ErrorPolicy) {
		p.InitialDelayMs = 5000
		p.MaxDelayMs = 500
	})
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 500*time.Millisecond, c.NextDelay(policy, attempt))
	}
}

func TestCategorizeDeterministic(t *testing.T) {
	c := NewRetryController(zap.NewNop())
	err := fmt.Errorf("connection refused by host")
	first := c.Categorize(err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Categorize(err))
	}
	assert.Equal(t, errs.CategoryNetworkError, first)
}

func TestDecide(t *testing.T) {
	c := NewRetryController(zap.NewNop())
	graph := []models.Node{{ID: "A", Type: "work"}, {ID: "D", Type: "work"}}

	d := c.Decide(testPolicy(func(p *models.ErrorPolicy) { p.OnFailure = models.FailureContinue }), graph, "A")
	assert.Equal(t, DecisionContinue, d.Kind)

	d = c.Decide(testPolicy(func(p *models.ErrorPolicy) {
		p.OnFailure = models.FailureSkipToStep
		p.SkipToStepID = "D"
	}), graph, "A")
	assert.Equal(t, DecisionSkipToStep, d.Kind)
	assert.Equal(t, "D", d.SkipToStep.ID)

	// Missing skip target falls back to terminate
	d = c.Decide(testPolicy(func(p *models.ErrorPolicy) {
		p.OnFailure = models.FailureSkipToStep
		p.SkipToStepID = "missing"
	}), graph, "A")
	assert.Equal(t, DecisionTerminate, d.Kind)

	// Retry reaching Decide is a bug and terminates
	d = c.Decide(testPolicy(nil), graph, "A")
	assert.Equal(t, DecisionTerminate, d.Kind)

	d = c.Decide(testPolicy(func(p *models.ErrorPolicy) { p.OnFailure = models.FailureTerminate }), graph, "A")
	assert.Equal(t, DecisionTerminate, d.Kind)
}

func TestForgetClearsLedger(t *testing.T) {
	c := NewRetryController(zap.NewNop())
	c.RecordFailure("se-1", 1, errors.New("timeout"))
	c.MarkRetryScheduled("se-1", time.Now())

	c.Forget("se-1")
	assert.Equal(t, 0, c.Attempts("se-1"))
	assert.True(t, c.ShouldRetry(testPolicy(nil), "se-1", errors.New("timeout")))
}
