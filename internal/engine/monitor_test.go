package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowkit/engine-go/internal/errs"
	"github.com/flowkit/engine-go/internal/models"
	"github.com/flowkit/engine-go/internal/notify"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Notify(ctx context.Context, event notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureNotifier) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Kind)
	}
	return out
}

func TestMonitorTracksExecutionStats(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), nil, zap.NewNop())

	m.ExecutionStarted("exec-1")
	m.StepCompleted("exec-1", 100*time.Millisecond)
	m.StepCompleted("exec-1", 300*time.Millisecond)
	m.StepFailed("exec-1", 200*time.Millisecond, errs.CategoryTimeout)
	m.StepRetried("exec-1")

	stats, ok := m.Stats("exec-1")
	require.True(t, ok)
	assert.Equal(t, 3, stats.TotalSteps)
	assert.Equal(t, 2, stats.CompletedSteps)
	assert.Equal(t, 1, stats.FailedSteps)
	assert.Equal(t, 1, stats.RetriedSteps)
	assert.Equal(t, 600*time.Millisecond, stats.TotalDuration)
	assert.Equal(t, 200*time.Millisecond, stats.AverageStepDuration)
	assert.InDelta(t, 1.0/3.0, stats.ErrorRate, 0.001)

	m.ExecutionFinished("exec-1", models.WorkflowStatusCompletedWithErrors)
	stats, _ = m.Stats("exec-1")
	assert.NotNil(t, stats.EndTime)
	assert.Equal(t, models.WorkflowStatusCompletedWithErrors, stats.Status)

	m.Forget("exec-1")
	_, ok = m.Stats("exec-1")
	assert.False(t, ok)
}

func TestMonitorErrorRateAlert(t *testing.T) {
	sink := &captureNotifier{}
	thresholds := DefaultThresholds()
	thresholds.ErrorRate = 0.4
	m := NewMonitor(thresholds, sink, zap.NewNop())

	m.ExecutionStarted("exec-1")
	m.StepCompleted("exec-1", time.Millisecond)
	m.StepFailed("exec-1", time.Millisecond, errs.CategoryNetworkError)

	assert.Contains(t, sink.kinds(), "error_rate_threshold")
}

func TestSystemHealthClassification(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), nil, zap.NewNop())

	health := m.SystemHealth()
	assert.Equal(t, HealthHealthy, health.Status)

	m.ExecutionStarted("exec-1")
	for i := 0; i < 8; i++ {
		m.StepCompleted("exec-1", time.Millisecond)
	}
	for i := 0; i < 2; i++ {
		m.StepFailed("exec-1", time.Millisecond, errs.CategoryTimeout)
	}

	// 20% failures in the window: degraded, not critical.
	health = m.SystemHealth()
	assert.Equal(t, HealthDegraded, health.Status)
	assert.Equal(t, 1, health.ActiveExecutions)

	for i := 0; i < 20; i++ {
		m.StepFailed("exec-1", time.Millisecond, errs.CategoryTimeout)
	}
	health = m.SystemHealth()
	assert.Equal(t, HealthCritical, health.Status)
}
