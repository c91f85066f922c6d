package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowkit/engine-go/internal/errs"
	"github.com/flowkit/engine-go/internal/models"
	"github.com/flowkit/engine-go/internal/notify"
)

// ExecutionStats aggregates one execution's progress for operators.
type ExecutionStats struct {
	ExecutionID         string                `json:"execution_id"`
	TotalSteps          int                   `json:"total_steps"`
	CompletedSteps      int                   `json:"completed_steps"`
	FailedSteps         int                   `json:"failed_steps"`
	RetriedSteps        int                   `json:"retried_steps"`
	TotalDuration       time.Duration         `json:"total_duration"`
	AverageStepDuration time.Duration         `json:"average_step_duration"`
	ErrorRate           float64               `json:"error_rate"`
	RetryRate           float64               `json:"retry_rate"`
	StartTime           time.Time             `json:"start_time"`
	EndTime             *time.Time            `json:"end_time,omitempty"`
	Status              models.WorkflowStatus `json:"status"`
}

// Health classifies the engine's recent behavior.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// SystemHealth is the operator-facing health view.
type SystemHealth struct {
	Status           Health  `json:"status"`
	ActiveExecutions int     `json:"active_executions"`
	WindowErrorRate  float64 `json:"window_error_rate"`
	WindowRetryRate  float64 `json:"window_retry_rate"`
}

// MonitorThresholds configure when the monitor raises alerts.
type MonitorThresholds struct {
	ErrorRate    float64
	RetryRate    float64
	MaxDuration  time.Duration
	Window       time.Duration
	DegradedRate float64
	CriticalRate float64
}

// DefaultThresholds returns the shipped alerting thresholds.
func DefaultThresholds() MonitorThresholds {
	return MonitorThresholds{
		ErrorRate:    0.25,
		RetryRate:    0.5,
		MaxDuration:  10 * time.Minute,
		Window:       5 * time.Minute,
		DegradedRate: 0.1,
		CriticalRate: 0.5,
	}
}

type windowEvent struct {
	at      time.Time
	failed  bool
	retried bool
}

// Monitor is a sidecar that tracks execution statistics, keeps a
// time-windowed error history, and emits threshold alerts through the
// notifier. Statistics and history updates are in-memory; an alert raised by
// a recording call is delivered synchronously from that call, each delivery
// bounded by a five-second timeout.
type Monitor struct {
	thresholds MonitorThresholds
	notifier   notify.Notifier
	logger     *zap.Logger

	mu      sync.Mutex
	stats   map[string]*ExecutionStats
	history []windowEvent
	alerted map[string]time.Time
}

// NewMonitor creates a monitor.
func NewMonitor(thresholds MonitorThresholds, notifier notify.Notifier, logger *zap.Logger) *Monitor {
	if thresholds.Window <= 0 {
		thresholds = DefaultThresholds()
	}
	return &Monitor{
		thresholds: thresholds,
		notifier:   notifier,
		logger:     logger.With(zap.String("component", "monitor")),
		stats:      make(map[string]*ExecutionStats),
		alerted:    make(map[string]time.Time),
	}
}

// ExecutionStarted registers a new execution.
func (m *Monitor) ExecutionStarted(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[executionID] = &ExecutionStats{
		ExecutionID: executionID,
		StartTime:   time.Now(),
		Status:      models.WorkflowStatusProcessing,
	}
}

// StepCompleted records a successful step.
func (m *Monitor) StepCompleted(executionID string, duration time.Duration) {
	m.record(executionID, duration, false, false, "")
}

// StepFailed records a failed step and its error category.
func (m *Monitor) StepFailed(executionID string, duration time.Duration, category errs.Category) {
	m.record(executionID, duration, true, false, category)
}

// StepRetried records a scheduled retry.
func (m *Monitor) StepRetried(executionID string) {
	m.record(executionID, 0, false, true, "")
}

func (m *Monitor) record(executionID string, duration time.Duration, failed, retried bool, category errs.Category) {
	m.mu.Lock()

	now := time.Now()
	m.history = append(m.history, windowEvent{at: now, failed: failed, retried: retried})
	m.pruneLocked(now)

	stats := m.stats[executionID]
	if stats == nil {
		stats = &ExecutionStats{ExecutionID: executionID, StartTime: now, Status: models.WorkflowStatusProcessing}
		m.stats[executionID] = stats
	}

	switch {
	case retried:
		stats.RetriedSteps++
	case failed:
		stats.FailedSteps++
		stats.TotalSteps++
		stats.TotalDuration += duration
	default:
		stats.CompletedSteps++
		stats.TotalSteps++
		stats.TotalDuration += duration
	}
	if stats.TotalSteps > 0 {
		stats.AverageStepDuration = stats.TotalDuration / time.Duration(stats.TotalSteps)
		stats.ErrorRate = float64(stats.FailedSteps) / float64(stats.TotalSteps)
		stats.RetryRate = float64(stats.RetriedSteps) / float64(stats.TotalSteps)
	}

	alerts := m.collectAlertsLocked(stats, now)
	m.mu.Unlock()

	for _, event := range alerts {
		m.emit(event)
	}
}

// ExecutionFinished seals an execution's stats.
func (m *Monitor) ExecutionFinished(executionID string, status models.WorkflowStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats[executionID]
	if stats == nil {
		return
	}
	now := time.Now()
	stats.EndTime = &now
	stats.Status = status
}

// Stats returns a snapshot of one execution's statistics.
func (m *Monitor) Stats(executionID string) (ExecutionStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.stats[executionID]
	if !ok {
		return ExecutionStats{}, false
	}
	return *stats, true
}

// Forget drops a finished execution's stats.
func (m *Monitor) Forget(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stats, executionID)
}

// SystemHealth classifies the engine from the recent error window.
func (m *Monitor) SystemHealth() SystemHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.pruneLocked(now)

	var failed, retried int
	for _, e := range m.history {
		if e.failed {
			failed++
		}
		if e.retried {
			retried++
		}
	}

	health := SystemHealth{Status: HealthHealthy}
	total := len(m.history)
	active := 0
	for _, s := range m.stats {
		if s.EndTime == nil {
			active++
		}
	}
	health.ActiveExecutions = active

	if total > 0 {
		health.WindowErrorRate = float64(failed) / float64(total)
		health.WindowRetryRate = float64(retried) / float64(total)
		switch {
		case health.WindowErrorRate >= m.thresholds.CriticalRate:
			health.Status = HealthCritical
		case health.WindowErrorRate >= m.thresholds.DegradedRate:
			health.Status = HealthDegraded
		}
	}
	return health
}

func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.thresholds.Window)
	idx := 0
	for idx < len(m.history) && m.history[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		m.history = m.history[idx:]
	}
}

const alertCooldown = time.Minute

func (m *Monitor) collectAlertsLocked(stats *ExecutionStats, now time.Time) []notify.Event {
	var events []notify.Event

	raise := func(kind, message string, details map[string]any) {
		if last, ok := m.alerted[kind+stats.ExecutionID]; ok && now.Sub(last) < alertCooldown {
			return
		}
		m.alerted[kind+stats.ExecutionID] = now
		events = append(events, notify.Event{
			Kind:        kind,
			Severity:    "warning",
			ExecutionID: stats.ExecutionID,
			Message:     message,
			Details:     details,
			Timestamp:   now,
		})
	}

	if stats.TotalSteps >= 2 && stats.ErrorRate > m.thresholds.ErrorRate {
		raise("error_rate_threshold", "execution error rate above threshold", map[string]any{
			"error_rate": stats.ErrorRate,
			"threshold":  m.thresholds.ErrorRate,
		})
	}
	if stats.TotalSteps >= 2 && stats.RetryRate > m.thresholds.RetryRate {
		raise("retry_rate_threshold", "execution retry rate above threshold", map[string]any{
			"retry_rate": stats.RetryRate,
			"threshold":  m.thresholds.RetryRate,
		})
	}
	if m.thresholds.MaxDuration > 0 && stats.EndTime == nil && now.Sub(stats.StartTime) > m.thresholds.MaxDuration {
		raise("duration_threshold", "execution running longer than threshold", map[string]any{
			"elapsed":   now.Sub(stats.StartTime).String(),
			"threshold": m.thresholds.MaxDuration.String(),
		})
	}
	return events
}

func (m *Monitor) emit(event notify.Event) {
	if m.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.notifier.Notify(ctx, event); err != nil {
		m.logger.Warn("Alert delivery failed", zap.Error(err), zap.String("kind", event.Kind))
	}
}
