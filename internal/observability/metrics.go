package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Step execution metrics
	StepExecutionsTotal   *prometheus.CounterVec
	StepExecutionDuration *prometheus.HistogramVec
	ActiveStepExecutions  *prometheus.GaugeVec

	// Workflow execution metrics
	WorkflowExecutionsTotal  *prometheus.CounterVec
	ActiveWorkflowExecutions prometheus.Gauge

	// Retry metrics
	RetriesScheduledTotal *prometheus.CounterVec

	// Queue metrics
	MessageProcessingRate *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Resource metrics
	DatabaseConnections *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Step execution metrics
		StepExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "step_executions_total",
				Help: "Total number of step executions",
			},
			[]string{"step_type", "status"},
		),

		StepExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "step_execution_duration_seconds",
				Help:    "Duration of step executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"step_type"},
		),

		ActiveStepExecutions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_step_executions",
				Help: "Number of currently active step executions",
			},
			[]string{"step_type"},
		),

		// Workflow execution metrics
		WorkflowExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_total",
				Help: "Total number of finished workflow executions",
			},
			[]string{"status"},
		),

		ActiveWorkflowExecutions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_workflow_executions",
				Help: "Number of currently active workflow executions",
			},
		),

		// Retry metrics
		RetriesScheduledTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retries_scheduled_total",
				Help: "Total number of scheduled step retries",
			},
			[]string{"step_type"},
		),

		// Queue metrics
		MessageProcessingRate: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "message_processing_total",
				Help: "Total number of messages processed",
			},
			[]string{"queue_name", "status"},
		),

		// Error metrics
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"component", "error_type"},
		),

		// Resource metrics
		DatabaseConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "database_connections",
				Help: "Number of database connections",
			},
			[]string{"state"}, // "active", "idle", "open"
		),
	}
}

// RecordStepExecution records a step execution metric
func (m *Metrics) RecordStepExecution(stepType, status string) {
	m.StepExecutionsTotal.WithLabelValues(stepType, status).Inc()
}

// ObserveStepDuration observes step execution duration
func (m *Metrics) ObserveStepDuration(stepType string, duration float64) {
	m.StepExecutionDuration.WithLabelValues(stepType).Observe(duration)
}

// SetActiveSteps sets the number of active step executions
func (m *Metrics) SetActiveSteps(stepType string, count float64) {
	m.ActiveStepExecutions.WithLabelValues(stepType).Set(count)
}

// RecordWorkflowExecution records a finished workflow execution
func (m *Metrics) RecordWorkflowExecution(status string) {
	m.WorkflowExecutionsTotal.WithLabelValues(status).Inc()
}

// RecordRetryScheduled records a scheduled retry
func (m *Metrics) RecordRetryScheduled(stepType string) {
	m.RetriesScheduledTotal.WithLabelValues(stepType).Inc()
}

// RecordMessageProcessed records a processed message metric
func (m *Metrics) RecordMessageProcessed(queueName, status string) {
	m.MessageProcessingRate.WithLabelValues(queueName, status).Inc()
}

// RecordError records an error metric
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// SetDatabaseConnections sets database connection metrics
func (m *Metrics) SetDatabaseConnections(state string, count float64) {
	m.DatabaseConnections.WithLabelValues(state).Set(count)
}
