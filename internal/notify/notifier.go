package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Event is one notification emitted by the engine. Notifications are
// best-effort: a failed send never affects workflow state.
type Event struct {
	Kind        string         `json:"kind"`
	Severity    string         `json:"severity"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Notifier delivers engine events to an external channel.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes events to the engine log. It is the default sink when
// no webhook is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	n.logger.Warn("Engine notification",
		zap.String("kind", event.Kind),
		zap.String("severity", event.Severity),
		zap.String("workflow_id", event.WorkflowID),
		zap.String("execution_id", event.ExecutionID),
		zap.String("step_id", event.StepID),
		zap.String("message", event.Message),
	)
	return nil
}

// WebhookNotifier POSTs events as JSON to a configured endpoint.
type WebhookNotifier struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &WebhookNotifier{
		client: client,
		url:    url,
		logger: logger.With(zap.String("component", "webhook_notifier")),
	}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(event).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode())
	}
	return nil
}

// Multi fans an event out to several notifiers, logging failures without
// surfacing them.
type Multi struct {
	notifiers []Notifier
	logger    *zap.Logger
}

// NewMulti combines notifiers.
func NewMulti(logger *zap.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, logger: logger}
}

// Notify implements Notifier.
func (m *Multi) Notify(ctx context.Context, event Event) error {
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			m.logger.Warn("Notification delivery failed", zap.Error(err), zap.String("kind", event.Kind))
		}
	}
	return nil
}
