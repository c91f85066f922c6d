package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/flowkit/engine-go/internal/models"
)

// IntegrationResolver looks up connector configurations by type.
// storage.IntegrationCache satisfies it.
type IntegrationResolver interface {
	Get(ctx context.Context, integrationType string) (*models.Integration, error)
}

// ConnectorConfig is the typed configuration of the integration.request
// action: an HTTP call whose base URL and headers come from a stored
// integration.
type ConnectorConfig struct {
	Integration string            `mapstructure:"integration"`
	Path        string            `mapstructure:"path"`
	Method      string            `mapstructure:"method"`
	Headers     map[string]string `mapstructure:"headers"`
	Body        any               `mapstructure:"body"`
}

// ConnectorHandler performs HTTP requests against configured integrations.
type ConnectorHandler struct {
	integrations IntegrationResolver
	http         *HTTPHandler
	logger       *zap.Logger
}

// NewConnectorHandler creates the integration.request handler.
func NewConnectorHandler(integrations IntegrationResolver, logger *zap.Logger) *ConnectorHandler {
	return &ConnectorHandler{
		integrations: integrations,
		http:         NewHTTPHandler(logger),
		logger:       logger.With(zap.String("action_type", "integration.request")),
	}
}

// Execute implements Handler.
func (h *ConnectorHandler) Execute(ctx context.Context, config map[string]any) (*Result, error) {
	var cfg ConnectorConfig
	if err := mapstructure.WeakDecode(config, &cfg); err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("invalid connector config: %v", err)}, nil
	}
	if cfg.Integration == "" {
		return &Result{Success: false, Error: "validation: integration is required"}, nil
	}

	integration, err := h.integrations.Get(ctx, cfg.Integration)
	if err != nil {
		return nil, fmt.Errorf("integration %s not available: %w", cfg.Integration, err)
	}
	if !integration.Enabled {
		return &Result{Success: false, Error: fmt.Sprintf("integration %s is disabled", cfg.Integration)}, nil
	}

	baseURL, _ := integration.Config["base_url"].(string)
	if baseURL == "" {
		return &Result{Success: false, Error: fmt.Sprintf("integration %s has no base_url", cfg.Integration)}, nil
	}

	headers := make(map[string]string, len(cfg.Headers)+1)
	if stored, ok := integration.Config["headers"].(map[string]any); ok {
		for k, v := range stored {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	if token, ok := integration.Config["token"].(string); ok && token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	httpConfig := map[string]any{
		"url":     strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		"method":  cfg.Method,
		"headers": headers,
	}
	if cfg.Body != nil {
		httpConfig["body"] = cfg.Body
	}
	return h.http.Execute(ctx, httpConfig)
}
