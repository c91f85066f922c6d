package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// HTTPConfig is the typed configuration of the http.request action.
type HTTPConfig struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Query   map[string]string `mapstructure:"query"`
	Body    any               `mapstructure:"body"`
	Timeout int64             `mapstructure:"timeout_ms"`
}

// HTTPHandler performs an HTTP request described by the action config.
type HTTPHandler struct {
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPHandler creates the http.request handler.
func NewHTTPHandler(logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		client: resty.New(),
		logger: logger.With(zap.String("action_type", "http.request")),
	}
}

// Execute implements Handler. Non-2xx responses are domain failures; the
// response body and status are returned as data either way.
func (h *HTTPHandler) Execute(ctx context.Context, config map[string]any) (*Result, error) {
	var cfg HTTPConfig
	if err := mapstructure.WeakDecode(config, &cfg); err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("invalid http config: %v", err)}, nil
	}
	if cfg.URL == "" {
		return &Result{Success: false, Error: "validation: url is required"}, nil
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = "GET"
	}

	req := h.client.R().SetContext(ctx)
	for k, v := range cfg.Headers {
		req.SetHeader(k, v)
	}
	for k, v := range cfg.Query {
		req.SetQueryParam(k, v)
	}
	if cfg.Body != nil {
		req.SetBody(cfg.Body)
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Millisecond)
		defer cancel()
		req.SetContext(ctx)
	}

	resp, err := req.Execute(method, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	data := map[string]any{
		"status_code": resp.StatusCode(),
		"body":        string(resp.Body()),
	}

	h.logger.Debug("HTTP request completed",
		zap.String("method", method),
		zap.String("url", cfg.URL),
		zap.Int("status", resp.StatusCode()),
	)

	if resp.IsError() {
		return &Result{
			Success: false,
			Data:    data,
			Error:   fmt.Sprintf("http status %d: %s", resp.StatusCode(), resp.Status()),
		}, nil
	}
	return &Result{Success: true, Data: data}, nil
}
