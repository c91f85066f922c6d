package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// RegisterBuiltins installs the generic handlers every deployment gets.
// Connector-specific handlers (calendar, messaging, LLM) register themselves
// on top of these.
func RegisterBuiltins(registry *Registry, logger *zap.Logger) {
	registry.Register("http.request", NewHTTPHandler(logger))
	registry.Register("noop", HandlerFunc(noopHandler))
	registry.Register("delay", HandlerFunc(delayHandler))
	registry.Register("transform.set", HandlerFunc(setHandler))
	registry.Register("log", newLogHandler(logger))
}

// noopHandler succeeds and echoes its config back as data.
func noopHandler(ctx context.Context, config map[string]any) (*Result, error) {
	return &Result{Success: true, Data: config}, nil
}

type delayConfig struct {
	DurationMs int64 `mapstructure:"duration_ms"`
}

// delayHandler sleeps for duration_ms, honoring cancellation.
func delayHandler(ctx context.Context, config map[string]any) (*Result, error) {
	var cfg delayConfig
	if err := mapstructure.WeakDecode(config, &cfg); err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("invalid delay config: %v", err)}, nil
	}
	if cfg.DurationMs <= 0 {
		return &Result{Success: true}, nil
	}

	select {
	case <-time.After(time.Duration(cfg.DurationMs) * time.Millisecond):
		return &Result{Success: true, Data: map[string]any{"waited_ms": cfg.DurationMs}}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("delay interrupted: %w", ctx.Err())
	}
}

// setHandler returns the "values" mapping as the step output, which makes it
// the canonical way to seed fields into the execution context.
func setHandler(ctx context.Context, config map[string]any) (*Result, error) {
	values, ok := config["values"].(map[string]any)
	if !ok {
		return &Result{Success: false, Error: "validation: values must be a mapping"}, nil
	}
	return &Result{Success: true, Data: values}, nil
}

func newLogHandler(logger *zap.Logger) HandlerFunc {
	log := logger.With(zap.String("action_type", "log"))
	return func(ctx context.Context, config map[string]any) (*Result, error) {
		message, _ := config["message"].(string)
		log.Info("Workflow log action", zap.String("message", message))
		return &Result{Success: true}, nil
	}
}
