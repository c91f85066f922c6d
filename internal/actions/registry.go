package actions

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/flowkit/engine-go/internal/errs"
)

// Result is the envelope every handler returns. Domain failures come back as
// Success=false with Error set; handlers only return a Go error for
// infrastructure faults.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Handler produces the effect of one action type.
type Handler interface {
	Execute(ctx context.Context, config map[string]any) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, config map[string]any) (*Result, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, config map[string]any) (*Result, error) {
	return f(ctx, config)
}

// Registry maps action-type tags to handlers. The tag set is closed once
// registration finishes; Resolve on an unknown tag is an UNKNOWN_ACTION_TYPE
// error.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewRegistry creates an empty action registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.With(zap.String("component", "action_registry")),
	}
}

// Register binds a handler to an action-type tag. Re-registering a tag
// replaces the previous handler.
func (r *Registry) Register(tag string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tag] = handler
	r.logger.Info("Action handler registered", zap.String("action_type", tag))
}

// Resolve returns the handler for a tag.
func (r *Registry) Resolve(tag string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[tag]
	if !ok {
		return nil, errs.New(errs.CategoryUnknownActionType, "no handler registered for action type %q", tag)
	}
	return handler, nil
}

// Tags returns the registered action-type tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.handlers))
	for tag := range r.handlers {
		tags = append(tags, tag)
	}
	return tags
}
