package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Handler processes the params of one Request or Notification. The returned result is
// marshalled into the Response. Returning an *Error controls the error Response the client
// sees, any other error is reported as an internal error without detail.
//
// Handlers must honor ctx: it is cancelled when the call times out, the caller gives up or
// the Session closes.
type Handler interface {
	Handle(ctx context.Context, params json.RawMessage, sess *Session) (any, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, params json.RawMessage, sess *Session) (any, error)

// Handle calls f(ctx, params, sess).
func (f HandlerFunc) Handle(ctx context.Context, params json.RawMessage, sess *Session) (any, error) {
	return f(ctx, params, sess)
}

// Registry maps method names to Handlers. It is safe for concurrent use, lookups may run
// while new methods are registered.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// RegistryOption represents the options for the Registry.
type RegistryOption func(*Registry)

// NewRegistry creates an empty Registry.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithRegistryLogger sets the logger for the Registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "registry"),
		)
	}
}

// Register binds handler to name. Registering a name twice replaces the previous Handler.
// It panics if name is empty or handler is nil.
func (r *Registry) Register(name string, handler Handler) {
	if name == "" {
		panic("mcp: empty method name")
	}
	if handler == nil {
		panic(fmt.Sprintf("mcp: nil handler for method %q", name))
	}

	r.mu.Lock()
	_, replaced := r.handlers[name]
	r.handlers[name] = handler
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("method handler replaced", slog.String("method", name))
	}
}

// RegisterFunc is a shorthand for Register(name, HandlerFunc(fn)).
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, params json.RawMessage, sess *Session) (any, error)) {
	r.Register(name, HandlerFunc(fn))
}

// Resolve returns the Handler bound to name, or ErrMethodNotFound.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, name)
	}
	return h, nil
}

// Has reports whether a Handler is bound to name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[name]
	return ok
}

// Methods returns the registered method names in sorted order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *Registry) registerIfAbsent(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[name]; ok {
		return
	}
	r.handlers[name] = handler
}
