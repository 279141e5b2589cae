package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/domainevent-go/contracts"
)

// DomainEventHandler processes events of exactly one type
type DomainEventHandler[T any] interface {
	Handle(ctx context.Context, event T, correlationID string) error
}

// HandlerFunc is a function adapter for DomainEventHandler
type HandlerFunc[T any] func(ctx context.Context, event T, correlationID string) error

// Handle implements DomainEventHandler
func (f HandlerFunc[T]) Handle(ctx context.Context, event T, correlationID string) error {
	return f(ctx, event, correlationID)
}

// EventHandler is the type-erased form stored in the registry
type EventHandler interface {
	HandleEvent(ctx context.Context, event any, correlationID string) error
}

type typedHandler[T any] struct {
	handler DomainEventHandler[T]
}

func (h typedHandler[T]) HandleEvent(ctx context.Context, event any, correlationID string) error {
	switch v := event.(type) {
	case T:
		return h.handler.Handle(ctx, v, correlationID)
	case *T:
		if v != nil {
			return h.handler.Handle(ctx, *v, correlationID)
		}
	}
	var zero T
	return fmt.Errorf("handler expects %T, got %T", zero, event)
}

type registration struct {
	handler EventHandler
	entry   TypeEntry
}

// HandlerRegistry maps event type names to exactly one handler each
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]registration
	logger   *slog.Logger
}

// RegistryOption configures the HandlerRegistry
type RegistryOption func(*HandlerRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *HandlerRegistry) {
		r.logger = logger
	}
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry(options ...RegistryOption) *HandlerRegistry {
	r := &HandlerRegistry{
		handlers: make(map[string]registration),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// RegisterHandler registers the handler for T under T's default type name
func RegisterHandler[T any](r *HandlerRegistry, handler DomainEventHandler[T]) error {
	return register(r, TypeOf[T](), handler)
}

// RegisterNamedHandler registers the handler for T under an explicit type name
func RegisterNamedHandler[T any](r *HandlerRegistry, typeName string, handler DomainEventHandler[T]) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	return register(r, Named[T](typeName), handler)
}

func register[T any](r *HandlerRegistry, entry TypeEntry, handler DomainEventHandler[T]) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[entry.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, entry.Name)
	}

	r.handlers[entry.Name] = registration{
		handler: typedHandler[T]{handler: handler},
		entry:   entry,
	}

	r.logger.Info("registered event handler", "typeName", entry.Name)
	return nil
}

// Unregister removes the handler for a type name and reports whether one existed
func (r *HandlerRegistry) Unregister(typeName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[typeName]; !exists {
		return false
	}
	delete(r.handlers, typeName)
	r.logger.Info("unregistered event handler", "typeName", typeName)
	return true
}

// Resolve returns the handler for a type name, or ErrNoHandler
func (r *HandlerRegistry) Resolve(typeName string) (EventHandler, error) {
	r.mu.RLock()
	reg, ok := r.handlers[typeName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w for type %s", ErrNoHandler, typeName)
	}
	return reg.handler, nil
}

// ResolveFor returns the handler registered for event's type
func (r *HandlerRegistry) ResolveFor(event any) (EventHandler, error) {
	return r.Resolve(contracts.TypeNameOf(event))
}

// TypeNames returns the registered type names in sorted order
func (r *HandlerRegistry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypeMap builds a type map covering every registered handler
func (r *HandlerRegistry) TypeMap() *TypeMap {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]TypeEntry, 0, len(r.handlers))
	for _, reg := range r.handlers {
		entries = append(entries, reg.entry)
	}
	return NewTypeMap(entries...)
}
