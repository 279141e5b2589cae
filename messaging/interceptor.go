package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/domainevent-go/contracts"
)

// ErrInvalidEvent is returned by ValidationInterceptor for events whose
// Validate method fails.
var ErrInvalidEvent = errors.New("messaging: invalid event")

// DispatchFunc handles one decoded event
type DispatchFunc func(ctx context.Context, event any, env *contracts.Envelope) error

// Interceptor wraps handler dispatch. Implementations call next to continue
// the chain or return without calling it to short-circuit.
type Interceptor interface {
	Intercept(ctx context.Context, event any, env *contracts.Envelope, next DispatchFunc) error
	Name() string
}

// InterceptorFunc adapts a function to the Interceptor interface
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, event any, env *contracts.Envelope, next DispatchFunc) error
}

// NewInterceptorFunc creates a named interceptor from fn
func NewInterceptorFunc(name string, fn func(ctx context.Context, event any, env *contracts.Envelope, next DispatchFunc) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (f *InterceptorFunc) Intercept(ctx context.Context, event any, env *contracts.Envelope, next DispatchFunc) error {
	return f.fn(ctx, event, env, next)
}

// Name implements Interceptor
func (f *InterceptorFunc) Name() string {
	return f.name
}

// InterceptorChain runs interceptors in the order they were added, the
// first one outermost.
type InterceptorChain struct {
	interceptors []Interceptor
}

// NewInterceptorChain creates a chain of interceptors
func NewInterceptorChain(interceptors ...Interceptor) *InterceptorChain {
	return &InterceptorChain{interceptors: interceptors}
}

// Add appends an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) {
	c.interceptors = append(c.interceptors, interceptor)
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Execute runs the chain with final as the innermost step
func (c *InterceptorChain) Execute(ctx context.Context, event any, env *contracts.Envelope, final DispatchFunc) error {
	next := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		inner := next
		next = func(ctx context.Context, event any, env *contracts.Envelope) error {
			return interceptor.Intercept(ctx, event, env, inner)
		}
	}
	return next(ctx, event, env)
}

// LoggingInterceptor logs every dispatch and its outcome
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, event any, env *contracts.Envelope, next DispatchFunc) error {
	start := time.Now()
	i.logger.Debug("dispatching event",
		"messageId", env.MessageID,
		"typeName", env.TypeName,
		"correlationId", env.CorrelationID,
	)

	err := next(ctx, event, env)
	if err != nil {
		i.logger.Error("event handling failed",
			"messageId", env.MessageID,
			"typeName", env.TypeName,
			"duration", time.Since(start),
			"error", err,
		)
		return err
	}
	i.logger.Info("event handled",
		"messageId", env.MessageID,
		"typeName", env.TypeName,
		"duration", time.Since(start),
	)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// Validatable is implemented by events that can check their own fields
type Validatable interface {
	Validate() error
}

// ValidationInterceptor rejects events whose Validate method fails before
// they reach the handler.
type ValidationInterceptor struct{}

// NewValidationInterceptor creates a validation interceptor
func NewValidationInterceptor() *ValidationInterceptor {
	return &ValidationInterceptor{}
}

// Intercept implements Interceptor
func (ValidationInterceptor) Intercept(ctx context.Context, event any, env *contracts.Envelope, next DispatchFunc) error {
	if v, ok := event.(Validatable); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidEvent, env.TypeName, err)
		}
	}
	return next(ctx, event, env)
}

// Name implements Interceptor
func (ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// TimeoutInterceptor bounds how long a handler may run
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates an interceptor that cancels the handler
// context after timeout.
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, event any, env *contracts.Envelope, next DispatchFunc) error {
	if i.timeout <= 0 {
		return next(ctx, event, env)
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	return next(ctx, event, env)
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
