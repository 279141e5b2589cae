package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/serialization"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSendTimeout bounds how long Send and Schedule wait for the broker
const DefaultSendTimeout = 30 * time.Second

// Publisher sends domain events to one broker address.
//
// Calls are serialized, so Error always describes the outcome of the most
// recent completed call. Sends are attempted once; retrying is up to the caller.
type Publisher struct {
	transport   TransportPublisher
	settings    contracts.PublisherSettings
	codec       serialization.Codec
	logger      *slog.Logger
	metrics     MetricsCollector
	sendTimeout time.Duration
	now         func() time.Time

	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
	tracing        tracing

	mu     sync.Mutex
	closed bool

	errMu   sync.RWMutex
	lastErr *contracts.BrokerError
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithCodec sets the payload codec (default JSON)
func WithCodec(codec serialization.Codec) PublisherOption {
	return func(p *Publisher) {
		p.codec = codec
	}
}

// WithSendTimeout bounds the wait for broker acknowledgment
func WithSendTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.sendTimeout = timeout
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// WithPublisherTracing sets the tracer provider and propagator used for send spans.
// Nil values keep the defaults (global provider, W3C trace context).
func WithPublisherTracing(tp trace.TracerProvider, prop propagation.TextMapPropagator) PublisherOption {
	return func(p *Publisher) {
		p.tracerProvider = tp
		p.propagator = prop
	}
}

// WithPublisherClock overrides the time source used for timestamps and schedule checks
func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		p.now = now
	}
}

// NewPublisher creates a publisher over a transport. Settings are validated on first send.
func NewPublisher(transport TransportPublisher, settings contracts.PublisherSettings, options ...PublisherOption) *Publisher {
	p := &Publisher{
		transport:   transport,
		settings:    settings,
		codec:       serialization.JSON(),
		logger:      slog.Default(),
		metrics:     &NoOpMetricsCollector{},
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
	}

	for _, opt := range options {
		opt(p)
	}

	p.tracing = newTracing(p.tracerProvider, p.propagator)
	return p
}

// Send publishes event for immediate delivery and waits for the broker to acknowledge it
func (p *Publisher) Send(ctx context.Context, event any, correlationID string) error {
	return p.publish(ctx, event, correlationID, time.Time{})
}

// Schedule publishes event so that receivers see it no earlier than scheduledUTC.
// A zero or past time is sent immediately.
func (p *Publisher) Schedule(ctx context.Context, event any, correlationID string, scheduledUTC time.Time) error {
	return p.publish(ctx, event, correlationID, scheduledUTC)
}

// Error returns the broker error of the last call, or nil if it was acknowledged
func (p *Publisher) Error() *contracts.BrokerError {
	p.errMu.RLock()
	defer p.errMu.RUnlock()
	return p.lastErr
}

// Settings returns the settings the publisher was created with
func (p *Publisher) Settings() contracts.PublisherSettings {
	return p.settings
}

// Close closes the underlying transport publisher. Further sends fail with ErrPublisherClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.transport.Close()
}

func (p *Publisher) publish(ctx context.Context, event any, correlationID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.now()
	typeName := contracts.TypeNameOf(event)

	scheduled := !at.IsZero() && at.After(start)
	if !scheduled {
		at = time.Time{}
	}

	spanName := spanSend
	if scheduled {
		spanName = spanSchedule
	}
	ctx, span := p.tracing.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	err := p.attempt(ctx, event, typeName, correlationID, at, start, span)

	p.metrics.RecordPublish(typeName, scheduled, p.now().Sub(start), err == nil)
	p.setError(err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.RecordError("publisher", p.Error().Condition)
		p.logger.Error("failed to publish event",
			"typeName", typeName,
			"correlationId", correlationID,
			"address", p.settings.Address,
			"scheduled", scheduled,
			"error", err,
		)
		return err
	}

	p.logger.Debug("event published",
		"typeName", typeName,
		"correlationId", correlationID,
		"address", p.settings.Address,
		"scheduled", scheduled,
	)
	return nil
}

func (p *Publisher) attempt(ctx context.Context, event any, typeName, correlationID string, at, now time.Time, span trace.Span) error {
	if p.closed {
		return withCondition(contracts.ConditionNotAllowed, ErrPublisherClosed)
	}
	if err := p.settings.Validate(); err != nil {
		return err
	}
	if isNilEvent(event) {
		return withCondition(contracts.ConditionEncodeFailed, ErrNilEvent)
	}

	body, err := p.codec.Marshal(event)
	if err != nil {
		return withCondition(contracts.ConditionEncodeFailed, fmt.Errorf("failed to encode %s: %w", typeName, err))
	}

	env := &contracts.Envelope{
		MessageID:            uuid.NewString(),
		TypeName:             typeName,
		CorrelationID:        correlationID,
		AppName:              p.settings.AppName,
		ContentType:          p.codec.ContentType(),
		Durable:              p.settings.IsDurable(),
		Timestamp:            now.UTC(),
		ScheduledEnqueueTime: at.UTC(),
		Body:                 body,
	}
	if at.IsZero() {
		env.ScheduledEnqueueTime = time.Time{}
	}

	span.SetAttributes(envelopeAttributes(env, p.settings.Address)...)
	p.tracing.inject(ctx, env)

	if p.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.sendTimeout)
		defer cancel()
	}

	if err := p.transport.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to publish message %s: %w", env.MessageID, err)
	}
	return nil
}

// isNilEvent reports nil interfaces and nil pointers
func isNilEvent(event any) bool {
	if event == nil {
		return true
	}
	v := reflect.ValueOf(event)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

func (p *Publisher) setError(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	p.lastErr = contracts.AsBrokerError(err)
}
