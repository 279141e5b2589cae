package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/serialization"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// ReceiverState is the lifecycle state of a Receiver
type ReceiverState int32

const (
	StateIdle ReceiverState = iota
	StateReceiving
	StateDispatching
	StateClosed
)

func (s ReceiverState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateDispatching:
		return "dispatching"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// FailureAction decides how a message is settled after its handler failed
type FailureAction int

const (
	// Acknowledge completes the message; the failure is only reported
	Acknowledge FailureAction = iota
	// Requeue returns the message to the queue for redelivery
	Requeue
	// Reject dead-letters the message
	Reject
)

func (a FailureAction) String() string {
	switch a {
	case Acknowledge:
		return "acknowledge"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// ClosedEvent is delivered once when a Receiver reaches StateClosed.
// Err is nil for a client-initiated close.
type ClosedEvent struct {
	Address string
	Err     *contracts.BrokerError
}

// UnroutableMessage describes a received message that no handler could take
type UnroutableMessage struct {
	Envelope *contracts.Envelope
	Err      *RoutingError
}

// Receiver owns one broker link and dispatches its messages to registered handlers.
//
// Close must not be called from inside a handler: it waits for in-flight handlers.
type Receiver struct {
	transport     TransportReceiver
	settings      contracts.ReceiverSettings
	registry      *HandlerRegistry
	codecs        *serialization.CodecRegistry
	logger        *slog.Logger
	metrics       MetricsCollector
	maxConcurrent int
	failureAction FailureAction
	interceptors  *InterceptorChain

	closedCallbacks []func(ClosedEvent)
	onUnroutable    func(UnroutableMessage)
	onHandlerError  func(*HandlerError)

	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
	tracing        tracing

	mu       sync.Mutex
	state    atomic.Int32
	inFlight atomic.Int64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sem      *semaphore.Weighted

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error

	errMu   sync.RWMutex
	lastErr *contracts.BrokerError
}

// ReceiverOption configures the Receiver
type ReceiverOption func(*Receiver)

// WithReceiverLogger sets the logger
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// WithReceiverMetrics sets the metrics collector
func WithReceiverMetrics(metrics MetricsCollector) ReceiverOption {
	return func(r *Receiver) {
		r.metrics = metrics
	}
}

// WithCodecRegistry sets the codecs used to decode bodies by content type
func WithCodecRegistry(codecs *serialization.CodecRegistry) ReceiverOption {
	return func(r *Receiver) {
		r.codecs = codecs
	}
}

// WithMaxConcurrentDispatch sets how many messages may be dispatched at once (default 1)
func WithMaxConcurrentDispatch(n int) ReceiverOption {
	return func(r *Receiver) {
		if n > 0 {
			r.maxConcurrent = n
		}
	}
}

// WithHandlerFailureAction sets how messages are settled when their handler fails
func WithHandlerFailureAction(action FailureAction) ReceiverOption {
	return func(r *Receiver) {
		r.failureAction = action
	}
}

// WithClosedCallback registers a callback fired once when the receiver closes
func WithClosedCallback(fn func(ClosedEvent)) ReceiverOption {
	return func(r *Receiver) {
		r.closedCallbacks = append(r.closedCallbacks, fn)
	}
}

// WithUnroutableCallback sets the callback for messages that could not be routed
func WithUnroutableCallback(fn func(UnroutableMessage)) ReceiverOption {
	return func(r *Receiver) {
		r.onUnroutable = fn
	}
}

// WithHandlerErrorCallback sets the callback for handler failures and panics
func WithHandlerErrorCallback(fn func(*HandlerError)) ReceiverOption {
	return func(r *Receiver) {
		r.onHandlerError = fn
	}
}

// WithInterceptors wraps every handler invocation in interceptors, the first
// one outermost
func WithInterceptors(interceptors ...Interceptor) ReceiverOption {
	return func(r *Receiver) {
		for _, i := range interceptors {
			r.interceptors.Add(i)
		}
	}
}

// WithReceiverTracing sets the tracer provider and propagator used for dispatch spans
func WithReceiverTracing(tp trace.TracerProvider, prop propagation.TextMapPropagator) ReceiverOption {
	return func(r *Receiver) {
		r.tracerProvider = tp
		r.propagator = prop
	}
}

// NewReceiver creates an idle receiver. Settings are validated when Receive is called.
func NewReceiver(transport TransportReceiver, settings contracts.ReceiverSettings, registry *HandlerRegistry, options ...ReceiverOption) *Receiver {
	r := &Receiver{
		transport:     transport,
		settings:      settings,
		registry:      registry,
		codecs:        serialization.Default(),
		logger:        slog.Default(),
		metrics:       &NoOpMetricsCollector{},
		maxConcurrent: 1,
		failureAction: Acknowledge,
		interceptors:  NewInterceptorChain(),
		done:          make(chan struct{}),
	}

	for _, opt := range options {
		opt(r)
	}

	if r.registry == nil {
		r.registry = NewHandlerRegistry(WithRegistryLogger(r.logger))
	}
	r.sem = semaphore.NewWeighted(int64(r.maxConcurrent))
	r.tracing = newTracing(r.tracerProvider, r.propagator)
	return r
}

// State returns the current lifecycle state
func (r *Receiver) State() ReceiverState {
	s := ReceiverState(r.state.Load())
	if s == StateReceiving && r.inFlight.Load() > 0 {
		return StateDispatching
	}
	return s
}

// InFlight returns the number of messages currently being dispatched
func (r *Receiver) InFlight() int {
	return int(r.inFlight.Load())
}

// Error returns the broker error that closed the receiver or failed Receive, if any
func (r *Receiver) Error() *contracts.BrokerError {
	r.errMu.RLock()
	defer r.errMu.RUnlock()
	return r.lastErr
}

// Done is closed after the receiver reached StateClosed and Closed callbacks ran
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// Settings returns the settings the receiver was created with
func (r *Receiver) Settings() contracts.ReceiverSettings {
	return r.settings
}

// Receive opens the link and starts dispatching in the background.
// ctx bounds opening the link; the receive loop runs until Close or link loss.
// A nil typeMap means every type registered in the handler registry.
func (r *Receiver) Receive(ctx context.Context, typeMap *TypeMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ReceiverState(r.state.Load()) {
	case StateClosed:
		return ErrReceiverClosed
	case StateReceiving:
		return ErrAlreadyReceiving
	}

	if typeMap == nil {
		typeMap = r.registry.TypeMap()
	}

	if err := r.settings.Validate(); err != nil {
		r.finish(err)
		return err
	}

	link, err := r.transport.Open(ctx, LinkOptions{
		Address:  r.settings.Address,
		Prefetch: r.maxConcurrent,
		Durable:  r.settings.IsDurable(),
	})
	if err != nil {
		err = fmt.Errorf("failed to open link to %s: %w", r.settings.Address, err)
		r.logger.Error("failed to open receive link",
			"address", r.settings.Address,
			"error", err,
		)
		r.finish(err)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.setError(nil)
	r.state.Store(int32(StateReceiving))

	r.logger.Info("receiver started",
		"address", r.settings.Address,
		"types", typeMap.Names(),
		"maxConcurrent", r.maxConcurrent,
	)

	go r.loop(loopCtx, link, typeMap)
	return nil
}

// Close stops accepting deliveries, waits for in-flight dispatches to settle,
// closes the link and fires Closed. It is safe to call more than once.
func (r *Receiver) Close() error {
	r.mu.Lock()
	state := ReceiverState(r.state.Load())
	cancel := r.cancel
	r.mu.Unlock()

	switch state {
	case StateIdle:
		r.finish(nil)
	case StateReceiving:
		cancel()
	}

	<-r.done
	return r.closeErr
}

func (r *Receiver) loop(ctx context.Context, link Link, typeMap *TypeMap) {
	deliveries := link.Deliveries()
	var reason error

receive:
	for {
		select {
		case <-ctx.Done():
			break receive
		case d, ok := <-deliveries:
			if !ok {
				reason = link.Err()
				break receive
			}
			if ctx.Err() != nil {
				r.requeue(d)
				break receive
			}
			if err := r.sem.Acquire(ctx, 1); err != nil {
				r.requeue(d)
				break receive
			}
			r.inFlight.Add(1)
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer r.sem.Release(1)
				defer r.inFlight.Add(-1)
				r.dispatch(context.WithoutCancel(ctx), d, typeMap)
			}()
		}
	}

	r.wg.Wait()

	if err := link.Close(); err != nil {
		r.logger.Warn("error closing receive link", "address", r.settings.Address, "error", err)
		r.closeErr = err
	}
	if reason == nil && ctx.Err() == nil {
		// deliveries ended without a broker-reported cause
		reason = withCondition(contracts.ConditionLinkDetachForced, errors.New("link closed by broker"))
	}
	r.cancel()
	r.finish(reason)
}

// requeue returns a delivery that arrived during shutdown
func (r *Receiver) requeue(d TransportDelivery) {
	if err := d.Reject(true); err != nil {
		r.logger.Warn("failed to requeue delivery during shutdown",
			"messageId", d.Envelope().MessageID,
			"error", err,
		)
	}
}

func (r *Receiver) dispatch(ctx context.Context, d TransportDelivery, typeMap *TypeMap) {
	start := time.Now()
	env := d.Envelope()

	ctx = r.tracing.extract(ctx, env)
	ctx, span := r.tracing.tracer.Start(ctx, spanDispatch,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(envelopeAttributes(env, r.settings.Address)...),
	)
	defer span.End()

	event, handler, routingErr := r.route(env, typeMap)
	if routingErr != nil {
		span.SetStatus(codes.Error, routingErr.Error())
		r.reportUnroutable(env, routingErr)
		r.settle(d, env, false, false)
		r.metrics.RecordDispatch(env.TypeName, time.Since(start), OutcomeUnroutable)
		return
	}

	if herr := r.invoke(ctx, handler, event, env); herr != nil {
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		r.reportHandlerError(herr)
		switch r.failureAction {
		case Requeue:
			r.settle(d, env, false, true)
		case Reject:
			r.settle(d, env, false, false)
		default:
			r.settle(d, env, true, false)
		}
		r.metrics.RecordDispatch(env.TypeName, time.Since(start), OutcomeFailed)
		return
	}

	r.settle(d, env, true, false)
	r.metrics.RecordDispatch(env.TypeName, time.Since(start), OutcomeHandled)
	r.logger.Debug("event dispatched",
		"messageId", env.MessageID,
		"typeName", env.TypeName,
		"correlationId", env.CorrelationID,
		"duration", time.Since(start),
	)
}

// route resolves the envelope to a decoded event and its handler
func (r *Receiver) route(env *contracts.Envelope, typeMap *TypeMap) (any, EventHandler, *RoutingError) {
	routingErr := func(reason RoutingReason, err error) *RoutingError {
		return &RoutingError{
			Reason:        reason,
			TypeName:      env.TypeName,
			MessageID:     env.MessageID,
			CorrelationID: env.CorrelationID,
			Err:           err,
		}
	}

	if !typeMap.Contains(env.TypeName) {
		return nil, nil, routingErr(ReasonUnknownType, fmt.Errorf("%w: %s", ErrUnknownEventType, env.TypeName))
	}

	codec, err := r.codecs.ForContentType(env.ContentType)
	if err != nil {
		return nil, nil, routingErr(ReasonDecodeFailed, err)
	}

	event, err := typeMap.Decode(env.TypeName, codec, env.Body)
	if err != nil {
		return nil, nil, routingErr(ReasonDecodeFailed, err)
	}

	handler, err := r.registry.Resolve(env.TypeName)
	if err != nil {
		return nil, nil, routingErr(ReasonNoHandler, err)
	}

	return event, handler, nil
}

func (r *Receiver) invoke(ctx context.Context, handler EventHandler, event any, env *contracts.Envelope) (herr *HandlerError) {
	defer func() {
		if rec := recover(); rec != nil {
			herr = &HandlerError{
				TypeName:      env.TypeName,
				MessageID:     env.MessageID,
				CorrelationID: env.CorrelationID,
				Panicked:      true,
				Err:           fmt.Errorf("panic: %v", rec),
			}
		}
	}()

	err := r.interceptors.Execute(ctx, event, env, func(ctx context.Context, event any, env *contracts.Envelope) error {
		return handler.HandleEvent(ctx, event, env.CorrelationID)
	})
	if err != nil {
		return &HandlerError{
			TypeName:      env.TypeName,
			MessageID:     env.MessageID,
			CorrelationID: env.CorrelationID,
			Err:           err,
		}
	}
	return nil
}

func (r *Receiver) settle(d TransportDelivery, env *contracts.Envelope, ack, requeue bool) {
	var err error
	if ack {
		err = d.Acknowledge()
	} else {
		err = d.Reject(requeue)
	}
	if err != nil {
		r.metrics.RecordError("receiver", contracts.AsBrokerError(err).Condition)
		r.logger.Error("failed to settle message",
			"messageId", env.MessageID,
			"typeName", env.TypeName,
			"acknowledge", ack,
			"requeue", requeue,
			"error", err,
		)
	}
}

func (r *Receiver) reportUnroutable(env *contracts.Envelope, routingErr *RoutingError) {
	r.metrics.RecordUnroutable(env.TypeName, routingErr.Reason)
	r.logger.Warn("unroutable message",
		"messageId", env.MessageID,
		"typeName", env.TypeName,
		"correlationId", env.CorrelationID,
		"reason", string(routingErr.Reason),
		"error", routingErr.Err,
	)

	if r.onUnroutable != nil {
		r.safeCallback("unroutable", func() {
			r.onUnroutable(UnroutableMessage{Envelope: env, Err: routingErr})
		})
	}
}

func (r *Receiver) reportHandlerError(herr *HandlerError) {
	r.logger.Error("handler failed",
		"messageId", herr.MessageID,
		"typeName", herr.TypeName,
		"correlationId", herr.CorrelationID,
		"panicked", herr.Panicked,
		"failureAction", r.failureAction.String(),
		"error", herr.Err,
	)

	if r.onHandlerError != nil {
		r.safeCallback("handlerError", func() { r.onHandlerError(herr) })
	}
}

// finish performs the terminal transition exactly once.
// Error is set before any Closed callback runs.
func (r *Receiver) finish(reason error) {
	r.closeOnce.Do(func() {
		be := contracts.AsBrokerError(reason)
		r.setError(be)
		r.state.Store(int32(StateClosed))

		if be != nil {
			r.metrics.RecordError("receiver", be.Condition)
			r.logger.Error("receiver closed with error",
				"address", r.settings.Address,
				"condition", be.Condition,
				"description", be.Description,
			)
		} else {
			r.logger.Info("receiver closed", "address", r.settings.Address)
		}

		evt := ClosedEvent{Address: r.settings.Address, Err: be}
		for _, cb := range r.closedCallbacks {
			r.safeCallback("closed", func() { cb(evt) })
		}
		close(r.done)
	})
}

func (r *Receiver) safeCallback(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("callback panicked", "callback", name, "panic", rec)
		}
	}()
	fn()
}

func (r *Receiver) setError(be *contracts.BrokerError) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	r.lastErr = be
}
