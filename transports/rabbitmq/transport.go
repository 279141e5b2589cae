package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/internal/rabbitmq"
	"github.com/glimte/domainevent-go/messaging"
)

// confirmPublisher is satisfied by *rabbitmq.Publisher
type confirmPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error
	Close() error
}

// topologyDeclarer is satisfied by *rabbitmq.TopologyManager
type topologyDeclarer interface {
	DeclareTopology(ctx context.Context, topology rabbitmq.Topology) error
	DeclareAddress(ctx context.Context, address string, durable bool) error
}

// Transport implements messaging.TransportReceiver and hands out
// messaging.TransportPublishers over a single RabbitMQ connection.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	publisher confirmPublisher
	consumer  *rabbitmq.Consumer
	topology  topologyDeclarer
	declare   bool
	declared  sync.Map // address -> struct{}
	logger    *slog.Logger
	now       func() time.Time
	closeOnce sync.Once
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	DeclareTopology   bool
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithTopologyDeclaration controls whether exchanges and receiver queues are
// declared by the transport. Disable it when the broker topology is
// provisioned out of band.
func WithTopologyDeclaration(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DeclareTopology = enabled
	}
}

// WithLogger sets the logger for the transport and its components
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to connectionURL and declares the shared exchanges.
func NewTransport(ctx context.Context, connectionURL string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		DeclareTopology: true,
		Logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionURL, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	t := &Transport{
		manager:   manager,
		publisher: rabbitmq.NewPublisher(manager, pubOpts...),
		consumer:  rabbitmq.NewConsumer(manager, consOpts...),
		topology:  rabbitmq.NewTopologyManager(manager),
		declare:   cfg.DeclareTopology,
		logger:    cfg.Logger,
		now:       time.Now,
	}

	if t.declare {
		if err := t.topology.DeclareTopology(ctx, rabbitmq.Topology{Exchanges: rabbitmq.SharedExchanges()}); err != nil {
			_ = manager.Close()
			return nil, err
		}
	}

	return t, nil
}

// Publisher returns a publisher bound to address. When topology declaration
// is enabled the address queue is declared before the first publish, so
// events sent before any receiver started are kept. Immediate messages are
// published mandatory, so a missing receiver queue fails the send.
func (t *Transport) Publisher(address string) messaging.TransportPublisher {
	p := &publisherAdapter{publisher: t.publisher, address: address, now: t.now}
	if t.declare {
		p.ensure = t.ensureAddress
	}
	return p
}

// Open declares the address topology when enabled and attaches a consumer.
func (t *Transport) Open(ctx context.Context, opts messaging.LinkOptions) (messaging.Link, error) {
	if t.declare {
		if err := t.ensureAddress(ctx, opts.Address, opts.Durable); err != nil {
			return nil, err
		}
	}

	sub, err := t.consumer.Subscribe(ctx, opts.Address, opts.Prefetch)
	if err != nil {
		return nil, err
	}
	return newLink(sub), nil
}

// Declare declares the topology behind address
func (t *Transport) Declare(ctx context.Context, address string, durable bool) error {
	if err := t.topology.DeclareAddress(ctx, address, durable); err != nil {
		return err
	}
	t.declared.Store(address, struct{}{})
	return nil
}

// ensureAddress declares the topology behind address once per transport
func (t *Transport) ensureAddress(ctx context.Context, address string, durable bool) error {
	if _, done := t.declared.Load(address); done {
		return nil
	}
	return t.Declare(ctx, address, durable)
}

// ConnectionManager exposes the underlying connection for health checks
func (t *Transport) ConnectionManager() *rabbitmq.ConnectionManager {
	return t.manager
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close closes the consumers, the publisher and the connection
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		_ = t.consumer.Close()
		_ = t.publisher.Close()
		err = t.manager.Close()
	})
	return err
}

// publisherAdapter adapts the confirm publisher to messaging.TransportPublisher
type publisherAdapter struct {
	publisher confirmPublisher
	address   string
	now       func() time.Time
	ensure    func(ctx context.Context, address string, durable bool) error
}

// Publish implements messaging.TransportPublisher
func (p *publisherAdapter) Publish(ctx context.Context, env *contracts.Envelope) error {
	if p.ensure != nil {
		if err := p.ensure(ctx, p.address, env.Durable); err != nil {
			return err
		}
	}
	msg := toPublishing(env, p.now())
	_, delayed := msg.Headers[rabbitmq.DelayHeader]
	return p.publisher.Publish(ctx, rabbitmq.DelayedExchange, p.address, !delayed, msg)
}

// Close is a no-op; the transport owns the publisher channel
func (p *publisherAdapter) Close() error {
	return nil
}

// toPublishing maps an envelope onto AMQP properties. A future scheduled time
// becomes an x-delay header in milliseconds.
func toPublishing(env *contracts.Envelope, now time.Time) amqp.Publishing {
	msg := amqp.Publishing{
		MessageId:     env.MessageID,
		Type:          env.TypeName,
		CorrelationId: env.CorrelationID,
		AppId:         env.AppName,
		ContentType:   env.ContentType,
		Timestamp:     env.Timestamp,
		DeliveryMode:  amqp.Transient,
		Body:          env.Body,
		Headers:       make(amqp.Table, len(env.Headers)+2),
	}
	if env.Durable {
		msg.DeliveryMode = amqp.Persistent
	}
	for k, v := range env.Headers {
		msg.Headers[k] = v
	}
	if env.IsScheduled() {
		msg.Headers[contracts.HeaderScheduledTime] = env.ScheduledEnqueueTime.UTC().Format(time.RFC3339Nano)
		if delay := env.Delay(now); delay > 0 {
			msg.Headers[rabbitmq.DelayHeader] = delay.Milliseconds()
		}
	}
	return msg
}

// fromDelivery rebuilds the envelope from AMQP properties.
func fromDelivery(d amqp.Delivery) *contracts.Envelope {
	env := &contracts.Envelope{
		MessageID:     d.MessageId,
		TypeName:      d.Type,
		CorrelationID: d.CorrelationId,
		AppName:       d.AppId,
		ContentType:   d.ContentType,
		Durable:       d.DeliveryMode == amqp.Persistent,
		Timestamp:     d.Timestamp,
		Body:          d.Body,
	}
	for k, v := range d.Headers {
		switch k {
		case rabbitmq.DelayHeader:
			// rewritten by the delayed-message exchange
		case contracts.HeaderScheduledTime:
			if s, ok := v.(string); ok {
				if at, err := time.Parse(time.RFC3339Nano, s); err == nil {
					env.ScheduledEnqueueTime = at
				}
			}
		default:
			if s, ok := v.(string); ok {
				env.SetHeader(k, s)
			} else {
				env.SetHeader(k, fmt.Sprint(v))
			}
		}
	}
	return env
}
