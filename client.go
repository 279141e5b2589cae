// Copyright 2024 Domainevent Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package domainevent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/health"
	"github.com/glimte/domainevent-go/internal/rabbitmq"
	"github.com/glimte/domainevent-go/messaging"
	"github.com/glimte/domainevent-go/transports/memory"
	rabbitmqTransport "github.com/glimte/domainevent-go/transports/rabbitmq"
	redisTransport "github.com/glimte/domainevent-go/transports/redis"
)

// ErrClientClosed is returned by transports of a closed client
var ErrClientClosed = errors.New("domainevent: client is closed")

// transport is what every broker backend provides
type transport interface {
	messaging.TransportReceiver
	Publisher(address string) messaging.TransportPublisher
	Close() error
}

// Client builds publishers and receivers from settings. Connections are
// opened on first use and shared by every publisher and receiver with the
// same endpoint.
type Client struct {
	logger     *slog.Logger
	metrics    messaging.MetricsCollector
	broker     *memory.Broker
	rabbitOpts []rabbitmqTransport.TransportOption
	redisOpts  []redisTransport.TransportOption
	dialAMQP   func(ctx context.Context, url string) (transport, error)
	dialRedis  func(ctx context.Context, url string) (transport, error)

	connMu    sync.Mutex
	conns     map[string]*connection
	receivers []*messaging.Receiver
	closed    bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	metrics    messaging.MetricsCollector
	broker     *memory.Broker
	rabbitOpts []rabbitmqTransport.TransportOption
	redisOpts  []redisTransport.TransportOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the metrics collector of every publisher and receiver
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithMemoryBroker sets the broker used for the memory protocol
func WithMemoryBroker(broker *memory.Broker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.broker = broker
	}
}

// WithRabbitMQOptions adds options for amqp and amqps connections
func WithRabbitMQOptions(opts ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.rabbitOpts = append(cfg.rabbitOpts, opts...)
	}
}

// WithRedisOptions adds options for redis and rediss connections
func WithRedisOptions(opts ...redisTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.redisOpts = append(cfg.redisOpts, opts...)
	}
}

// NewClient creates a client. Nothing is dialed until a publisher sends or a
// receiver starts receiving.
func NewClient(options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:  slog.Default(),
		metrics: &messaging.NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.broker == nil {
		cfg.broker = memory.NewBroker(memory.WithLogger(cfg.logger))
	}

	c := &Client{
		logger:     cfg.logger,
		metrics:    cfg.metrics,
		broker:     cfg.broker,
		rabbitOpts: cfg.rabbitOpts,
		redisOpts:  cfg.redisOpts,
		conns:      make(map[string]*connection),
	}
	c.dialAMQP = func(ctx context.Context, url string) (transport, error) {
		opts := append([]rabbitmqTransport.TransportOption{rabbitmqTransport.WithLogger(c.logger)}, c.rabbitOpts...)
		return rabbitmqTransport.NewTransport(ctx, url, opts...)
	}
	c.dialRedis = func(ctx context.Context, url string) (transport, error) {
		opts := append([]redisTransport.TransportOption{redisTransport.WithLogger(c.logger)}, c.redisOpts...)
		return redisTransport.Dial(ctx, url, opts...)
	}
	return c
}

// NewPublisher creates a publisher for settings. Settings are validated on
// the first send.
func (c *Client) NewPublisher(settings contracts.PublisherSettings, options ...messaging.PublisherOption) *messaging.Publisher {
	conn := c.connection(settings.ServiceBusSettings)
	opts := append([]messaging.PublisherOption{
		messaging.WithPublisherLogger(c.logger),
		messaging.WithPublisherMetrics(c.metrics),
	}, options...)
	return messaging.NewPublisher(&lazyPublisher{conn: conn, address: settings.Address}, settings, opts...)
}

// NewReceiver creates an idle receiver for settings. Settings are validated
// when Receive is called.
func (c *Client) NewReceiver(settings contracts.ReceiverSettings, registry *messaging.HandlerRegistry, options ...messaging.ReceiverOption) *messaging.Receiver {
	conn := c.connection(settings.ServiceBusSettings)
	opts := append([]messaging.ReceiverOption{
		messaging.WithReceiverLogger(c.logger),
		messaging.WithReceiverMetrics(c.metrics),
	}, options...)
	r := messaging.NewReceiver(conn, settings, registry, opts...)

	c.connMu.Lock()
	c.receivers = append(c.receivers, r)
	c.connMu.Unlock()
	return r
}

// RegisterHealthChecks adds a checker for every dialed connection and every
// receiver created so far.
func (c *Client) RegisterHealthChecks(registry *health.Registry) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	for _, conn := range c.conns {
		switch t := conn.current().(type) {
		case *rabbitmqTransport.Transport:
			registry.Register(health.NewRabbitMQChecker(t.ConnectionManager(), c.logger))
		case *redisTransport.Transport:
			registry.Register(health.NewRedisChecker(t))
		}
	}
	for _, r := range c.receivers {
		registry.Register(health.NewReceiverChecker(r.Settings().Address, r))
	}
}

// Close closes every receiver created by the client, then every connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	if c.closed {
		c.connMu.Unlock()
		return nil
	}
	c.closed = true
	receivers := c.receivers
	conns := make([]*connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.connMu.Unlock()

	var errs []error
	for _, r := range receivers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, conn := range conns {
		if err := conn.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// connection returns the shared connection for the endpoint in settings
func (c *Client) connection(settings contracts.ServiceBusSettings) *connection {
	key := settings.Scheme() + "|" + settings.ConnectionURL()

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if conn, ok := c.conns[key]; ok {
		return conn
	}
	conn := &connection{client: c, settings: settings}
	c.conns[key] = conn
	return conn
}

func (c *Client) isClosed() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.closed
}

// connection dials its transport on first use. A failed dial is retried on
// the next use.
type connection struct {
	client   *Client
	settings contracts.ServiceBusSettings

	mu        sync.Mutex
	transport transport
}

func (c *connection) get(ctx context.Context) (transport, error) {
	if c.client.isClosed() {
		return nil, ErrClientClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		return c.transport, nil
	}

	var (
		t   transport
		err error
	)
	switch c.settings.Scheme() {
	case contracts.ProtocolAMQP, contracts.ProtocolAMQPS:
		t, err = c.client.dialAMQP(ctx, c.settings.ConnectionURL())
	case contracts.ProtocolRedis, contracts.ProtocolRediss:
		t, err = c.client.dialRedis(ctx, c.settings.ConnectionURL())
	case contracts.ProtocolMemory:
		t = memoryTransport{c.client.broker}
	default:
		err = fmt.Errorf("%w: unsupported protocol %q", contracts.ErrInvalidSettings, c.settings.Protocol)
	}
	if err != nil {
		c.client.logger.Error("failed to connect",
			"protocol", c.settings.Scheme(),
			"url", rabbitmq.SanitizeURL(c.settings.ConnectionURL()),
			"error", err,
		)
		return nil, err
	}

	c.client.logger.Info("connected",
		"protocol", c.settings.Scheme(),
		"url", rabbitmq.SanitizeURL(c.settings.ConnectionURL()),
	)
	c.transport = t
	return t, nil
}

func (c *connection) current() transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}

// Open implements messaging.TransportReceiver
func (c *connection) Open(ctx context.Context, opts messaging.LinkOptions) (messaging.Link, error) {
	t, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	return t.Open(ctx, opts)
}

// lazyPublisher resolves the transport publisher on first send
type lazyPublisher struct {
	conn    *connection
	address string

	mu  sync.Mutex
	pub messaging.TransportPublisher
}

func (p *lazyPublisher) Publish(ctx context.Context, env *contracts.Envelope) error {
	p.mu.Lock()
	if p.pub == nil {
		t, err := p.conn.get(ctx)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.pub = t.Publisher(p.address)
	}
	pub := p.pub
	p.mu.Unlock()

	return pub.Publish(ctx, env)
}

func (p *lazyPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pub == nil {
		return nil
	}
	return p.pub.Close()
}

// memoryTransport leaves the broker open; it may be shared with other clients
type memoryTransport struct {
	*memory.Broker
}

func (memoryTransport) Close() error {
	return nil
}
