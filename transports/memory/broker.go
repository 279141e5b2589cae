// Package memory provides an in-process broker implementing the messaging
// transport interfaces. It supports scheduled visibility, redelivery,
// dead-lettering and fault injection, and is intended for tests and embedding.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/messaging"
)

var (
	ErrBrokerClosed = errors.New("memory: broker is closed")
	ErrLinkClosed   = errors.New("memory: link is closed")
	ErrUnknownQueue = errors.New("memory: queue does not exist")
)

type message struct {
	env         *contracts.Envelope
	redelivered int
}

type queue struct {
	ready []*message
	dlq   []*contracts.Envelope
	links map[*link]struct{}
}

// Broker is an in-process message broker keyed by address
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	timers    map[*time.Timer]struct{}
	failPub   error
	failOpen  error
	autoQueue bool
	closed    bool
	logger    *slog.Logger
}

// BrokerOption configures the Broker
type BrokerOption func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithAutoDeclare controls whether publishing to an unknown address creates the queue.
// When disabled, such publishes fail with amqp:not-found like an unroutable mandatory publish.
func WithAutoDeclare(enabled bool) BrokerOption {
	return func(b *Broker) {
		b.autoQueue = enabled
	}
}

// NewBroker creates an empty broker
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		queues:    make(map[string]*queue),
		timers:    make(map[*time.Timer]struct{}),
		autoQueue: true,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// DeclareQueue creates the queue for address if it does not exist
func (b *Broker) DeclareQueue(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueLocked(address)
}

func (b *Broker) queueLocked(address string) *queue {
	q, ok := b.queues[address]
	if !ok {
		q = &queue{links: make(map[*link]struct{})}
		b.queues[address] = q
	}
	return q
}

// Publisher returns a transport publisher bound to address
func (b *Broker) Publisher(address string) messaging.TransportPublisher {
	return &publisher{broker: b, address: address}
}

// FailNextPublish makes the next publish on any address fail with err
func (b *Broker) FailNextPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPub = err
}

// FailNextOpen makes the next link open fail with err
func (b *Broker) FailNextOpen(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOpen = err
}

// Sever terminates every link on address as if the broker detached them.
// Unsettled deliveries are returned to the queue.
func (b *Broker) Sever(address string, err error) {
	b.mu.Lock()
	q, ok := b.queues[address]
	var links []*link
	if ok {
		for l := range q.links {
			links = append(links, l)
		}
	}
	b.mu.Unlock()

	for _, l := range links {
		l.terminate(err)
	}
}

// Depth returns the number of messages ready for delivery on address
func (b *Broker) Depth(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[address]; ok {
		return len(q.ready)
	}
	return 0
}

// Unsettled returns the number of delivered but unsettled messages on address
func (b *Broker) Unsettled(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[address]
	if !ok {
		return 0
	}
	n := 0
	for l := range q.links {
		n += len(l.unsettled)
	}
	return n
}

// DeadLetters returns the envelopes rejected without requeue on address
func (b *Broker) DeadLetters(address string) []*contracts.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[address]
	if !ok {
		return nil
	}
	return append([]*contracts.Envelope(nil), q.dlq...)
}

// Close stops scheduled deliveries and detaches all links with amqp:connection:forced
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	var links []*link
	for _, q := range b.queues {
		for l := range q.links {
			links = append(links, l)
		}
	}
	b.mu.Unlock()

	for _, l := range links {
		l.terminate(contracts.NewBrokerError(contracts.ConditionConnectionForced, "broker closed"))
	}
	return nil
}

func (b *Broker) publish(ctx context.Context, address string, env *contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("memory: nil envelope")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return contracts.NewBrokerError(contracts.ConditionConnectionForced, ErrBrokerClosed.Error())
	}
	if err := b.failPub; err != nil {
		b.failPub = nil
		return err
	}
	if _, ok := b.queues[address]; !ok && !b.autoQueue {
		return contracts.NewBrokerError(contracts.ConditionNotFound, fmt.Sprintf("%s: %s", ErrUnknownQueue, address))
	}

	msg := &message{env: cloneEnvelope(env)}
	delay := env.Delay(time.Now())
	if delay <= 0 {
		b.enqueueLocked(address, msg, false)
		return nil
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		delete(b.timers, timer)
		b.enqueueLocked(address, msg, false)
	})
	b.timers[timer] = struct{}{}

	b.logger.Debug("scheduled message",
		"messageId", env.MessageID,
		"address", address,
		"delay", delay,
	)
	return nil
}

// enqueueLocked appends (or, for redelivery, prepends) msg and wakes the consumers
func (b *Broker) enqueueLocked(address string, msg *message, front bool) {
	q := b.queueLocked(address)
	if front {
		q.ready = append([]*message{msg}, q.ready...)
	} else {
		q.ready = append(q.ready, msg)
	}
	for l := range q.links {
		l.wakeup()
	}
}

func (b *Broker) deadLetterLocked(address string, env *contracts.Envelope) {
	q := b.queueLocked(address)
	q.dlq = append(q.dlq, env)
}

func cloneEnvelope(env *contracts.Envelope) *contracts.Envelope {
	c := *env
	if env.Headers != nil {
		c.Headers = make(map[string]string, len(env.Headers))
		for k, v := range env.Headers {
			c.Headers[k] = v
		}
	}
	c.Body = append([]byte(nil), env.Body...)
	return &c
}

type publisher struct {
	broker  *Broker
	address string
}

func (p *publisher) Publish(ctx context.Context, env *contracts.Envelope) error {
	return p.broker.publish(ctx, p.address, env)
}

func (p *publisher) Close() error {
	return nil
}
