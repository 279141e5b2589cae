package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// consumeChannel is the part of *amqp.Channel a subscription drives.
type consumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyCancel(c chan string) chan string
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Consumer opens manually acknowledged subscriptions, one channel each.
type Consumer struct {
	open          func() (consumeChannel, error)
	prefetchCount int
	exclusive     bool
	tagPrefix     string
	logger        *slog.Logger
	active        sync.Map // consumer tag -> *Subscription
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the default prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the prefix for generated consumer tags
func WithConsumerTag(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a consumer that opens its channels from cm.
func NewConsumer(cm *ConnectionManager, options ...ConsumerOption) *Consumer {
	return newConsumer(func() (consumeChannel, error) {
		ch, err := cm.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, options...)
}

func newConsumer(open func() (consumeChannel, error), options ...ConsumerOption) *Consumer {
	c := &Consumer{
		open:          open,
		prefetchCount: 10,
		tagPrefix:     "domainevent",
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is one consumer on one queue. Its delivery channel closes when
// the subscription ends; Err then reports why, or nil after Close.
type Subscription struct {
	queue      string
	tag        string
	ch         consumeChannel
	deliveries chan amqp.Delivery
	closing    chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
	errMu      sync.Mutex
	err        error
	logger     *slog.Logger
	owner      *Consumer
}

// Subscribe starts consuming queue with manual acknowledgement. A positive
// prefetch overrides the consumer default.
func (c *Consumer) Subscribe(ctx context.Context, queue string, prefetch int) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = c.prefetchCount
	}
	tag := fmt.Sprintf("%s-%s", c.tagPrefix, uuid.NewString())

	fail := func(op string, err error) error {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	ch, err := c.open()
	if err != nil {
		return nil, fail("open channel", err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fail("qos", err)
	}

	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancels := ch.NotifyCancel(make(chan string, 1))

	upstream, err := ch.Consume(queue, tag, false, c.exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fail("consume", err)
	}

	sub := &Subscription{
		queue:      queue,
		tag:        tag,
		ch:         ch,
		deliveries: make(chan amqp.Delivery),
		closing:    make(chan struct{}),
		stopped:    make(chan struct{}),
		logger:     c.logger,
		owner:      c,
	}
	c.active.Store(tag, sub)
	go sub.forward(upstream, closes, cancels)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", prefetch)

	return sub, nil
}

func (s *Subscription) forward(upstream <-chan amqp.Delivery, closes <-chan *amqp.Error, cancels <-chan string) {
	defer close(s.deliveries)
	defer close(s.stopped)
	defer s.owner.active.Delete(s.tag)

	for {
		select {
		case d, ok := <-upstream:
			if !ok {
				s.ended(closes, cancels)
				return
			}
			select {
			case s.deliveries <- d:
			case <-s.closing:
				// unsettled deliveries return to the queue when the channel closes
				return
			}
		case <-s.closing:
			return
		}
	}
}

// ended records why the broker stopped the subscription. The library
// notifies close and cancel listeners before it closes the delivery channel.
func (s *Subscription) ended(closes <-chan *amqp.Error, cancels <-chan string) {
	select {
	case <-s.closing:
		return
	default:
	}

	var cause error = ErrChannelClosed
	select {
	case amqpErr, ok := <-closes:
		if ok && amqpErr != nil {
			cause = amqpErr
		}
	default:
		select {
		case <-cancels:
			cause = ErrConsumerCancelled
		default:
		}
	}

	err := &ConsumerError{
		Queue:       s.queue,
		ConsumerTag: s.tag,
		Op:          "consume",
		Err:         cause,
		Timestamp:   time.Now(),
	}
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()

	s.logger.Error("subscription ended by broker",
		"queue", s.queue,
		"consumerTag", s.tag,
		"error", cause)
	_ = s.ch.Close()
}

// Deliveries returns the delivery channel.
func (s *Subscription) Deliveries() <-chan amqp.Delivery { return s.deliveries }

// Queue returns the consumed queue name.
func (s *Subscription) Queue() string { return s.queue }

// Tag returns the consumer tag.
func (s *Subscription) Tag() string { return s.tag }

// Err returns the broker-side termination cause once the delivery channel has
// closed.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close cancels the consumer and closes its channel. Unacknowledged
// deliveries are requeued by the broker.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		_ = s.ch.Cancel(s.tag, false)
		err = s.ch.Close()
		<-s.stopped
		s.logger.Info("unsubscribed from queue",
			"queue", s.queue,
			"consumerTag", s.tag)
	})
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

// GetActiveConsumers returns the tags of the open subscriptions.
func (c *Consumer) GetActiveConsumers() []string {
	var tags []string
	c.active.Range(func(key, _ any) bool {
		tags = append(tags, key.(string))
		return true
	})
	return tags
}

// Close closes every open subscription.
func (c *Consumer) Close() error {
	var firstErr error
	c.active.Range(func(_, value any) bool {
		if err := value.(*Subscription).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}
