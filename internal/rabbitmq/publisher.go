package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultConfirmTimeout = 5 * time.Second

// confirmChannel is the part of *amqp.Channel the publisher drives.
type confirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Publisher publishes on a dedicated confirm-mode channel and waits for the
// broker to confirm each message. Calls are serialized.
type Publisher struct {
	mu             sync.Mutex
	open           func() (confirmChannel, error)
	ch             confirmChannel
	confirms       chan amqp.Confirmation
	returns        chan amqp.Return
	tag            uint64
	confirmTimeout time.Duration
	logger         *slog.Logger
	closed         bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a publisher whose channel is opened lazily from cm and
// reopened after the broker closes it.
func NewPublisher(cm *ConnectionManager, options ...PublisherOption) *Publisher {
	return newPublisher(func() (confirmChannel, error) {
		ch, err := cm.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, options...)
}

func newPublisher(open func() (confirmChannel, error), options ...PublisherOption) *Publisher {
	p := &Publisher{
		open:           open,
		confirmTimeout: defaultConfirmTimeout,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and returns once the broker has confirmed it. A mandatory
// message the broker cannot route fails with ErrMandatoryFailed; a negative
// confirm fails with ErrPublishNotConfirmed.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fail := func(err error) error {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			MessageID:  msg.MessageId,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	if p.closed {
		return fail(ErrPublisherClosed)
	}
	if err := p.ensureChannelLocked(); err != nil {
		return fail(err)
	}

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg); err != nil {
		p.resetLocked()
		return fail(err)
	}
	p.tag++

	if err := p.awaitConfirmLocked(ctx, p.tag, msg.MessageId); err != nil {
		return fail(err)
	}

	p.logger.Debug("message confirmed",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId)
	return nil
}

func (p *Publisher) awaitConfirmLocked(ctx context.Context, tag uint64, messageID string) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-p.confirms:
			if !ok {
				p.resetLocked()
				return ErrChannelClosed
			}
			if confirm.DeliveryTag < tag {
				// left over from an earlier publish that timed out
				continue
			}
			if returned, ok := p.drainReturnsLocked(messageID); ok {
				return fmt.Errorf("%w: %d %s", ErrMandatoryFailed, returned.ReplyCode, returned.ReplyText)
			}
			if !confirm.Ack {
				return ErrPublishNotConfirmed
			}
			return nil

		case <-timer.C:
			return ErrPublishTimeout

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainReturnsLocked empties the return queue and reports the return that
// matches messageID, if any. The broker sends basic.return before the confirm.
func (p *Publisher) drainReturnsLocked(messageID string) (amqp.Return, bool) {
	var (
		match amqp.Return
		found bool
	)
	for {
		select {
		case r, ok := <-p.returns:
			if !ok {
				return match, found
			}
			if r.MessageId == messageID {
				match, found = r, true
			}
		default:
			return match, found
		}
	}
}

func (p *Publisher) ensureChannelLocked() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}

	ch, err := p.open()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 16))
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 16))
	p.tag = 0
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch = nil
	p.confirms = nil
	p.returns = nil
	p.tag = 0
}

// Close closes the publisher channel. It is safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.ch == nil || p.ch.IsClosed() {
		p.ch = nil
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
