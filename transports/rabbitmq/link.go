package rabbitmq

import (
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/internal/rabbitmq"
	"github.com/glimte/domainevent-go/messaging"
)

// subscription is satisfied by *rabbitmq.Subscription
type subscription interface {
	Deliveries() <-chan amqp.Delivery
	Queue() string
	Tag() string
	Err() error
	Close() error
}

// link adapts a consumer subscription to messaging.Link.
type link struct {
	sub        subscription
	deliveries chan messaging.TransportDelivery
	closing    chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
}

func newLink(sub subscription) *link {
	l := &link{
		sub:        sub,
		deliveries: make(chan messaging.TransportDelivery),
		closing:    make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go l.forward()
	return l
}

func (l *link) forward() {
	defer close(l.deliveries)
	defer close(l.stopped)

	for d := range l.sub.Deliveries() {
		select {
		case l.deliveries <- &delivery{raw: d, queue: l.sub.Queue(), tag: l.sub.Tag(), env: fromDelivery(d)}:
		case <-l.closing:
			return
		}
	}
}

// Deliveries implements messaging.Link
func (l *link) Deliveries() <-chan messaging.TransportDelivery {
	return l.deliveries
}

// Err implements messaging.Link
func (l *link) Err() error {
	return l.sub.Err()
}

// Close implements messaging.Link
func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closing)
		err = l.sub.Close()
		<-l.stopped
	})
	return err
}

// delivery adapts amqp.Delivery to messaging.TransportDelivery. It can be
// settled once.
type delivery struct {
	raw     amqp.Delivery
	queue   string
	tag     string
	env     *contracts.Envelope
	settled atomic.Bool
}

// Envelope implements messaging.TransportDelivery
func (d *delivery) Envelope() *contracts.Envelope {
	return d.env
}

// Redelivered reports whether the broker has delivered this message before
func (d *delivery) Redelivered() bool {
	return d.raw.Redelivered
}

// Acknowledge implements messaging.TransportDelivery
func (d *delivery) Acknowledge() error {
	return d.settle("ack", func() error { return d.raw.Ack(false) })
}

// Reject implements messaging.TransportDelivery. Without requeue the queue's
// dead-letter exchange routes the message to <address>.dlq.
func (d *delivery) Reject(requeue bool) error {
	return d.settle("reject", func() error { return d.raw.Reject(requeue) })
}

func (d *delivery) settle(op string, apply func() error) error {
	fail := func(err error) error {
		return &rabbitmq.ConsumerError{
			Queue:       d.queue,
			ConsumerTag: d.tag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	if !d.settled.CompareAndSwap(false, true) {
		return fail(rabbitmq.ErrAlreadySettled)
	}
	if err := apply(); err != nil {
		return fail(err)
	}
	return nil
}
