package memory

import (
	"context"
	"sync"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/messaging"
)

// Open implements messaging.TransportReceiver
func (b *Broker) Open(ctx context.Context, opts messaging.LinkOptions) (messaging.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, contracts.NewBrokerError(contracts.ConditionConnectionForced, ErrBrokerClosed.Error())
	}
	if err := b.failOpen; err != nil {
		b.failOpen = nil
		return nil, err
	}

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	l := &link{
		broker:     b,
		address:    opts.Address,
		prefetch:   prefetch,
		deliveries: make(chan messaging.TransportDelivery),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		unsettled:  make(map[uint64]*message),
	}
	b.queueLocked(opts.Address).links[l] = struct{}{}

	go l.pump()
	return l, nil
}

type link struct {
	broker   *Broker
	address  string
	prefetch int

	deliveries chan messaging.TransportDelivery
	wake       chan struct{}
	done       chan struct{}
	stopped    chan struct{}

	// guarded by broker.mu
	nextTag   uint64
	unsettled map[uint64]*message

	once sync.Once
	err  error
}

func (l *link) Deliveries() <-chan messaging.TransportDelivery {
	return l.deliveries
}

func (l *link) Err() error {
	select {
	case <-l.stopped:
		return l.err
	default:
		return nil
	}
}

func (l *link) Close() error {
	l.terminate(nil)
	return nil
}

func (l *link) wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// terminate detaches the link and returns its unsettled messages to the queue
func (l *link) terminate(cause error) {
	l.once.Do(func() {
		l.err = cause
		close(l.done)
		<-l.stopped

		b := l.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		if q, ok := b.queues[l.address]; ok {
			delete(q.links, l)
		}
		for tag, msg := range l.unsettled {
			delete(l.unsettled, tag)
			msg.redelivered++
			b.enqueueLocked(l.address, msg, true)
		}
	})
}

func (l *link) pump() {
	defer close(l.deliveries)
	defer close(l.stopped)

	for {
		d := l.next()
		if d == nil {
			select {
			case <-l.wake:
				continue
			case <-l.done:
				return
			}
		}

		select {
		case l.deliveries <- d:
		case <-l.done:
			return
		}
	}
}

// next takes the head of the queue if the prefetch window allows it
func (l *link) next() *delivery {
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-l.done:
		return nil
	default:
	}

	q, ok := b.queues[l.address]
	if !ok || len(q.ready) == 0 || len(l.unsettled) >= l.prefetch {
		return nil
	}

	msg := q.ready[0]
	q.ready = q.ready[1:]
	l.nextTag++
	l.unsettled[l.nextTag] = msg
	return &delivery{link: l, tag: l.nextTag, msg: msg}
}

type delivery struct {
	link *link
	tag  uint64
	msg  *message
}

func (d *delivery) Envelope() *contracts.Envelope {
	return d.msg.env
}

// Redelivered reports how many times the message was returned to the queue before this delivery
func (d *delivery) Redelivered() int {
	return d.msg.redelivered
}

func (d *delivery) Acknowledge() error {
	return d.settle(func(*Broker) {})
}

func (d *delivery) Reject(requeue bool) error {
	return d.settle(func(b *Broker) {
		if requeue {
			d.msg.redelivered++
			b.enqueueLocked(d.link.address, d.msg, true)
			return
		}
		b.deadLetterLocked(d.link.address, d.msg.env)
	})
}

func (d *delivery) settle(apply func(*Broker)) error {
	b := d.link.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := d.link.unsettled[d.tag]; !ok {
		return contracts.NewBrokerError(contracts.ConditionLinkDetachForced, ErrLinkClosed.Error())
	}
	delete(d.link.unsettled, d.tag)
	apply(b)
	d.link.wakeup()
	return nil
}
