package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/messaging"
	"github.com/glimte/domainevent-go/serialization"
)

// link polls one address. At most prefetch deliveries are unsettled at a time
// and their leases are renewed until they are settled.
type link struct {
	transport *Transport
	ctx       context.Context
	address   string
	keys      addressKeys

	deliveries chan messaging.TransportDelivery
	slots      chan struct{}
	closing    chan struct{}
	stopped    chan struct{}
	renewed    chan struct{}
	closeOnce  sync.Once

	mu        sync.Mutex
	unsettled map[*delivery]struct{}
	detached  bool
	err       error
}

func newLink(t *Transport, ctx context.Context, address string, prefetch int) *link {
	return &link{
		transport:  t,
		ctx:        ctx,
		address:    address,
		keys:       t.keys(address),
		deliveries: make(chan messaging.TransportDelivery),
		slots:      make(chan struct{}, prefetch),
		closing:    make(chan struct{}),
		stopped:    make(chan struct{}),
		renewed:    make(chan struct{}),
		unsettled:  make(map[*delivery]struct{}),
	}
}

// Deliveries implements messaging.Link
func (l *link) Deliveries() <-chan messaging.TransportDelivery {
	return l.deliveries
}

// Err implements messaging.Link
func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close stops polling and returns unsettled payloads to the head of the
// ready list.
func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closing)
		<-l.stopped
		<-l.renewed
		err = l.detach()
		l.transport.forget(l)
	})
	return err
}

func (l *link) detach() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detached = true

	var errs []error
	for d := range l.unsettled {
		delete(l.unsettled, d)
		if err := l.requeue(d.data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *link) pump() {
	defer close(l.deliveries)
	defer close(l.stopped)

	for {
		select {
		case l.slots <- struct{}{}:
		case <-l.closing:
			return
		}

		d, err := l.receive()
		if err != nil {
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
			l.transport.logger.Error("redis link ended",
				"address", l.address,
				"error", err,
			)
			return
		}
		if d == nil {
			return
		}

		select {
		case l.deliveries <- d:
		case <-l.closing:
			return
		}
	}
}

// receive blocks until a payload is moved to the processing list. It returns
// nil, nil when the link is closing.
func (l *link) receive() (*delivery, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-l.closing:
			return nil, nil
		case <-timer.C:
		}

		data, err := l.transport.claim(l.ctx, l.keys)
		if errors.Is(err, goredis.Nil) {
			timer.Reset(l.transport.pollInterval)
			continue
		}
		if err != nil {
			return nil, commandError("claim", l.keys.ready, err)
		}

		env, err := serialization.DecodeEnvelope([]byte(data))
		if err != nil {
			l.transport.logger.Warn("dead-lettering undecodable payload",
				"address", l.address,
				"error", err,
			)
			if err := l.deadLetter(data); err != nil {
				return nil, err
			}
			timer.Reset(0)
			continue
		}

		d := &delivery{link: l, data: data, env: env}
		l.mu.Lock()
		l.unsettled[d] = struct{}{}
		l.mu.Unlock()
		return d, nil
	}
}

// keepAlive renews the leases of unsettled deliveries until the link closes
func (l *link) keepAlive() {
	defer close(l.renewed)

	ticker := time.NewTicker(max(l.transport.visibility/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-l.closing:
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				l.transport.logger.Warn("failed to renew leases",
					"address", l.address,
					"error", err,
				)
			}
		}
	}
}

// renew pushes the lease deadline of every unsettled delivery forward.
// Leases that already expired are not recreated.
func (l *link) renew() error {
	l.mu.Lock()
	if l.detached || len(l.unsettled) == 0 {
		l.mu.Unlock()
		return nil
	}
	deadline := float64(l.transport.now().Add(l.transport.visibility).UnixMilli())
	members := make([]goredis.Z, 0, len(l.unsettled))
	for d := range l.unsettled {
		members = append(members, goredis.Z{Score: deadline, Member: d.data})
	}
	l.mu.Unlock()

	err := l.transport.client.ZAddArgs(l.ctx, l.keys.leases, goredis.ZAddArgs{XX: true, Members: members}).Err()
	return commandError("renew", l.keys.leases, err)
}

func (l *link) acknowledge(data string) error {
	_, err := l.transport.client.TxPipelined(l.ctx, func(p goredis.Pipeliner) error {
		p.LRem(l.ctx, l.keys.processing, 1, data)
		p.ZRem(l.ctx, l.keys.leases, data)
		return nil
	})
	return commandError("ack", l.keys.processing, err)
}

func (l *link) requeue(data string) error {
	err := releaseScript.Run(l.ctx, l.transport.client,
		[]string{l.keys.processing, l.keys.ready, l.keys.leases}, data, "RPUSH").Err()
	return commandError("requeue", l.keys.ready, err)
}

func (l *link) deadLetter(data string) error {
	err := releaseScript.Run(l.ctx, l.transport.client,
		[]string{l.keys.processing, l.keys.dlq, l.keys.leases}, data, "LPUSH").Err()
	return commandError("dead-letter", l.keys.dlq, err)
}

func (l *link) release() {
	select {
	case <-l.slots:
	default:
	}
}

// delivery is one payload held in the processing list until settled
type delivery struct {
	link    *link
	data    string
	env     *contracts.Envelope
	settled atomic.Bool
}

// Envelope implements messaging.TransportDelivery
func (d *delivery) Envelope() *contracts.Envelope {
	return d.env
}

// Acknowledge removes the payload from the processing list and drops its lease
func (d *delivery) Acknowledge() error {
	return d.settle("ack", func() error {
		return d.link.acknowledge(d.data)
	})
}

// Reject puts the payload back at the head of the ready list, or moves it to
// the dead-letter list.
func (d *delivery) Reject(requeue bool) error {
	return d.settle("reject", func() error {
		if requeue {
			return d.link.requeue(d.data)
		}
		return d.link.deadLetter(d.data)
	})
}

func (d *delivery) settle(op string, apply func() error) error {
	if !d.settled.CompareAndSwap(false, true) {
		return &CommandError{Op: op, Key: d.link.keys.processing, Err: ErrAlreadySettled}
	}

	l := d.link
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.unsettled[d]; !ok || l.detached {
		return &CommandError{Op: op, Key: l.keys.processing, Err: ErrLinkClosed}
	}
	delete(l.unsettled, d)
	defer l.release()
	return apply()
}
