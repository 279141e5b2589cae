package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/glimte/domainevent-go/contracts"
)

type fakeConsumeChannel struct {
	mu         sync.Mutex
	upstream   chan amqp.Delivery
	closes     chan *amqp.Error
	cancels    chan string
	qos        int
	queue      string
	tag        string
	cancelled  []string
	closed     bool
	qosErr     error
	consumeErr error
}

func newFakeConsumeChannel() *fakeConsumeChannel {
	return &fakeConsumeChannel{upstream: make(chan amqp.Delivery)}
}

func (f *fakeConsumeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.qos = prefetchCount
	return f.qosErr
}

func (f *fakeConsumeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	f.queue = queue
	f.tag = consumer
	return f.upstream, nil
}

func (f *fakeConsumeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closes = c
	return c
}

func (f *fakeConsumeChannel) NotifyCancel(c chan string) chan string {
	f.cancels = c
	return c
}

func (f *fakeConsumeChannel) Cancel(consumer string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, consumer)
	return nil
}

func (f *fakeConsumeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.closed = true
	close(f.upstream)
	return nil
}

func (f *fakeConsumeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// brokerClose notifies listeners first and then ends deliveries, the order
// the library uses.
func (f *fakeConsumeChannel) brokerClose(err *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes <- err
	f.closed = true
	close(f.upstream)
}

func (f *fakeConsumeChannel) brokerCancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels <- f.tag
	f.closed = true
	close(f.upstream)
}

func consumerOver(ch *fakeConsumeChannel, options ...ConsumerOption) *Consumer {
	return newConsumer(func() (consumeChannel, error) { return ch, nil }, options...)
}

func TestConsumerSubscription(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	t.Run("forwards deliveries", func(t *testing.T) {
		ch := newFakeConsumeChannel()
		c := consumerOver(ch, WithConsumerTag("orders-svc"))

		sub, err := c.Subscribe(ctx, "orders", 4)
		require.NoError(t, err)
		defer sub.Close()

		assert.Equal(t, 4, ch.qos)
		assert.Equal(t, "orders", ch.queue)
		assert.Equal(t, "orders", sub.Queue())
		assert.Equal(t, ch.tag, sub.Tag())
		assert.Regexp(t, `^orders-svc-`, sub.Tag())
		assert.Equal(t, []string{sub.Tag()}, c.GetActiveConsumers())

		go func() { ch.upstream <- amqp.Delivery{MessageId: "m-1", DeliveryTag: 1} }()

		select {
		case d := <-sub.Deliveries():
			assert.Equal(t, "m-1", d.MessageId)
		case <-time.After(time.Second):
			t.Fatal("delivery not forwarded")
		}
	})

	t.Run("default prefetch", func(t *testing.T) {
		ch := newFakeConsumeChannel()
		c := consumerOver(ch, WithPrefetchCount(7))

		sub, err := c.Subscribe(ctx, "orders", 0)
		require.NoError(t, err)
		defer sub.Close()

		assert.Equal(t, 7, ch.qos)
	})

	t.Run("close ends deliveries without error", func(t *testing.T) {
		ch := newFakeConsumeChannel()
		c := consumerOver(ch)
		sub, err := c.Subscribe(ctx, "orders", 1)
		require.NoError(t, err)

		require.NoError(t, sub.Close())
		require.NoError(t, sub.Close())

		_, open := <-sub.Deliveries()
		assert.False(t, open)
		assert.NoError(t, sub.Err())
		assert.True(t, ch.isClosed())
		assert.Equal(t, []string{sub.Tag()}, ch.cancelled)
		assert.Empty(t, c.GetActiveConsumers())
	})

	t.Run("broker closes the channel", func(t *testing.T) {
		ch := newFakeConsumeChannel()
		c := consumerOver(ch)
		sub, err := c.Subscribe(ctx, "orders", 1)
		require.NoError(t, err)

		ch.brokerClose(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - shutdown"})

		_, open := <-sub.Deliveries()
		assert.False(t, open)

		var consumerErr *ConsumerError
		require.ErrorAs(t, sub.Err(), &consumerErr)
		assert.Equal(t, "orders", consumerErr.Queue)
		assert.Equal(t, contracts.ConditionConnectionForced, contracts.AsBrokerError(sub.Err()).Condition)
		assert.NoError(t, sub.Close())
	})

	t.Run("broker cancels the consumer", func(t *testing.T) {
		ch := newFakeConsumeChannel()
		c := consumerOver(ch)
		sub, err := c.Subscribe(ctx, "orders", 1)
		require.NoError(t, err)

		ch.brokerCancel()

		_, open := <-sub.Deliveries()
		assert.False(t, open)
		assert.ErrorIs(t, sub.Err(), ErrConsumerCancelled)
		assert.Equal(t, contracts.ConditionLinkDetachForced, contracts.AsBrokerError(sub.Err()).Condition)
	})

	t.Run("close while a delivery is pending", func(t *testing.T) {
		ch := newFakeConsumeChannel()
		c := consumerOver(ch)
		sub, err := c.Subscribe(ctx, "orders", 1)
		require.NoError(t, err)

		ch.upstream <- amqp.Delivery{MessageId: "never-read"}

		require.NoError(t, sub.Close())
		_, open := <-sub.Deliveries()
		assert.False(t, open)
	})

	t.Run("qos failure", func(t *testing.T) {
		ch := newFakeConsumeChannel()
		ch.qosErr = &amqp.Error{Code: amqp.NotAllowed}
		c := consumerOver(ch)

		_, err := c.Subscribe(ctx, "orders", 1)

		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "qos", consumerErr.Op)
		assert.True(t, ch.isClosed())
	})

	t.Run("queue missing", func(t *testing.T) {
		ch := newFakeConsumeChannel()
		ch.consumeErr = &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue 'orders'"}
		c := consumerOver(ch)

		_, err := c.Subscribe(ctx, "orders", 1)

		assert.Equal(t, contracts.ConditionNotFound, contracts.AsBrokerError(err).Condition)
	})

	t.Run("no channel", func(t *testing.T) {
		c := newConsumer(func() (consumeChannel, error) { return nil, ErrConnectionNotReady })

		_, err := c.Subscribe(ctx, "orders", 1)

		assert.True(t, errors.Is(err, ErrConnectionNotReady))
		assert.Equal(t, contracts.ConditionConnectionForced, contracts.AsBrokerError(err).Condition)
	})

	t.Run("cancelled context", func(t *testing.T) {
		c := consumerOver(newFakeConsumeChannel())
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := c.Subscribe(cctx, "orders", 1)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("consumer close closes every subscription", func(t *testing.T) {
		first, second := newFakeConsumeChannel(), newFakeConsumeChannel()
		channels := []*fakeConsumeChannel{first, second}
		c := newConsumer(func() (consumeChannel, error) {
			ch := channels[0]
			channels = channels[1:]
			return ch, nil
		})

		_, err := c.Subscribe(ctx, "a", 1)
		require.NoError(t, err)
		_, err = c.Subscribe(ctx, "b", 1)
		require.NoError(t, err)
		assert.Len(t, c.GetActiveConsumers(), 2)

		require.NoError(t, c.Close())
		assert.True(t, first.isClosed())
		assert.True(t, second.isClosed())
	})
}
