package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/serialization"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type mockTransportPublisher struct {
	mock.Mock
}

func (m *mockTransportPublisher) Publish(ctx context.Context, envelope *contracts.Envelope) error {
	args := m.Called(ctx, envelope)
	return args.Error(0)
}

func (m *mockTransportPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

type testEvent struct {
	TheInt    int    `json:"theInt"`
	TheString string `json:"theString"`
}

type renamedTestEvent struct {
	ID string `json:"id"`
}

func (renamedTestEvent) EventTypeName() string { return "Tests.Renamed" }

func publisherSettings() contracts.PublisherSettings {
	return contracts.PublisherSettings{ServiceBusSettings: contracts.ServiceBusSettings{
		AppName:   "orders",
		Address:   "orders.events",
		Namespace: "localhost",
		Protocol:  contracts.ProtocolMemory,
		Durable:   1,
	}}
}

func publishedEnvelope(t *testing.T, transport *mockTransportPublisher) *contracts.Envelope {
	t.Helper()
	require.NotEmpty(t, transport.Calls)
	return transport.Calls[len(transport.Calls)-1].Arguments.Get(1).(*contracts.Envelope)
}

func TestPublisher_Send(t *testing.T) {
	t.Run("publishes an envelope and clears error", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		transport.On("Publish", mock.Anything, mock.Anything).Return(nil)

		fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
		publisher := NewPublisher(transport, publisherSettings(), WithPublisherClock(func() time.Time { return fixed }))

		err := publisher.Send(context.Background(), testEvent{TheInt: 42, TheString: "abc"}, "id-1")
		require.NoError(t, err)
		assert.Nil(t, publisher.Error())

		env := publishedEnvelope(t, transport)
		assert.NotEmpty(t, env.MessageID)
		assert.Equal(t, contracts.TypeNameOf(testEvent{}), env.TypeName)
		assert.Equal(t, "id-1", env.CorrelationID)
		assert.Equal(t, "orders", env.AppName)
		assert.Equal(t, serialization.ContentTypeJSON, env.ContentType)
		assert.True(t, env.Durable)
		assert.Equal(t, time.UTC, env.Timestamp.Location())
		assert.True(t, env.Timestamp.Equal(fixed))
		assert.False(t, env.IsScheduled())
		assert.JSONEq(t, `{"theInt":42,"theString":"abc"}`, string(env.Body))
	})

	t.Run("transport failure sets error until the next call", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		publisher := NewPublisher(transport, publisherSettings())

		notFound := contracts.NewBrokerError(contracts.ConditionNotFound, "no queue")
		transport.On("Publish", mock.Anything, mock.Anything).Return(notFound).Once()
		transport.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()

		err := publisher.Send(context.Background(), testEvent{}, "id-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, notFound)
		require.NotNil(t, publisher.Error())
		assert.Equal(t, contracts.ConditionNotFound, publisher.Error().Condition)
		assert.Equal(t, "no queue", publisher.Error().Description)

		require.NoError(t, publisher.Send(context.Background(), testEvent{}, "id-2"))
		assert.Nil(t, publisher.Error())
	})

	t.Run("unclassified failure is an internal error", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		transport.On("Publish", mock.Anything, mock.Anything).Return(errors.New("socket reset"))
		publisher := NewPublisher(transport, publisherSettings())

		require.Error(t, publisher.Send(context.Background(), testEvent{}, "id-1"))
		assert.Equal(t, contracts.ConditionInternalError, publisher.Error().Condition)
		assert.Contains(t, publisher.Error().Description, "socket reset")
	})

	t.Run("nil event is rejected before transport", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		publisher := NewPublisher(transport, publisherSettings())

		err := publisher.Send(context.Background(), nil, "id-1")
		assert.ErrorIs(t, err, ErrNilEvent)
		assert.Equal(t, contracts.ConditionEncodeFailed, publisher.Error().Condition)
		transport.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("nil pointer event is rejected before transport", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		publisher := NewPublisher(transport, publisherSettings())

		var named *renamedTestEvent
		var plain *testEvent
		for _, event := range []any{named, plain} {
			var err error
			require.NotPanics(t, func() {
				err = publisher.Send(context.Background(), event, "id-1")
			})
			assert.ErrorIs(t, err, ErrNilEvent)
			require.NotNil(t, publisher.Error())
			assert.Equal(t, contracts.ConditionEncodeFailed, publisher.Error().Condition)
		}
		transport.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("invalid settings are reported on first use", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		settings := publisherSettings()
		settings.Address = ""
		publisher := NewPublisher(transport, settings)

		err := publisher.Send(context.Background(), testEvent{}, "id-1")
		assert.ErrorIs(t, err, contracts.ErrInvalidSettings)
		assert.Equal(t, contracts.ConditionInvalidSettings, publisher.Error().Condition)
		transport.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("unacknowledged send times out", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		transport.On("Publish", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(context.DeadlineExceeded)
		publisher := NewPublisher(transport, publisherSettings(), WithSendTimeout(20*time.Millisecond))

		start := time.Now()
		err := publisher.Send(context.Background(), testEvent{}, "id-1")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, contracts.ConditionTimeout, publisher.Error().Condition)
	})

	t.Run("closed publisher refuses to send", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		transport.On("Close").Return(nil).Once()
		publisher := NewPublisher(transport, publisherSettings())

		require.NoError(t, publisher.Close())
		require.NoError(t, publisher.Close())

		err := publisher.Send(context.Background(), testEvent{}, "id-1")
		assert.ErrorIs(t, err, ErrPublisherClosed)
		assert.Equal(t, contracts.ConditionNotAllowed, publisher.Error().Condition)
		transport.AssertExpectations(t)
	})

	t.Run("uses the configured codec", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		transport.On("Publish", mock.Anything, mock.Anything).Return(nil)
		publisher := NewPublisher(transport, publisherSettings(), WithCodec(serialization.MsgPack()))

		require.NoError(t, publisher.Send(context.Background(), testEvent{TheInt: 1}, "id-1"))

		env := publishedEnvelope(t, transport)
		assert.Equal(t, serialization.ContentTypeMsgPack, env.ContentType)

		var out testEvent
		require.NoError(t, serialization.MsgPack().Unmarshal(env.Body, &out))
		assert.Equal(t, 1, out.TheInt)
	})
}

func TestPublisher_Schedule(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("future time is carried on the envelope", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		transport.On("Publish", mock.Anything, mock.Anything).Return(nil)
		publisher := NewPublisher(transport, publisherSettings(), WithPublisherClock(clock))

		at := now.Add(20 * time.Second)
		require.NoError(t, publisher.Schedule(context.Background(), testEvent{}, "id-1", at))

		env := publishedEnvelope(t, transport)
		assert.True(t, env.IsScheduled())
		assert.True(t, env.ScheduledEnqueueTime.Equal(at))
		assert.Equal(t, 20*time.Second, env.Delay(now))
	})

	t.Run("past time is sent immediately", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		transport.On("Publish", mock.Anything, mock.Anything).Return(nil)
		publisher := NewPublisher(transport, publisherSettings(), WithPublisherClock(clock))

		require.NoError(t, publisher.Schedule(context.Background(), testEvent{}, "id-1", now.Add(-time.Hour)))
		assert.False(t, publishedEnvelope(t, transport).IsScheduled())
	})

	t.Run("zero time is sent immediately", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		transport.On("Publish", mock.Anything, mock.Anything).Return(nil)
		publisher := NewPublisher(transport, publisherSettings(), WithPublisherClock(clock))

		require.NoError(t, publisher.Schedule(context.Background(), testEvent{}, "id-1", time.Time{}))
		assert.False(t, publishedEnvelope(t, transport).IsScheduled())
	})

	t.Run("scheduling failure follows the send error contract", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		transport.On("Publish", mock.Anything, mock.Anything).
			Return(contracts.NewBrokerError(contracts.ConditionNotAllowed, "delayed exchange missing"))
		publisher := NewPublisher(transport, publisherSettings(), WithPublisherClock(clock))

		require.Error(t, publisher.Schedule(context.Background(), testEvent{}, "id-1", now.Add(time.Minute)))
		assert.Equal(t, contracts.ConditionNotAllowed, publisher.Error().Condition)
	})
}

func TestPublisher_Observability(t *testing.T) {
	t.Run("injects trace context into headers", func(t *testing.T) {
		recorder := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		defer func() { _ = tp.Shutdown(context.Background()) }()

		transport := &mockTransportPublisher{}
		transport.On("Publish", mock.Anything, mock.Anything).Return(nil)
		publisher := NewPublisher(transport, publisherSettings(), WithPublisherTracing(tp, nil))

		require.NoError(t, publisher.Send(context.Background(), testEvent{}, "id-1"))

		env := publishedEnvelope(t, transport)
		assert.NotEmpty(t, env.Header("traceparent"))

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "domainevent.send", spans[0].Name())
		assert.Contains(t, env.Header("traceparent"), spans[0].SpanContext().TraceID().String())
	})

	t.Run("records publish metrics", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		metrics := NewPrometheusMetrics(reg)
		require.NoError(t, metrics.Register())
		require.NoError(t, metrics.Register())

		transport := &mockTransportPublisher{}
		transport.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()
		transport.On("Publish", mock.Anything, mock.Anything).Return(errors.New("down")).Once()
		publisher := NewPublisher(transport, publisherSettings(), WithPublisherMetrics(metrics))

		typeName := contracts.TypeNameOf(testEvent{})
		require.NoError(t, publisher.Send(context.Background(), testEvent{}, "id-1"))
		require.Error(t, publisher.Send(context.Background(), testEvent{}, "id-2"))

		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.published.WithLabelValues(typeName, "false", "success")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.published.WithLabelValues(typeName, "false", "failure")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.errors.WithLabelValues("publisher", contracts.ConditionInternalError)))

		stats := metrics.GetStats()
		assert.Equal(t, int64(1), stats.MessagesPublished)
		assert.Equal(t, int64(1), stats.PublishFailures)
	})
}

// sequencedTransport records, for every publish, whether it fails and what
// Error reported when the publish started.
type sequencedTransport struct {
	publisher  *Publisher
	inFlight   atomic.Int32
	overlapped atomic.Bool

	mu    sync.Mutex
	calls []sequencedCall
}

type sequencedCall struct {
	correlationID string
	failed        bool
	seen          *contracts.BrokerError
}

func (s *sequencedTransport) Publish(_ context.Context, env *contracts.Envelope) error {
	if s.inFlight.Add(1) > 1 {
		s.overlapped.Store(true)
	}
	defer s.inFlight.Add(-1)

	failed := strings.HasPrefix(env.CorrelationID, "fail")
	s.mu.Lock()
	s.calls = append(s.calls, sequencedCall{
		correlationID: env.CorrelationID,
		failed:        failed,
		seen:          s.publisher.Error(),
	})
	s.mu.Unlock()

	time.Sleep(time.Millisecond)
	if failed {
		return contracts.NewBrokerError(contracts.ConditionConnectionForced, "socket reset")
	}
	return nil
}

func (s *sequencedTransport) Close() error { return nil }

func TestPublisher_ConcurrentCalls(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	transport := &sequencedTransport{}
	publisher := NewPublisher(transport, publisherSettings(), WithPublisherClock(func() time.Time { return now }))
	transport.publisher = publisher

	const callers = 16
	done := make(chan struct{})
	var readers sync.WaitGroup
	for range 4 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
					if e := publisher.Error(); e != nil {
						assert.Equal(t, contracts.ConditionConnectionForced, e.Condition)
					}
				}
			}
		}()
	}

	var callersWG sync.WaitGroup
	for i := range callers {
		callersWG.Add(1)
		go func() {
			defer callersWG.Done()
			cid := fmt.Sprintf("ok-%d", i)
			if i%3 == 0 {
				cid = fmt.Sprintf("fail-%d", i)
			}

			var err error
			if i%2 == 0 {
				err = publisher.Schedule(context.Background(), testEvent{TheInt: i}, cid, now.Add(time.Minute))
			} else {
				err = publisher.Send(context.Background(), testEvent{TheInt: i}, cid)
			}

			if strings.HasPrefix(cid, "fail") {
				assert.Error(t, err, cid)
			} else {
				assert.NoError(t, err, cid)
			}
		}()
	}
	callersWG.Wait()
	close(done)
	readers.Wait()

	assert.False(t, transport.overlapped.Load(), "publishes overlapped")

	transport.mu.Lock()
	calls := transport.calls
	transport.mu.Unlock()
	require.Len(t, calls, callers)

	assert.Nil(t, calls[0].seen)
	for i := 1; i < len(calls); i++ {
		prev := calls[i-1]
		if prev.failed {
			if assert.NotNil(t, calls[i].seen, "after %s", prev.correlationID) {
				assert.Equal(t, contracts.ConditionConnectionForced, calls[i].seen.Condition)
			}
		} else {
			assert.Nil(t, calls[i].seen, "after %s", prev.correlationID)
		}
	}

	last := calls[len(calls)-1]
	if last.failed {
		require.NotNil(t, publisher.Error())
		assert.Equal(t, contracts.ConditionConnectionForced, publisher.Error().Condition)
	} else {
		assert.Nil(t, publisher.Error())
	}
}
