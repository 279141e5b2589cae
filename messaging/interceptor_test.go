package messaging_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type ValidatedEvent struct {
	Name string `json:"name"`
}

func (e ValidatedEvent) Validate() error {
	if e.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func recordingInterceptor(name string, trail *[]string) messaging.Interceptor {
	return messaging.NewInterceptorFunc(name, func(ctx context.Context, event any, env *contracts.Envelope, next messaging.DispatchFunc) error {
		*trail = append(*trail, name+":before")
		err := next(ctx, event, env)
		*trail = append(*trail, name+":after")
		return err
	})
}

func TestInterceptorChain_Order(t *testing.T) {
	var trail []string
	chain := messaging.NewInterceptorChain(recordingInterceptor("outer", &trail))
	chain.Add(recordingInterceptor("inner", &trail))
	assert.Equal(t, 2, chain.Len())

	env := &contracts.Envelope{MessageID: "m-1", TypeName: "T"}
	err := chain.Execute(context.Background(), "event", env, func(ctx context.Context, event any, env *contracts.Envelope) error {
		trail = append(trail, "handler")
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, trail)
}

func TestInterceptorChain_ShortCircuit(t *testing.T) {
	blocked := errors.New("blocked")
	chain := messaging.NewInterceptorChain(messaging.NewInterceptorFunc("block",
		func(ctx context.Context, event any, env *contracts.Envelope, next messaging.DispatchFunc) error {
			return blocked
		}))

	called := false
	err := chain.Execute(context.Background(), nil, &contracts.Envelope{}, func(context.Context, any, *contracts.Envelope) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, blocked)
	assert.False(t, called)
}

func TestInterceptorChain_Empty(t *testing.T) {
	chain := messaging.NewInterceptorChain()
	err := chain.Execute(context.Background(), 1, &contracts.Envelope{}, func(ctx context.Context, event any, env *contracts.Envelope) error {
		assert.Equal(t, 1, event)
		return nil
	})
	assert.NoError(t, err)
}

func TestValidationInterceptor(t *testing.T) {
	v := messaging.NewValidationInterceptor()
	env := &contracts.Envelope{TypeName: "ValidatedEvent"}
	pass := func(context.Context, any, *contracts.Envelope) error { return nil }

	assert.NoError(t, v.Intercept(context.Background(), ValidatedEvent{Name: "ok"}, env, pass))
	assert.NoError(t, v.Intercept(context.Background(), TestEvent{}, env, pass))

	err := v.Intercept(context.Background(), ValidatedEvent{}, env, pass)
	assert.ErrorIs(t, err, messaging.ErrInvalidEvent)
	assert.Contains(t, err.Error(), "name is required")
	assert.Equal(t, "ValidationInterceptor", v.Name())
}

func TestTimeoutInterceptor(t *testing.T) {
	i := messaging.NewTimeoutInterceptor(20 * time.Millisecond)
	err := i.Intercept(context.Background(), nil, &contracts.Envelope{}, func(ctx context.Context, _ any, _ *contracts.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unbounded := messaging.NewTimeoutInterceptor(0)
	err = unbounded.Intercept(context.Background(), nil, &contracts.Envelope{}, func(ctx context.Context, _ any, _ *contracts.Envelope) error {
		_, ok := ctx.Deadline()
		assert.False(t, ok)
		return nil
	})
	assert.NoError(t, err)
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	i := messaging.NewLoggingInterceptor(logger)
	env := &contracts.Envelope{MessageID: "m-7", TypeName: "T"}

	require.NoError(t, i.Intercept(context.Background(), nil, env, func(context.Context, any, *contracts.Envelope) error { return nil }))
	assert.Contains(t, buf.String(), "event handled")
	assert.Contains(t, buf.String(), "messageId=m-7")

	buf.Reset()
	err := i.Intercept(context.Background(), nil, env, func(context.Context, any, *contracts.Envelope) error { return errors.New("boom") })
	assert.EqualError(t, err, "boom")
	assert.Contains(t, buf.String(), "event handling failed")
}

func TestReceiver_Interceptors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	errs := make(chan *messaging.HandlerError, 10)
	seen := make(chan string, 10)

	receiver := h.receiver(
		messaging.WithInterceptors(
			messaging.NewInterceptorFunc("gate", func(ctx context.Context, event any, env *contracts.Envelope, next messaging.DispatchFunc) error {
				seen <- env.CorrelationID
				if e, ok := event.(TestEvent); ok && e.TheInt < 0 {
					return errors.New("negative")
				}
				return next(ctx, event, env)
			}),
		),
		messaging.WithHandlerErrorCallback(func(e *messaging.HandlerError) { errs <- e }),
	)
	require.NoError(t, receiver.Receive(context.Background(), testTypeMap()))
	defer receiver.Close()

	ctx := context.Background()
	require.NoError(t, h.publisher.Send(ctx, TestEvent{TheInt: -1}, "id-blocked"))
	require.NoError(t, h.publisher.Send(ctx, TestEvent{TheInt: 1}, "id-allowed"))

	got := h.recorder.await(t, "id-allowed")
	assert.Equal(t, 1, got.TheInt)

	select {
	case herr := <-errs:
		assert.Equal(t, "id-blocked", herr.CorrelationID)
		assert.EqualError(t, herr.Err, "negative")
	case <-time.After(5 * time.Second):
		t.Fatal("expected a handler error for the blocked event")
	}
	_, handled := h.recorder.get("id-blocked")
	assert.False(t, handled)
	assert.Equal(t, "id-blocked", <-seen)
	assert.Equal(t, "id-allowed", <-seen)
}
