package contracts

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type orderPlaced struct {
	OrderID string
}

type renamedEvent struct{}

func (renamedEvent) EventTypeName() string { return "Sales.Renamed" }

func TestTypeNameOf(t *testing.T) {
	t.Run("uses package path and type name", func(t *testing.T) {
		assert.Equal(t, "github.com/glimte/domainevent-go/contracts.orderPlaced", TypeNameOf(orderPlaced{}))
	})

	t.Run("pointer and value resolve to the same name", func(t *testing.T) {
		assert.Equal(t, TypeNameOf(orderPlaced{}), TypeNameOf(&orderPlaced{}))
	})

	t.Run("named events choose their own name", func(t *testing.T) {
		assert.Equal(t, "Sales.Renamed", TypeNameOf(renamedEvent{}))
		assert.Equal(t, "Sales.Renamed", TypeNameOf(&renamedEvent{}))
	})

	t.Run("nil pointers resolve to the pointed-to type", func(t *testing.T) {
		var named *renamedEvent
		var plain *orderPlaced
		assert.NotPanics(t, func() {
			assert.Equal(t, "Sales.Renamed", TypeNameOf(named))
		})
		assert.Equal(t, TypeNameOf(orderPlaced{}), TypeNameOf(plain))
	})

	t.Run("nil has no name", func(t *testing.T) {
		assert.Empty(t, TypeNameOf(nil))
	})

	t.Run("builtin types use their string form", func(t *testing.T) {
		assert.Equal(t, "string", TypeNameOf("x"))
	})
}

func TestTypeNameFor(t *testing.T) {
	assert.Equal(t, TypeNameOf(orderPlaced{}), TypeNameFor[orderPlaced]())
	assert.Equal(t, TypeNameOf(orderPlaced{}), TypeNameFor[*orderPlaced]())
	assert.Equal(t, "Sales.Renamed", TypeNameFor[renamedEvent]())
	assert.Equal(t, "Sales.Renamed", TypeNameFor[*renamedEvent]())
}

func TestEnvelope(t *testing.T) {
	t.Run("immediate envelope has no delay", func(t *testing.T) {
		env := &Envelope{}
		assert.False(t, env.IsScheduled())
		assert.Zero(t, env.Delay(time.Now()))
	})

	t.Run("past schedule is clamped to zero delay", func(t *testing.T) {
		now := time.Now()
		env := &Envelope{ScheduledEnqueueTime: now.Add(-time.Minute)}
		assert.True(t, env.IsScheduled())
		assert.Zero(t, env.Delay(now))
	})

	t.Run("future schedule reports remaining delay", func(t *testing.T) {
		now := time.Now()
		env := &Envelope{ScheduledEnqueueTime: now.Add(20 * time.Second)}
		assert.Equal(t, 20*time.Second, env.Delay(now))
	})

	t.Run("headers are allocated on demand", func(t *testing.T) {
		env := &Envelope{}
		assert.Empty(t, env.Header("missing"))
		env.SetHeader(HeaderCorrelationID, "id-1")
		assert.Equal(t, "id-1", env.Header(HeaderCorrelationID))
	})
}

type conditionErr struct{}

func (conditionErr) Error() string           { return "queue gone" }
func (conditionErr) BrokerCondition() string { return ConditionNotFound }

func TestAsBrokerError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		condition string
	}{
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), ConditionTimeout},
		{"canceled", context.Canceled, ConditionCanceled},
		{"invalid settings", fmt.Errorf("open: %w", ErrInvalidSettings), ConditionInvalidSettings},
		{"carrier", fmt.Errorf("wrapped: %w", conditionErr{}), ConditionNotFound},
		{"unknown", errors.New("boom"), ConditionInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := AsBrokerError(tt.err)
			assert.Equal(t, tt.condition, be.Condition)
			assert.Equal(t, tt.err.Error(), be.Description)
		})
	}

	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, AsBrokerError(nil))
	})

	t.Run("existing broker error is passed through", func(t *testing.T) {
		orig := NewBrokerError(ConditionNotAllowed, "denied")
		assert.Same(t, orig, AsBrokerError(fmt.Errorf("wrap: %w", orig)))
	})

	t.Run("error text includes condition and description", func(t *testing.T) {
		assert.Equal(t, "broker error: amqp:not-found: gone", NewBrokerError(ConditionNotFound, "gone").Error())
		assert.Equal(t, "broker error: amqp:not-found", NewBrokerError(ConditionNotFound, "").Error())
	})
}
