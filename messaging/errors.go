package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyReceiving = errors.New("messaging: receiver is already receiving")
	ErrReceiverClosed   = errors.New("messaging: receiver is closed")
	ErrNoHandler        = errors.New("messaging: no handler registered")
	ErrUnknownEventType = errors.New("messaging: event type not in type map")
	ErrDuplicateHandler = errors.New("messaging: handler already registered")
	ErrNilEvent         = errors.New("messaging: event cannot be nil")
	ErrPublisherClosed  = errors.New("messaging: publisher is closed")
)

// RoutingReason explains why an inbound message could not be dispatched
type RoutingReason string

const (
	ReasonUnknownType  RoutingReason = "unknown_type"
	ReasonDecodeFailed RoutingReason = "decode_failed"
	ReasonNoHandler    RoutingReason = "no_handler"
)

// RoutingError reports an inbound message that was received but could not be
// dispatched. It never changes the receiver's broker error state.
type RoutingError struct {
	Reason        RoutingReason
	TypeName      string
	MessageID     string
	CorrelationID string
	Err           error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing error (%s) for type %q message %s: %v", e.Reason, e.TypeName, e.MessageID, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// HandlerError wraps an error returned, or a panic raised, by a handler
type HandlerError struct {
	TypeName      string
	MessageID     string
	CorrelationID string
	Panicked      bool
	Err           error
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("handler for %q panicked on message %s: %v", e.TypeName, e.MessageID, e.Err)
	}
	return fmt.Sprintf("handler for %q failed on message %s: %v", e.TypeName, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// conditionError tags an error with the broker condition it should surface as
type conditionError struct {
	condition string
	err       error
}

func withCondition(condition string, err error) error {
	return &conditionError{condition: condition, err: err}
}

func (e *conditionError) Error() string          { return e.err.Error() }
func (e *conditionError) Unwrap() error          { return e.err }
func (e *conditionError) BrokerCondition() string { return e.condition }
