package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/domainevent-go/contracts"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// Publisher errors
	ErrPublisherClosed     = errors.New("rabbitmq: publisher is closed")
	ErrPublishTimeout      = errors.New("rabbitmq: publish confirm timeout")
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	ErrMandatoryFailed     = errors.New("rabbitmq: message returned as unroutable")

	// Consumer errors
	ErrConsumerClosed    = errors.New("rabbitmq: consumer is closed")
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled by broker")
	ErrAlreadySettled    = errors.New("rabbitmq: delivery already settled")

	// Topology errors
	ErrInvalidTopology = errors.New("rabbitmq: invalid topology configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// BrokerCondition maps the failure to an AMQP condition.
func (e *ConnectionError) BrokerCondition() string {
	if errors.Is(e.Err, ErrConnectionTimeout) {
		return contracts.ConditionTimeout
	}
	if c, ok := amqpCondition(e.Err); ok {
		return c
	}
	return contracts.ConditionConnectionForced
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	MessageID  string    // Message that failed
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: message %s to %q/%q: %v",
		e.MessageID, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// BrokerCondition maps the failure to an AMQP condition.
func (e *PublishError) BrokerCondition() string {
	switch {
	case errors.Is(e.Err, ErrMandatoryFailed):
		return contracts.ConditionNotFound
	case errors.Is(e.Err, ErrPublishNotConfirmed):
		return contracts.ConditionNotAcknowledged
	case errors.Is(e.Err, ErrPublishTimeout), errors.Is(e.Err, context.DeadlineExceeded):
		return contracts.ConditionTimeout
	case errors.Is(e.Err, context.Canceled):
		return contracts.ConditionCanceled
	case errors.Is(e.Err, ErrPublisherClosed):
		return contracts.ConditionNotAllowed
	case errors.Is(e.Err, ErrConnectionNotReady),
		errors.Is(e.Err, ErrConnectionClosed),
		errors.Is(e.Err, ErrChannelClosed):
		return contracts.ConditionConnectionForced
	}
	if c, ok := amqpCondition(e.Err); ok {
		return c
	}
	return contracts.ConditionInternalError
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// BrokerCondition maps the failure to an AMQP condition.
func (e *ConsumerError) BrokerCondition() string {
	switch {
	case errors.Is(e.Err, ErrConsumerCancelled):
		return contracts.ConditionLinkDetachForced
	case errors.Is(e.Err, ErrAlreadySettled):
		return contracts.ConditionNotAllowed
	case errors.Is(e.Err, ErrConnectionNotReady), errors.Is(e.Err, ErrConnectionClosed):
		return contracts.ConditionConnectionForced
	}
	if c, ok := amqpCondition(e.Err); ok {
		return c
	}
	return contracts.ConditionLinkDetachForced
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// BrokerCondition maps the failure to an AMQP condition.
func (e *TopologyError) BrokerCondition() string {
	if errors.Is(e.Err, ErrInvalidTopology) {
		return contracts.ConditionInvalidSettings
	}
	if c, ok := amqpCondition(e.Err); ok {
		return c
	}
	return contracts.ConditionInternalError
}

// amqpCondition translates an AMQP 0-9-1 reply code carried by err.
func amqpCondition(err error) (string, bool) {
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return "", false
	}
	switch amqpErr.Code {
	case amqp.NotFound, amqp.NoRoute:
		return contracts.ConditionNotFound, true
	case amqp.AccessRefused:
		return contracts.ConditionUnauthorizedAccess, true
	case amqp.ResourceLocked, amqp.PreconditionFailed, amqp.NotAllowed, amqp.NotImplemented, amqp.CommandInvalid:
		return contracts.ConditionNotAllowed, true
	case amqp.ResourceError, amqp.ContentTooLarge:
		return contracts.ConditionResourceLimitExceeded, true
	case amqp.ConnectionForced, amqp.ChannelError:
		return contracts.ConditionConnectionForced, true
	case amqp.FrameError, amqp.SyntaxError, amqp.UnexpectedFrame:
		return contracts.ConditionFramingError, true
	}
	return contracts.ConditionInternalError, true
}

// IsRetryable reports whether reconnecting or republishing may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidTopology),
		errors.Is(err, ErrMaxRetriesExceeded),
		errors.Is(err, ErrMandatoryFailed),
		errors.Is(err, context.Canceled):
		return false
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover
	}

	return true
}

// SanitizeURL removes the password from an AMQP URL so it can be logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
