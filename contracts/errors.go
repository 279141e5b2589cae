package contracts

import (
	"context"
	"errors"
	"fmt"
)

// Broker error conditions. The amqp: symbols follow the AMQP 1.0 error vocabulary.
const (
	ConditionNotFound              = "amqp:not-found"
	ConditionUnauthorizedAccess    = "amqp:unauthorized-access"
	ConditionResourceLimitExceeded = "amqp:resource-limit-exceeded"
	ConditionNotAllowed            = "amqp:not-allowed"
	ConditionInternalError         = "amqp:internal-error"
	ConditionConnectionForced      = "amqp:connection:forced"
	ConditionLinkDetachForced      = "amqp:link:detach-forced"
	ConditionFramingError          = "amqp:connection:framing-error"
	ConditionTimeout               = "domainevent:timeout"
	ConditionNotAcknowledged       = "domainevent:not-acknowledged"
	ConditionInvalidSettings       = "domainevent:invalid-settings"
	ConditionEncodeFailed          = "domainevent:encode-failed"
	ConditionCanceled              = "domainevent:canceled"
)

// BrokerError is the error record attached to a publisher or receiver after a
// failed broker operation.
type BrokerError struct {
	Condition   string `json:"condition"`
	Description string `json:"description"`
}

func (e *BrokerError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("broker error: %s", e.Condition)
	}
	return fmt.Sprintf("broker error: %s: %s", e.Condition, e.Description)
}

// NewBrokerError creates a broker error record
func NewBrokerError(condition, description string) *BrokerError {
	return &BrokerError{Condition: condition, Description: description}
}

// ConditionCarrier is implemented by transport errors that know their broker condition
type ConditionCarrier interface {
	BrokerCondition() string
}

// AsBrokerError converts any error into a broker error record.
// It returns nil for a nil error.
func AsBrokerError(err error) *BrokerError {
	if err == nil {
		return nil
	}

	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr
	}

	condition := ConditionInternalError
	var carrier ConditionCarrier
	switch {
	case errors.As(err, &carrier):
		condition = carrier.BrokerCondition()
	case errors.Is(err, context.DeadlineExceeded):
		condition = ConditionTimeout
	case errors.Is(err, context.Canceled):
		condition = ConditionCanceled
	case errors.Is(err, ErrInvalidSettings):
		condition = ConditionInvalidSettings
	}

	return &BrokerError{Condition: condition, Description: err.Error()}
}
