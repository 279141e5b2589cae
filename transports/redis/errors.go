package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/serialization"
)

var (
	// ErrAlreadySettled is returned when a delivery is acknowledged or rejected twice
	ErrAlreadySettled = errors.New("redis: delivery already settled")

	// ErrLinkClosed is returned when settling after the link was closed
	ErrLinkClosed = errors.New("redis: link closed")
)

// CommandError wraps a failed Redis command with the key it touched
type CommandError struct {
	Op  string
	Key string
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("redis %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// BrokerCondition maps the failure to a broker condition.
func (e *CommandError) BrokerCondition() string {
	var netErr net.Error
	switch {
	case errors.Is(e.Err, ErrAlreadySettled), errors.Is(e.Err, ErrLinkClosed):
		return contracts.ConditionNotAllowed
	case errors.Is(e.Err, serialization.ErrEncodeFailure):
		return contracts.ConditionEncodeFailed
	case errors.Is(e.Err, context.DeadlineExceeded):
		return contracts.ConditionTimeout
	case errors.Is(e.Err, context.Canceled):
		return contracts.ConditionCanceled
	case errors.Is(e.Err, goredis.ErrClosed), errors.Is(e.Err, io.EOF), errors.Is(e.Err, io.ErrUnexpectedEOF):
		return contracts.ConditionConnectionForced
	case errors.As(e.Err, &netErr):
		if netErr.Timeout() {
			return contracts.ConditionTimeout
		}
		return contracts.ConditionConnectionForced
	}

	var redisErr goredis.Error
	if errors.As(e.Err, &redisErr) {
		code, _, _ := strings.Cut(redisErr.Error(), " ")
		switch code {
		case "NOAUTH", "WRONGPASS", "NOPERM":
			return contracts.ConditionUnauthorizedAccess
		case "OOM":
			return contracts.ConditionResourceLimitExceeded
		case "WRONGTYPE":
			return contracts.ConditionNotAllowed
		}
	}
	return contracts.ConditionInternalError
}

func commandError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &CommandError{Op: op, Key: key, Err: err}
}
