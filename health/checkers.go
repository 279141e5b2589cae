package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/internal/rabbitmq"
	"github.com/glimte/domainevent-go/messaging"
	"github.com/glimte/domainevent-go/transports/redis"
)

// RabbitMQChecker checks RabbitMQ connection health
type RabbitMQChecker struct {
	connected func() bool
	check     func() error
	logger    *slog.Logger
}

// NewRabbitMQChecker opens a channel on every check and passively declares
// the delayed exchange through it.
func NewRabbitMQChecker(connManager *rabbitmq.ConnectionManager, logger *slog.Logger) *RabbitMQChecker {
	return newRabbitMQChecker(connManager.IsConnected, func() error {
		ch, err := connManager.Channel()
		if err != nil {
			return err
		}
		defer ch.Close()
		return ch.ExchangeDeclarePassive(
			rabbitmq.DelayedExchange,
			"x-delayed-message",
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			amqp.Table{"x-delayed-type": amqp.ExchangeDirect},
		)
	}, logger)
}

func newRabbitMQChecker(connected func() bool, check func() error, logger *slog.Logger) *RabbitMQChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitMQChecker{connected: connected, check: check, logger: logger}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if !c.connected() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		result.Duration = time.Since(start)
		return result
	}

	if err := c.check(); err != nil {
		c.logger.Warn("rabbitmq health check failed", "error", err)
		result.Status = StatusDegraded
		result.Message = "Exchange check failed"
		result.Error = err.Error()
		result.Details["condition"] = contracts.AsBrokerError(err).Condition
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// pinger is satisfied by *redis.Transport
type pinger interface {
	Ping(ctx context.Context) error
}

// RedisChecker checks the Redis server answers PING
type RedisChecker struct {
	transport pinger
}

// NewRedisChecker creates a Redis health checker
func NewRedisChecker(transport *redis.Transport) *RedisChecker {
	return &RedisChecker{transport: transport}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if err := c.transport.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Ping failed"
		result.Error = err.Error()
		result.Details["condition"] = contracts.AsBrokerError(err).Condition
	} else {
		result.Status = StatusHealthy
		result.Message = "Server is reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// statsSource is satisfied by *redis.Transport
type statsSource interface {
	Stats(ctx context.Context, address string) (redis.Stats, error)
}

// QueueChecker reports the depth of a Redis address. A backlog above the
// threshold or any dead-lettered message degrades it.
type QueueChecker struct {
	address   string
	source    statsSource
	threshold int64
}

// NewQueueChecker creates a queue depth checker
func NewQueueChecker(address string, transport *redis.Transport, threshold int64) *QueueChecker {
	return &QueueChecker{address: address, source: transport, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.address)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	stats, err := c.source.Stats(ctx, c.address)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.address)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["ready"] = stats.Ready
	result.Details["scheduled"] = stats.Scheduled
	result.Details["processing"] = stats.Processing
	result.Details["dead_lettered"] = stats.DeadLettered

	switch {
	case c.threshold > 0 && stats.Ready > c.threshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.address)
	case stats.DeadLettered > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has dead-lettered messages", c.address)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is accessible", c.address)
	}

	result.Duration = time.Since(start)
	return result
}

// receiverStatus is satisfied by *messaging.Receiver
type receiverStatus interface {
	State() messaging.ReceiverState
	InFlight() int
	Error() *contracts.BrokerError
}

// ReceiverChecker reports whether a receiver still has its link. An idle
// receiver is degraded; a closed one is unhealthy.
type ReceiverChecker struct {
	name     string
	receiver receiverStatus
}

// NewReceiverChecker creates a checker named receiver_<name>
func NewReceiverChecker(name string, receiver *messaging.Receiver) *ReceiverChecker {
	return &ReceiverChecker{name: name, receiver: receiver}
}

func (c *ReceiverChecker) Name() string {
	return "receiver_" + c.name
}

func (c *ReceiverChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	state := c.receiver.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"state":     state.String(),
			"in_flight": c.receiver.InFlight(),
		},
	}

	switch state {
	case messaging.StateReceiving, messaging.StateDispatching:
		result.Status = StatusHealthy
		result.Message = "Receiving"
	case messaging.StateIdle:
		result.Status = StatusDegraded
		result.Message = "Not receiving"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Receiver is closed"
		if be := c.receiver.Error(); be != nil {
			result.Error = be.Error()
			result.Details["condition"] = be.Condition
		}
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker degrades when the goroutine count passes warnAt and fails
// it past failAt.
type RuntimeChecker struct {
	warnAt int
	failAt int
}

// NewRuntimeChecker creates a goroutine count checker
func NewRuntimeChecker(warnAt, failAt int) *RuntimeChecker {
	return &RuntimeChecker{warnAt: warnAt, failAt: failAt}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.failAt:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnAt:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
