package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DelayedExchange routes every domain event. It is provided by the
	// rabbitmq_delayed_message_exchange plugin and holds messages carrying an
	// x-delay header until they are due.
	DelayedExchange = "domainevent.delayed"

	// DeadLetterExchange receives rejected messages.
	DeadLetterExchange = "domainevent.dlx"

	// DelayHeader carries the delivery delay in milliseconds.
	DelayHeader = "x-delay"

	delayedExchangeKind = "x-delayed-message"
)

// DeadLetterQueue returns the dead-letter queue name for address.
func DeadLetterQueue(address string) string {
	return address + ".dlq"
}

// declareChannel is the part of *amqp.Channel topology declaration uses.
type declareChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Close() error
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied in order: exchanges, queues,
// then bindings.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// SharedExchanges returns the exchanges every address uses.
func SharedExchanges() []ExchangeDeclaration {
	return []ExchangeDeclaration{
		{
			Name:      DelayedExchange,
			Type:      delayedExchangeKind,
			Durable:   true,
			Arguments: amqp.Table{"x-delayed-type": amqp.ExchangeDirect},
		},
		{
			Name:    DeadLetterExchange,
			Type:    amqp.ExchangeDirect,
			Durable: true,
		},
	}
}

// AddressTopology describes the broker objects behind one address: the
// delayed exchange, the dead-letter exchange, the address queue dead-lettered
// to <address>.dlq, and the bindings between them. Non-durable topology is
// auto-deleted once unused.
func AddressTopology(address string, durable bool) (Topology, error) {
	if strings.TrimSpace(address) == "" {
		return Topology{}, fmt.Errorf("%w: empty address", ErrInvalidTopology)
	}

	dlq := DeadLetterQueue(address)
	return Topology{
		Exchanges: SharedExchanges(),
		Queues: []QueueDeclaration{
			{
				Name:       dlq,
				Durable:    durable,
				AutoDelete: false,
			},
			{
				Name:       address,
				Durable:    durable,
				AutoDelete: !durable,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    DeadLetterExchange,
					"x-dead-letter-routing-key": dlq,
				},
			},
		},
		Bindings: []Binding{
			{Queue: dlq, Exchange: DeadLetterExchange, RoutingKey: dlq},
			{Queue: address, Exchange: DelayedExchange, RoutingKey: address},
		},
	}, nil
}

// TopologyManager declares topology on short-lived channels.
type TopologyManager struct {
	open func() (declareChannel, error)
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(cm *ConnectionManager) *TopologyManager {
	return newTopologyManager(func() (declareChannel, error) {
		ch, err := cm.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	})
}

func newTopologyManager(open func() (declareChannel, error)) *TopologyManager {
	return &TopologyManager{open: open}
}

// DeclareTopology declares the complete topology. A failed declaration
// closes the channel on the broker side, so the first error ends the run.
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := tm.open()
	if err != nil {
		return &TopologyError{Component: "channel", Op: "open", Err: err, Timestamp: time.Now()}
	}
	defer ch.Close()

	for _, exchange := range topology.Exchanges {
		if err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		); err != nil {
			return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, queue := range topology.Queues {
		if _, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		); err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, binding := range topology.Bindings {
		if err := ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		); err != nil {
			return &TopologyError{
				Component: "binding",
				Name:      binding.Exchange + "->" + binding.Queue,
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	return nil
}

// DeclareAddress declares AddressTopology(address, durable).
func (tm *TopologyManager) DeclareAddress(ctx context.Context, address string, durable bool) error {
	topology, err := AddressTopology(address, durable)
	if err != nil {
		return &TopologyError{Component: "queue", Name: address, Op: "describe", Err: err, Timestamp: time.Now()}
	}
	return tm.DeclareTopology(ctx, topology)
}
