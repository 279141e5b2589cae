// Package rabbitmq provides the AMQP 0-9-1 plumbing behind the RabbitMQ
// transport.
//
// This package includes:
//   - ConnectionManager: owns the connection, re-dials it with backoff and
//     notifies ConnectionStateListeners
//   - Publisher: confirm-mode publishing with mandatory returns
//   - Consumer: manually acknowledged subscriptions that report why the broker
//     ended them
//   - TopologyManager: declares the delayed exchange, the dead-letter exchange
//     and the per-address queues
//
// Failures are typed (ConnectionError, PublishError, ConsumerError,
// TopologyError) and each maps AMQP reply codes to a broker condition through
// its BrokerCondition method.
package rabbitmq
