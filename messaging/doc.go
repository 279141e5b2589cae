// Package messaging provides the publish/receive engine for domain events.
//
// This package implements:
//   - Publisher: encodes an event into an envelope and sends or schedules it,
//     blocking until the broker acknowledges and recording the last broker error
//   - Receiver: owns one broker link, decodes inbound envelopes through a TypeMap,
//     resolves a handler from a HandlerRegistry and settles each message after dispatch
//   - HandlerRegistry: one DomainEventHandler per event type, registered with generics
//   - TypeMap: the set of event types a Receiver session is willing to decode
//   - InterceptorChain: wraps handler invocation with logging, validation or timeouts
//   - Transport interfaces implemented by the transports/ packages
//
// Example usage:
//
//	registry := messaging.NewHandlerRegistry()
//	err := messaging.RegisterHandler(registry, messaging.HandlerFunc[OrderPlaced](
//		func(ctx context.Context, evt OrderPlaced, correlationID string) error {
//			return nil
//		}))
//
//	receiver := messaging.NewReceiver(transport, settings, registry,
//		messaging.WithClosedCallback(func(evt messaging.ClosedEvent) {
//			log.Println("receiver closed", evt.Err)
//		}))
//	err = receiver.Receive(ctx, messaging.NewTypeMap(messaging.TypeOf[OrderPlaced]()))
//
//	publisher := messaging.NewPublisher(transportPublisher, pubSettings)
//	err = publisher.Send(ctx, OrderPlaced{ID: "42"}, "id-1")
//
// Delivery is at-least-once: messages are acknowledged only after their handler
// returned, so handlers should be idempotent.
package messaging
