// Package contracts provides the core types shared by publishers, receivers and transports.
//
// This package defines:
//   - ServiceBusSettings: Connection parameters for a broker endpoint, specialized as
//     PublisherSettings and ReceiverSettings
//   - Envelope: The wire-level pairing of payload, type discriminator and correlation id
//   - BrokerError: The Condition/Description record surfaced after a failed broker operation
//   - NamedEvent: Optional interface letting an event choose its own type name
//
// Settings are plain values. They are validated lazily, on first use by a transport,
// never at construction.
package contracts
