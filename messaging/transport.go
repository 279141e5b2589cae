package messaging

import (
	"context"

	"github.com/glimte/domainevent-go/contracts"
)

// TransportPublisher sends envelopes to a broker
type TransportPublisher interface {
	// Publish transmits an envelope and blocks until the broker has accepted it.
	// A non-zero Envelope.ScheduledEnqueueTime requests delayed visibility.
	Publish(ctx context.Context, envelope *contracts.Envelope) error

	// Close releases the publisher
	Close() error
}

// TransportReceiver opens receive links on a broker
type TransportReceiver interface {
	// Open attaches a link to the address in opts
	Open(ctx context.Context, opts LinkOptions) (Link, error)
}

// LinkOptions configures a receive link
type LinkOptions struct {
	Address  string
	Prefetch int
	Durable  bool
}

// Link is an open receive link owned by exactly one Receiver
type Link interface {
	// Deliveries is closed when the link ends
	Deliveries() <-chan TransportDelivery

	// Err reports why the broker ended the link; nil when closed by the client
	Err() error

	// Close detaches the link. Unsettled deliveries are returned to the broker.
	Close() error
}

// TransportDelivery is one received message awaiting settlement
type TransportDelivery interface {
	// Envelope returns the decoded envelope
	Envelope() *contracts.Envelope

	// Acknowledge marks the message as processed
	Acknowledge() error

	// Reject returns the message to the queue or dead-letters it
	Reject(requeue bool) error
}
