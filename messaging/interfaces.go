package messaging

import (
	"time"
)

// Dispatch outcomes reported to MetricsCollector.RecordDispatch
const (
	OutcomeHandled    = "handled"
	OutcomeFailed     = "failed"
	OutcomeUnroutable = "unroutable"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordPublish records a send or schedule attempt
	RecordPublish(typeName string, scheduled bool, duration time.Duration, success bool)

	// RecordDispatch records one inbound message and how it ended
	RecordDispatch(typeName string, duration time.Duration, outcome string)

	// RecordUnroutable records a message that could not be routed to a handler
	RecordUnroutable(typeName string, reason RoutingReason)

	// RecordError records a transport or settlement error
	RecordError(component string, condition string)

	// GetStats returns current stats
	GetStats() MetricsStats
}

// MetricsStats contains messaging statistics
type MetricsStats struct {
	MessagesPublished  int64
	PublishFailures    int64
	MessagesDispatched int64
	HandlerFailures    int64
	MessagesUnroutable int64
	ErrorCount         int64
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (n *NoOpMetricsCollector) RecordPublish(typeName string, scheduled bool, duration time.Duration, success bool) {
}

// RecordDispatch does nothing
func (n *NoOpMetricsCollector) RecordDispatch(typeName string, duration time.Duration, outcome string) {
}

// RecordUnroutable does nothing
func (n *NoOpMetricsCollector) RecordUnroutable(typeName string, reason RoutingReason) {}

// RecordError does nothing
func (n *NoOpMetricsCollector) RecordError(component string, condition string) {}

// GetStats returns empty stats
func (n *NoOpMetricsCollector) GetStats() MetricsStats {
	return MetricsStats{}
}
