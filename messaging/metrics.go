package messaging

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics is a MetricsCollector backed by client_golang collectors
type PrometheusMetrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	published        *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	dispatched       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	unroutable       *prometheus.CounterVec
	errors           *prometheus.CounterVec

	stats struct {
		published, publishFailures, dispatched, handlerFailures, unroutable, errors atomic.Int64
	}
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "domainevent",
			Subsystem: "messaging",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "domainevent",
			Subsystem: "messaging",
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		},
		labels,
	)
}

// NewPrometheusMetrics creates the collectors. Call Register before use.
// A nil registerer means prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PrometheusMetrics{
		registerer:       registerer,
		published:        newCounterVec("published_total", "Events sent or scheduled, by type, schedule flag and result", []string{"type", "scheduled", "result"}),
		publishDuration:  newHistogramVec("publish_duration_seconds", "Time from send call to broker acknowledgment", []string{"type"}),
		dispatched:       newCounterVec("dispatched_total", "Inbound events by type and outcome", []string{"type", "outcome"}),
		dispatchDuration: newHistogramVec("dispatch_duration_seconds", "Time spent decoding and handling an inbound event", []string{"type"}),
		unroutable:       newCounterVec("unroutable_total", "Inbound events that could not be routed, by reason", []string{"type", "reason"}),
		errors:           newCounterVec("errors_total", "Transport and settlement errors by component and condition", []string{"component", "condition"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *PrometheusMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.published,
		m.publishDuration,
		m.dispatched,
		m.dispatchDuration,
		m.unroutable,
		m.errors,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordPublish implements MetricsCollector
func (m *PrometheusMetrics) RecordPublish(typeName string, scheduled bool, duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
		m.stats.publishFailures.Add(1)
	} else {
		m.stats.published.Add(1)
	}
	m.published.WithLabelValues(typeName, strconv.FormatBool(scheduled), result).Inc()
	m.publishDuration.WithLabelValues(typeName).Observe(duration.Seconds())
}

// RecordDispatch implements MetricsCollector
func (m *PrometheusMetrics) RecordDispatch(typeName string, duration time.Duration, outcome string) {
	m.stats.dispatched.Add(1)
	if outcome == OutcomeFailed {
		m.stats.handlerFailures.Add(1)
	}
	m.dispatched.WithLabelValues(typeName, outcome).Inc()
	m.dispatchDuration.WithLabelValues(typeName).Observe(duration.Seconds())
}

// RecordUnroutable implements MetricsCollector
func (m *PrometheusMetrics) RecordUnroutable(typeName string, reason RoutingReason) {
	m.stats.unroutable.Add(1)
	m.unroutable.WithLabelValues(typeName, string(reason)).Inc()
}

// RecordError implements MetricsCollector
func (m *PrometheusMetrics) RecordError(component string, condition string) {
	m.stats.errors.Add(1)
	m.errors.WithLabelValues(component, condition).Inc()
}

// GetStats implements MetricsCollector
func (m *PrometheusMetrics) GetStats() MetricsStats {
	return MetricsStats{
		MessagesPublished:  m.stats.published.Load(),
		PublishFailures:    m.stats.publishFailures.Load(),
		MessagesDispatched: m.stats.dispatched.Load(),
		HandlerFailures:    m.stats.handlerFailures.Load(),
		MessagesUnroutable: m.stats.unroutable.Load(),
		ErrorCount:         m.stats.errors.Load(),
	}
}
