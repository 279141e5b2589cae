package contracts

import (
	"time"
)

// Standard header keys used when an envelope is mapped onto transport headers
const (
	HeaderMessageID     = "message-id"
	HeaderMessageType   = "message-type"
	HeaderCorrelationID = "correlation-id"
	HeaderAppName       = "app-name"
	HeaderContentType   = "content-type"
	HeaderTimestamp     = "timestamp"
	HeaderScheduledTime = "scheduled-enqueue-time"
)

// Envelope pairs a serialized event with its type discriminator and correlation id.
type Envelope struct {
	MessageID            string            `json:"messageId" msgpack:"id"`
	TypeName             string            `json:"type" msgpack:"type"`
	CorrelationID        string            `json:"correlationId,omitempty" msgpack:"cid,omitempty"`
	AppName              string            `json:"appName,omitempty" msgpack:"app,omitempty"`
	ContentType          string            `json:"contentType" msgpack:"ct"`
	Durable              bool              `json:"durable" msgpack:"durable"`
	Timestamp            time.Time         `json:"timestamp" msgpack:"ts"`
	ScheduledEnqueueTime time.Time         `json:"scheduledEnqueueTime,omitempty" msgpack:"at,omitempty"`
	Headers              map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`
	Body                 []byte            `json:"body" msgpack:"body"`
}

// IsScheduled reports whether the envelope carries a future visibility time
func (e *Envelope) IsScheduled() bool {
	return !e.ScheduledEnqueueTime.IsZero()
}

// Delay returns how long until the envelope may become visible; never negative
func (e *Envelope) Delay(now time.Time) time.Duration {
	if e.ScheduledEnqueueTime.IsZero() {
		return 0
	}
	d := e.ScheduledEnqueueTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Header returns a header value, or empty when absent
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// SetHeader sets a header value, allocating the map if needed
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}
