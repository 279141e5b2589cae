package messaging

import (
	"context"

	"github.com/glimte/domainevent-go/contracts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/glimte/domainevent-go/messaging"

// Span names
const (
	spanSend     = "domainevent.send"
	spanSchedule = "domainevent.schedule"
	spanDispatch = "domainevent.dispatch"
)

const (
	attrTypeName      = attribute.Key("domainevent.type")
	attrMessageID     = attribute.Key("domainevent.message_id")
	attrCorrelationID = attribute.Key("domainevent.correlation_id")
	attrAddress       = attribute.Key("domainevent.address")
)

type tracing struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

func newTracing(tp trace.TracerProvider, prop propagation.TextMapPropagator) tracing {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if prop == nil {
		prop = propagation.TraceContext{}
	}
	return tracing{
		tracer:     tp.Tracer(instrumentationName),
		propagator: prop,
	}
}

// inject writes the span context of ctx into the envelope headers
func (t tracing) inject(ctx context.Context, env *contracts.Envelope) {
	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	t.propagator.Inject(ctx, propagation.MapCarrier(env.Headers))
}

// extract returns ctx carrying the remote span context found in the envelope headers
func (t tracing) extract(ctx context.Context, env *contracts.Envelope) context.Context {
	if len(env.Headers) == 0 {
		return ctx
	}
	return t.propagator.Extract(ctx, propagation.MapCarrier(env.Headers))
}

func envelopeAttributes(env *contracts.Envelope, address string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attrTypeName.String(env.TypeName),
		attrMessageID.String(env.MessageID),
		attrCorrelationID.String(env.CorrelationID),
		attrAddress.String(address),
	}
}
