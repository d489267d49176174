// Package smtrace wraps the OpenTelemetry tracing API
// so that the rest of the module references a single package.
package smtrace

import (
	"net"

	otelattr "go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	otelnoop "go.opentelemetry.io/otel/trace/noop"
)

type TracerProvider = oteltrace.TracerProvider

type Tracer = oteltrace.Tracer

type Span = oteltrace.Span

type KeyValueAttr = otelattr.KeyValue

// InstrumentationName is the tracer name used for every span in the module.
const InstrumentationName = "github.com/gordian-engine/sharedmap"

// NewTracer returns the module's tracer from tp,
// falling back to a no-op tracer when tp is nil.
func NewTracer(tp TracerProvider) Tracer {
	if tp == nil {
		tp = otelnoop.NewTracerProvider()
	}
	return tp.Tracer(InstrumentationName)
}

// WithAttributes is an alias to [oteltrace.WithAttributes]
// to allow consumers to only reference the smtrace package.
func WithAttributes(attrs ...KeyValueAttr) oteltrace.SpanStartEventOption {
	return oteltrace.WithAttributes(attrs...)
}

// SpanError sets the given span to error status,
// with detail from err.Error().
func SpanError(span Span, err error) {
	span.SetStatus(otelcodes.Error, err.Error())
}

func StringAttr(key, val string) KeyValueAttr {
	return otelattr.String(key, val)
}

func IntAttr(key string, val int) KeyValueAttr {
	return otelattr.Int(key, val)
}

// SharedDataKeyAttr identifies the map a span belongs to.
func SharedDataKeyAttr(key string) KeyValueAttr {
	return otelattr.String("sharedmap.key", key)
}

type RemoteAddr interface {
	RemoteAddr() net.Addr
}

func RemoteAddrAttr(ra RemoteAddr) KeyValueAttr {
	return otelattr.Stringer("remote", ra.RemoteAddr())
}
