package core

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OTelProvider implements Telemetry on top of the global OpenTelemetry
// tracer and meter providers. The process is expected to install real
// providers at startup; without them the global no-op providers apply.
type OTelProvider struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
}

// NewOTelProvider creates a telemetry provider scoped to the given
// instrumentation name.
func NewOTelProvider(name string) *OTelProvider {
	return &OTelProvider{
		tracer:   otel.Tracer(name),
		meter:    otel.Meter(name),
		counters: make(map[string]metric.Float64Counter),
	}
}

// StartSpan starts a new span.
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric adds value to a counter with the given labels.
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	counter, err := o.counter(name)
	if err != nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

func (o *OTelProvider) counter(name string) (metric.Float64Counter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.counters[name]; ok {
		return c, nil
	}
	c, err := o.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	o.counters[name] = c
	return c, nil
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, "unsupported"))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
