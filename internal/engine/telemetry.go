package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

const instrumentationName = "github.com/loqalabs/loqa-stt/engine"

type telemetry struct {
	tracer     trace.Tracer
	results    metric.Int64Counter
	errors     metric.Int64Counter
	switches   metric.Int64Counter
	processing metric.Float64Histogram
	callback   metric.Registration
}

// newTelemetry builds instruments on the global providers. When an
// instrument cannot be created the engine falls back to no-op instruments.
func newTelemetry(stats func() Stats) (*telemetry, error) {
	t, err := buildTelemetry(otel.Meter(instrumentationName), stats)
	if err != nil {
		t, _ = buildTelemetry(noop.NewMeterProvider().Meter(instrumentationName), stats)
	}
	return t, err
}

func buildTelemetry(meter metric.Meter, stats func() Stats) (*telemetry, error) {
	t := &telemetry{tracer: otel.Tracer(instrumentationName)}
	var err error
	if t.results, err = meter.Int64Counter("loqa.stt.results", metric.WithDescription("Recognition results emitted")); err != nil {
		return nil, err
	}
	if t.errors, err = meter.Int64Counter("loqa.stt.errors", metric.WithDescription("Backend errors received")); err != nil {
		return nil, err
	}
	if t.switches, err = meter.Int64Counter("loqa.stt.switches", metric.WithDescription("Backend switches completed")); err != nil {
		return nil, err
	}
	if t.processing, err = meter.Float64Histogram("loqa.stt.processing_time",
		metric.WithDescription("Backend processing time per result"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}

	accuracy, err := meter.Float64ObservableGauge("loqa.stt.average_confidence", metric.WithDescription("Running mean of result confidence"))
	if err != nil {
		return nil, err
	}
	total, err := meter.Int64ObservableGauge("loqa.stt.recognitions", metric.WithDescription("Total recognition results"))
	if err != nil {
		return nil, err
	}
	t.callback, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		s := stats()
		obs.ObserveFloat64(accuracy, s.AverageAccuracy)
		obs.ObserveInt64(total, s.TotalRecognitions)
		return nil
	}, accuracy, total)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *telemetry) recordResult(ctx context.Context, r stt.Result) {
	attrs := metric.WithAttributes(
		attribute.String("backend", r.Metadata.BackendUsed.String()),
		attribute.Bool("final", r.IsFinal))
	t.results.Add(ctx, 1, attrs)
	t.processing.Record(ctx, float64(r.Metadata.ProcessingTime)/float64(time.Millisecond), attrs)
}

func (t *telemetry) recordError(ctx context.Context, backend stt.Kind, recoverable bool) {
	t.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend.String()),
		attribute.Bool("recoverable", recoverable)))
}

func (t *telemetry) recordSwitch(ctx context.Context, from, to stt.Kind, reason string) {
	t.switches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
		attribute.String("reason", reason)))
}

func (t *telemetry) close() {
	if t.callback != nil {
		_ = t.callback.Unregister()
	}
}
