package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer and meter name used by records.
const InstrumentationName = "github.com/zero-day-ai/pluginhost/lifecycle"

// telemetry holds the instruments shared by one record.
type telemetry struct {
	tracer trace.Tracer

	loads    metric.Int64Counter
	unloads  metric.Int64Counter
	reloads  metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

func newTelemetry(tracer trace.Tracer, meter metric.Meter) (*telemetry, error) {
	t := &telemetry{tracer: tracer}
	var err error

	t.loads, err = meter.Int64Counter(
		"pluginhost.plugin.loads",
		metric.WithDescription("Number of successful plugin loads"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create loads counter: %w", err)
	}

	t.unloads, err = meter.Int64Counter(
		"pluginhost.plugin.unloads",
		metric.WithDescription("Number of plugin unloads"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create unloads counter: %w", err)
	}

	t.reloads, err = meter.Int64Counter(
		"pluginhost.plugin.reloads",
		metric.WithDescription("Number of completed hot reloads"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reloads counter: %w", err)
	}

	t.failures, err = meter.Int64Counter(
		"pluginhost.plugin.failures",
		metric.WithDescription("Number of failed lifecycle operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}

	t.duration, err = meter.Float64Histogram(
		"pluginhost.plugin.operation.duration",
		metric.WithDescription("Lifecycle operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	return t, nil
}

// start opens a span for op. The returned func ends it and records metrics.
func (t *telemetry) start(ctx context.Context, op string, id int, path string, hot bool) (context.Context, func(error)) {
	started := time.Now()
	ctx, span := t.tracer.Start(ctx, "plugin."+op,
		trace.WithAttributes(
			attribute.Int("plugin.id", id),
			attribute.String("plugin.path", path),
			attribute.Bool("plugin.hot_reload", hot),
		),
	)

	return ctx, func(err error) {
		defer span.End()

		attrs := metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("plugin.path", path),
		)
		t.duration.Record(ctx, float64(time.Since(started).Milliseconds()), attrs)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			t.failures.Add(ctx, 1, attrs)
			return
		}

		span.SetStatus(codes.Ok, "")
		switch op {
		case "load":
			t.loads.Add(ctx, 1, attrs)
		case "unload":
			t.unloads.Add(ctx, 1, attrs)
		case "reload":
			t.reloads.Add(ctx, 1, attrs)
		}
	}
}
