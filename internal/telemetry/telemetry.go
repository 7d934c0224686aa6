package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/malenacutuli/swiss-ai-vault-sub006"

var (
	instrumentsOnce sync.Once

	transitions  metric.Int64Counter
	stepDuration metric.Float64Histogram
	toolDuration metric.Float64Histogram
)

// InitTelemetry installs an OTLP trace exporter as the global provider and
// returns its shutdown function. Without it, spans go to the no-op provider.
func InitTelemetry(ctx context.Context, serviceName, endpoint string, logger *zap.Logger) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("component", "orchestration-core"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if logger != nil {
		logger.Info("telemetry initialized", zap.String("endpoint", endpoint), zap.String("service", serviceName))
	}

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

// Tracer returns the runcore tracer from the current global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named name with attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func instruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		transitions, _ = meter.Int64Counter("runcore.run.transitions",
			metric.WithDescription("Applied run state transitions"))
		stepDuration, _ = meter.Float64Histogram("runcore.step.duration",
			metric.WithDescription("Agent loop step duration"), metric.WithUnit("ms"))
		toolDuration, _ = meter.Float64Histogram("runcore.tool.duration",
			metric.WithDescription("Tool call duration"), metric.WithUnit("ms"))
	})
}

// RecordTransition adds one applied transition to the OTel counter.
func RecordTransition(ctx context.Context, event, to string) {
	instruments()
	if transitions != nil {
		transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", event), attribute.String("to", to)))
	}
}

// RecordStep observes one agent loop step.
func RecordStep(ctx context.Context, kind string, d time.Duration) {
	instruments()
	if stepDuration != nil {
		stepDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordTool observes one tool call.
func RecordTool(ctx context.Context, tool string, ok bool, d time.Duration) {
	instruments()
	if toolDuration != nil {
		toolDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
			attribute.String("tool", tool), attribute.Bool("ok", ok)))
	}
}
