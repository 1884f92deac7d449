package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InitTracerProvider builds and installs the global TracerProvider. With
// tracing disabled it installs a no-op provider, so GetTracer/spans are
// always safe to call.
func InitTracerProvider(ctx context.Context, cfg TracingConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// GetTracer returns a named Tracer from the global TracerProvider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// phaseSpanName, taskSpanName and toolCallSpanName give spans a
// consistent naming scheme across the Orchestrator, Task Executor and
// Tool Executor.
func phaseSpanName(phase string) string      { return "orchestrator.phase." + phase }
func taskSpanName(taskType string) string    { return "scheduler.task." + taskType }
func toolCallSpanName(toolName string) string { return "toolexec.call." + toolName }

// StartPhaseSpan starts a span for one Orchestrator phase.
func StartPhaseSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return GetTracer("finagent/orchestrator").Start(ctx, phaseSpanName(phase))
}

// StartTaskSpan starts a span for one scheduled task.
func StartTaskSpan(ctx context.Context, taskID, taskType string) (context.Context, trace.Span) {
	ctx, span := GetTracer("finagent/scheduler").Start(ctx, taskSpanName(taskType))
	span.SetAttributes(attribute.String("task.id", taskID))
	return ctx, span
}

// StartToolCallSpan starts a span for one tool invocation.
func StartToolCallSpan(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return GetTracer("finagent/toolexec").Start(ctx, toolCallSpanName(toolName))
}
