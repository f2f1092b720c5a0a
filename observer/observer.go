// Package observer provides OTEL-based observability for ensemble
// workflow runs.
//
// It exposes an ensemble.Tracer backed by OpenTelemetry spans and an
// ensemble.Sink that forwards engine measurements to OTEL instruments.
// Users export to any OTEL-compatible backend by setting standard OTEL
// env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/ensemble/observer"

// Instruments holds all OTEL instruments used by the observer sink.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TaskCount          metric.Int64Counter
	TokensInput        metric.Int64Counter
	TokensOutput       metric.Int64Counter
	RetryCount         metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	PoolBorrows        metric.Int64Counter
	WorkflowCount      metric.Int64Counter

	// Histograms
	TaskDuration     metric.Float64Histogram
	WorkflowDuration metric.Float64Histogram
	ArtifactsPerTask metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("ensemble")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	taskCount, err := meter.Int64Counter("workflow.task.count",
		metric.WithDescription("Tasks settled, by role and status"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}

	tokensIn, err := meter.Int64Counter("llm.tokens.input",
		metric.WithDescription("Prompt tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	tokensOut, err := meter.Int64Counter("llm.tokens.output",
		metric.WithDescription("Completion tokens produced"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("llm.retry.count",
		metric.WithDescription("LLM call retries"),
		metric.WithUnit("{retry}"))
	if err != nil {
		return nil, err
	}

	breakerTransitions, err := meter.Int64Counter("breaker.transition.count",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, err
	}

	poolBorrows, err := meter.Int64Counter("pool.borrow.count",
		metric.WithDescription("Transport clients borrowed from the pool"),
		metric.WithUnit("{borrow}"))
	if err != nil {
		return nil, err
	}

	workflowCount, err := meter.Int64Counter("workflow.count",
		metric.WithDescription("Workflow runs, by type and status"),
		metric.WithUnit("{workflow}"))
	if err != nil {
		return nil, err
	}

	taskDuration, err := meter.Float64Histogram("workflow.task.duration",
		metric.WithDescription("Task execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	workflowDuration, err := meter.Float64Histogram("workflow.duration",
		metric.WithDescription("Workflow run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	artifacts, err := meter.Float64Histogram("workflow.artifacts_per_task",
		metric.WithDescription("Artifacts extracted per task"),
		metric.WithUnit("{artifact}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             tracer,
		Meter:              meter,
		Logger:             logger,
		TaskCount:          taskCount,
		TokensInput:        tokensIn,
		TokensOutput:       tokensOut,
		RetryCount:         retries,
		BreakerTransitions: breakerTransitions,
		PoolBorrows:        poolBorrows,
		WorkflowCount:      workflowCount,
		TaskDuration:       taskDuration,
		WorkflowDuration:   workflowDuration,
		ArtifactsPerTask:   artifacts,
	}, nil
}
