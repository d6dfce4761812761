package tracing

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "go-chat-delivery"

type Config struct {
	Enabled    bool
	UseStdout  bool
	Endpoint   string
	SampleRate float64
}

// Tracer returns the tracer used by every engine component. Until Setup
// installs a provider the global no-op provider is used.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Setup installs the global tracer provider and returns its shutdown func.
func Setup(ctx context.Context, cfg Config, logger *logrus.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		logger.Info("OpenTelemetry tracing is disabled")
		return noop, nil
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if cfg.UseStdout {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
	}
	if err != nil {
		return noop, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.WithFields(logrus.Fields{
		"stdout":      cfg.UseStdout,
		"sample_rate": cfg.SampleRate,
	}).Info("OpenTelemetry tracing initialized")

	return provider.Shutdown, nil
}
