package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// newTracerProvider builds the span pipeline for the tracing section.
// Spans are batched and written as JSON lines to w.
func newTracerProvider(c TracingConfig, w io.Writer) (*sdktrace.TracerProvider, error) {
	var exp sdktrace.SpanExporter
	switch c.Exporter {
	case "stdout":
		e, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		exp = e
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", c.Exporter)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(c.ServiceName),
			semconv.ServiceVersion(version),
		)),
	), nil
}

// setupTracing installs the global tracer provider when tracing is enabled.
// The returned function flushes and stops it.
func setupTracing(c TracingConfig, w io.Writer, log *slog.Logger) (shutdown func(), err error) {
	if !c.Enabled {
		return func() {}, nil
	}
	tp, err := newTracerProvider(c, w)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	log.Info("Tracing enabled", "exporter", c.Exporter)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn("Tracer shutdown failed", "err", err)
		}
	}, nil
}
