// Package observability sets up OpenTelemetry tracing.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"

	"push-proxy-go/internal/config"
)

// Tracer owns the process-wide tracer provider.
type Tracer struct {
	provider *sdktrace.TracerProvider
}

// Shutdown flushes pending spans. It is safe to call when tracing is disabled.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// InitTracer installs a global tracer provider that exports spans to w.
// When tracing is disabled the global provider is left untouched.
func InitTracer(cfg *config.Config, w io.Writer) (*Tracer, error) {
	if !cfg.Tracing.Enabled {
		return &Tracer{}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			"",
			attribute.String("service.name", cfg.Tracing.ServiceName),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Tracer{provider: tp}, nil
}

// NewTracer is the fx constructor: spans go to stderr so they stay apart
// from the JSON request log on stdout, and the provider is flushed on stop.
func NewTracer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*Tracer, error) {
	t, err := InitTracer(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	if t.provider != nil {
		logger.Info("tracing enabled", "service_name", cfg.Tracing.ServiceName)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := t.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown tracer: %w", err)
			}
			return nil
		},
	})

	return t, nil
}
