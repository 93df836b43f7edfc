package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"push-proxy-go/internal/config"
)

func TestInitTracer_Disabled(t *testing.T) {
	tr, err := InitTracer(&config.Config{}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	if tr.provider != nil {
		t.Error("disabled tracing should not create a provider")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestInitTracer_ExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	cfg := &config.Config{
		Tracing: config.TracingConfig{Enabled: true, ServiceName: "push-proxy-test"},
	}

	tr, err := InitTracer(cfg, &buf)
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "upstream sdk")
	span.End()

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "upstream sdk") {
		t.Errorf("exported spans missing span name, got %q", out)
	}
	if !strings.Contains(out, "push-proxy-test") {
		t.Errorf("exported spans missing service.name, got %q", out)
	}
}
