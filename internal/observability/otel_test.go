package observability

import (
	"context"
	"testing"
	"time"

	"leadflow/internal/config"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupTracing_DisabledReturnsNoopShutdown(t *testing.T) {
	cfg := config.GetDefaultConfig()
	shutdown, err := SetupTracing(context.Background(), cfg)
	if err != nil {
		t.Fatalf("SetupTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetupTracing_EnabledInstallsProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = true
	cfg.Monitoring.Tracing.Endpoint = "http://127.0.0.1:4317"
	cfg.Monitoring.Tracing.ServiceName = ""

	// 导出器延迟连接，无需真实 collector
	shutdown, err := SetupTracing(context.Background(), cfg)
	if err != nil {
		t.Fatalf("SetupTracing: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("global provider = %T", otel.GetTracerProvider())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestEndpointHost(t *testing.T) {
	cases := map[string]string{
		"http://localhost:4317":       "localhost:4317",
		"https://collector.internal/": "collector.internal",
		"otel:4317":                   "otel:4317",
		"":                            "",
	}
	for in, want := range cases {
		if got := endpointHost(in); got != want {
			t.Errorf("endpointHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSampleRatio(t *testing.T) {
	for in, want := range map[float64]float64{0: 0.1, -1: 0.1, 1.5: 0.1, 0.25: 0.25, 1: 1} {
		if got := sampleRatio(in); got != want {
			t.Errorf("sampleRatio(%v) = %v, want %v", in, got, want)
		}
	}
}
