package otelexport

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNew_RejectsConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{}); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("empty endpoint: err = %v", err)
	}
	if _, err := New(context.Background(), Config{Endpoint: "localhost:4317", Protocol: "udp"}); err == nil {
		t.Error("unknown protocol accepted")
	}
}

func TestConfigDefaults(t *testing.T) {
	got := Config{Endpoint: "x"}.withDefaults()
	if got.Protocol != "grpc" || got.ServiceName != "agentos" || got.ServiceVersion != "dev" {
		t.Errorf("withDefaults() = %+v", got)
	}
	kept := Config{Protocol: "http", ServiceName: "kernel-a"}.withDefaults()
	if kept.Protocol != "http" || kept.ServiceName != "kernel-a" {
		t.Errorf("withDefaults() overwrote set fields: %+v", kept)
	}
}

func TestExporter_NilIsSafe(t *testing.T) {
	var e *Exporter
	e.Install()
	if err := e.Shutdown(context.Background()); err != nil {
		t.Errorf("nil exporter shutdown: %v", err)
	}
}

func TestNew_HTTPInstallsProvider(t *testing.T) {
	// Exporter construction does not dial; nothing is exported before Shutdown.
	e, err := New(context.Background(), Config{
		Endpoint: "localhost:4318",
		Protocol: "http",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	e.Install()
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("global provider = %T, want sdk provider", otel.GetTracerProvider())
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Shutdown with a cancelled context returns quickly; the error is irrelevant.
	e.Shutdown(ctx)
}

func TestSampler(t *testing.T) {
	cases := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
	}
	for _, c := range cases {
		got := sampler(c.ratio).Description()
		if len(got) < len(c.want) || got[:len(c.want)] != c.want {
			t.Errorf("sampler(%v) = %q, want prefix %q", c.ratio, got, c.want)
		}
	}
}
