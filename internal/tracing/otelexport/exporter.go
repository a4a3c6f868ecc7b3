// Package otelexport ships agentos spans to an OTLP collector.
package otelexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the collector and how spans reach it.
type Config struct {
	Endpoint       string            `json:"endpoint" yaml:"endpoint"`                   // host:port of the collector
	Protocol       string            `json:"protocol" yaml:"protocol"`                   // "grpc" or "http"
	Insecure       bool              `json:"insecure" yaml:"insecure"`                   // plaintext transport
	ServiceName    string            `json:"service_name" yaml:"service_name"`
	ServiceVersion string            `json:"service_version" yaml:"service_version"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // sent with every export
	SampleRatio    float64           `json:"sample_ratio" yaml:"sample_ratio"`           // 0 or >= 1 keeps every trace
}

// ErrNoEndpoint is returned by New when Config.Endpoint is blank.
var ErrNoEndpoint = errors.New("otelexport: endpoint is required")

const (
	batchSize    = 100
	batchTimeout = 5 * time.Second
)

// withDefaults fills blank identity fields and the transport.
func (c Config) withDefaults() Config {
	if c.Protocol == "" {
		c.Protocol = "grpc"
	}
	if c.ServiceName == "" {
		c.ServiceName = "agentos"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "dev"
	}
	return c
}

// Exporter holds the SDK provider that batches spans to the collector.
type Exporter struct {
	provider *sdktrace.TracerProvider
}

// New builds the OTLP pipeline. Construction does not dial the collector.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	cfg = cfg.withDefaults()

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("otelexport: resource: %w", err)
	}
	spans, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otelexport: %s exporter: %w", cfg.Protocol, err)
	}

	return &Exporter{provider: sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithBatcher(spans,
			sdktrace.WithMaxExportBatchSize(batchSize),
			sdktrace.WithBatchTimeout(batchTimeout)),
	)}, nil
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case "http":
		return otlptracehttp.New(ctx, httpOptions(cfg)...)
	case "grpc":
		return otlptracegrpc.New(ctx, grpcOptions(cfg)...)
	}
	return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
}

func httpOptions(cfg Config) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return opts
}

func grpcOptions(cfg Config) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return opts
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio > 0 && ratio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
	return sdktrace.AlwaysSample()
}

// Install registers the provider globally; spans opened through
// internal/tracing are then exported.
func (e *Exporter) Install() {
	if e != nil {
		otel.SetTracerProvider(e.provider)
	}
}

// Shutdown flushes buffered spans and stops the batcher.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	slog.Debug("otelexport: flushing spans")
	return e.provider.Shutdown(ctx)
}
