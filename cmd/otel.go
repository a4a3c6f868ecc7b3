//go:build otel

package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/agentos/internal/config"
	"github.com/nextlevelbuilder/agentos/internal/tracing/otelexport"
)

// initOTel installs an OTLP trace exporter when telemetry is enabled and
// returns its shutdown. Only compiled with -tags otel.
func initOTel(ctx context.Context, cfg *config.Config) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint == "" {
		slog.Debug("OTel export available but not enabled (set telemetry.enabled + telemetry.endpoint)")
		return noop
	}

	exp, err := otelexport.New(ctx, cfg.Telemetry.Config)
	if err != nil {
		slog.Warn("failed to create OTel exporter", "error", err)
		return noop
	}
	exp.Install()
	slog.Info("OpenTelemetry OTLP export enabled",
		"endpoint", cfg.Telemetry.Endpoint,
		"protocol", cfg.Telemetry.Protocol,
	)
	return exp.Shutdown
}
