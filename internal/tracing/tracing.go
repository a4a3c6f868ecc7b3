// Package tracing wraps kernel operations in OpenTelemetry spans.
//
// Spans go to the global tracer provider. Without an installed provider
// (see otelexport) they are no-ops, so callers never check for one.
package tracing

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies agentos spans.
const InstrumentationName = "github.com/nextlevelbuilder/agentos"

const previewMaxLen = 500

// Attribute keys.
const (
	AttrPID        = attribute.Key("agentos.pid")
	AttrCheckpoint = attribute.Key("agentos.checkpoint_id")
	AttrTokens     = attribute.Key("agentos.tokens")
	AttrOutcome    = attribute.Key("agentos.outcome")
	AttrPreview    = attribute.Key("agentos.output_preview")
)

// Tracer returns the agentos tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Start opens a span named name. A non-empty pid is attached as an attribute.
func Start(ctx context.Context, name, pid string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if pid != "" {
		attrs = append(attrs, AttrPID.String(pid))
	}
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Preview sanitizes and truncates s for use as a span attribute.
func Preview(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= previewMaxLen {
		return s
	}
	// Walk back to a valid rune boundary
	cut := previewMaxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
