package tracing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		tp.Shutdown(context.Background())
	})
	return rec
}

func TestStartEndRecordsStatus(t *testing.T) {
	rec := installRecorder(t)

	_, ok := Start(context.Background(), "kernel.spawn", "pid-1")
	End(ok, nil)
	_, bad := Start(context.Background(), "kernel.step", "")
	End(bad, errors.New("boom"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "kernel.spawn" || spans[0].Status().Code != codes.Ok {
		t.Errorf("spawn span = %s %v", spans[0].Name(), spans[0].Status())
	}
	found := false
	for _, a := range spans[0].Attributes() {
		if a.Key == AttrPID && a.Value.AsString() == "pid-1" {
			found = true
		}
	}
	if !found {
		t.Error("pid attribute missing")
	}
	if spans[1].Status().Code != codes.Error || spans[1].Status().Description != "boom" {
		t.Errorf("step span status = %v", spans[1].Status())
	}
	for _, a := range spans[1].Attributes() {
		if a.Key == AttrPID {
			t.Error("empty pid should not be attached")
		}
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("short"); got != "short" {
		t.Errorf("Preview(short) = %q", got)
	}
	long := strings.Repeat("é", 400) // 800 bytes
	got := Preview(long)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis, got %q", got[len(got)-5:])
	}
	if !utf8.ValidString(got) {
		t.Error("preview split a rune")
	}
	if len(got) > previewMaxLen+3 {
		t.Errorf("preview too long: %d", len(got))
	}
}
