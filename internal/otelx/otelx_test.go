package otelx

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Endpoint: "ignored:4317", Sample: 7})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider type = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
	// traceparent, tracestate, baggage
	if fields := otel.GetTextMapPropagator().Fields(); len(fields) < 3 {
		t.Fatalf("propagator fields = %v", fields)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "x")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Fatal("disabled tracing should still mint trace ids")
	}
}

func TestInit_EnabledWithoutEndpoint(t *testing.T) {
	if _, err := Init(context.Background(), Options{Enabled: true}); !xerrors.IsInvalid(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestInit_EnabledReturnsPromptly(t *testing.T) {
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:  true,
		Endpoint: "localhost:1",
		Insecure: true,
		Sample:   1,
		Service:  "pkgfetch",
		Version:  "v0.0.0-test",
	})
	if elapsed := time.Since(start); elapsed > dialTimeout+5*time.Second {
		t.Fatalf("Init took %v", elapsed)
	}
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestClampRatio(t *testing.T) {
	for in, want := range map[float64]float64{-1: 0, 0: 0, 0.25: 0.25, 1: 1, 3: 1} {
		if got := clampRatio(in); got != want {
			t.Errorf("clampRatio(%v) = %v, want %v", in, got, want)
		}
	}
}
