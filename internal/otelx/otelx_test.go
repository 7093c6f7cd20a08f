package otelx

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useRecorder swaps the global provider for one that records every span.
func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prev := otel.GetTracerProvider()
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: false, Endpoint: "ignored:4317", Sample: 1})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, span := Start(context.Background(), "webhook.process")
	defer span.End()
	if span.IsRecording() || span.SpanContext().IsSampled() {
		t.Fatal("disabled tracing must not record spans")
	}
}

func TestInit_PropagatesUpstreamContext(t *testing.T) {
	if _, err := Init(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	h := http.Header{}
	h.Set("Traceparent", "00-0102030405060708090a0b0c0d0e0f10-0102030405060708-01")
	h.Set("Baggage", "tenant=academy")

	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(h))
	out := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out))
	if out.Get("Traceparent") == "" || out.Get("Baggage") != "tenant=academy" {
		t.Fatalf("propagated headers = %v", out)
	}
}

func TestInit_EnabledIsBounded(t *testing.T) {
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:   true,
		Endpoint:  "127.0.0.1:1",
		Insecure:  true,
		Sample:    1,
		Service:   "academy-api",
		Component: "server",
		Version:   "v0.0.0-test",
	})
	if elapsed := time.Since(start); elapsed > dialTimeout+2*time.Second {
		t.Fatalf("Init took %s", elapsed)
	}
	if err != nil {
		return
	}
	t.Cleanup(func() { otel.SetTracerProvider(sdktrace.NewTracerProvider()) })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestNewExporter_Insecure(t *testing.T) {
	// the grpc client connects lazily, so an unreachable collector is not an error here
	exp, err := newExporter(context.Background(), Options{Endpoint: "127.0.0.1:1", Insecure: true})
	if err != nil {
		t.Fatalf("newExporter: %v", err)
	}
	var _ sdktrace.SpanExporter = exp

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := exp.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNewResource(t *testing.T) {
	res := newResource(context.Background(), Options{Service: "academy-api", Component: "server", Version: "1.2.3", Environment: "prod"})
	want := map[attribute.Key]string{
		"service.name":           "academy-api.server",
		"service.version":        "1.2.3",
		"deployment.environment": "prod",
	}
	got := map[attribute.Key]string{}
	for _, kv := range res.Attributes() {
		got[kv.Key] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestStartEnd(t *testing.T) {
	rec := useRecorder(t)

	_, ok := Start(context.Background(), "mail.send", attribute.Int("mail.max_retries", 3))
	End(ok, nil)
	_, failed := Start(context.Background(), "archive.put")
	End(failed, errors.New("s3 unavailable"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d", len(spans))
	}
	if spans[0].Name() != "mail.send" || spans[0].Status().Code != codes.Unset {
		t.Errorf("ok span = %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[0].InstrumentationScope().Name != ScopeName {
		t.Errorf("scope = %q", spans[0].InstrumentationScope().Name)
	}
	if st := spans[1].Status(); st.Code != codes.Error || st.Description != "s3 unavailable" {
		t.Errorf("failed span status = %v", st)
	}
	if len(spans[1].Events()) != 1 || spans[1].Events()[0].Name != "exception" {
		t.Errorf("failed span events = %v", spans[1].Events())
	}
}
