package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if otel.GetTextMapPropagator() == nil {
		t.Fatalf("expected a propagator to be installed")
	}
	if fields := otel.GetTextMapPropagator().Fields(); len(fields) == 0 {
		t.Fatalf("expected trace context fields, got none")
	}
}

func TestSetupWithEndpointInstallsProviders(t *testing.T) {
	// exporters connect lazily, so an unreachable endpoint is fine here
	shutdown, err := Setup(context.Background(), Config{Endpoint: "127.0.0.1:1", ServiceName: "snackpos-test"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "setup-check")
	if !span.SpanContext().IsValid() {
		t.Fatalf("expected a recording span from the sdk provider")
	}
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"127.0.0.1:4318", otlpTarget{host: "127.0.0.1:4318", insecure: true}},
		{"http://collector:4318", otlpTarget{host: "collector:4318", insecure: true}},
		{"https://otel.example.com/", otlpTarget{host: "otel.example.com"}},
		{"https://gw.example.com/otlp", otlpTarget{host: "gw.example.com", basePath: "/otlp"}},
	}
	for _, tc := range cases {
		got, err := parseEndpoint(tc.raw)
		if err != nil {
			t.Fatalf("parseEndpoint(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("parseEndpoint(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}

	for _, raw := range []string{"grpc://collector:4317", "http://"} {
		if _, err := parseEndpoint(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestSetupAcceptsEndpointURL(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Endpoint: "http://127.0.0.1:1", ServiceName: "snackpos-test"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
