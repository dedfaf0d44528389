package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const serviceVersion = "1.0.0"

type Config struct {
	Endpoint    string
	ServiceName string
}

// ShutdownFunc flushes and stops every provider Setup installed.
type ShutdownFunc func(ctx context.Context) error

// Setup installs global tracer and meter providers exporting over OTLP/HTTP.
// With no endpoint the otel globals stay no-op and the returned shutdown
// does nothing.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		log.Println("[telemetry] OTEL_EXPORTER_OTLP_ENDPOINT not set, exporters disabled")
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "snackpos-backend"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	target, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(ctx, target, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, target, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	log.Printf("[telemetry] exporting traces and metrics to %s as %s", cfg.Endpoint, cfg.ServiceName)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// otlpTarget is a collector address split the way the OTLP/HTTP exporters
// take it: host:port, transport security and an optional base path.
type otlpTarget struct {
	host     string
	insecure bool
	basePath string
}

// parseEndpoint accepts a bare host:port (plain HTTP) or an http(s) URL such
// as http://collector:4318.
func parseEndpoint(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		return otlpTarget{host: raw, insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("otlp endpoint: %w", err)
	}
	if u.Host == "" {
		return otlpTarget{}, fmt.Errorf("otlp endpoint %q has no host", raw)
	}
	target := otlpTarget{host: u.Host, basePath: strings.TrimRight(u.Path, "/")}
	switch u.Scheme {
	case "http":
		target.insecure = true
	case "https":
	default:
		return otlpTarget{}, fmt.Errorf("otlp endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
	return target, nil
}

func newTracerProvider(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(target.host)}
	if target.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if target.basePath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(target.basePath+"/v1/traces"))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	), nil
}

func newMeterProvider(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(target.host)}
	if target.insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if target.basePath != "" {
		opts = append(opts, otlpmetrichttp.WithURLPath(target.basePath+"/v1/metrics"))
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	), nil
}
