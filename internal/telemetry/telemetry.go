// Package telemetry exports coordinator metrics over OTLP/HTTP. Without an
// endpoint the instruments are no-ops.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "tmux-collab"

// Version is reported as service.version.
var Version = "dev"

// Config selects the exporter.
type Config struct {
	// Endpoint is the OTLP base URL, e.g. "http://localhost:4318".
	Endpoint string `toml:"endpoint"`
	// Headers are comma-separated key=value pairs.
	Headers string `toml:"headers"`
	// IntervalSecs is the export interval (default 15).
	IntervalSecs int `toml:"interval_secs"`
}

// Telemetry owns the meter provider.
type Telemetry struct {
	mp      *sdkmetric.MeterProvider
	Metrics *Metrics
}

func parseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers
}

// Init sets up the exporter (when configured) and the instruments.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	t := &Telemetry{}

	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("telemetry: invalid endpoint %q", cfg.Endpoint)
		}
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(u.Host),
			otlpmetrichttp.WithURLPath(strings.TrimRight(u.Path, "/") + "/v1/metrics"),
		}
		if u.Scheme == "http" {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if h := parseHeaders(cfg.Headers); len(h) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(h))
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: exporter: %w", err)
		}

		res, err := resource.New(ctx, resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
		))
		if err != nil {
			return nil, fmt.Errorf("telemetry: resource: %w", err)
		}

		interval := time.Duration(cfg.IntervalSecs) * time.Second
		if interval <= 0 {
			interval = 15 * time.Second
		}
		t.mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(t.mp)
	}

	m, err := NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("telemetry: instruments: %w", err)
	}
	t.Metrics = m
	return t, nil
}

// Shutdown flushes pending metrics.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.mp == nil {
		return nil
	}
	return t.mp.Shutdown(ctx)
}
