// Package telemetry sets up OpenTelemetry metrics for the daemon.
//
// Metrics are exported over OTLP/HTTP when telemetry.endpoint (or
// OTEL_EXPORTER_OTLP_ENDPOINT) is set. Without an endpoint every
// instrument is a no-op.
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

	"github.com/ternarybob/portalguard/internal/common"
)

const serviceName = "portalguard"

// Telemetry holds the meter provider and the instruments built on it
type Telemetry struct {
	mp      *sdkmetric.MeterProvider
	Metrics *Metrics
}

// parseHeaders parses "key=value,key2=value2" as used by OTEL_EXPORTER_OTLP_HEADERS
func parseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if idx := strings.IndexByte(pair, '='); idx > 0 {
			key := strings.TrimSpace(pair[:idx])
			if key != "" {
				headers[key] = strings.TrimSpace(pair[idx+1:])
			}
		}
	}
	return headers
}

// Init builds the metric pipeline from config
func Init(ctx context.Context, cfg common.TelemetryConfig) (*Telemetry, error) {
	t := &Telemetry{}

	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("telemetry: invalid endpoint URL %q", cfg.Endpoint)
		}

		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(u.Host),
			otlpmetrichttp.WithURLPath(strings.TrimRight(u.Path, "/") + "/v1/metrics"),
		}
		if u.Scheme == "http" {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if headers := parseHeaders(cfg.Headers); len(headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(headers))
		}

		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
		}

		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(common.GetVersion()),
			),
			resource.WithHost(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: resource: %w", err)
		}

		t.mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(15*time.Second))),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(t.mp)
	}

	metrics, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("telemetry: instruments: %w", err)
	}
	t.Metrics = metrics

	return t, nil
}

// Enabled reports whether metrics leave the process
func (t *Telemetry) Enabled() bool {
	return t != nil && t.mp != nil
}

// Shutdown flushes pending metrics
func (t *Telemetry) Shutdown(ctx context.Context) {
	if t != nil && t.mp != nil {
		_ = t.mp.Shutdown(ctx)
	}
}
