// Package telemetry wires the fleet's metrics (spec §6's metrics
// snapshot) to OpenTelemetry, generalizing the recorder-plus-instruments
// split julianknutsen-gascity's internal/telemetry uses to this domain's
// counters and gauges.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/brandon/imap-fleet"

// Init configures the global MeterProvider. When endpoint is empty (no
// collector configured), metrics are still recorded against an SDK
// provider with no exporter attached — Shutdown is always safe to call.
func Init(ctx context.Context, endpoint string) (shutdown func(context.Context) error, err error) {
	var readerOpt sdkmetric.Option
	if endpoint != "" {
		exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("failed to build OTLP metric exporter: %w", err)
		}
		readerOpt = sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second)))
	}

	var opts []sdkmetric.Option
	if readerOpt != nil {
		opts = append(opts, readerOpt)
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}

func meter() metric.Meter {
	return otel.GetMeterProvider().Meter(meterName)
}
