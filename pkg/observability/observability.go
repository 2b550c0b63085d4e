// Package observability provides structured logging setup and
// OpenTelemetry metrics for the retention engine: sweep activity, state
// transitions, alert volume, and integrity failures.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the telemetry provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	Enabled        bool
	ExportInterval time.Duration
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "retentio",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
		ExportInterval: 30 * time.Second,
	}
}

// Metrics are the engine-level counters.
type Metrics struct {
	SweepRuns         metric.Int64Counter
	Transitions       metric.Int64Counter
	AlertsGenerated   metric.Int64Counter
	AlertsRepeated    metric.Int64Counter
	DispatchFailures  metric.Int64Counter
	IntegrityFailures metric.Int64Counter
}

// Provider owns the meter provider and the engine metrics.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	metrics       *Metrics
	logger        *slog.Logger
}

// New creates the provider. With Enabled=false the returned metrics are
// recorded against a provider with no reader, i.e. dropped.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	var opts []sdkmetric.Option
	if config.Enabled {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("observability: metric exporter: %w", err)
		}
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("observability: resource: %w", err)
		}
		opts = append(opts,
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(config.ExportInterval))),
		)
	} else {
		p.logger.Info("telemetry disabled")
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)

	m, err := newMetrics(p.meterProvider.Meter("retentio"))
	if err != nil {
		return nil, err
	}
	p.metrics = m
	return p, nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.SweepRuns, err = meter.Int64Counter("retentio.sweep.runs",
		metric.WithDescription("Completed sweep passes")); err != nil {
		return nil, err
	}
	if m.Transitions, err = meter.Int64Counter("retentio.process.transitions",
		metric.WithDescription("State transitions applied")); err != nil {
		return nil, err
	}
	if m.AlertsGenerated, err = meter.Int64Counter("retentio.alerts.generated",
		metric.WithDescription("Alerts created")); err != nil {
		return nil, err
	}
	if m.AlertsRepeated, err = meter.Int64Counter("retentio.alerts.repeated",
		metric.WithDescription("Alert repeat deliveries")); err != nil {
		return nil, err
	}
	if m.DispatchFailures, err = meter.Int64Counter("retentio.alerts.dispatch_failures",
		metric.WithDescription("Failed notification dispatches")); err != nil {
		return nil, err
	}
	if m.IntegrityFailures, err = meter.Int64Counter("retentio.integrity.failures",
		metric.WithDescription("Hash verification failures")); err != nil {
		return nil, err
	}
	return &m, nil
}

// Metrics returns the engine counters.
func (p *Provider) Metrics() *Metrics { return p.metrics }

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// SetupLogging installs a slog text handler at the given level as the
// process-wide default and returns it.
func SetupLogging(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
