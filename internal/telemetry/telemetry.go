// Package telemetry installs OpenTelemetry trace and metric providers that
// export over OTLP.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/raysh454/kansoku/internal/logging"
)

const exporterTimeout = 3 * time.Second

// Endpoint is one OTLP destination. A gRPC endpoint takes precedence over
// an HTTP one.
type Endpoint struct {
	GRPC    string            `yaml:"grpc_endpoint" toml:"grpc_endpoint" json:"grpc_endpoint" env:"GRPC_ENDPOINT"`
	HTTP    string            `yaml:"http_endpoint" toml:"http_endpoint" json:"http_endpoint" env:"HTTP_ENDPOINT"`
	Headers map[string]string `yaml:"headers" toml:"headers" json:"headers" env:"HEADERS"`
}

func (e Endpoint) empty() bool { return e.GRPC == "" && e.HTTP == "" }

type Config struct {
	ServiceName    string        `yaml:"service_name" toml:"service_name" json:"service_name" env:"SERVICE_NAME"`
	Traces         Endpoint      `yaml:"traces" toml:"traces" json:"traces" env:", prefix=TRACES_"`
	Metrics        Endpoint      `yaml:"metrics" toml:"metrics" json:"metrics" env:", prefix=METRICS_"`
	MetricInterval time.Duration `yaml:"metric_interval" toml:"metric_interval" json:"metric_interval" env:"METRIC_INTERVAL"`
}

// Telemetry owns the installed providers. The zero value is a no-op.
type Telemetry struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
}

// Setup installs global providers for the configured endpoints. Without
// endpoints the global no-op providers stay in place.
func Setup(ctx context.Context, cfg Config, logger logging.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "kansoku"
	}
	tel := &Telemetry{}
	if cfg.Traces.empty() && cfg.Metrics.empty() {
		return tel, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	if !cfg.Traces.empty() {
		exp, err := traceExporter(ctx, cfg.Traces)
		if err != nil {
			return nil, err
		}
		tel.TracerProvider = trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
		otel.SetTracerProvider(tel.TracerProvider)
		logger.Info("trace exporter initialized", logging.Field{Key: "endpoint", Value: cfg.Traces.GRPC + cfg.Traces.HTTP})
	}

	if !cfg.Metrics.empty() {
		exp, err := metricExporter(ctx, cfg.Metrics)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, err
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		tel.MeterProvider = metric.NewMeterProvider(
			metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(interval))),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(tel.MeterProvider)
		logger.Info("metric exporter initialized", logging.Field{Key: "endpoint", Value: cfg.Metrics.GRPC + cfg.Metrics.HTTP})
	}
	return tel, nil
}

func traceExporter(ctx context.Context, e Endpoint) (trace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(ctx, exporterTimeout)
	defer cancel()
	if e.GRPC != "" {
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(e.GRPC), otlptracegrpc.WithHeaders(e.Headers))
	}
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(e.HTTP), otlptracehttp.WithHeaders(e.Headers))
}

func metricExporter(ctx context.Context, e Endpoint) (metric.Exporter, error) {
	ctx, cancel := context.WithTimeout(ctx, exporterTimeout)
	defer cancel()
	if e.GRPC != "" {
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(e.GRPC), otlpmetricgrpc.WithHeaders(e.Headers))
	}
	return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(e.HTTP), otlpmetrichttp.WithHeaders(e.Headers))
}

// Shutdown flushes and stops the installed providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.TracerProvider != nil {
		errs = append(errs, t.TracerProvider.Shutdown(ctx))
	}
	if t.MeterProvider != nil {
		errs = append(errs, t.MeterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
