package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricExporter owns the meter provider the pubsub instruments report to.
type MetricExporter struct {
	meterProvider    *sdkmetric.MeterProvider
	meter            metric.Meter
	resource         *resource.Resource
	reader           sdkmetric.Reader
	serviceName      string
	serviceNamespace string
	serviceVersion   string
	otlpEndpoint     string
	otlpGRPCEndpoint string
	environment      string
	interval         time.Duration
	global           bool
}

// Option is a function that configures a MetricExporter
type Option func(*MetricExporter)

// WithServiceName sets the service name
func WithServiceName(name string) Option {
	return func(mc *MetricExporter) {
		mc.serviceName = name
	}
}

// WithServiceNamespace sets the service namespace
func WithServiceNamespace(namespace string) Option {
	return func(mc *MetricExporter) {
		mc.serviceNamespace = namespace
	}
}

// WithServiceVersion sets the service version
func WithServiceVersion(version string) Option {
	return func(mc *MetricExporter) {
		mc.serviceVersion = version
	}
}

// WithOTLPEndpoint sets the OTLP HTTP endpoint
func WithOTLPEndpoint(endpoint string) Option {
	return func(mc *MetricExporter) {
		mc.otlpEndpoint = endpoint
	}
}

// WithOTLPGRPCEndpoint sets the OTLP gRPC endpoint
func WithOTLPGRPCEndpoint(endpoint string) Option {
	return func(mc *MetricExporter) {
		mc.otlpGRPCEndpoint = endpoint
	}
}

// WithEnvironment sets the deployment environment
func WithEnvironment(env string) Option {
	return func(mc *MetricExporter) {
		mc.environment = env
	}
}

// WithInterval sets how often the OTLP exporter pushes.
func WithInterval(d time.Duration) Option {
	return func(mc *MetricExporter) {
		if d > 0 {
			mc.interval = d
		}
	}
}

// WithReader replaces the OTLP exporter with reader, e.g. a ManualReader.
func WithReader(reader sdkmetric.Reader) Option {
	return func(mc *MetricExporter) {
		mc.reader = reader
	}
}

// WithGlobal installs the meter provider as the otel global.
func WithGlobal(global bool) Option {
	return func(mc *MetricExporter) {
		mc.global = global
	}
}

func defaultConfig() *MetricExporter {
	return &MetricExporter{
		serviceName:      "pubsub-client",
		serviceNamespace: "default",
		serviceVersion:   "1.0.0",
		otlpEndpoint:     "localhost:4318",
		environment:      "development",
		interval:         10 * time.Second,
		global:           true,
	}
}

// NewMetricExporter creates a new metric exporter instance
func NewMetricExporter(opts ...Option) (*MetricExporter, func(), error) {
	mc := defaultConfig()
	for _, opt := range opts {
		opt(mc)
	}

	if mc.reader == nil && mc.otlpGRPCEndpoint == "" && mc.otlpEndpoint == "" {
		return nil, nil, fmt.Errorf("OTLP HTTP endpoint is required when gRPC endpoint is not configured")
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(mc.serviceName),
			semconv.ServiceNamespace(mc.serviceNamespace),
			semconv.ServiceVersion(mc.serviceVersion),
			semconv.DeploymentEnvironment(mc.environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	reader := mc.reader
	if reader == nil {
		var exporter sdkmetric.Exporter
		if mc.otlpGRPCEndpoint != "" {
			exporter, err = otlpmetricgrpc.New(context.Background(),
				otlpmetricgrpc.WithEndpoint(mc.otlpGRPCEndpoint),
				otlpmetricgrpc.WithInsecure(),
			)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
			}
		} else {
			exporter, err = otlpmetrichttp.New(context.Background(),
				otlpmetrichttp.WithEndpoint(mc.otlpEndpoint),
				otlpmetrichttp.WithInsecure(),
			)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
			}
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(mc.interval))
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	if mc.global {
		otel.SetMeterProvider(meterProvider)
	}

	mc.meterProvider = meterProvider
	mc.meter = meterProvider.Meter(mc.serviceName)
	mc.resource = res
	mc.reader = reader

	return mc, func() {
		_ = mc.meterProvider.Shutdown(context.Background())
	}, nil
}

func (mc *MetricExporter) Meter() metric.Meter {
	return mc.meter
}

// Instruments creates the pubsub instruments on the exporter's meter.
func (mc *MetricExporter) Instruments() (*Instruments, error) {
	return NewInstruments(mc.meter)
}

// Close gracefully shuts down the metric exporter
func (mc *MetricExporter) Close(ctx context.Context) error {
	return mc.meterProvider.Shutdown(ctx)
}
