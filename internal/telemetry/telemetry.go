// Package telemetry wires OpenTelemetry: Prometheus-backed metrics for
// /metrics, and optional OTLP export of traces, metrics and logs.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	logglobal "go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

// Config controls what is exported.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is a host:port of an OTLP/gRPC collector. Empty keeps
	// traces and logs in-process and serves metrics on /metrics only.
	OTLPEndpoint string
	OTLPInsecure bool
	// SampleRatio is the fraction of root traces recorded. Defaults to 1.
	SampleRatio float64
	// MetricInterval is the OTLP metric push period. Defaults to 30s.
	MetricInterval time.Duration
}

// Providers holds the configured SDK providers.
type Providers struct {
	Registry       *prometheus.Registry
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	LoggerProvider *sdklog.LoggerProvider

	name     string
	shutdown []func(context.Context) error
}

// Setup builds the providers and installs them as the otel globals.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "outagewatch"
	}
	if cfg.SampleRatio <= 0 {
		cfg.SampleRatio = 1
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = 30 * time.Second
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	p := &Providers{Registry: prometheus.NewRegistry(), name: cfg.ServiceName}
	p.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	promExporter, err := otelprom.New(otelprom.WithRegisterer(p.Registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	meterOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}

	if cfg.OTLPEndpoint != "" {
		dial := grpc.WithUserAgent(cfg.ServiceName + "/" + cfg.ServiceVersion)

		traceExpOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithDialOption(dial)}
		metricExpOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint), otlpmetricgrpc.WithDialOption(dial)}
		logExpOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.OTLPEndpoint), otlploggrpc.WithDialOption(dial)}
		if cfg.OTLPInsecure {
			traceExpOpts = append(traceExpOpts, otlptracegrpc.WithInsecure())
			metricExpOpts = append(metricExpOpts, otlpmetricgrpc.WithInsecure())
			logExpOpts = append(logExpOpts, otlploggrpc.WithInsecure())
		}

		traceExp, err := otlptracegrpc.New(ctx, traceExpOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExp))

		metricExp, err := otlpmetricgrpc.New(ctx, metricExpOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp metric exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(cfg.MetricInterval)),
		))

		logExp, err := otlploggrpc.New(ctx, logExpOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp log exporter: %w", err)
		}
		p.LoggerProvider = sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		)
		logglobal.SetLoggerProvider(p.LoggerProvider)
		p.shutdown = append(p.shutdown, p.LoggerProvider.Shutdown)
	}

	p.MeterProvider = sdkmetric.NewMeterProvider(meterOpts...)
	p.TracerProvider = sdktrace.NewTracerProvider(traceOpts...)
	p.shutdown = append(p.shutdown, p.MeterProvider.Shutdown, p.TracerProvider.Shutdown)

	otel.SetMeterProvider(p.MeterProvider)
	otel.SetTracerProvider(p.TracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return p, nil
}

// Meter returns a meter scoped to the named component.
func (p *Providers) Meter(component string) metric.Meter {
	return p.MeterProvider.Meter("github.com/shaharia-lab/outagewatch/" + component)
}

// Handler serves the Prometheus exposition of every registered metric.
func (p *Providers) Handler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{Registry: p.Registry})
}

// LogHandler returns an slog handler exporting records over OTLP, or nil
// when no collector is configured.
func (p *Providers) LogHandler() slog.Handler {
	if p.LoggerProvider == nil {
		return nil
	}
	return otelslog.NewHandler(p.name, otelslog.WithLoggerProvider(p.LoggerProvider))
}

// Shutdown flushes and stops every provider.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
