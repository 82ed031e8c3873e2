// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry builds the OpenTelemetry meter and tracer providers that
// instrument delegation.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
	"github.com/stacklok/delegator/pkg/versions"
)

// DefaultServiceName is reported when Config.ServiceName is empty.
const DefaultServiceName = "delegator"

// Config holds the OTLP export configuration.
type Config struct {
	// Endpoint is the OTLP/HTTP collector endpoint (e.g. "localhost:4318").
	// An empty endpoint yields no-op providers.
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	ServiceName string            `json:"service_name,omitempty" yaml:"service_name,omitempty" mapstructure:"service_name"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" mapstructure:"headers"`
	// Insecure sends OTLP over plain HTTP.
	Insecure       bool `json:"insecure,omitempty" yaml:"insecure,omitempty" mapstructure:"insecure"`
	TracingEnabled bool `json:"tracing_enabled,omitempty" yaml:"tracing_enabled,omitempty" mapstructure:"tracing_enabled"`
	MetricsEnabled bool `json:"metrics_enabled,omitempty" yaml:"metrics_enabled,omitempty" mapstructure:"metrics_enabled"`
	// SamplingRate is the trace sampling ratio (0.0-1.0).
	SamplingRate float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate,omitempty" mapstructure:"sampling_rate"`
	// HealthCheckTimeout bounds each module health check.
	HealthCheckTimeout time.Duration `json:"health_check_timeout,omitempty" yaml:"health_check_timeout,omitempty" mapstructure:"health_check_timeout"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return errors.Newf(errors.CodeInvalidConfig, "telemetry sampling_rate must be between 0 and 1")
	}
	if c.HealthCheckTimeout < 0 {
		return errors.Newf(errors.CodeInvalidConfig, "telemetry health_check_timeout must not be negative")
	}
	if c.Endpoint == "" && (c.TracingEnabled || c.MetricsEnabled) {
		return errors.Newf(errors.CodeInvalidConfig, "telemetry requires an endpoint when tracing or metrics are enabled")
	}
	return nil
}

// Provider holds the meter and tracer providers and their shutdown hooks.
type Provider struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	shutdownFuncs  []func(context.Context) error
}

// NewProvider creates providers for cfg. Signals that are not enabled use
// no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Provider{
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	if cfg.Endpoint == "" || (!cfg.TracingEnabled && !cfg.MetricsEnabled) {
		logger.Debugf("No telemetry configured, using no-op providers")
		return p, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(versions.GetVersionInfo().Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource for service %q: %w", serviceName, err)
	}

	if cfg.MetricsEnabled {
		exporter, err := newMetricExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
			sdkmetric.WithResource(res),
		)
		p.meterProvider = mp
		p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
	}

	if cfg.TracingEnabled {
		exporter, err := newTraceExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		)
		p.tracerProvider = tp
		p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
	}

	logger.Infow("telemetry providers created", "endpoint", cfg.Endpoint,
		"metrics", cfg.MetricsEnabled, "tracing", cfg.TracingEnabled)
	return p, nil
}

func newMetricExporter(ctx context.Context, cfg Config) (sdkmetric.Exporter, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return otlpmetrichttp.New(ctx, opts...)
}

func newTraceExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// TracerProvider returns the tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// Shutdown flushes and stops every provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for i, shutdown := range p.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("provider %d shutdown failed: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown failed with %d errors: %v", len(errs), errs)
	}
	return nil
}
