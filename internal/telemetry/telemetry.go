// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry sets up OpenTelemetry tracing and metrics and exposes
// them, together with the engine's Prometheus collectors, over HTTP.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName identifies the process in resource attributes.
const ServiceName = "smartjobs"

// Provider owns the tracer and meter providers.
type Provider struct {
	tp        *sdktrace.TracerProvider
	mp        *sdkmetric.MeterProvider
	registry  *prometheus.Registry
	collector *Collector
}

// New creates a provider for the given service version and installs its
// tracer provider globally.
func New(version string, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	// No schema URL so the merge with the default resource cannot conflict.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}, opts...)...)
	otel.SetTracerProvider(tp)

	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	collector, err := NewCollector(mp)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	return &Provider{tp: tp, mp: mp, registry: reg, collector: collector}, nil
}

// Tracer returns a tracer for an instrumentation scope.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Collector returns the job metrics collector.
func (p *Provider) Collector() *Collector {
	return p.collector
}

// MetricsHandler serves the OpenTelemetry instruments and the collectors in
// the default Prometheus registry.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.Gatherers{p.registry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{},
	)
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}
