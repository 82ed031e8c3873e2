// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/stacklok/delegator/pkg/delegation"

const (
	metricDelegations        = "delegator_delegations"
	metricDelegationFailures = "delegator_delegation_failures"
	metricDelegationDuration = "delegator_delegation_duration"
)

var (
	attrModuleName = attribute.Key("delegation.module.name")
	attrModuleType = attribute.Key("delegation.module.type")
	attrAction     = attribute.Key("delegation.action")
	attrReason     = attribute.Key("delegation.failure.reason")
)

type telemetry struct {
	tracer   trace.Tracer
	total    metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

func newTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*telemetry, error) {
	meter := mp.Meter(instrumentationName)

	total, err := meter.Int64Counter(
		metricDelegations,
		metric.WithDescription("Total number of delegation attempts per module"))
	if err != nil {
		return nil, fmt.Errorf("failed to create delegations counter: %w", err)
	}
	failures, err := meter.Int64Counter(
		metricDelegationFailures,
		metric.WithDescription("Total number of failed delegations per module"))
	if err != nil {
		return nil, fmt.Errorf("failed to create delegation failures counter: %w", err)
	}
	duration, err := meter.Float64Histogram(
		metricDelegationDuration,
		metric.WithDescription("Duration of delegations in seconds per module"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delegation duration histogram: %w", err)
	}

	return &telemetry{
		tracer:   tp.Tracer(instrumentationName),
		total:    total,
		failures: failures,
		duration: duration,
	}, nil
}

// record starts an INTERNAL span for one delegation. The returned function
// must be deferred; outcome is consulted when it runs.
func (t *telemetry) record(
	ctx context.Context, name, action string, outcome func() (string, *Result),
) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "delegate "+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrModuleName.String(name), attrAction.String(action)),
	)
	start := time.Now()

	return ctx, func() {
		moduleType, res := outcome()
		attrs := []attribute.KeyValue{
			attrModuleName.String(name),
			attrModuleType.String(moduleType),
			attrAction.String(action),
		}
		span.SetAttributes(attrModuleType.String(moduleType))

		t.total.Add(ctx, 1, metric.WithAttributes(attrs...))
		t.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))

		if res != nil && !res.Success {
			reason := "error"
			if res.Audit != nil && res.Audit.Reason != "" {
				reason = res.Audit.Reason
			}
			t.failures.Add(ctx, 1, metric.WithAttributes(append(attrs, attrReason.String(reason))...))
			span.SetAttributes(attrReason.String(reason))
			span.SetStatus(codes.Error, res.Error)
		}
		span.End()
	}
}
