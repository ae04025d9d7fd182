// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires FluxGate metrics to OpenTelemetry with a
// Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the forwarder service.
//
// Description:
//
//	Provides standard counters and histograms for per-partner task
//	scheduling, breaker activity, credential refreshes, and message
//	outcomes. All metrics use the "forwarder_" prefix.
//
//	A nil *Metrics is valid: every Record* method is a no-op on a nil
//	receiver so components never need to guard their instrumentation.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// TasksSubmitted counts tasks submitted to partner pools.
	TasksSubmitted metric.Int64Counter

	// TasksCompleted counts tasks completed by partner pools, by status.
	TasksCompleted metric.Int64Counter

	// TasksCallerRan counts submissions that overflowed the queue and ran
	// on the producer.
	TasksCallerRan metric.Int64Counter

	// BreakerTransitions counts breaker state transitions.
	BreakerTransitions metric.Int64Counter

	// BreakerRejected counts calls refused by an open breaker.
	BreakerRejected metric.Int64Counter

	// TokenRefreshes counts credential refresh attempts, by status.
	TokenRefreshes metric.Int64Counter

	// Outcomes counts terminal message outcomes, by result.
	Outcomes metric.Int64Counter

	// ForwardDuration records end-to-end forward latency in seconds.
	ForwardDuration metric.Float64Histogram
}

// NewMetrics creates all forwarder instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TasksSubmitted, err = meter.Int64Counter("forwarder_tasks_submitted_total",
		metric.WithDescription("Tasks submitted to partner pools")); err != nil {
		return nil, fmt.Errorf("create tasks_submitted counter: %w", err)
	}
	if m.TasksCompleted, err = meter.Int64Counter("forwarder_tasks_completed_total",
		metric.WithDescription("Tasks completed by partner pools")); err != nil {
		return nil, fmt.Errorf("create tasks_completed counter: %w", err)
	}
	if m.TasksCallerRan, err = meter.Int64Counter("forwarder_tasks_caller_ran_total",
		metric.WithDescription("Submissions executed on the producer after queue overflow")); err != nil {
		return nil, fmt.Errorf("create tasks_caller_ran counter: %w", err)
	}
	if m.BreakerTransitions, err = meter.Int64Counter("forwarder_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, fmt.Errorf("create breaker_transitions counter: %w", err)
	}
	if m.BreakerRejected, err = meter.Int64Counter("forwarder_breaker_rejected_total",
		metric.WithDescription("Calls refused by an open circuit breaker")); err != nil {
		return nil, fmt.Errorf("create breaker_rejected counter: %w", err)
	}
	if m.TokenRefreshes, err = meter.Int64Counter("forwarder_token_refreshes_total",
		metric.WithDescription("Credential refresh attempts")); err != nil {
		return nil, fmt.Errorf("create token_refreshes counter: %w", err)
	}
	if m.Outcomes, err = meter.Int64Counter("forwarder_outcomes_total",
		metric.WithDescription("Terminal message outcomes")); err != nil {
		return nil, fmt.Errorf("create outcomes counter: %w", err)
	}
	if m.ForwardDuration, err = meter.Float64Histogram("forwarder_forward_duration_seconds",
		metric.WithDescription("End-to-end forward latency"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create forward_duration histogram: %w", err)
	}

	return m, nil
}

func partnerAttr(tenantID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("partner", tenantID))
}

// RecordTaskSubmitted increments the submitted counter for a partner.
func (m *Metrics) RecordTaskSubmitted(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.TasksSubmitted.Add(ctx, 1, partnerAttr(tenantID))
}

// RecordTaskCompleted increments the completed counter for a partner.
func (m *Metrics) RecordTaskCompleted(ctx context.Context, tenantID string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.TasksCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("partner", tenantID),
		attribute.String("status", status),
	))
}

// RecordCallerRan increments the caller-runs counter for a partner.
func (m *Metrics) RecordCallerRan(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.TasksCallerRan.Add(ctx, 1, partnerAttr(tenantID))
}

// RecordBreakerTransition increments the transition counter.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, tenantID, from, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("partner", tenantID),
		attribute.String("from_state", from),
		attribute.String("to_state", to),
	))
}

// RecordBreakerRejected increments the rejected counter.
func (m *Metrics) RecordBreakerRejected(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.BreakerRejected.Add(ctx, 1, partnerAttr(tenantID))
}

// RecordTokenRefresh increments the refresh counter.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, tenantID string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.TokenRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("partner", tenantID),
		attribute.String("status", status),
	))
}

// RecordOutcome increments the outcome counter and latency histogram.
func (m *Metrics) RecordOutcome(ctx context.Context, tenantID, result string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("partner", tenantID),
		attribute.String("result", result),
	)
	m.Outcomes.Add(ctx, 1, attrs)
	m.ForwardDuration.Record(ctx, seconds, attrs)
}
