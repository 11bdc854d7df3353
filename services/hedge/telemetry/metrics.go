// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the hedge metrics.
const MeterName = "aleutian.hedge"

// Metrics holds the solver and coordinator instruments. All metrics use
// the "hedge_" prefix.
//
// The Record* helpers accept a nil receiver and do nothing, so callers can
// run without metrics.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// OracleCallsTotal counts oracle calls by mode and status.
	OracleCallsTotal metric.Int64Counter

	// OracleDuration records oracle call duration in seconds.
	OracleDuration metric.Float64Histogram

	// UpdatesTotal counts applied consensus updates by mode.
	UpdatesTotal metric.Int64Counter

	// FailuresTotal counts failed updates by mode and reason.
	FailuresTotal metric.Int64Counter

	// DroppedStaleTotal counts results discarded for staleness.
	DroppedStaleTotal metric.Int64Counter

	// Staleness records the staleness of applied async updates.
	Staleness metric.Int64Histogram

	// IterationsTotal counts checkpoints by mode.
	IterationsTotal metric.Int64Counter

	// PrimalResidual and DualResidual hold the latest residuals.
	PrimalResidual metric.Float64Gauge
	DualResidual   metric.Float64Gauge

	// LeasesActive tracks outstanding async leases.
	LeasesActive metric.Int64UpDownCounter

	// HTTPRequestsTotal counts coordinator HTTP requests by route and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records coordinator HTTP request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics registers every instrument with meter.
//
// Example:
//
//	metrics, err := telemetry.NewMetrics(otel.Meter(telemetry.MeterName))
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.OracleCallsTotal, err = meter.Int64Counter(
		"hedge_oracle_calls_total",
		metric.WithDescription("Total oracle calls"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("create oracle_calls_total: %w", err)
	}

	if m.OracleDuration, err = meter.Float64Histogram(
		"hedge_oracle_duration_seconds",
		metric.WithDescription("Oracle call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	); err != nil {
		return nil, fmt.Errorf("create oracle_duration: %w", err)
	}

	if m.UpdatesTotal, err = meter.Int64Counter(
		"hedge_updates_total",
		metric.WithDescription("Total applied consensus updates"),
		metric.WithUnit("{update}"),
	); err != nil {
		return nil, fmt.Errorf("create updates_total: %w", err)
	}

	if m.FailuresTotal, err = meter.Int64Counter(
		"hedge_failures_total",
		metric.WithDescription("Total failed updates"),
		metric.WithUnit("{update}"),
	); err != nil {
		return nil, fmt.Errorf("create failures_total: %w", err)
	}

	if m.DroppedStaleTotal, err = meter.Int64Counter(
		"hedge_dropped_stale_total",
		metric.WithDescription("Total results discarded for staleness"),
		metric.WithUnit("{update}"),
	); err != nil {
		return nil, fmt.Errorf("create dropped_stale_total: %w", err)
	}

	if m.Staleness, err = meter.Int64Histogram(
		"hedge_update_staleness",
		metric.WithDescription("Updates applied between read and apply"),
		metric.WithUnit("{update}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 4, 8, 16, 32, 64, 128),
	); err != nil {
		return nil, fmt.Errorf("create update_staleness: %w", err)
	}

	if m.IterationsTotal, err = meter.Int64Counter(
		"hedge_iterations_total",
		metric.WithDescription("Total residual checkpoints"),
		metric.WithUnit("{iteration}"),
	); err != nil {
		return nil, fmt.Errorf("create iterations_total: %w", err)
	}

	if m.PrimalResidual, err = meter.Float64Gauge(
		"hedge_primal_residual",
		metric.WithDescription("Latest primal residual"),
	); err != nil {
		return nil, fmt.Errorf("create primal_residual: %w", err)
	}

	if m.DualResidual, err = meter.Float64Gauge(
		"hedge_dual_residual",
		metric.WithDescription("Latest dual residual"),
	); err != nil {
		return nil, fmt.Errorf("create dual_residual: %w", err)
	}

	if m.LeasesActive, err = meter.Int64UpDownCounter(
		"hedge_leases_active",
		metric.WithDescription("Outstanding scenario leases"),
		metric.WithUnit("{lease}"),
	); err != nil {
		return nil, fmt.Errorf("create leases_active: %w", err)
	}

	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"hedge_http_requests_total",
		metric.WithDescription("Total coordinator HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"hedge_http_request_duration_seconds",
		metric.WithDescription("Coordinator HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	); err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	return m, nil
}

// RecordOracleCall records one oracle call.
func (m *Metrics) RecordOracleCall(ctx context.Context, mode string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode), attribute.String("status", status))
	m.OracleCallsTotal.Add(ctx, 1, attrs)
	m.OracleDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordUpdate records one applied update and its staleness.
func (m *Metrics) RecordUpdate(ctx context.Context, mode string, staleness int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	m.UpdatesTotal.Add(ctx, 1, attrs)
	m.Staleness.Record(ctx, int64(staleness), attrs)
}

// RecordFailure records a failed update.
func (m *Metrics) RecordFailure(ctx context.Context, mode, reason string) {
	if m == nil {
		return
	}
	m.FailuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("reason", reason),
	))
}

// RecordDroppedStale records a result discarded for staleness.
func (m *Metrics) RecordDroppedStale(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.DroppedStaleTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordIteration records a checkpoint and its residuals.
func (m *Metrics) RecordIteration(ctx context.Context, mode string, primal, dual float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	m.IterationsTotal.Add(ctx, 1, attrs)
	m.PrimalResidual.Record(ctx, primal, attrs)
	m.DualResidual.Record(ctx, dual, attrs)
}

// AddLeases adjusts the outstanding lease count by delta.
func (m *Metrics) AddLeases(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.LeasesActive.Add(ctx, delta)
}

// RecordHTTP records one coordinator HTTP request.
func (m *Metrics) RecordHTTP(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.String("http.status_code", strconv.Itoa(status)),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, d.Seconds(), attrs)
}
