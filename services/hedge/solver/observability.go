// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package solver

import (
	"context"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
	"github.com/AleutianAI/AleutianHedge/services/hedge/telemetry"
)

const tracerName = "aleutian.hedge.solver"

// runTracer wraps OpenTelemetry spans for a solve. Disabled tracers hand
// out no-op spans.
//
// Thread Safety: Safe for concurrent use.
type runTracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

func newRunTracer(logger *slog.Logger, enabled bool) *runTracer {
	return &runTracer{
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartRun starts the span covering the whole solve.
func (t *runTracer) StartRun(ctx context.Context, opts Options, nscenarios int) (context.Context, trace.Span) {
	t.logger.InfoContext(ctx, "PH solve started",
		slog.Int("scenarios", nscenarios),
		slog.Float64("rho", opts.Rho),
		slog.Int("workers", opts.Workers),
	)
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "hedge.solve",
		trace.WithAttributes(
			attribute.String("hedge.run_id", opts.RunID),
			attribute.String("hedge.mode", string(opts.Mode)),
			attribute.Int("hedge.scenarios", nscenarios),
			attribute.Float64("hedge.rho", opts.Rho),
			attribute.Int("hedge.workers", opts.Workers),
			attribute.Int("hedge.max_iter", opts.MaxIter),
			attribute.String("hedge.max_time", opts.MaxTime.String()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRun completes the run span.
func (t *runTracer) EndRun(ctx context.Context, span trace.Span, sol *Solution, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if sol != nil {
		span.SetAttributes(
			attribute.String("hedge.result.stop_reason", string(sol.StopReason)),
			attribute.Bool("hedge.result.converged", sol.Converged),
			attribute.Int("hedge.result.iterations", sol.Iterations),
			attribute.Int64("hedge.result.updates", int64(sol.Updates)),
			attribute.Float64("hedge.result.primal_residual", sol.PrimalResidual),
			attribute.Float64("hedge.result.dual_residual", sol.DualResidual),
		)
		t.logger.InfoContext(ctx, "PH solve finished",
			slog.String("stop_reason", string(sol.StopReason)),
			slog.Bool("converged", sol.Converged),
			slog.Int("iterations", sol.Iterations),
			slog.Uint64("updates", sol.Updates),
			slog.Float64("primal_residual", sol.PrimalResidual),
			slog.Float64("dual_residual", sol.DualResidual),
			objectiveAttr(sol.Objective),
			slog.Duration("elapsed", sol.Elapsed),
		)
	}
	span.End()
}

// TraceRound starts a span for one barrier round.
func (t *runTracer) TraceRound(ctx context.Context, iteration, batch int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "hedge.round",
		trace.WithAttributes(
			attribute.Int("hedge.iteration", iteration),
			attribute.Int("hedge.batch", batch),
		),
	)
}

// TraceOracle starts a span for one oracle call.
func (t *runTracer) TraceOracle(ctx context.Context, scenario int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "hedge.oracle",
		trace.WithAttributes(attribute.Int("hedge.scenario", scenario)),
	)
}

// EndOracle completes an oracle span.
func (t *runTracer) EndOracle(span trace.Span, err error) {
	telemetry.RecordError(span, err)
	span.End()
}

// TraceCheckpoint adds a checkpoint event to the span in ctx.
func (t *runTracer) TraceCheckpoint(ctx context.Context, rec consensus.IterationRecord) {
	if !t.enabled {
		return
	}
	trace.SpanFromContext(ctx).AddEvent("checkpoint", trace.WithAttributes(
		attribute.Int("hedge.iteration", rec.Iteration),
		attribute.Int64("hedge.updates", int64(rec.Updates)),
		attribute.Float64("hedge.primal_residual", rec.PrimalResidual),
		attribute.Float64("hedge.dual_residual", rec.DualResidual),
	))
}

// progress logs rec every printStep records.
func progress(ctx context.Context, logger *slog.Logger, printStep int, rec consensus.IterationRecord) {
	if printStep <= 0 || rec.Iteration%printStep != 0 {
		return
	}
	telemetry.LoggerWithTrace(ctx, logger).InfoContext(ctx, "PH progress",
		slog.Int("iteration", rec.Iteration),
		slog.Uint64("updates", rec.Updates),
		slog.Float64("primal_residual", rec.PrimalResidual),
		slog.Float64("dual_residual", rec.DualResidual),
		objectiveAttr(rec.Objective),
		slog.Float64("staleness", rec.Staleness),
		slog.Duration("elapsed", rec.Elapsed),
	)
}

// objectiveAttr logs a missing (NaN) objective as "n/a"; JSON handlers
// cannot encode NaN.
func objectiveAttr(v float64) slog.Attr {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return slog.String("objective", "n/a")
	}
	return slog.Float64("objective", v)
}
