// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
	"github.com/AleutianAI/AleutianHedge/services/hedge/solver"
)

// LogSink logs solver records. Iterations are logged at Info every Every
// records, updates at Debug.
type LogSink struct {
	Logger *slog.Logger

	// Every logs one iteration record in Every. Zero or one logs all.
	Every int
}

var (
	_ solver.RecordSink = LogSink{}
	_ solver.RunSink    = LogSink{}
)

func (s LogSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// OnStart implements solver.RunSink.
func (s LogSink) OnStart(ctx context.Context, info solver.RunInfo) error {
	s.logger().InfoContext(ctx, "solve started",
		slog.String("run_id", info.RunID),
		slog.String("mode", string(info.Mode)),
		slog.Int("scenarios", info.Scenarios),
		slog.Int("dim", info.Dim),
		slog.Float64("rho", info.Rho),
	)
	return nil
}

// OnFinish implements solver.RunSink.
func (s LogSink) OnFinish(ctx context.Context, sol *solver.Solution) error {
	level := slog.LevelInfo
	if !sol.Converged {
		level = slog.LevelWarn
	}
	s.logger().Log(ctx, level, "solve finished",
		slog.String("run_id", sol.RunID),
		slog.String("stop_reason", string(sol.StopReason)),
		slog.Bool("converged", sol.Converged),
		slog.Int("iterations", sol.Iterations),
		slog.Float64("objective", sol.Objective),
		slog.Duration("elapsed", sol.Elapsed),
	)
	return nil
}

// OnIteration implements solver.RecordSink.
func (s LogSink) OnIteration(ctx context.Context, runID string, rec consensus.IterationRecord) error {
	if s.Every > 1 && rec.Iteration%s.Every != 0 {
		return nil
	}
	s.logger().InfoContext(ctx, "iteration",
		slog.String("run_id", runID),
		slog.Int("iteration", rec.Iteration),
		slog.Float64("primal_residual", rec.PrimalResidual),
		slog.Float64("dual_residual", rec.DualResidual),
		slog.Float64("objective", rec.Objective),
		slog.Int("contributed", rec.Contributed),
	)
	return nil
}

// OnUpdate implements solver.RecordSink.
func (s LogSink) OnUpdate(ctx context.Context, runID string, rec consensus.UpdateRecord) error {
	s.logger().DebugContext(ctx, "update applied",
		slog.String("run_id", runID),
		slog.Uint64("seq", rec.Seq),
		slog.Int("scenario", rec.Scenario),
		slog.String("worker", rec.Worker),
		slog.Int("staleness", rec.Staleness),
	)
	return nil
}
