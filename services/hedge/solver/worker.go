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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHedge/services/hedge/problem"
	"github.com/AleutianAI/AleutianHedge/services/hedge/telemetry"
)

// WorkerOptions configures RunWorker.
type WorkerOptions struct {
	// ID names the worker in update records. Empty means a fresh UUID.
	ID string

	// Oracle overrides the problem's oracle.
	Oracle problem.Oracle

	// OracleTimeout abandons slow calls; they are reported as failed.
	OracleTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records oracle calls. Nil disables metrics.
	Metrics *telemetry.Metrics
}

// WorkerStats summarizes a worker's activity.
type WorkerStats struct {
	ID       string
	Calls    int64
	Failures int64
	Applied  int64
	Dropped  int64
}

// RunWorker leases scenarios from c, solves them and reports the results
// until the solve finishes.
//
// Description:
//
//	Each loop reads a fresh view through Lease, calls the oracle (bounded
//	by OracleTimeout), and sends the result through Complete. A failed or
//	abandoned call is reported as failed and the loop continues with a new
//	lease; the coordinator decides when failures become fatal.
//
// Inputs:
//   - ctx: Cancels the worker. In-flight calls see the cancellation.
//   - c: The coordinator (in-process Hub or remote client).
//   - p: The problem; supplies scenario data and the default oracle.
//
// Outputs:
//   - WorkerStats: Activity counters.
//   - error: nil when the solve finished; ctx.Err() on cancellation; a
//     transport error from c otherwise.
func RunWorker(ctx context.Context, c Coordinator, p *problem.Problem, opts WorkerOptions) (WorkerStats, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Oracle == nil {
		opts.Oracle = p.Oracle()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With(slog.String("worker", opts.ID))
	stats := WorkerStats{ID: opts.ID}

	for {
		task, err := c.Lease(ctx, opts.ID)
		if errors.Is(err, ErrSolveFinished) {
			return stats, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			return stats, fmt.Errorf("lease: %w", err)
		}
		if task.Scenario < 0 || task.Scenario >= p.NumScenarios() {
			return stats, fmt.Errorf("lease: scenario %d outside problem with %d scenarios", task.Scenario, p.NumScenarios())
		}

		started := time.Now()
		x, oerr := invokeOracle(ctx, opts.Oracle, problem.Request{
			Scenario:  p.Scenario(task.Scenario),
			Consensus: task.Consensus,
			Dual:      task.Dual,
			Rho:       task.Rho,
		}, opts.OracleTimeout)
		stats.Calls++
		opts.Metrics.RecordOracleCall(ctx, string(ModeAsync), time.Since(started), oerr)

		res := Result{LeaseID: task.LeaseID, Worker: opts.ID, Scenario: task.Scenario, Primal: x}
		if oerr != nil {
			stats.Failures++
			res.Primal = nil
			res.Failed = true
			res.Error = oerr.Error()
			logger.DebugContext(ctx, "oracle call failed",
				slog.Int("scenario", task.Scenario),
				slog.String("error", oerr.Error()),
			)
		}

		var ack Ack
		if ctx.Err() != nil {
			// A cancelled worker still reports so the lease is released.
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			ack, err = c.Complete(cctx, res)
			cancel()
		} else {
			ack, err = c.Complete(ctx, res)
		}
		switch {
		case errors.Is(err, ErrSolveFinished):
			return stats, nil
		case errors.Is(err, ErrUnknownLease):
			logger.WarnContext(ctx, "result rejected", slog.String("lease_id", task.LeaseID))
		case err != nil:
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			return stats, fmt.Errorf("complete: %w", err)
		}
		if ack.Applied {
			stats.Applied++
		}
		if ack.Dropped {
			stats.Dropped++
		}
		if ack.Done {
			return stats, nil
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
	}
}
