// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package solver drives progressive hedging over a consensus.State.
//
// Four modes share one update routine (consensus.State.Apply) and one
// termination policy (Terminator):
//
//   - direct: the extensive form, solved once by an ExtensiveOracle.
//   - sequential: every scenario each round, deterministic.
//   - sync: a sampled batch per round on a worker pool, with a barrier.
//   - async: workers lease and complete scenarios through a Hub, without a
//     barrier; the Hub may be served remotely.
//
// Solve dispatches on Options.Mode.
package solver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianHedge/services/hedge/problem"
)

// Solve runs p in the mode selected by opts.
//
// Inputs:
//   - ctx: Cancellation stops new dispatch; the current state is returned.
//   - p: The problem. Must not be nil.
//   - opts: Solver options; zero fields take DefaultOptions values.
//
// Outputs:
//   - *Solution: The final state. Non-nil whenever the solve started, also
//     alongside cancellation and async failure errors. Limit exhaustion is
//     not an error; check Converged.
//   - error: ErrInvalidOptions, ErrOracleFailure, ErrTooManyFailures,
//     ErrExtensiveUnsupported, problem.ErrInfeasible (all wrapped), or
//     ctx.Err().
func Solve(ctx context.Context, p *problem.Problem, opts Options) (*Solution, error) {
	if opts.Mode == ModeDirect {
		return SolveDirect(ctx, p, opts)
	}
	if opts.Mode == ModeAsync {
		return solveAsync(ctx, p, opts)
	}

	r, err := newRun(p, opts)
	if err != nil {
		return nil, err
	}
	strategy, err := r.opts.Mode.Strategy()
	if err != nil {
		return nil, err
	}

	rctx, span := r.begin(ctx)
	reason, err := r.solveRounds(rctx, strategy)
	return r.end(rctx, span, reason, err), err
}

// solveAsync runs a Hub with Workers in-process workers.
func solveAsync(ctx context.Context, p *problem.Problem, opts Options) (*Solution, error) {
	hub, err := NewHub(p, opts)
	if err != nil {
		return nil, err
	}
	rctx, span := hub.r.begin(ctx)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		workErrs []error
	)
	for i := 0; i < hub.r.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := RunWorker(wctx, hub, p, WorkerOptions{
				ID:            fmt.Sprintf("worker-%d", i),
				OracleTimeout: hub.r.opts.OracleTimeout,
				Logger:        hub.r.logger,
				Metrics:       hub.r.opts.Metrics,
			})
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				errMu.Lock()
				workErrs = append(workErrs, err)
				errMu.Unlock()
				hub.Stop(StopCancelled)
			}
		}()
	}

	hub.await(ctx)
	cancel()
	wg.Wait()

	sol, err := hub.materialize(rctx, span)
	if err == nil && len(workErrs) > 0 {
		err = errors.Join(workErrs...)
	}
	return sol, err
}
