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
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
)

// solveRounds drives the barrier strategies.
//
// Description:
//
//	Every round reads the views of its batch from the same consensus, runs
//	the oracle calls, then applies the results in ascending scenario order
//	on this goroutine and checkpoints. StrategyAll uses every scenario and
//	calls the oracle sequentially, which makes the run deterministic.
//	StrategySampledBarrier samples BatchSize distinct scenarios and runs
//	the calls on an errgroup limited to Workers. Any oracle error is fatal.
//
// Outputs:
//   - StopReason: Why the loop ended.
//   - error: ErrOracleFailure (wrapped), or ctx.Err() on cancellation.
func (r *run) solveRounds(ctx context.Context, strategy Strategy) (StopReason, error) {
	var smp *sampler
	if strategy == StrategySampledBarrier {
		var err error
		if smp, err = newSampler(r.opts.Sampling, r.opts.Weights, r.p, r.opts.Seed); err != nil {
			return StopNone, err
		}
	}

	all := make([]int, r.p.NumScenarios())
	for s := range all {
		all[s] = s
	}

	for {
		if err := ctx.Err(); err != nil {
			return StopCancelled, err
		}

		batch := all
		if smp != nil {
			batch = smp.Batch(r.opts.BatchSize)
		}

		rctx, span := r.tracer.TraceRound(ctx, r.iteration+1, len(batch))
		rec, err := r.round(rctx, strategy, batch)
		span.End()
		if err != nil {
			if ctx.Err() != nil {
				return StopCancelled, ctx.Err()
			}
			return StopNone, err
		}

		if reason := r.term.Check(rec); reason != StopNone {
			return reason, nil
		}
	}
}

// round runs one barrier round over batch.
func (r *run) round(ctx context.Context, strategy Strategy, batch []int) (consensus.IterationRecord, error) {
	views := make([]consensus.View, len(batch))
	for i, s := range batch {
		v, err := r.state.View(s)
		if err != nil {
			return consensus.IterationRecord{}, err
		}
		views[i] = v
	}

	primals := make([][]float64, len(batch))
	oracle := r.p.Oracle()
	if strategy == StrategyAll {
		for i, v := range views {
			x, err := r.callOracle(ctx, oracle, v)
			if err != nil {
				r.discard(primals)
				return consensus.IterationRecord{}, err
			}
			primals[i] = x
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.opts.Workers)
		for i, v := range views {
			g.Go(func() error {
				x, err := r.callOracle(gctx, oracle, v)
				if err != nil {
					return err
				}
				primals[i] = x
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			r.discard(primals)
			return consensus.IterationRecord{}, err
		}
	}

	for i, v := range views {
		_, err := r.state.Apply(consensus.Update{
			Scenario:    v.Scenario,
			Primal:      primals[i],
			Consensus:   v.Consensus,
			ReadVersion: v.Version,
		})
		if err != nil {
			r.oracleFailures.Add(1)
			r.discard(primals[i+1:])
			return consensus.IterationRecord{}, fmt.Errorf("%w: scenario %d: %w", ErrOracleFailure, v.Scenario, err)
		}
		// Every view of a round was read before any of its updates.
		r.opts.Metrics.RecordUpdate(ctx, string(r.opts.Mode), 0)
	}
	return r.checkpoint(ctx, window{}), nil
}

// discard counts successful oracle results that a failed round never
// applied.
func (r *run) discard(primals [][]float64) {
	for _, x := range primals {
		if x != nil {
			r.discarded.Add(1)
		}
	}
}
