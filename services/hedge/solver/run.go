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
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
	"github.com/AleutianAI/AleutianHedge/services/hedge/problem"
)

// Solution is the outcome of a solve.
type Solution struct {
	// RunID and Mode identify the run.
	RunID string
	Mode  Mode

	// X is the decision matrix (nscenarios × dim): x̄ restricted to every
	// scenario, non-anticipative by construction.
	X [][]float64

	// Consensus holds x̄ per stage and group: Consensus[stage][group].
	Consensus [][][]float64

	// Duals holds u_s per scenario. Nil for direct solves.
	Duals [][]float64

	// PrimalResidual and DualResidual are from the last checkpoint.
	PrimalResidual float64
	DualResidual   float64

	// Iterations is the number of checkpoints, Updates the applied updates.
	Iterations int
	Updates    uint64

	// Objective is Σ p_s f_s(X[s]); NaN without an objective definition.
	Objective float64

	// Converged is true when the tolerances were met.
	Converged  bool
	StopReason StopReason

	// History and UpdateLog are the diagnostics records.
	History   []consensus.IterationRecord
	UpdateLog []consensus.UpdateRecord

	// Oracle accounting. Updates + OracleFailures + DroppedStale + Discarded
	// equals OracleCalls.
	OracleCalls    int64
	OracleFailures int64
	DroppedStale   int64
	Discarded      int64
	ExpiredLeases  int64

	// MaxStaleness is the largest staleness of any applied update.
	MaxStaleness int

	Elapsed time.Duration
}

// window accumulates staleness between checkpoints.
type window struct {
	count int
	sum   int64
	max   int
}

func (w *window) add(staleness int) {
	w.count++
	w.sum += int64(staleness)
	if staleness > w.max {
		w.max = staleness
	}
}

// run is the state shared by every iterative driver: the consensus state,
// the termination policy and the diagnostics plumbing.
type run struct {
	p       *problem.Problem
	opts    Options
	state   *consensus.State
	term    Terminator
	tracer  *runTracer
	sinks   sinkSet
	history *consensus.History
	logger  *slog.Logger
	start   time.Time

	iteration    int
	last         consensus.IterationRecord
	hasRecord    bool
	maxStaleness int

	oracleCalls    atomic.Int64
	oracleFailures atomic.Int64
	droppedStale   atomic.Int64
	discarded      atomic.Int64
	expired        atomic.Int64
}

// newRun validates opts against p and builds the consensus state.
func newRun(p *problem.Problem, opts Options) (*run, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: problem is nil", ErrInvalidOptions)
	}
	opts, err := opts.withDefaults(p)
	if err != nil {
		return nil, err
	}
	st, err := consensus.New(p, consensus.Options{
		Rho:        opts.Rho,
		Relaxation: opts.Relaxation,
		WarmStart:  opts.WarmStart,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	logger := opts.Logger.With(slog.String("run_id", opts.RunID), slog.String("mode", string(opts.Mode)))
	return &run{
		p:       p,
		opts:    opts,
		state:   st,
		term:    opts.terminator(p),
		tracer:  newRunTracer(logger, opts.Tracing),
		sinks:   sinkSet{sinks: opts.Sinks, logger: logger, runID: opts.RunID},
		history: consensus.NewHistory(opts.KeepUpdates),
		logger:  logger,
		start:   time.Now(),
	}, nil
}

// begin starts the run span and notifies sinks.
func (r *run) begin(ctx context.Context) (context.Context, trace.Span) {
	ctx, span := r.tracer.StartRun(ctx, r.opts, r.p.NumScenarios())
	r.sinks.start(ctx, RunInfo{
		RunID:     r.opts.RunID,
		Mode:      r.opts.Mode,
		Scenarios: r.p.NumScenarios(),
		Dim:       r.p.Dim(),
		Rho:       r.opts.Rho,
		Workers:   r.opts.Workers,
		Started:   r.start,
	})
	return ctx, span
}

// end materializes the solution, flushes the final snapshot and closes
// the run span.
func (r *run) end(ctx context.Context, span trace.Span, reason StopReason, err error) *Solution {
	return r.finish(ctx, span, r.solution(reason), err)
}

// finish flushes an already materialized solution.
func (r *run) finish(ctx context.Context, span trace.Span, sol *Solution, err error) *Solution {
	r.sinks.snapshot(ctx, r.state)
	r.sinks.finish(ctx, sol)
	r.tracer.EndRun(ctx, span, sol, err)
	return sol
}

// callOracle runs one oracle call for view v with tracing, metrics and the
// optional hard timeout.
func (r *run) callOracle(ctx context.Context, oracle problem.Oracle, v consensus.View) ([]float64, error) {
	ctx, span := r.tracer.TraceOracle(ctx, v.Scenario)
	started := time.Now()
	x, err := invokeOracle(ctx, oracle, problem.Request{
		Scenario:  r.p.Scenario(v.Scenario),
		Consensus: v.Consensus,
		Dual:      v.Dual,
		Rho:       r.opts.Rho,
	}, r.opts.OracleTimeout)
	r.oracleCalls.Add(1)
	if err != nil {
		r.oracleFailures.Add(1)
	}
	r.opts.Metrics.RecordOracleCall(ctx, string(r.opts.Mode), time.Since(started), err)
	r.tracer.EndOracle(span, err)
	if err != nil {
		return nil, fmt.Errorf("%w: scenario %d: %w", ErrOracleFailure, v.Scenario, err)
	}
	return x, nil
}

// invokeOracle calls oracle.Solve. With a positive timeout the call runs
// on its own goroutine and is abandoned when the timeout fires; its
// context is cancelled so a cooperative oracle returns promptly.
func invokeOracle(ctx context.Context, oracle problem.Oracle, req problem.Request, timeout time.Duration) ([]float64, error) {
	if timeout <= 0 {
		return oracle.Solve(ctx, req)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		x   []float64
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		x, err := oracle.Solve(cctx, req)
		ch <- outcome{x, err}
	}()

	select {
	case o := <-ch:
		return o.x, o.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %v", ErrOracleTimeout, timeout)
	}
}

// checkpoint computes residuals, builds the iteration record and fans it
// out. Callers serialize checkpoints.
func (r *run) checkpoint(ctx context.Context, w window) consensus.IterationRecord {
	res := r.state.Checkpoint()
	r.iteration++

	objective := math.NaN()
	if r.p.HasObjective() {
		if v, err := r.p.Evaluate(r.state.Decisions()); err == nil {
			objective = v
		}
	}

	rec := consensus.IterationRecord{
		Iteration:      r.iteration,
		Updates:        res.Version,
		Contributed:    r.state.Contributed(),
		Touched:        res.Touched,
		PrimalResidual: res.Primal,
		DualResidual:   res.Dual,
		Objective:      objective,
		MaxStaleness:   w.max,
		Elapsed:        time.Since(r.start),
	}
	if w.count > 0 {
		rec.Staleness = float64(w.sum) / float64(w.count)
	}
	if w.max > r.maxStaleness {
		r.maxStaleness = w.max
	}

	r.last = rec
	r.hasRecord = true
	r.history.AddIteration(rec)
	r.sinks.iteration(ctx, rec)
	r.opts.Metrics.RecordIteration(ctx, string(r.opts.Mode), rec.PrimalResidual, rec.DualResidual)
	r.tracer.TraceCheckpoint(ctx, rec)
	progress(ctx, r.logger, r.opts.PrintStep, rec)
	if r.opts.SnapshotEvery > 0 && rec.Iteration%r.opts.SnapshotEvery == 0 {
		r.sinks.snapshot(ctx, r.state)
	}
	return rec
}

// solution materializes the current state.
func (r *run) solution(reason StopReason) *Solution {
	sol := &Solution{
		RunID:          r.opts.RunID,
		Mode:           r.opts.Mode,
		X:              r.state.Decisions(),
		Duals:          r.state.Duals(),
		Iterations:     r.iteration,
		Updates:        r.state.Version(),
		Objective:      math.NaN(),
		StopReason:     reason,
		Converged:      reason == StopConverged,
		History:        r.history.Iterations(),
		UpdateLog:      r.history.Updates(),
		OracleCalls:    r.oracleCalls.Load(),
		OracleFailures: r.oracleFailures.Load(),
		DroppedStale:   r.droppedStale.Load(),
		Discarded:      r.discarded.Load(),
		ExpiredLeases:  r.expired.Load(),
		MaxStaleness:   r.maxStaleness,
		Elapsed:        time.Since(r.start),
	}
	if r.hasRecord {
		sol.PrimalResidual = r.last.PrimalResidual
		sol.DualResidual = r.last.DualResidual
	} else {
		sol.PrimalResidual = math.Inf(1)
		sol.DualResidual = math.Inf(1)
	}
	if r.p.HasObjective() {
		if v, err := r.p.Evaluate(sol.X); err == nil {
			sol.Objective = v
		}
	}

	tr := r.p.Tree()
	sol.Consensus = make([][][]float64, r.p.NumStages())
	for t := range sol.Consensus {
		sol.Consensus[t] = make([][]float64, tr.NumGroups(t))
		for _, g := range tr.GroupsAt(t) {
			sol.Consensus[t][g] = r.state.GroupValue(t, g)
		}
	}
	return sol
}
