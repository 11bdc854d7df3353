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
	"math"
	"time"

	"github.com/AleutianAI/AleutianHedge/services/hedge/problem"
)

// NonanticipativityTolerance bounds the disagreement allowed in an
// extensive-form solution.
const NonanticipativityTolerance = 1e-8

// SolveDirect solves the extensive form once and returns it as a Solution.
//
// Description:
//
//	Requires the problem's oracle to implement problem.ExtensiveOracle. The
//	returned decisions must be non-anticipative within
//	NonanticipativityTolerance. Used as the ground truth for the iterative
//	drivers.
//
// Outputs:
//   - *Solution: StopReason StopExact, zero residuals, nil duals.
//   - error: ErrExtensiveUnsupported, problem.ErrInfeasible (wrapped) when
//     the oracle reports infeasibility, or problem.ErrNotNonanticipative.
func SolveDirect(ctx context.Context, p *problem.Problem, opts Options) (*Solution, error) {
	opts.Mode = ModeDirect
	if p == nil {
		return nil, fmt.Errorf("%w: problem is nil", ErrInvalidOptions)
	}
	opts, err := opts.withDefaults(p)
	if err != nil {
		return nil, err
	}
	ext, ok := p.Oracle().(problem.ExtensiveOracle)
	if !ok {
		return nil, ErrExtensiveUnsupported
	}

	logger := opts.Logger.With(slog.String("run_id", opts.RunID), slog.String("mode", string(ModeDirect)))
	tracer := newRunTracer(logger, opts.Tracing)
	sinks := sinkSet{sinks: opts.Sinks, logger: logger, runID: opts.RunID}
	start := time.Now()

	ctx, span := tracer.StartRun(ctx, opts, p.NumScenarios())
	sinks.start(ctx, RunInfo{
		RunID:     opts.RunID,
		Mode:      ModeDirect,
		Scenarios: p.NumScenarios(),
		Dim:       p.Dim(),
		Rho:       opts.Rho,
		Started:   start,
	})

	X, err := ext.SolveExtensive(ctx, p)
	opts.Metrics.RecordOracleCall(ctx, string(ModeDirect), time.Since(start), err)
	if err == nil {
		err = p.CheckNonanticipative(X, NonanticipativityTolerance)
	}
	if err != nil {
		if !errors.Is(err, problem.ErrInfeasible) && !errors.Is(err, problem.ErrNotNonanticipative) && !errors.Is(err, problem.ErrProblemValidation) {
			err = fmt.Errorf("%w: extensive form: %w", ErrOracleFailure, err)
		}
		tracer.EndRun(ctx, span, nil, err)
		return nil, err
	}

	sol := &Solution{
		RunID:       opts.RunID,
		Mode:        ModeDirect,
		X:           X,
		Objective:   math.NaN(),
		Converged:   true,
		StopReason:  StopExact,
		OracleCalls: 1,
		Elapsed:     time.Since(start),
	}
	if p.HasObjective() {
		if v, err := p.Evaluate(X); err == nil {
			sol.Objective = v
		}
	}
	tr := p.Tree()
	sol.Consensus = make([][][]float64, p.NumStages())
	for t := range sol.Consensus {
		r := p.StageRange(t)
		sol.Consensus[t] = make([][]float64, tr.NumGroups(t))
		for _, g := range tr.GroupsAt(t) {
			first := tr.Members(t, g)[0]
			sol.Consensus[t][g] = append([]float64(nil), X[first][r.Start:r.End]...)
		}
	}

	sinks.finish(ctx, sol)
	tracer.EndRun(ctx, span, sol, nil)
	return sol, nil
}
