// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package problems

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianHedge/services/hedge/problem"
)

// Faulty wraps an oracle with injected failures and latency. It is used to
// exercise failure budgets and hard timeouts.
//
// Thread Safety: Safe for concurrent use if the wrapped oracle is.
type Faulty struct {
	// Oracle is the wrapped oracle. Required.
	Oracle problem.Oracle

	// FailEvery makes every FailEvery-th call fail with problem.ErrInfeasible.
	// Zero disables failures.
	FailEvery int64

	// Delay is slept before every call; cancellation cuts it short.
	Delay time.Duration

	calls atomic.Int64
}

// Calls returns the number of Solve calls so far.
func (f *Faulty) Calls() int64 { return f.calls.Load() }

// Solve implements problem.Oracle.
func (f *Faulty) Solve(ctx context.Context, req problem.Request) ([]float64, error) {
	n := f.calls.Add(1)
	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if f.FailEvery > 0 && n%f.FailEvery == 0 {
		return nil, fmt.Errorf("%w: injected failure on call %d (scenario %d)", problem.ErrInfeasible, n, req.Scenario.ID)
	}
	return f.Oracle.Solve(ctx, req)
}

// SolveExtensive forwards to the wrapped oracle when it supports it.
func (f *Faulty) SolveExtensive(ctx context.Context, p *problem.Problem) ([][]float64, error) {
	ext, ok := f.Oracle.(problem.ExtensiveOracle)
	if !ok {
		return nil, fmt.Errorf("%w: wrapped oracle has no extensive form", problem.ErrInfeasible)
	}
	return ext.SolveExtensive(ctx, p)
}
