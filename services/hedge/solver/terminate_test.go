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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
)

func TestTerminator_Check(t *testing.T) {
	term := Terminator{EpsPrimal: 1e-6, EpsDual: 1e-6, MaxIter: 10, MaxTime: time.Second, Scenarios: 4}

	tests := []struct {
		name string
		term Terminator
		rec  consensus.IterationRecord
		want StopReason
	}{
		{
			name: "continue",
			term: term,
			rec:  consensus.IterationRecord{Iteration: 1, Contributed: 4, PrimalResidual: 1, DualResidual: 1},
			want: StopNone,
		},
		{
			name: "converged",
			term: term,
			rec:  consensus.IterationRecord{Iteration: 1, Contributed: 4, PrimalResidual: 1e-7, DualResidual: 1e-7},
			want: StopConverged,
		},
		{
			name: "partial consensus never converges",
			term: term,
			rec:  consensus.IterationRecord{Iteration: 1, Contributed: 3, PrimalResidual: 0, DualResidual: 0},
			want: StopNone,
		},
		{
			name: "only primal below tolerance",
			term: term,
			rec:  consensus.IterationRecord{Iteration: 1, Contributed: 4, PrimalResidual: 0, DualResidual: 1e-5},
			want: StopNone,
		},
		{
			name: "convergence wins over limits",
			term: term,
			rec:  consensus.IterationRecord{Iteration: 10, Contributed: 4, Elapsed: time.Hour},
			want: StopConverged,
		},
		{
			name: "max iter",
			term: term,
			rec:  consensus.IterationRecord{Iteration: 10, Contributed: 4, PrimalResidual: 1, DualResidual: 1},
			want: StopMaxIter,
		},
		{
			name: "max iter before max time",
			term: term,
			rec:  consensus.IterationRecord{Iteration: 11, PrimalResidual: 1, DualResidual: 1, Elapsed: time.Hour},
			want: StopMaxIter,
		},
		{
			name: "max time",
			term: term,
			rec:  consensus.IterationRecord{Iteration: 2, PrimalResidual: 1, DualResidual: 1, Elapsed: time.Second},
			want: StopMaxTime,
		},
		{
			name: "updates counted in async",
			term: Terminator{EpsPrimal: 1e-6, EpsDual: 1e-6, MaxIter: 100, Scenarios: 4, CountUpdates: true},
			rec:  consensus.IterationRecord{Iteration: 5, Updates: 100, PrimalResidual: 1, DualResidual: 1},
			want: StopMaxIter,
		},
		{
			name: "partial window cannot converge",
			term: Terminator{EpsPrimal: 1e-6, EpsDual: 1e-6, Scenarios: 4, FullWindow: true},
			rec:  consensus.IterationRecord{Iteration: 5, Contributed: 4, Touched: 3},
			want: StopNone,
		},
		{
			name: "full window converges",
			term: Terminator{EpsPrimal: 1e-6, EpsDual: 1e-6, Scenarios: 4, FullWindow: true},
			rec:  consensus.IterationRecord{Iteration: 5, Contributed: 4, Touched: 4},
			want: StopConverged,
		},
		{
			name: "unbounded",
			term: Terminator{EpsPrimal: 1e-6, EpsDual: 1e-6, Scenarios: 4},
			rec:  consensus.IterationRecord{Iteration: 1 << 20, PrimalResidual: 1, DualResidual: 1, Elapsed: time.Hour},
			want: StopNone,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.term.Check(tc.rec))
		})
	}
}

func TestTerminator_UpdatesExhausted(t *testing.T) {
	assert.False(t, Terminator{MaxIter: 5}.UpdatesExhausted(10))
	assert.False(t, Terminator{CountUpdates: true}.UpdatesExhausted(10))
	assert.False(t, Terminator{MaxIter: 5, CountUpdates: true}.UpdatesExhausted(4))
	assert.True(t, Terminator{MaxIter: 5, CountUpdates: true}.UpdatesExhausted(5))
}

func TestTerminator_CheckDoesNotMutateState(t *testing.T) {
	p := quadratic(t, 3, 2, 1)
	r, err := newRun(p, Options{Mode: ModeSequential, MaxIter: 2000})
	require.NoError(t, err)

	reason, err := r.solveRounds(context.Background(), StrategyAll)
	require.NoError(t, err)
	require.Equal(t, StopConverged, reason)

	version, before := r.state.Snapshot()
	for i := 0; i < 3; i++ {
		assert.Equal(t, StopConverged, r.term.Check(r.last))
	}
	after, snap := r.state.Snapshot()
	assert.Equal(t, version, after)
	assert.Equal(t, before, snap)
	assert.Equal(t, r.iteration, len(r.history.Iterations()))
}
