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
	"time"

	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
)

// StopReason explains why a solve stopped.
type StopReason string

const (
	// StopNone means the solve should continue.
	StopNone StopReason = ""

	// StopConverged means both residuals fell below their tolerances.
	StopConverged StopReason = "converged"

	// StopMaxIter means the iteration or update limit was reached.
	StopMaxIter StopReason = "maxiter"

	// StopMaxTime means the wall-time limit was reached.
	StopMaxTime StopReason = "maxtime"

	// StopCancelled means the caller cancelled the context.
	StopCancelled StopReason = "cancelled"

	// StopFailures means the async failure budget was exhausted.
	StopFailures StopReason = "failures"

	// StopExact marks a direct (extensive-form) solve.
	StopExact StopReason = "exact"
)

// Terminator is the termination policy shared by every iterative driver.
//
// Thread Safety: Check is a pure function of its receiver and argument.
type Terminator struct {
	// EpsPrimal and EpsDual are the convergence tolerances.
	EpsPrimal float64
	EpsDual   float64

	// MaxIter bounds Iteration (or Updates when CountUpdates). Zero means
	// unbounded.
	MaxIter int

	// MaxTime bounds Elapsed. Zero means unbounded.
	MaxTime time.Duration

	// Scenarios is the number of scenarios that must have contributed
	// before convergence can be declared.
	Scenarios int

	// CountUpdates switches MaxIter from checkpoints to applied updates.
	CountUpdates bool

	// FullWindow requires every scenario to be updated in the record's
	// window before convergence can be declared. The primal residual only
	// covers updated scenarios.
	FullWindow bool
}

// Check decides whether to stop after rec.
//
// Description:
//
//	Convergence is checked first, then the iteration limit, then the time
//	limit. Convergence requires every scenario to take part in the
//	averages, so a sampled run cannot stop on a partial consensus, and
//	with FullWindow every scenario to be updated in the window.
//
// Outputs:
//   - StopReason: StopNone to continue.
func (t Terminator) Check(rec consensus.IterationRecord) StopReason {
	covered := !t.FullWindow || rec.Touched >= t.Scenarios
	if covered && rec.Contributed >= t.Scenarios && rec.PrimalResidual < t.EpsPrimal && rec.DualResidual < t.EpsDual {
		return StopConverged
	}
	if t.MaxIter > 0 {
		count := uint64(rec.Iteration)
		if t.CountUpdates {
			count = rec.Updates
		}
		if count >= uint64(t.MaxIter) {
			return StopMaxIter
		}
	}
	if t.MaxTime > 0 && rec.Elapsed >= t.MaxTime {
		return StopMaxTime
	}
	return StopNone
}

// UpdatesExhausted reports whether applied updates reached MaxIter in
// update-counting mode.
func (t Terminator) UpdatesExhausted(applied uint64) bool {
	return t.CountUpdates && t.MaxIter > 0 && applied >= uint64(t.MaxIter)
}
