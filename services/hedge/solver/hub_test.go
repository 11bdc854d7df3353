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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHedge/services/hedge/problem"
	"github.com/AleutianAI/AleutianHedge/services/hedge/problems"
)

// solveTask runs the problem's oracle on a leased task.
func solveTask(t *testing.T, p *problem.Problem, task Task) []float64 {
	t.Helper()
	x, err := p.Oracle().Solve(context.Background(), problem.Request{
		Scenario:  p.Scenario(task.Scenario),
		Consensus: task.Consensus,
		Dual:      task.Dual,
		Rho:       task.Rho,
	})
	require.NoError(t, err)
	return x
}

func TestHub_LeasesAreExclusive(t *testing.T) {
	p := quadratic(t, 2, 3, 1)
	hub, err := NewHub(p, Options{})
	require.NoError(t, err)
	defer hub.Stop(StopCancelled)

	seen := make(map[int]bool)
	tasks := make([]Task, 0, p.NumScenarios())
	for i := 0; i < p.NumScenarios(); i++ {
		task, err := hub.Lease(context.Background(), "w")
		require.NoError(t, err)
		assert.False(t, seen[task.Scenario])
		seen[task.Scenario] = true
		tasks = append(tasks, task)
	}
	assert.Equal(t, p.NumScenarios(), hub.Status().InFlight)

	// Every scenario is leased: the next lease blocks until one completes.
	leased := make(chan Task, 1)
	go func() {
		task, err := hub.Lease(context.Background(), "late")
		if err == nil {
			leased <- task
		}
		close(leased)
	}()
	select {
	case <-leased:
		t.Fatal("lease must block while every scenario is leased")
	case <-time.After(20 * time.Millisecond):
	}

	first := tasks[0]
	ack, err := hub.Complete(context.Background(), Result{LeaseID: first.LeaseID, Worker: "w", Scenario: first.Scenario, Primal: solveTask(t, p, first)})
	require.NoError(t, err)
	assert.True(t, ack.Applied)
	assert.Equal(t, uint64(1), ack.Version)
	assert.Zero(t, ack.Staleness)

	task, ok := <-leased
	require.True(t, ok)
	assert.Equal(t, first.Scenario, task.Scenario)
	assert.Equal(t, uint64(1), task.ReadVersion)
}

func TestHub_UnknownLease(t *testing.T) {
	p := quadratic(t, 2, 2, 1)
	hub, err := NewHub(p, Options{})
	require.NoError(t, err)
	defer hub.Stop(StopCancelled)

	_, err = hub.Complete(context.Background(), Result{LeaseID: "nope", Primal: []float64{0, 0, 0, 0}})
	assert.ErrorIs(t, err, ErrUnknownLease)

	st := hub.Status()
	assert.Equal(t, int64(1), st.OracleCalls)
	assert.Equal(t, int64(1), st.Discarded)
}

func TestHub_Staleness(t *testing.T) {
	for _, tc := range []struct {
		policy      StalenessPolicy
		wantApplied bool
	}{
		{StalenessLog, true},
		{StalenessDrop, false},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			p := quadratic(t, 2, 3, 1)
			hub, err := NewHub(p, Options{MaxStaleness: 1, StalenessPolicy: tc.policy, MaxIter: 1000})
			require.NoError(t, err)
			defer hub.Stop(StopCancelled)

			tasks := make([]Task, 3)
			for i := range tasks {
				tasks[i], err = hub.Lease(context.Background(), "w")
				require.NoError(t, err)
			}
			// Two other updates land before the last task completes.
			for _, task := range tasks[:2] {
				ack, err := hub.Complete(context.Background(), Result{LeaseID: task.LeaseID, Primal: solveTask(t, p, task)})
				require.NoError(t, err)
				require.True(t, ack.Applied)
			}

			last := tasks[2]
			ack, err := hub.Complete(context.Background(), Result{LeaseID: last.LeaseID, Primal: solveTask(t, p, last)})
			require.NoError(t, err)
			assert.Equal(t, tc.wantApplied, ack.Applied)
			assert.Equal(t, !tc.wantApplied, ack.Dropped)
			if tc.wantApplied {
				assert.Equal(t, 2, ack.Staleness)
			}

			st := hub.Status()
			assert.Zero(t, st.InFlight)
			if tc.wantApplied {
				assert.Equal(t, uint64(3), st.Version)
			} else {
				assert.Equal(t, int64(1), st.Dropped)
				assert.Equal(t, uint64(2), st.Version)
			}
		})
	}
}

func TestHub_FailedResultsAreDroppedAndRetried(t *testing.T) {
	p := quadratic(t, 2, 2, 1)
	hub, err := NewHub(p, Options{MaxFailures: 5})
	require.NoError(t, err)
	defer hub.Stop(StopCancelled)

	task, err := hub.Lease(context.Background(), "w")
	require.NoError(t, err)
	ack, err := hub.Complete(context.Background(), Result{LeaseID: task.LeaseID, Failed: true, Error: "solver crashed"})
	require.NoError(t, err)
	assert.False(t, ack.Applied)
	assert.False(t, ack.Done)

	st := hub.Status()
	assert.Equal(t, int64(1), st.Failures)
	assert.Equal(t, uint64(0), st.Version)
	assert.Zero(t, st.InFlight)

	// A non-finite primal counts as a failure too.
	task, err = hub.Lease(context.Background(), "w")
	require.NoError(t, err)
	bad := make([]float64, p.Dim())
	bad[0] = 1 / zero()
	_, err = hub.Complete(context.Background(), Result{LeaseID: task.LeaseID, Primal: bad})
	require.NoError(t, err)
	assert.Equal(t, int64(2), hub.Status().Failures)
}

func zero() float64 { return 0 }

func TestHub_LeaseTTL(t *testing.T) {
	p := quadratic(t, 2, 2, 1)
	hub, err := NewHub(p, Options{LeaseTTL: 10 * time.Millisecond})
	require.NoError(t, err)
	defer hub.Stop(StopCancelled)

	stale, err := hub.Lease(context.Background(), "slow")
	require.NoError(t, err)
	_, err = hub.Lease(context.Background(), "slow")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	fresh, err := hub.Lease(ctx, "fast")
	require.NoError(t, err)
	assert.Equal(t, int64(2), hub.Status().Expired)
	assert.Equal(t, 1, hub.Status().InFlight)

	_, err = hub.Complete(context.Background(), Result{LeaseID: stale.LeaseID, Primal: make([]float64, p.Dim())})
	assert.ErrorIs(t, err, ErrUnknownLease)
	_, err = hub.Complete(context.Background(), Result{LeaseID: fresh.LeaseID, Primal: solveTask(t, p, fresh)})
	assert.NoError(t, err)
}

func TestHub_StopEndsLeases(t *testing.T) {
	p := quadratic(t, 2, 2, 1)
	hub, err := NewHub(p, Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := hub.Lease(context.Background(), "w"); err != nil {
					assert.ErrorIs(t, err, ErrSolveFinished)
					return
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	hub.Stop(StopCancelled)
	hub.Stop(StopMaxTime)
	wg.Wait()

	select {
	case <-hub.Done():
	default:
		t.Fatal("done must be closed")
	}
	st := hub.Status()
	assert.True(t, st.Finished)
	assert.Equal(t, StopCancelled, st.StopReason)
}

func TestHub_RunWithExternalWorkers(t *testing.T) {
	p := quadratic(t, 3, 2, 4)
	hub, err := NewHub(p, Options{MaxIter: 100000, Seed: 5})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	stats := make([]WorkerStats, 3)
	for i := range stats {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			stats[i], err = RunWorker(ctx, hub, p, WorkerOptions{})
			assert.NoError(t, err)
		}()
	}

	sol, err := hub.Run(ctx)
	require.NoError(t, err)
	wg.Wait()

	require.True(t, sol.Converged)
	assert.Equal(t, ModeAsync, sol.Mode)
	var applied int64
	for _, s := range stats {
		applied += s.Applied
		assert.NotEmpty(t, s.ID)
	}
	assert.Equal(t, int64(sol.Updates), applied)
	requireAccounting(t, sol)
}

func TestHub_RunCancelled(t *testing.T) {
	p := quadratic(t, 2, 2, 1)
	hub, err := NewHub(p, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sol, err := hub.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sol)
	assert.Equal(t, StopCancelled, sol.StopReason)
	assert.Equal(t, 1, sol.Iterations, "a final checkpoint is always taken")

	_, err = hub.Lease(context.Background(), "w")
	assert.ErrorIs(t, err, ErrSolveFinished)
}

func TestRunWorker_ReportsFailures(t *testing.T) {
	base := quadratic(t, 2, 2, 1)
	f := &problems.Faulty{FailEvery: 3}
	p := faulty(t, base, f)

	hub, err := NewHub(p, Options{MaxFailures: 2, Workers: 1})
	require.NoError(t, err)

	done := make(chan WorkerStats, 1)
	go func() {
		stats, err := RunWorker(context.Background(), hub, p, WorkerOptions{ID: "solo"})
		assert.NoError(t, err)
		done <- stats
	}()

	sol, err := hub.Run(context.Background())
	assert.ErrorIs(t, err, ErrTooManyFailures)
	stats := <-done

	assert.Equal(t, "solo", stats.ID)
	assert.Equal(t, int64(3), stats.Failures)
	assert.Equal(t, stats.Calls, f.Calls())
	assert.Equal(t, int64(3), sol.OracleFailures)
	requireAccounting(t, sol)
}

func TestRunWorker_Cancelled(t *testing.T) {
	p := faulty(t, quadratic(t, 2, 2, 1), &problems.Faulty{Delay: time.Second})
	hub, err := NewHub(p, Options{})
	require.NoError(t, err)
	defer hub.Stop(StopCancelled)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	stats, err := RunWorker(ctx, hub, p, WorkerOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), stats.Failures)

	// The abandoned lease was returned.
	assert.Zero(t, hub.Status().InFlight)
	assert.Equal(t, int64(1), hub.Status().Failures)
}

// farPrimal is a valid but far-off result that would move the consensus.
func farPrimal(p *problem.Problem) []float64 {
	x := make([]float64, p.Dim())
	for k := range x {
		x[k] = 1e3
	}
	return x
}

func TestHub_ResultAfterConvergenceIsDiscarded(t *testing.T) {
	p := quadratic(t, 2, 3, 1)
	hub, err := NewHub(p, Options{Seed: 3, MaxIter: 200000})
	require.NoError(t, err)
	ctx := context.Background()

	// Keep one lease outstanding at every completion, so the completion
	// that converges always leaves a result in flight.
	pending, err := hub.Lease(ctx, "w")
	require.NoError(t, err)
	for !hub.Status().Finished {
		next, err := hub.Lease(ctx, "w")
		require.NoError(t, err)
		_, err = hub.Complete(ctx, Result{LeaseID: pending.LeaseID, Worker: "w", Scenario: pending.Scenario, Primal: solveTask(t, p, pending)})
		require.NoError(t, err)
		pending = next
	}
	version := hub.Status().Version

	ack, err := hub.Complete(ctx, Result{LeaseID: pending.LeaseID, Worker: "w", Scenario: pending.Scenario, Primal: farPrimal(p)})
	require.ErrorIs(t, err, ErrSolveFinished)
	assert.True(t, ack.Done)
	assert.False(t, ack.Applied)

	sol, err := hub.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StopConverged, sol.StopReason)
	assert.True(t, sol.Converged)
	assert.Equal(t, version, sol.Updates)
	assert.Less(t, sol.PrimalResidual, DefaultOptions().EpsPrimal)
	assert.Less(t, sol.DualResidual, DefaultOptions().EpsDual)
	last := sol.History[len(sol.History)-1]
	assert.Equal(t, sol.Updates, last.Updates, "no checkpoint after the converging one")
	assert.Equal(t, p.NumScenarios(), last.Touched)
	for _, row := range sol.X {
		for _, v := range row {
			assert.Less(t, v, 100.0)
		}
	}
	requireAccounting(t, sol)
}

func TestHub_ApplyWaitingOnCheckpointIsDiscarded(t *testing.T) {
	p := quadratic(t, 2, 3, 1)
	hub, err := NewHub(p, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := hub.Lease(ctx, "w")
	require.NoError(t, err)
	_, err = hub.Complete(ctx, Result{LeaseID: first.LeaseID, Worker: "w", Scenario: first.Scenario, Primal: solveTask(t, p, first)})
	require.NoError(t, err)
	held, err := hub.Lease(ctx, "w")
	require.NoError(t, err)

	// Hold the checkpoint side of the gate while the result arrives, then
	// end the solve before releasing it.
	hub.gate.Lock()
	type outcome struct {
		ack Ack
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ack, err := hub.Complete(ctx, Result{LeaseID: held.LeaseID, Worker: "w", Scenario: held.Scenario, Primal: farPrimal(p)})
		done <- outcome{ack, err}
	}()
	select {
	case <-done:
		t.Fatal("apply must wait for the checkpoint")
	case <-time.After(20 * time.Millisecond):
	}
	hub.mu.Lock()
	hub.finishLocked(StopConverged, nil)
	hub.mu.Unlock()
	hub.gate.Unlock()

	got := <-done
	require.ErrorIs(t, got.err, ErrSolveFinished)
	assert.True(t, got.ack.Done)

	sol, err := hub.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sol.Updates)
	assert.Equal(t, int64(1), sol.Discarded)
	for _, row := range sol.X {
		for _, v := range row {
			assert.Less(t, v, 100.0)
		}
	}
	requireAccounting(t, sol)
}
