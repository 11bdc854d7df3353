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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
	"github.com/AleutianAI/AleutianHedge/services/hedge/problem"
)

// Task is a leased scenario update: the view the worker must solve against.
type Task struct {
	LeaseID     string    `json:"lease_id"`
	Scenario    int       `json:"scenario"`
	Consensus   []float64 `json:"consensus"`
	Dual        []float64 `json:"dual"`
	Rho         float64   `json:"rho"`
	ReadVersion uint64    `json:"read_version"`
}

// Result is the worker's answer to a Task.
type Result struct {
	LeaseID  string    `json:"lease_id"`
	Worker   string    `json:"worker"`
	Scenario int       `json:"scenario"`
	Primal   []float64 `json:"primal,omitempty"`

	// Failed marks a failed or abandoned oracle call; Error describes it.
	Failed bool   `json:"failed,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Ack tells the worker what happened to its Result.
type Ack struct {
	Applied   bool   `json:"applied"`
	Dropped   bool   `json:"dropped,omitempty"`
	Version   uint64 `json:"version"`
	Staleness int    `json:"staleness"`
	Done      bool   `json:"done"`
}

// Coordinator is the contract between async workers and the owner of the
// consensus state. The in-process Hub and the HTTP client of the remote
// coordinator both implement it.
type Coordinator interface {
	// Lease hands out a scenario not currently leased. It blocks while every
	// scenario is leased and returns ErrSolveFinished after termination.
	Lease(ctx context.Context, worker string) (Task, error)

	// Complete reports a result for a lease.
	Complete(ctx context.Context, res Result) (Ack, error)
}

// HubStatus is a point-in-time view of an async solve.
type HubStatus struct {
	RunID       string                     `json:"run_id"`
	Scenarios   int                        `json:"scenarios"`
	Version     uint64                     `json:"version"`
	InFlight    int                        `json:"in_flight"`
	OracleCalls int64                      `json:"oracle_calls"`
	Failures    int64                      `json:"failures"`
	Dropped     int64                      `json:"dropped"`
	Discarded   int64                      `json:"discarded"`
	Expired     int64                      `json:"expired"`
	Iteration   int                        `json:"iteration"`
	Last        *consensus.IterationRecord `json:"last,omitempty"`
	Finished    bool                       `json:"finished"`
	StopReason  StopReason                 `json:"stop_reason,omitempty"`
	Elapsed     time.Duration              `json:"elapsed"`
}

type lease struct {
	scenario  int
	consensus []float64
	version   uint64
	worker    string
	issued    time.Time
}

// Hub owns the consensus state of an asynchronous solve and serves leases
// to workers.
//
// Description:
//
//	Lease samples a scenario that is not leased, so each scenario is on at
//	most one worker. Complete applies the result through the per-group
//	locks of the consensus state without holding the hub lock, so updates
//	of disjoint groups overlap. Once CheckpointEvery updates covering every
//	scenario have been applied the hub checkpoints residuals and checks
//	termination. Checkpoints exclude applies, and no result is applied
//	after a checkpoint ends the solve. Failed results are
//	dropped and counted; once they exceed MaxFailures the solve aborts with
//	ErrTooManyFailures.
//
// Thread Safety: Safe for concurrent use.
type Hub struct {
	r        *run
	mode     string
	staleLog rate.Sometimes

	mu              sync.Mutex
	smp             *sampler
	leases          map[string]*lease
	wake            chan struct{}
	win             window
	sinceCheckpoint int
	applied         uint64
	budget          *failureBudget
	finished        bool
	reason          StopReason
	err             error
	done            chan struct{}
	applying        sync.WaitGroup

	// covered marks the scenarios applied since the last checkpoint.
	covered      []bool
	coveredCount int

	// gate orders applies against checkpoints: applies hold it shared,
	// checkpoints exclusively. closed is set under the hub lock on
	// termination and read under gate, so no apply lands after a
	// terminating checkpoint.
	gate   sync.RWMutex
	closed atomic.Bool
}

// coverageSlack bounds how long a checkpoint waits for every scenario to
// be applied: at most coverageSlack × CheckpointEvery updates.
const coverageSlack = 8

// NewHub creates the hub of an asynchronous solve. The solve clock starts
// now; call Run to wait for termination.
//
// Outputs:
//   - *Hub: Ready to serve Lease and Complete.
//   - error: ErrInvalidOptions for bad options.
func NewHub(p *problem.Problem, opts Options) (*Hub, error) {
	opts.Mode = ModeAsync
	r, err := newRun(p, opts)
	if err != nil {
		return nil, err
	}
	smp, err := newSampler(r.opts.Sampling, r.opts.Weights, p, r.opts.Seed)
	if err != nil {
		return nil, err
	}
	return &Hub{
		r:        r,
		mode:     string(ModeAsync),
		staleLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		smp:      smp,
		leases:   make(map[string]*lease),
		wake:     make(chan struct{}),
		budget:   newFailureBudget(r.opts.MaxFailures),
		done:     make(chan struct{}),
		covered:  make([]bool, p.NumScenarios()),
	}, nil
}

// RunID returns the run identifier.
func (h *Hub) RunID() string { return h.r.opts.RunID }

// Problem returns the problem being solved.
func (h *Hub) Problem() *problem.Problem { return h.r.p }

// Done is closed once the solve has terminated.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Lease implements Coordinator.
func (h *Hub) Lease(ctx context.Context, worker string) (Task, error) {
	for {
		h.mu.Lock()
		if h.finished {
			h.mu.Unlock()
			return Task{}, ErrSolveFinished
		}
		h.reclaimExpiredLocked(ctx)

		if s, ok := h.smp.Take(); ok {
			v, err := h.r.state.View(s)
			if err != nil {
				h.smp.Release(s)
				h.mu.Unlock()
				return Task{}, err
			}
			id := uuid.NewString()
			h.leases[id] = &lease{
				scenario:  s,
				consensus: v.Consensus,
				version:   v.Version,
				worker:    worker,
				issued:    time.Now(),
			}
			h.mu.Unlock()
			h.r.opts.Metrics.AddLeases(ctx, 1)
			return Task{
				LeaseID:     id,
				Scenario:    s,
				Consensus:   append([]float64(nil), v.Consensus...),
				Dual:        v.Dual,
				Rho:         h.r.opts.Rho,
				ReadVersion: v.Version,
			}, nil
		}

		wake := h.wake
		h.mu.Unlock()
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-h.done:
			return Task{}, ErrSolveFinished
		case <-wake:
		}
	}
}

// Complete implements Coordinator.
func (h *Hub) Complete(ctx context.Context, res Result) (Ack, error) {
	h.mu.Lock()
	h.r.oracleCalls.Add(1)
	if h.finished {
		h.r.discarded.Add(1)
		h.mu.Unlock()
		return Ack{Done: true}, ErrSolveFinished
	}
	l, ok := h.leases[res.LeaseID]
	if !ok {
		h.r.discarded.Add(1)
		h.mu.Unlock()
		return Ack{}, fmt.Errorf("%w: %q", ErrUnknownLease, res.LeaseID)
	}
	delete(h.leases, res.LeaseID)
	h.r.opts.Metrics.AddLeases(ctx, -1)

	if res.Failed {
		h.failLocked(ctx, l, res.Worker, res.Error)
		ack := Ack{Done: h.finished}
		h.mu.Unlock()
		return ack, nil
	}

	if h.r.opts.MaxStaleness > 0 && h.r.opts.StalenessPolicy == StalenessDrop {
		if lag := int(h.r.state.Version() - l.version); lag > h.r.opts.MaxStaleness {
			h.r.droppedStale.Add(1)
			h.r.opts.Metrics.RecordDroppedStale(ctx, h.mode)
			h.releaseLocked(l.scenario)
			h.r.logger.DebugContext(ctx, "stale result dropped",
				slog.Int("scenario", l.scenario),
				slog.Int("staleness", lag),
				slog.String("worker", res.Worker),
			)
			h.mu.Unlock()
			return Ack{Dropped: true}, nil
		}
	}

	h.applying.Add(1)
	h.mu.Unlock()

	h.gate.RLock()
	if h.closed.Load() {
		h.gate.RUnlock()
		h.mu.Lock()
		defer h.mu.Unlock()
		defer h.applying.Done()
		h.r.discarded.Add(1)
		h.releaseLocked(l.scenario)
		return Ack{Done: true}, ErrSolveFinished
	}
	applied, err := h.r.state.Apply(consensus.Update{
		Scenario:    l.scenario,
		Primal:      res.Primal,
		Consensus:   l.consensus,
		ReadVersion: l.version,
	})
	h.gate.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	defer h.applying.Done()

	if err != nil {
		h.failLocked(ctx, l, res.Worker, err.Error())
		return Ack{Done: h.finished}, nil
	}
	h.releaseLocked(l.scenario)
	h.budget.RecordSuccess()
	h.applied++

	rec := consensus.UpdateRecord{
		Seq:          h.applied,
		Scenario:     l.scenario,
		Worker:       res.Worker,
		ReadVersion:  l.version,
		ApplyVersion: applied.Version,
		Staleness:    applied.Staleness,
	}
	h.r.history.AddUpdate(rec)
	h.r.sinks.update(ctx, rec)
	h.r.opts.Metrics.RecordUpdate(ctx, h.mode, applied.Staleness)
	h.win.add(applied.Staleness)

	if h.r.opts.MaxStaleness > 0 && applied.Staleness > h.r.opts.MaxStaleness {
		h.staleLog.Do(func() {
			h.r.logger.WarnContext(ctx, "stale update applied",
				slog.Int("scenario", l.scenario),
				slog.Int("staleness", applied.Staleness),
				slog.Int("max_staleness", h.r.opts.MaxStaleness),
				slog.String("worker", res.Worker),
			)
		})
	}

	h.sinceCheckpoint++
	if !h.covered[l.scenario] {
		h.covered[l.scenario] = true
		h.coveredCount++
	}
	if !h.finished && h.checkpointDueLocked() {
		// Wait out applies in progress so the checked state is the one a
		// stop reports.
		h.gate.Lock()
		rec := h.checkpointLocked(ctx)
		if reason := h.r.term.Check(rec); reason != StopNone {
			h.finishLocked(reason, nil)
		}
		h.gate.Unlock()
	}

	return Ack{
		Applied:   true,
		Version:   applied.Version,
		Staleness: applied.Staleness,
		Done:      h.finished,
	}, nil
}

// failLocked drops a failed result and charges the failure budget.
func (h *Hub) failLocked(ctx context.Context, l *lease, worker, msg string) {
	h.r.oracleFailures.Add(1)
	h.r.opts.Metrics.RecordFailure(ctx, h.mode, "oracle")
	h.releaseLocked(l.scenario)
	h.r.logger.WarnContext(ctx, "update dropped after oracle failure",
		slog.Int("scenario", l.scenario),
		slog.String("worker", worker),
		slog.String("error", msg),
	)
	if h.budget.RecordFailure(msg) {
		total, _, _ := h.budget.Stats()
		h.finishLocked(StopFailures, fmt.Errorf("%w: %d failures exceed %d, last: %s",
			ErrTooManyFailures, total, h.r.opts.MaxFailures, msg))
	}
}

// releaseLocked returns a scenario to the sampler and wakes waiting leases.
func (h *Hub) releaseLocked(s int) {
	h.smp.Release(s)
	close(h.wake)
	h.wake = make(chan struct{})
}

func (h *Hub) reclaimExpiredLocked(ctx context.Context) {
	ttl := h.r.opts.LeaseTTL
	if ttl <= 0 {
		return
	}
	now := time.Now()
	for id, l := range h.leases {
		if now.Sub(l.issued) <= ttl {
			continue
		}
		delete(h.leases, id)
		h.r.expired.Add(1)
		h.r.opts.Metrics.AddLeases(ctx, -1)
		h.releaseLocked(l.scenario)
		h.r.logger.WarnContext(ctx, "lease expired",
			slog.String("lease_id", id),
			slog.Int("scenario", l.scenario),
			slog.String("worker", l.worker),
		)
	}
}

// checkpointDueLocked reports whether the window is complete: CheckpointEvery
// updates covering every scenario, or the coverage slack is used up, or
// the update limit is reached.
func (h *Hub) checkpointDueLocked() bool {
	if h.r.term.UpdatesExhausted(h.applied) {
		return true
	}
	every := h.r.opts.CheckpointEvery
	if h.sinceCheckpoint < every {
		return false
	}
	return h.coveredCount == len(h.covered) || h.sinceCheckpoint >= coverageSlack*every
}

func (h *Hub) checkpointLocked(ctx context.Context) consensus.IterationRecord {
	rec := h.r.checkpoint(ctx, h.win)
	h.win = window{}
	h.sinceCheckpoint = 0
	clear(h.covered)
	h.coveredCount = 0
	return rec
}

func (h *Hub) finishLocked(reason StopReason, err error) {
	if h.finished {
		return
	}
	h.finished = true
	h.closed.Store(true)
	h.reason = reason
	h.err = err
	close(h.done)
	close(h.wake)
	h.wake = make(chan struct{})
}

// Stop terminates the solve with reason. Later calls are no-ops.
func (h *Hub) Stop(reason StopReason) {
	h.mu.Lock()
	h.finishLocked(reason, nil)
	h.mu.Unlock()
}

// Run waits until the solve terminates (convergence, limits, failure
// budget, Stop, or ctx cancellation) and returns the solution.
//
// Description:
//
//	After termination no new leases are served. Updates that were already
//	being applied are waited for, a final checkpoint covers any updates
//	since the last one, and the state is materialized.
//
// Outputs:
//   - *Solution: Always non-nil once the hub was created.
//   - error: ErrTooManyFailures (wrapped) or ctx.Err(); nil for
//     convergence and limit exhaustion.
func (h *Hub) Run(ctx context.Context) (*Solution, error) {
	rctx, span := h.r.begin(ctx)
	h.await(ctx)
	return h.materialize(rctx, span)
}

// await blocks until the solve terminates, enforcing MaxTime and ctx.
func (h *Hub) await(ctx context.Context) {
	var timeout <-chan time.Time
	if h.r.opts.MaxTime > 0 {
		timer := time.NewTimer(max(0, h.r.opts.MaxTime-time.Since(h.r.start)))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		h.mu.Lock()
		h.finishLocked(StopCancelled, ctx.Err())
		h.mu.Unlock()
	case <-timeout:
		h.Stop(StopMaxTime)
	}
}

// materialize waits for in-flight applies, takes a final checkpoint if the
// state moved since the last one, and builds the solution. Counters are
// read under the hub lock so late results are either fully counted or not
// at all.
func (h *Hub) materialize(rctx context.Context, span trace.Span) (*Solution, error) {
	h.applying.Wait()

	h.mu.Lock()
	if !h.r.hasRecord || h.r.state.Version() != h.r.last.Updates {
		h.checkpointLocked(rctx)
	}
	reason, err := h.reason, h.err
	h.r.opts.Metrics.AddLeases(rctx, -int64(len(h.leases)))
	clear(h.leases)
	sol := h.r.solution(reason)
	h.mu.Unlock()

	return h.r.finish(rctx, span, sol, err), err
}

// Status returns a snapshot of the solve's progress.
func (h *Hub) Status() HubStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := HubStatus{
		RunID:       h.r.opts.RunID,
		Scenarios:   h.r.p.NumScenarios(),
		Version:     h.r.state.Version(),
		InFlight:    len(h.leases),
		OracleCalls: h.r.oracleCalls.Load(),
		Failures:    h.r.oracleFailures.Load(),
		Dropped:     h.r.droppedStale.Load(),
		Discarded:   h.r.discarded.Load(),
		Expired:     h.r.expired.Load(),
		Iteration:   h.r.iteration,
		Finished:    h.finished,
		StopReason:  h.reason,
		Elapsed:     time.Since(h.r.start),
	}
	if h.r.hasRecord {
		last := h.r.last
		st.Last = &last
	}
	return st
}
