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
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
)

// RunInfo describes a solve to sinks when it starts.
type RunInfo struct {
	RunID     string    `json:"run_id"`
	Mode      Mode      `json:"mode"`
	Scenarios int       `json:"scenarios"`
	Dim       int       `json:"dim"`
	Rho       float64   `json:"rho"`
	Workers   int       `json:"workers"`
	Started   time.Time `json:"started"`
}

// RecordSink receives diagnostics as a solve produces them. Errors are
// logged by the solver and never abort the solve.
//
// Thread Safety: Implementations must be safe for concurrent use; the async
// hub may call them from several goroutines.
type RecordSink interface {
	// OnIteration receives every checkpoint record.
	OnIteration(ctx context.Context, runID string, rec consensus.IterationRecord) error

	// OnUpdate receives every applied async update.
	OnUpdate(ctx context.Context, runID string, rec consensus.UpdateRecord) error
}

// RunSink is implemented by sinks that track run boundaries.
type RunSink interface {
	OnStart(ctx context.Context, info RunInfo) error
	OnFinish(ctx context.Context, sol *Solution) error
}

// SnapshotSink is implemented by sinks that persist consensus snapshots
// for warm-start resume.
type SnapshotSink interface {
	OnSnapshot(ctx context.Context, runID string, version uint64, ws *consensus.WarmStart) error
}

// sinkSet fans records out to the configured sinks. Sinks see the run's
// context without its cancellation so a cancelled solve is still recorded.
type sinkSet struct {
	sinks  []RecordSink
	logger *slog.Logger
	runID  string
}

func (s sinkSet) start(ctx context.Context, info RunInfo) {
	ctx = context.WithoutCancel(ctx)
	for _, sink := range s.sinks {
		if rs, ok := sink.(RunSink); ok {
			if err := rs.OnStart(ctx, info); err != nil {
				s.logger.WarnContext(ctx, "sink start failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s sinkSet) finish(ctx context.Context, sol *Solution) {
	ctx = context.WithoutCancel(ctx)
	for _, sink := range s.sinks {
		if rs, ok := sink.(RunSink); ok {
			if err := rs.OnFinish(ctx, sol); err != nil {
				s.logger.WarnContext(ctx, "sink finish failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s sinkSet) iteration(ctx context.Context, rec consensus.IterationRecord) {
	ctx = context.WithoutCancel(ctx)
	for _, sink := range s.sinks {
		if err := sink.OnIteration(ctx, s.runID, rec); err != nil {
			s.logger.WarnContext(ctx, "sink iteration failed", slog.String("error", err.Error()))
		}
	}
}

func (s sinkSet) update(ctx context.Context, rec consensus.UpdateRecord) {
	ctx = context.WithoutCancel(ctx)
	for _, sink := range s.sinks {
		if err := sink.OnUpdate(ctx, s.runID, rec); err != nil {
			s.logger.WarnContext(ctx, "sink update failed", slog.String("error", err.Error()))
		}
	}
}

func (s sinkSet) wantsSnapshots() bool {
	for _, sink := range s.sinks {
		if _, ok := sink.(SnapshotSink); ok {
			return true
		}
	}
	return false
}

func (s sinkSet) snapshot(ctx context.Context, st *consensus.State) {
	if !s.wantsSnapshots() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	version, ws := st.Snapshot()
	for _, sink := range s.sinks {
		if ss, ok := sink.(SnapshotSink); ok {
			if err := ss.OnSnapshot(ctx, s.runID, version, ws); err != nil {
				s.logger.WarnContext(ctx, "sink snapshot failed", slog.String("error", err.Error()))
			}
		}
	}
}
