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
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
	"github.com/AleutianAI/AleutianHedge/services/hedge/problem"
	"github.com/AleutianAI/AleutianHedge/services/hedge/telemetry"
)

// Mode selects the execution mode of a solve.
type Mode string

const (
	// ModeDirect solves the extensive form once.
	ModeDirect Mode = "direct"

	// ModeSequential is classic PH: every scenario every iteration.
	ModeSequential Mode = "sequential"

	// ModeSync samples a batch per round and waits at a barrier.
	ModeSync Mode = "sync"

	// ModeAsync lets workers lease and complete scenarios without a barrier.
	ModeAsync Mode = "async"
)

// Strategy is the dispatch strategy shared by the iterative modes.
type Strategy int

const (
	// StrategyAll updates every scenario each round, in ascending order.
	StrategyAll Strategy = iota

	// StrategySampledBarrier updates a sampled batch each round.
	StrategySampledBarrier

	// StrategySampledNoBarrier updates sampled scenarios continuously.
	StrategySampledNoBarrier
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyAll:
		return "all"
	case StrategySampledBarrier:
		return "sampled-barrier"
	case StrategySampledNoBarrier:
		return "sampled-no-barrier"
	default:
		return "unknown"
	}
}

// Strategy returns the dispatch strategy of an iterative mode.
func (m Mode) Strategy() (Strategy, error) {
	switch m {
	case ModeSequential:
		return StrategyAll, nil
	case ModeSync:
		return StrategySampledBarrier, nil
	case ModeAsync:
		return StrategySampledNoBarrier, nil
	default:
		return 0, fmt.Errorf("%w: mode %q has no iterative strategy", ErrInvalidOptions, m)
	}
}

// Sampling selects how randomized modes draw scenarios.
type Sampling string

const (
	// SamplingUniform draws every scenario with equal weight.
	SamplingUniform Sampling = "uniform"

	// SamplingProbability draws scenarios proportionally to their probability.
	SamplingProbability Sampling = "probability"

	// SamplingCustom draws with Options.Weights.
	SamplingCustom Sampling = "custom"
)

// StalenessPolicy decides what happens to results older than MaxStaleness.
type StalenessPolicy string

const (
	// StalenessLog applies stale results and logs them at a throttled rate.
	StalenessLog StalenessPolicy = "log"

	// StalenessDrop discards stale results; the scenario is re-leased later
	// against a fresh read.
	StalenessDrop StalenessPolicy = "drop"
)

// Options configures a solve. Zero fields take the defaults of
// DefaultOptions when passed through Solve, except the limits documented
// as unbounded at zero.
type Options struct {
	// Mode selects the driver.
	Mode Mode

	// Rho is the penalty and dual step. Must be > 0.
	Rho float64

	// Relaxation scales the consensus anchor step, in (0, 2). 1 is classic PH.
	Relaxation float64

	// EpsPrimal and EpsDual are the convergence tolerances.
	EpsPrimal float64
	EpsDual   float64

	// MaxIter bounds rounds (sequential, sync) or applied updates (async).
	// Zero means unbounded.
	MaxIter int

	// MaxTime bounds wall time. Zero means unbounded.
	MaxTime time.Duration

	// PrintStep logs progress every PrintStep records. Zero disables it.
	PrintStep int

	// Sampling, Weights: scenario distribution of the randomized modes.
	Sampling Sampling
	Weights  []float64

	// Workers is the worker pool size of the randomized modes.
	Workers int

	// BatchSize is the number of scenarios per sync round. Zero means Workers.
	BatchSize int

	// Seed makes sampling reproducible.
	Seed uint64

	// CheckpointEvery is the async checkpoint cadence in applied updates.
	// Zero means one checkpoint per NumScenarios updates.
	CheckpointEvery int

	// MaxStaleness is the staleness above which StalenessPolicy applies.
	// Zero means unbounded.
	MaxStaleness    int
	StalenessPolicy StalenessPolicy

	// MaxFailures aborts an async solve once failed updates exceed it.
	// Zero means the default.
	MaxFailures int

	// OracleTimeout abandons oracle calls that take longer. Zero disables it.
	OracleTimeout time.Duration

	// LeaseTTL reclaims async leases that were not completed in time.
	// Zero keeps leases until completion.
	LeaseTTL time.Duration

	// SnapshotEvery forwards a consensus snapshot to SnapshotSinks every
	// SnapshotEvery records. Zero sends only the final snapshot.
	SnapshotEvery int

	// KeepUpdates bounds the retained async update log. Zero keeps all.
	KeepUpdates int

	// WarmStart seeds the consensus state.
	WarmStart *consensus.WarmStart

	// RunID identifies the run in logs, sinks and the journal. Empty means a
	// fresh UUID.
	RunID string

	// Logger receives progress and diagnostics. Nil means slog.Default().
	Logger *slog.Logger

	// Tracing enables OpenTelemetry spans for the run.
	Tracing bool

	// Metrics records solver instruments. Nil disables metrics.
	Metrics *telemetry.Metrics

	// Sinks receive records as they are produced.
	Sinks []RecordSink
}

// DefaultOptions returns the defaults used for zero fields.
func DefaultOptions() Options {
	return Options{
		Mode:            ModeSequential,
		Rho:             1,
		Relaxation:      1,
		EpsPrimal:       1e-6,
		EpsDual:         1e-6,
		MaxIter:         1000,
		Sampling:        SamplingUniform,
		Workers:         4,
		StalenessPolicy: StalenessLog,
		MaxFailures:     10,
	}
}

// withDefaults fills zero fields and validates the result against p.
func (o Options) withDefaults(p *problem.Problem) (Options, error) {
	def := DefaultOptions()
	if o.Mode == "" {
		o.Mode = def.Mode
	}
	if o.Rho == 0 {
		o.Rho = def.Rho
	}
	if o.Relaxation == 0 {
		o.Relaxation = def.Relaxation
	}
	if o.EpsPrimal == 0 {
		o.EpsPrimal = def.EpsPrimal
	}
	if o.EpsDual == 0 {
		o.EpsDual = def.EpsDual
	}
	if o.Sampling == "" {
		o.Sampling = def.Sampling
	}
	if o.Workers == 0 {
		o.Workers = def.Workers
	}
	if o.BatchSize == 0 {
		o.BatchSize = o.Workers
	}
	if o.BatchSize > p.NumScenarios() {
		o.BatchSize = p.NumScenarios()
	}
	if o.CheckpointEvery == 0 {
		o.CheckpointEvery = p.NumScenarios()
	}
	if o.MaxFailures == 0 {
		o.MaxFailures = def.MaxFailures
	}
	if o.StalenessPolicy == "" {
		o.StalenessPolicy = def.StalenessPolicy
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o, o.validate(p)
}

func (o Options) validate(p *problem.Problem) error {
	switch o.Mode {
	case ModeDirect, ModeSequential, ModeSync, ModeAsync:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidOptions, o.Mode)
	}
	if !(o.Rho > 0) || math.IsInf(o.Rho, 0) {
		return fmt.Errorf("%w: rho must be > 0, got %v", ErrInvalidOptions, o.Rho)
	}
	if !(o.EpsPrimal > 0) || !(o.EpsDual > 0) {
		return fmt.Errorf("%w: tolerances must be > 0", ErrInvalidOptions)
	}
	if o.MaxIter < 0 || o.MaxTime < 0 || o.PrintStep < 0 || o.MaxStaleness < 0 ||
		o.MaxFailures < 0 || o.OracleTimeout < 0 || o.LeaseTTL < 0 || o.SnapshotEvery < 0 || o.KeepUpdates < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidOptions)
	}
	if o.Workers < 1 || o.BatchSize < 1 || o.CheckpointEvery < 1 {
		return fmt.Errorf("%w: workers, batch size and checkpoint cadence must be >= 1", ErrInvalidOptions)
	}
	switch o.StalenessPolicy {
	case StalenessLog, StalenessDrop:
	default:
		return fmt.Errorf("%w: unknown staleness policy %q", ErrInvalidOptions, o.StalenessPolicy)
	}
	switch o.Sampling {
	case SamplingUniform, SamplingProbability:
	case SamplingCustom:
		if len(o.Weights) != p.NumScenarios() {
			return fmt.Errorf("%w: %d custom weights for %d scenarios", ErrInvalidOptions, len(o.Weights), p.NumScenarios())
		}
	default:
		return fmt.Errorf("%w: unknown sampling %q", ErrInvalidOptions, o.Sampling)
	}
	return nil
}

// terminator builds the termination policy of the options.
func (o Options) terminator(p *problem.Problem) Terminator {
	return Terminator{
		EpsPrimal:    o.EpsPrimal,
		EpsDual:      o.EpsDual,
		MaxIter:      o.MaxIter,
		MaxTime:      o.MaxTime,
		Scenarios:    p.NumScenarios(),
		CountUpdates: o.Mode == ModeAsync,
		FullWindow:   o.Mode == ModeAsync,
	}
}
