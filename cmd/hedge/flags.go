// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/AleutianAI/AleutianHedge/services/hedge/problem"
	"github.com/AleutianAI/AleutianHedge/services/hedge/problems"
	"github.com/AleutianAI/AleutianHedge/services/hedge/solver"
)

// problemFlags select the demo tracking problem. Coordinator and workers
// must be started with the same values.
type problemFlags struct {
	cfg       problems.QuadraticConfig
	failEvery int64
	delay     time.Duration
}

func (f *problemFlags) register(fs *pflag.FlagSet) {
	f.cfg = problems.DefaultQuadraticConfig()
	fs.IntVar(&f.cfg.Depth, "stages", f.cfg.Depth, "number of stages of the scenario tree")
	fs.IntVar(&f.cfg.Branching, "branching", f.cfg.Branching, "branching factor of the scenario tree")
	fs.IntVar(&f.cfg.StageDim, "stage-dim", f.cfg.StageDim, "decisions per stage")
	fs.Uint64Var(&f.cfg.Seed, "problem-seed", f.cfg.Seed, "seed of the generated problem data")
	fs.BoolVar(&f.cfg.Uniform, "uniform", f.cfg.Uniform, "use equal scenario probabilities")
	fs.Int64Var(&f.failEvery, "fail-every", 0, "inject a failure every N oracle calls (0 disables)")
	fs.DurationVar(&f.delay, "oracle-delay", 0, "inject latency into every oracle call")
}

func (f *problemFlags) build() (*problem.Problem, error) {
	p, err := problems.NewQuadratic(f.cfg)
	if err != nil {
		return nil, err
	}
	if f.failEvery == 0 && f.delay == 0 {
		return p, nil
	}
	return p.WithOracle(&problems.Faulty{Oracle: p.Oracle(), FailEvery: f.failEvery, Delay: f.delay})
}

// solverFlags override the loaded solver config. Only flags set on the
// command line take effect.
type solverFlags struct {
	mode          string
	rho           float64
	workers       int
	batchSize     int
	maxIter       int
	maxTime       time.Duration
	seed          uint64
	sampling      string
	printStep     int
	maxStaleness  int
	staleness     string
	maxFailures   int
	oracleTimeout time.Duration
	leaseTTL      time.Duration
	tracing       bool
}

func (f *solverFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.mode, "mode", "m", "", "driver: direct, sequential, sync, async")
	fs.Float64Var(&f.rho, "rho", 0, "penalty parameter ρ")
	fs.IntVarP(&f.workers, "workers", "w", 0, "worker pool size of the randomized drivers")
	fs.IntVar(&f.batchSize, "batch-size", 0, "scenarios per synchronous round")
	fs.IntVar(&f.maxIter, "max-iter", 0, "iteration limit (0 unbounded)")
	fs.DurationVar(&f.maxTime, "max-time", 0, "wall-time limit (0 unbounded)")
	fs.Uint64Var(&f.seed, "seed", 0, "sampling seed")
	fs.StringVar(&f.sampling, "sampling", "", "scenario sampling: uniform, probability")
	fs.IntVar(&f.printStep, "print-step", 0, "log progress every N iterations")
	fs.IntVar(&f.maxStaleness, "max-staleness", 0, "staleness above which the staleness policy applies")
	fs.StringVar(&f.staleness, "staleness-policy", "", "stale results: log or drop")
	fs.IntVar(&f.maxFailures, "max-failures", 0, "failed async updates tolerated")
	fs.DurationVar(&f.oracleTimeout, "oracle-timeout", 0, "abandon oracle calls after this long")
	fs.DurationVar(&f.leaseTTL, "lease-ttl", 0, "reclaim async leases not completed in time")
	fs.BoolVar(&f.tracing, "tracing", false, "emit OpenTelemetry spans")
}

func (f *solverFlags) apply(cmd *cobra.Command, cfg *solver.Config) {
	changed := cmd.Flags().Changed
	if changed("mode") {
		cfg.Mode = solver.Mode(f.mode)
	}
	if changed("rho") {
		cfg.Rho = f.rho
	}
	if changed("workers") {
		cfg.Workers = f.workers
	}
	if changed("batch-size") {
		cfg.BatchSize = f.batchSize
	}
	if changed("max-iter") {
		cfg.MaxIter = f.maxIter
	}
	if changed("max-time") {
		cfg.MaxTime = f.maxTime
	}
	if changed("seed") {
		cfg.Seed = f.seed
	}
	if changed("sampling") {
		cfg.Sampling = solver.Sampling(f.sampling)
	}
	if changed("print-step") {
		cfg.PrintStep = f.printStep
	}
	if changed("max-staleness") {
		cfg.MaxStaleness = f.maxStaleness
	}
	if changed("staleness-policy") {
		cfg.StalenessPolicy = solver.StalenessPolicy(f.staleness)
	}
	if changed("max-failures") {
		cfg.MaxFailures = f.maxFailures
	}
	if changed("oracle-timeout") {
		cfg.OracleTimeout = f.oracleTimeout
	}
	if changed("lease-ttl") {
		cfg.LeaseTTL = f.leaseTTL
	}
	if changed("tracing") {
		cfg.Tracing = f.tracing
	}
}

// loadSolverConfig loads the config file and environment, then applies
// command-line overrides and validates the result.
func (a *app) loadSolverConfig(cmd *cobra.Command, f *solverFlags) (solver.Config, error) {
	cfg, err := solver.LoadConfig(a.configPath)
	if err != nil {
		return cfg, err
	}
	f.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}
