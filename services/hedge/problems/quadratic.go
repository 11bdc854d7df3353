// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package problems provides convex stochastic programs with closed-form
// scenario and extensive oracles. They serve as demo workloads for the CLI
// and as ground truth for driver tests.
package problems

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"

	"github.com/AleutianAI/AleutianHedge/services/hedge/problem"
	"github.com/AleutianAI/AleutianHedge/services/hedge/tree"
)

// ErrInvalidConfig is returned for unusable generator settings.
var ErrInvalidConfig = errors.New("invalid problem generator config")

// QuadraticConfig describes a perfect-tree tracking problem.
//
// Every scenario s tracks a target c_s with weights a_s under box bounds:
//
//	f_s(x) = Σ_k a_{s,k}/2 (x_k − c_{s,k})²,   Lower ≤ x_k ≤ Upper
type QuadraticConfig struct {
	// Depth is the number of stages. Must be >= 1.
	Depth int `yaml:"depth" json:"depth" validate:"min=1"`

	// Branching is the tree branching factor. Must be >= 1.
	Branching int `yaml:"branching" json:"branching" validate:"min=1"`

	// StageDim is the number of decisions per stage. Must be >= 1.
	StageDim int `yaml:"stage_dim" json:"stage_dim" validate:"min=1"`

	// Lower and Upper bound every decision. Lower must not exceed Upper.
	Lower float64 `yaml:"lower" json:"lower"`
	Upper float64 `yaml:"upper" json:"upper"`

	// Seed drives target, weight and probability generation.
	Seed uint64 `yaml:"seed" json:"seed"`

	// Uniform selects equal scenario probabilities instead of random ones.
	Uniform bool `yaml:"uniform" json:"uniform"`
}

// DefaultQuadraticConfig returns a small three-stage binary problem.
func DefaultQuadraticConfig() QuadraticConfig {
	return QuadraticConfig{
		Depth:     3,
		Branching: 2,
		StageDim:  2,
		Lower:     -10,
		Upper:     10,
		Seed:      1,
	}
}

// quadData is the Scenario.Data payload of a Quadratic scenario.
type quadData struct {
	weights []float64
	targets []float64
}

// Quadratic is the oracle of a tracking problem. It implements
// problem.Oracle and problem.ExtensiveOracle.
type Quadratic struct {
	lower, upper float64
}

// NewQuadratic generates a tracking problem.
//
// Description:
//
//	Targets are drawn uniformly from [Lower, Upper] widened by 50% on each
//	side, so some scenarios pull against the bounds. Weights are drawn from
//	[1, 3). The same Seed always yields the same problem.
//
// Outputs:
//   - *problem.Problem: Validated problem with oracle and objective.
//   - error: ErrInvalidConfig, or a tree/problem construction error.
func NewQuadratic(cfg QuadraticConfig) (*problem.Problem, error) {
	if cfg.StageDim < 1 {
		return nil, fmt.Errorf("%w: stage_dim must be >= 1, got %d", ErrInvalidConfig, cfg.StageDim)
	}
	if !(cfg.Lower <= cfg.Upper) {
		return nil, fmt.Errorf("%w: lower %v exceeds upper %v", ErrInvalidConfig, cfg.Lower, cfg.Upper)
	}
	tr, err := tree.NewPerfect(cfg.Depth, cfg.Branching)
	if err != nil {
		return nil, err
	}

	n := tr.NumScenarios()
	dim := cfg.Depth * cfg.StageDim
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	span := cfg.Upper - cfg.Lower
	lo := cfg.Lower - span/2
	scenarios := make([]problem.Scenario, n)
	probs := make([]float64, n)
	for s := 0; s < n; s++ {
		d := &quadData{weights: make([]float64, dim), targets: make([]float64, dim)}
		for k := 0; k < dim; k++ {
			d.weights[k] = 1 + 2*rng.Float64()
			d.targets[k] = lo + 2*span*rng.Float64()
		}
		scenarios[s] = problem.Scenario{ID: s, Name: fmt.Sprintf("scenario-%d", s), Data: d}
		if cfg.Uniform {
			probs[s] = 1
		} else {
			probs[s] = 0.5 + rng.Float64()
		}
	}
	floats.Scale(1/floats.Sum(probs), probs)

	ranges := make([]problem.DimRange, cfg.Depth)
	for t := range ranges {
		ranges[t] = problem.DimRange{Start: t * cfg.StageDim, End: (t + 1) * cfg.StageDim}
	}

	q := &Quadratic{lower: cfg.Lower, upper: cfg.Upper}
	return problem.New(problem.Config{
		Scenarios:     scenarios,
		Probabilities: probs,
		StageRanges:   ranges,
		Tree:          tr,
		Oracle:        q,
		Objective:     QuadraticObjective,
	})
}

func scenarioData(s problem.Scenario) (*quadData, error) {
	d, ok := s.Data.(*quadData)
	if !ok {
		return nil, fmt.Errorf("%w: scenario %d has no quadratic data", problem.ErrInfeasible, s.ID)
	}
	return d, nil
}

// Solve minimizes f_s(x) + <u, x> + ρ/2 ||x − x̄||² over the box, which
// separates per coordinate:
//
//	x_k = clip((a_k c_k − u_k + ρ x̄_k) / (a_k + ρ))
func (q *Quadratic) Solve(ctx context.Context, req problem.Request) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := scenarioData(req.Scenario)
	if err != nil {
		return nil, err
	}
	if len(req.Consensus) != len(d.targets) || len(req.Dual) != len(d.targets) {
		return nil, fmt.Errorf("%w: request length %d, want %d", problem.ErrInfeasible, len(req.Consensus), len(d.targets))
	}
	x := make([]float64, len(d.targets))
	for k := range x {
		a := d.weights[k]
		x[k] = q.clip((a*d.targets[k] - req.Dual[k] + req.Rho*req.Consensus[k]) / (a + req.Rho))
	}
	return x, nil
}

// SolveExtensive solves the monolithic problem. For every tree node and
// decision the optimum is the clipped probability-and-weight average of
// the member targets.
func (q *Quadratic) SolveExtensive(ctx context.Context, p *problem.Problem) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := p.NumScenarios()
	data := make([]*quadData, n)
	X := make([][]float64, n)
	for s := 0; s < n; s++ {
		d, err := scenarioData(p.Scenario(s))
		if err != nil {
			return nil, err
		}
		data[s] = d
		X[s] = make([]float64, p.Dim())
	}

	tr := p.Tree()
	for t := 0; t < p.NumStages(); t++ {
		r := p.StageRange(t)
		for _, g := range tr.GroupsAt(t) {
			members := tr.Members(t, g)
			for k := r.Start; k < r.End; k++ {
				num, den := 0.0, 0.0
				for _, s := range members {
					w := p.Probability(s) * data[s].weights[k]
					num += w * data[s].targets[k]
					den += w
				}
				v := q.clip(num / den)
				for _, s := range members {
					X[s][k] = v
				}
			}
		}
	}
	return X, nil
}

func (q *Quadratic) clip(v float64) float64 {
	return math.Min(q.upper, math.Max(q.lower, v))
}

// QuadraticObjective evaluates f_s for a scenario produced by NewQuadratic.
// Scenarios without quadratic data evaluate to NaN.
func QuadraticObjective(s problem.Scenario, x []float64) float64 {
	d, err := scenarioData(s)
	if err != nil || len(x) != len(d.targets) {
		return math.NaN()
	}
	total := 0.0
	for k := range x {
		diff := x[k] - d.targets[k]
		total += 0.5 * d.weights[k] * diff * diff
	}
	return total
}
