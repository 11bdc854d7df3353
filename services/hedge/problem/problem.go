// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package problem defines the immutable description of a multistage
// stochastic program and the capabilities the consensus engine consumes:
// the per-scenario subproblem oracle, the optional extensive-form oracle and
// the scenario objective.
//
// A Problem is validated once at construction and is read-only afterwards,
// so it may be shared freely between goroutines.
package problem

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/AleutianAI/AleutianHedge/services/hedge/tree"
)

// ProbabilityTolerance is the allowed deviation of the probability sum from 1.
const ProbabilityTolerance = 1e-6

var (
	// ErrProblemValidation is returned for probability or dimension
	// inconsistencies detected at construction.
	ErrProblemValidation = errors.New("invalid problem")

	// ErrInfeasible is returned (wrapped) by oracles that find a subproblem
	// or the extensive form infeasible.
	ErrInfeasible = errors.New("infeasible problem")

	// ErrNoObjective is returned by Evaluate when the problem carries no
	// objective definition.
	ErrNoObjective = errors.New("problem has no objective")

	// ErrNotNonanticipative is returned when a decision matrix differs across
	// scenarios that share a tree group.
	ErrNotNonanticipative = errors.New("decisions violate non-anticipativity")
)

// Scenario is an opaque scenario identifier plus data only the oracle reads.
type Scenario struct {
	// ID is the scenario index in [0, NumScenarios).
	ID int

	// Name is an optional human-readable label.
	Name string

	// Data is domain-specific payload consumed by the oracle and objective.
	Data any
}

// DimRange is the half-open index range [Start, End) of one stage's
// decisions inside the full decision vector.
type DimRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Len returns the number of decisions in the range.
func (r DimRange) Len() int {
	return r.End - r.Start
}

// Request is the input of one subproblem solve.
type Request struct {
	// Scenario is the scenario being solved.
	Scenario Scenario

	// Consensus is x̄ restricted to the scenario's groups, full decision length.
	Consensus []float64

	// Dual is the scenario's current multiplier u_s, full decision length.
	Dual []float64

	// Rho is the proximal penalty of the augmented subproblem.
	Rho float64
}

// Oracle solves one augmented scenario subproblem
//
//	min_x f_s(x) + <Dual, x> + Rho/2 ||x - Consensus||^2
//
// and returns the new primal decision vector. Implementations are supplied
// by the caller; the engine never inspects them. Solve may be called
// concurrently for different scenarios.
type Oracle interface {
	Solve(ctx context.Context, req Request) ([]float64, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, req Request) ([]float64, error)

// Solve calls f(ctx, req).
func (f OracleFunc) Solve(ctx context.Context, req Request) ([]float64, error) {
	return f(ctx, req)
}

// ExtensiveOracle is implemented by oracles that can also build and solve
// the single monolithic model with exact non-anticipativity.
type ExtensiveOracle interface {
	SolveExtensive(ctx context.Context, p *Problem) ([][]float64, error)
}

// ObjectiveFunc evaluates f_s at a decision vector.
type ObjectiveFunc func(s Scenario, x []float64) float64

// Config holds the construction inputs of a Problem.
type Config struct {
	// Scenarios lists every scenario; Scenarios[i].ID must equal i.
	Scenarios []Scenario

	// Probabilities[i] is the probability of scenario i. All > 0, sum ≈ 1.
	Probabilities []float64

	// StageRanges maps each stage to its slice of the decision vector.
	StageRanges []DimRange

	// Tree is the scenario tree. Its scenario and stage counts must match.
	Tree *tree.Tree

	// Oracle solves the scenario subproblems. Required.
	Oracle Oracle

	// Objective evaluates scenario objectives. Optional.
	Objective ObjectiveFunc
}

// Problem is an immutable, validated stochastic program.
//
// Thread Safety: Safe for concurrent use.
type Problem struct {
	scenarios     []Scenario
	probabilities []float64
	stageRanges   []DimRange
	dim           int
	tree          *tree.Tree
	oracle        Oracle
	objective     ObjectiveFunc
}

// New validates cfg and builds a Problem.
//
// Inputs:
//   - cfg: Problem description. Slices are copied.
//
// Outputs:
//   - *Problem: The immutable problem.
//   - error: Wraps ErrProblemValidation for probability/dimension errors, or
//     tree.ErrTreeConstruction for a malformed tree.
func New(cfg Config) (*Problem, error) {
	if cfg.Tree == nil {
		return nil, fmt.Errorf("%w: tree is required", ErrProblemValidation)
	}
	if err := cfg.Tree.Validate(); err != nil {
		return nil, err
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("%w: oracle is required", ErrProblemValidation)
	}

	n := cfg.Tree.NumScenarios()
	if len(cfg.Scenarios) != n {
		return nil, fmt.Errorf("%w: %d scenarios for a tree with %d", ErrProblemValidation, len(cfg.Scenarios), n)
	}
	for i, s := range cfg.Scenarios {
		if s.ID != i {
			return nil, fmt.Errorf("%w: scenario at index %d has id %d", ErrProblemValidation, i, s.ID)
		}
	}

	if len(cfg.Probabilities) != n {
		return nil, fmt.Errorf("%w: %d probabilities for %d scenarios", ErrProblemValidation, len(cfg.Probabilities), n)
	}
	sum := 0.0
	for i, p := range cfg.Probabilities {
		if !(p > 0) || math.IsInf(p, 0) {
			return nil, fmt.Errorf("%w: probability of scenario %d must be > 0, got %v", ErrProblemValidation, i, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > ProbabilityTolerance {
		return nil, fmt.Errorf("%w: probabilities sum to %v, want 1", ErrProblemValidation, sum)
	}

	if len(cfg.StageRanges) != cfg.Tree.NumStages() {
		return nil, fmt.Errorf("%w: %d stage ranges for a tree with %d stages", ErrProblemValidation, len(cfg.StageRanges), cfg.Tree.NumStages())
	}
	next := 0
	for t, r := range cfg.StageRanges {
		if r.Start != next {
			return nil, fmt.Errorf("%w: stage %d range starts at %d, want %d", ErrProblemValidation, t, r.Start, next)
		}
		if r.End < r.Start {
			return nil, fmt.Errorf("%w: stage %d range [%d,%d) is reversed", ErrProblemValidation, t, r.Start, r.End)
		}
		next = r.End
	}
	if next == 0 {
		return nil, fmt.Errorf("%w: decision dimension must be >= 1", ErrProblemValidation)
	}

	return &Problem{
		scenarios:     append([]Scenario(nil), cfg.Scenarios...),
		probabilities: append([]float64(nil), cfg.Probabilities...),
		stageRanges:   append([]DimRange(nil), cfg.StageRanges...),
		dim:           next,
		tree:          cfg.Tree,
		oracle:        cfg.Oracle,
		objective:     cfg.Objective,
	}, nil
}

// NumScenarios returns the number of scenarios.
func (p *Problem) NumScenarios() int { return len(p.scenarios) }

// NumStages returns the number of stages.
func (p *Problem) NumStages() int { return len(p.stageRanges) }

// Dim returns the length of a scenario decision vector.
func (p *Problem) Dim() int { return p.dim }

// StageRange returns the decision range of stage t.
func (p *Problem) StageRange(t int) DimRange { return p.stageRanges[t] }

// Probability returns the probability of scenario s.
func (p *Problem) Probability(s int) float64 { return p.probabilities[s] }

// Probabilities returns a copy of the probability vector.
func (p *Problem) Probabilities() []float64 {
	return append([]float64(nil), p.probabilities...)
}

// Scenario returns scenario s.
func (p *Problem) Scenario(s int) Scenario { return p.scenarios[s] }

// Tree returns the scenario tree.
func (p *Problem) Tree() *tree.Tree { return p.tree }

// Oracle returns the subproblem oracle.
func (p *Problem) Oracle() Oracle { return p.oracle }

// HasObjective reports whether an objective definition was supplied.
func (p *Problem) HasObjective() bool { return p.objective != nil }

// WithOracle returns a copy of p that uses o as its oracle.
func (p *Problem) WithOracle(o Oracle) (*Problem, error) {
	if o == nil {
		return nil, fmt.Errorf("%w: oracle is required", ErrProblemValidation)
	}
	cp := *p
	cp.oracle = o
	return &cp, nil
}

// Evaluate returns the probability-weighted objective Σ p_s f_s(X[s]).
//
// Outputs:
//   - float64: The expected objective.
//   - error: ErrNoObjective if none was supplied, ErrProblemValidation if X
//     has the wrong shape.
func (p *Problem) Evaluate(X [][]float64) (float64, error) {
	if p.objective == nil {
		return math.NaN(), ErrNoObjective
	}
	if err := p.checkShape(X); err != nil {
		return math.NaN(), err
	}
	total := 0.0
	for s, x := range X {
		total += p.probabilities[s] * p.objective(p.scenarios[s], x)
	}
	return total, nil
}

// CheckNonanticipative verifies that scenarios sharing a stage-t group have
// stage-t decisions equal within tol.
//
// Outputs:
//   - error: Wraps ErrNotNonanticipative naming the first violation, or
//     ErrProblemValidation if X has the wrong shape.
func (p *Problem) CheckNonanticipative(X [][]float64, tol float64) error {
	if err := p.checkShape(X); err != nil {
		return err
	}
	for t, r := range p.stageRanges {
		for _, g := range p.tree.GroupsAt(t) {
			members := p.tree.Members(t, g)
			ref := X[members[0]]
			for _, s := range members[1:] {
				for i := r.Start; i < r.End; i++ {
					if math.Abs(X[s][i]-ref[i]) > tol {
						return fmt.Errorf("%w: stage %d group %d: x[%d][%d]=%v, x[%d][%d]=%v",
							ErrNotNonanticipative, t, g, s, i, X[s][i], members[0], i, ref[i])
					}
				}
			}
		}
	}
	return nil
}

func (p *Problem) checkShape(X [][]float64) error {
	if len(X) != len(p.scenarios) {
		return fmt.Errorf("%w: decision matrix has %d rows, want %d", ErrProblemValidation, len(X), len(p.scenarios))
	}
	for s, x := range X {
		if len(x) != p.dim {
			return fmt.Errorf("%w: decision row %d has length %d, want %d", ErrProblemValidation, s, len(x), p.dim)
		}
	}
	return nil
}
