// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package consensus holds the shared iterate of progressive hedging.
//
// # Model
//
// For every (stage, tree-group) pair the State keeps the consensus vector x̄
// for that stage's decisions. For every scenario s it keeps the last primal
// decision x_s returned by the oracle and an anchor z_s. The dual multiplier
// is derived from the anchor:
//
//	u_s = ρ (z_s − x̄_s)
//
// where x̄_s is x̄ restricted to the groups of s. One update of scenario s
// with a new primal x_s computed against the consensus x̄_read it observed is
//
//	z_s ← z_s + η (x_s − x̄_read)
//	x̄_g ← Σ p_j z_j / Σ p_j   over the contributing members j of every group g of s
//
// which is the dual ascent u_s ← u_s + ρ (x_s − x̄_s) evaluated against the
// refreshed consensus. The duals of every group therefore always sum to zero
// (probability-weighted), and a synchronous sweep over all scenarios with η=1
// is exactly classic progressive hedging.
//
// A scenario contributes to the averages from its first update on (or from
// the start when a warm start seeds it). Until then its dual reads as zero.
//
// # Thread Safety
//
// Each group has its own mutex. An update locks the groups of its scenario one
// stage at a time, so updates touching disjoint groups only contend on the
// shared upper stages. Every group-level step is atomic: readers never see a
// half-applied group. Checkpoint locks every group in (stage, group) order.
package consensus

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"github.com/AleutianAI/AleutianHedge/services/hedge/problem"
	"github.com/AleutianAI/AleutianHedge/services/hedge/tree"
)

var (
	// ErrUnknownScenario is returned for scenario IDs outside the problem.
	ErrUnknownScenario = errors.New("unknown scenario")

	// ErrDimensionMismatch is returned when a vector has the wrong length.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrInvalidOptions is returned for non-positive ρ or relaxation.
	ErrInvalidOptions = errors.New("invalid consensus options")
)

// Options configures a State.
type Options struct {
	// Rho is the penalty / dual step. Must be > 0.
	Rho float64

	// Relaxation scales the anchor step. 1 is classic PH. Must be in (0, 2).
	// Zero means 1.
	Relaxation float64

	// WarmStart seeds decisions and duals. Nil starts from zero.
	WarmStart *WarmStart
}

// WarmStart seeds the iterate.
type WarmStart struct {
	// X holds one decision row per scenario. Required.
	X [][]float64 `json:"x"`

	// U holds one dual row per scenario. Nil means zero duals.
	U [][]float64 `json:"u,omitempty"`
}

// View is what a worker reads before calling the oracle.
type View struct {
	// Scenario is the scenario the view was taken for.
	Scenario int

	// Consensus is x̄ restricted to the scenario's groups.
	Consensus []float64

	// Dual is u_s.
	Dual []float64

	// Version is the global update count when the view was taken.
	Version uint64
}

// Update is one oracle result to fold into the state.
type Update struct {
	// Scenario is the updated scenario.
	Scenario int

	// Primal is the new decision x_s.
	Primal []float64

	// Consensus is the x̄ restriction the oracle was called with.
	Consensus []float64

	// ReadVersion is View.Version of the view the oracle was called with.
	ReadVersion uint64
}

// Applied describes an accepted update.
type Applied struct {
	// Version is the global update count including this update.
	Version uint64

	// Staleness is the number of updates applied between the read and this one.
	Staleness int
}

// Residuals are the diagnostics computed at a checkpoint.
type Residuals struct {
	// Primal is sqrt(Σ_{s touched} p_s ||x_s − x̄_s||²).
	Primal float64

	// Dual is sqrt(Σ_s p_s ||x̄_s − x̄_s^prev||²) against the previous checkpoint.
	Dual float64

	// Touched is the number of scenarios updated since the previous checkpoint.
	Touched int

	// Version is the global update count at the checkpoint.
	Version uint64
}

// group is one (stage, tree-group) cell. Everything in it is guarded by mu.
type group struct {
	mu sync.Mutex

	stage   int
	id      tree.GroupID
	rng     problem.DimRange
	members []int
	prob    []float64
	mass    float64

	value []float64 // x̄_g
	mark  []float64 // x̄_g at the previous checkpoint

	anchor  [][]float64 // z slice per member
	primal  [][]float64 // x slice per member, nil until first update
	seeded  []bool      // member counts toward value
	touched []bool      // member updated since the previous checkpoint
}

// State is the shared progressive-hedging iterate.
//
// Thread Safety: Safe for concurrent use. Concurrent Apply calls for the
// same scenario are not meaningful; callers dispatch each scenario to at
// most one worker at a time.
type State struct {
	problem     *problem.Problem
	rho         float64
	relaxation  float64
	warmStarted bool

	groups [][]*group // [stage][group]
	pos    [][]int    // [stage][scenario] member index inside its group

	version     atomic.Uint64
	updates     []atomic.Int64 // per-scenario applied update count
	contributed atomic.Int64   // scenarios counted in the averages
}

// New creates a State for p.
//
// Inputs:
//   - p: The problem. Must not be nil.
//   - opts: Penalty, relaxation and optional warm start.
//
// Outputs:
//   - *State: Ready to use.
//   - error: ErrInvalidOptions or ErrDimensionMismatch for bad options.
func New(p *problem.Problem, opts Options) (*State, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: problem is nil", ErrInvalidOptions)
	}
	if !(opts.Rho > 0) || math.IsInf(opts.Rho, 0) {
		return nil, fmt.Errorf("%w: rho must be > 0, got %v", ErrInvalidOptions, opts.Rho)
	}
	if opts.Relaxation == 0 {
		opts.Relaxation = 1
	}
	if !(opts.Relaxation > 0 && opts.Relaxation < 2) {
		return nil, fmt.Errorf("%w: relaxation must be in (0,2), got %v", ErrInvalidOptions, opts.Relaxation)
	}

	tr := p.Tree()
	n := p.NumScenarios()
	st := &State{
		problem:    p,
		rho:        opts.Rho,
		relaxation: opts.Relaxation,
		groups:     make([][]*group, p.NumStages()),
		pos:        make([][]int, p.NumStages()),
		updates:    make([]atomic.Int64, n),
	}

	for t := 0; t < p.NumStages(); t++ {
		rng := p.StageRange(t)
		width := rng.Len()
		st.pos[t] = make([]int, n)
		st.groups[t] = make([]*group, tr.NumGroups(t))
		for _, gid := range tr.GroupsAt(t) {
			members := tr.Members(t, gid)
			g := &group{
				stage:   t,
				id:      gid,
				rng:     rng,
				members: members,
				prob:    make([]float64, len(members)),
				value:   make([]float64, width),
				mark:    make([]float64, width),
				anchor:  make([][]float64, len(members)),
				primal:  make([][]float64, len(members)),
				seeded:  make([]bool, len(members)),
				touched: make([]bool, len(members)),
			}
			for i, s := range members {
				g.prob[i] = p.Probability(s)
				g.mass += g.prob[i]
				g.anchor[i] = make([]float64, width)
				st.pos[t][s] = i
			}
			st.groups[t][gid] = g
		}
	}

	if opts.WarmStart != nil {
		if err := st.seed(opts.WarmStart); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// seed installs a warm start: z_s = x_s + u_s/ρ for every scenario, then
// x̄ = weighted average of the anchors.
func (st *State) seed(ws *WarmStart) error {
	n, dim := st.problem.NumScenarios(), st.problem.Dim()
	if len(ws.X) != n {
		return fmt.Errorf("%w: warm start has %d rows, want %d", ErrDimensionMismatch, len(ws.X), n)
	}
	if ws.U != nil && len(ws.U) != n {
		return fmt.Errorf("%w: warm start duals have %d rows, want %d", ErrDimensionMismatch, len(ws.U), n)
	}
	for s := 0; s < n; s++ {
		if len(ws.X[s]) != dim || (ws.U != nil && len(ws.U[s]) != dim) {
			return fmt.Errorf("%w: warm start row %d, want length %d", ErrDimensionMismatch, s, dim)
		}
	}

	for _, stage := range st.groups {
		for _, g := range stage {
			for i, s := range g.members {
				copy(g.anchor[i], ws.X[s][g.rng.Start:g.rng.End])
				if ws.U != nil {
					floats.AddScaled(g.anchor[i], 1/st.rho, ws.U[s][g.rng.Start:g.rng.End])
				}
				g.seeded[i] = true
			}
			g.recompute()
			copy(g.mark, g.value)
		}
	}
	st.warmStarted = true
	st.contributed.Store(int64(n))
	return nil
}

// recompute sets value to the weighted average of the seeded anchors.
// Groups without any contribution keep their current value. Caller holds mu.
func (g *group) recompute() {
	mass := 0.0
	for i := range g.members {
		if g.seeded[i] {
			mass += g.prob[i]
		}
	}
	if mass == 0 {
		return
	}
	for k := range g.value {
		g.value[k] = 0
	}
	for i := range g.members {
		if g.seeded[i] {
			floats.AddScaled(g.value, g.prob[i]/mass, g.anchor[i])
		}
	}
}

// Problem returns the problem the state was built for.
func (st *State) Problem() *problem.Problem { return st.problem }

// Rho returns the penalty parameter.
func (st *State) Rho() float64 { return st.rho }

// Version returns the number of updates applied so far.
func (st *State) Version() uint64 { return st.version.Load() }

// Contributed returns how many scenarios take part in the consensus
// averages: all of them after a warm start, otherwise those updated at
// least once.
func (st *State) Contributed() int { return int(st.contributed.Load()) }

// Updates returns how many updates scenario s has received.
func (st *State) Updates(s int) int64 { return st.updates[s].Load() }

// View returns the consensus restriction and dual of scenario s.
//
// Outputs:
//   - View: Fresh slices owned by the caller.
//   - error: ErrUnknownScenario if s is out of range.
func (st *State) View(s int) (View, error) {
	if s < 0 || s >= st.problem.NumScenarios() {
		return View{}, fmt.Errorf("%w: %d", ErrUnknownScenario, s)
	}
	dim := st.problem.Dim()
	v := View{
		Scenario:  s,
		Consensus: make([]float64, dim),
		Dual:      make([]float64, dim),
		Version:   st.version.Load(),
	}
	groups, unlock := st.lockScenario(s)
	defer unlock()
	for t, g := range groups {
		i := st.pos[t][s]
		copy(v.Consensus[g.rng.Start:g.rng.End], g.value)
		if g.seeded[i] {
			dual := v.Dual[g.rng.Start:g.rng.End]
			floats.SubTo(dual, g.anchor[i], g.value)
			floats.Scale(st.rho, dual)
		}
	}
	return v, nil
}

// Apply folds one oracle result into the state.
//
// Description:
//
//	Under the locks of every group of the scenario, taken in canonical
//	(stage, group) order and held for the whole update: for each stage,
//	moves the anchor by η (x_s − x̄_read), stores x_s, and recomputes the
//	group's consensus from the contributing anchors. A scenario's first update sets
//	its anchor to x_s (its dual was zero). The global version is bumped once.
//
// Inputs:
//   - u: The update. Primal and Consensus must have length Dim().
//
// Outputs:
//   - Applied: New version and staleness.
//   - error: ErrUnknownScenario or ErrDimensionMismatch; the state is untouched.
func (st *State) Apply(u Update) (Applied, error) {
	s := u.Scenario
	if s < 0 || s >= st.problem.NumScenarios() {
		return Applied{}, fmt.Errorf("%w: %d", ErrUnknownScenario, s)
	}
	dim := st.problem.Dim()
	if len(u.Primal) != dim {
		return Applied{}, fmt.Errorf("%w: primal has length %d, want %d", ErrDimensionMismatch, len(u.Primal), dim)
	}
	if len(u.Consensus) != dim {
		return Applied{}, fmt.Errorf("%w: consensus has length %d, want %d", ErrDimensionMismatch, len(u.Consensus), dim)
	}
	for _, x := range u.Primal {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Applied{}, fmt.Errorf("%w: primal for scenario %d is not finite", ErrDimensionMismatch, s)
		}
	}

	step := make([]float64, dim)
	floats.SubTo(step, u.Primal, u.Consensus)

	groups, unlock := st.lockScenario(s)
	for t, g := range groups {
		i := st.pos[t][s]
		lo, hi := g.rng.Start, g.rng.End

		if g.seeded[i] {
			floats.AddScaled(g.anchor[i], st.relaxation, step[lo:hi])
		} else {
			copy(g.anchor[i], u.Primal[lo:hi])
			g.seeded[i] = true
		}
		if g.primal[i] == nil {
			g.primal[i] = make([]float64, hi-lo)
		}
		copy(g.primal[i], u.Primal[lo:hi])
		g.touched[i] = true
		g.recompute()
	}
	unlock()

	if st.updates[s].Add(1) == 1 && !st.warmStarted {
		st.contributed.Add(1)
	}
	v := st.version.Add(1)
	staleness := int(v-1) - int(u.ReadVersion)
	if staleness < 0 {
		staleness = 0
	}
	return Applied{Version: v, Staleness: staleness}, nil
}

// lockScenario locks the groups of scenario s, one per stage, in canonical
// (stage, group) order and returns them with the unlock func.
func (st *State) lockScenario(s int) ([]*group, func()) {
	tr := st.problem.Tree()
	groups := make([]*group, len(st.groups))
	for t, stage := range st.groups {
		g := stage[tr.GroupOf(s, t)]
		g.mu.Lock()
		groups[t] = g
	}
	return groups, func() {
		for t := len(groups) - 1; t >= 0; t-- {
			groups[t].mu.Unlock()
		}
	}
}

// lockAll locks every group in canonical order and returns the unlock func.
func (st *State) lockAll() func() {
	for _, stage := range st.groups {
		for _, g := range stage {
			g.mu.Lock()
		}
	}
	return func() {
		for t := len(st.groups) - 1; t >= 0; t-- {
			for gi := len(st.groups[t]) - 1; gi >= 0; gi-- {
				st.groups[t][gi].mu.Unlock()
			}
		}
	}
}

// Checkpoint computes the residuals since the previous checkpoint and starts
// a new measurement window.
//
// Thread Safety: Blocks all updates for the duration of the computation.
func (st *State) Checkpoint() Residuals {
	unlock := st.lockAll()
	defer unlock()

	var primal, dual float64
	touched := 0
	for _, stage := range st.groups {
		for _, g := range stage {
			for i := range g.members {
				if g.touched[i] && g.primal[i] != nil {
					d := floats.Distance(g.primal[i], g.value, 2)
					primal += g.prob[i] * d * d
				}
				if g.stage == 0 && g.touched[i] {
					touched++
				}
				g.touched[i] = false
			}
			d := floats.Distance(g.value, g.mark, 2)
			dual += g.mass * d * d
			copy(g.mark, g.value)
		}
	}

	return Residuals{
		Primal:  math.Sqrt(primal),
		Dual:    math.Sqrt(dual),
		Touched: touched,
		Version: st.version.Load(),
	}
}

// Decisions returns x̄ restricted to every scenario: the non-anticipative
// decision matrix (nscenarios × dim).
func (st *State) Decisions() [][]float64 {
	n, dim := st.problem.NumScenarios(), st.problem.Dim()
	X := make([][]float64, n)
	for s := range X {
		X[s] = make([]float64, dim)
	}
	for _, stage := range st.groups {
		for _, g := range stage {
			g.mu.Lock()
			for _, s := range g.members {
				copy(X[s][g.rng.Start:g.rng.End], g.value)
			}
			g.mu.Unlock()
		}
	}
	return X
}

// Duals returns u_s for every scenario (nscenarios × dim).
func (st *State) Duals() [][]float64 {
	n, dim := st.problem.NumScenarios(), st.problem.Dim()
	U := make([][]float64, n)
	for s := range U {
		U[s] = make([]float64, dim)
	}
	for _, stage := range st.groups {
		for _, g := range stage {
			g.mu.Lock()
			for i, s := range g.members {
				if !g.seeded[i] {
					continue
				}
				row := U[s][g.rng.Start:g.rng.End]
				floats.SubTo(row, g.anchor[i], g.value)
				floats.Scale(st.rho, row)
			}
			g.mu.Unlock()
		}
	}
	return U
}

// Primals returns the last oracle decision of every scenario. Rows of
// scenarios never updated are nil.
func (st *State) Primals() [][]float64 {
	n, dim := st.problem.NumScenarios(), st.problem.Dim()
	P := make([][]float64, n)
	for _, stage := range st.groups {
		for _, g := range stage {
			g.mu.Lock()
			for i, s := range g.members {
				if g.primal[i] == nil {
					continue
				}
				if P[s] == nil {
					P[s] = make([]float64, dim)
				}
				copy(P[s][g.rng.Start:g.rng.End], g.primal[i])
			}
			g.mu.Unlock()
		}
	}
	return P
}

// Snapshot captures decisions and duals consistently, suitable as a
// WarmStart for a later solve with the same ρ.
func (st *State) Snapshot() (uint64, *WarmStart) {
	unlock := st.lockAll()
	defer unlock()

	n, dim := st.problem.NumScenarios(), st.problem.Dim()
	ws := &WarmStart{X: make([][]float64, n), U: make([][]float64, n)}
	for s := 0; s < n; s++ {
		ws.X[s] = make([]float64, dim)
		ws.U[s] = make([]float64, dim)
	}
	for _, stage := range st.groups {
		for _, g := range stage {
			for i, s := range g.members {
				copy(ws.X[s][g.rng.Start:g.rng.End], g.value)
				if g.seeded[i] {
					row := ws.U[s][g.rng.Start:g.rng.End]
					floats.SubTo(row, g.anchor[i], g.value)
					floats.Scale(st.rho, row)
				}
			}
		}
	}
	return st.version.Load(), ws
}

// GroupValue returns a copy of x̄ for (stage, group).
func (st *State) GroupValue(stage int, g tree.GroupID) []float64 {
	cell := st.groups[stage][g]
	cell.mu.Lock()
	defer cell.mu.Unlock()
	return append([]float64(nil), cell.value...)
}
