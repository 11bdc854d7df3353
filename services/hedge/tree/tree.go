// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tree describes which scenarios are indistinguishable at each stage
// of a multistage stochastic program.
//
// A Tree holds, for every stage, a partition of the scenario index set
// {0..n-1}. Stage 0 is always the single full set and every later stage
// refines the previous one: two scenarios that are separated at stage t stay
// separated at every stage after t. Scenarios sharing a group at stage t must
// take identical stage-t decisions (non-anticipativity).
//
// Thread Safety: a Tree is immutable after construction and safe for
// concurrent use.
package tree

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrTreeConstruction is returned when a partition list does not describe a
// valid scenario tree.
var ErrTreeConstruction = errors.New("invalid scenario tree")

// GroupID identifies a group within one stage. Group IDs are dense,
// 0-based and ordered by the smallest scenario index in the group.
type GroupID int

// Tree is a validated, immutable scenario tree.
type Tree struct {
	nscenarios int

	// groupOf[t][s] is the group of scenario s at stage t.
	groupOf [][]GroupID

	// members[t][g] lists the scenarios of group g at stage t in ascending order.
	members [][][]int
}

// NewPerfect builds the perfect tree of the given depth where every node at
// stages 0..depth-2 has nbranching children.
//
// Inputs:
//   - depth: Number of stages. Must be >= 1.
//   - nbranching: Children per node. Must be >= 1.
//
// Outputs:
//   - *Tree: Tree with nbranching^(depth-1) scenarios.
//   - error: Wraps ErrTreeConstruction on invalid arguments.
func NewPerfect(depth, nbranching int) (*Tree, error) {
	if depth < 1 {
		return nil, fmt.Errorf("%w: depth must be >= 1, got %d", ErrTreeConstruction, depth)
	}
	if nbranching < 1 {
		return nil, fmt.Errorf("%w: branching must be >= 1, got %d", ErrTreeConstruction, nbranching)
	}

	n := 1
	for i := 0; i < depth-1; i++ {
		n *= nbranching
		if n > 1<<24 {
			return nil, fmt.Errorf("%w: tree too large (%d^%d scenarios)", ErrTreeConstruction, nbranching, depth-1)
		}
	}

	t := &Tree{
		nscenarios: n,
		groupOf:    make([][]GroupID, depth),
		members:    make([][][]int, depth),
	}

	// Group width at stage st is nbranching^(depth-1-st).
	width := n
	for st := 0; st < depth; st++ {
		ngroups := n / width
		t.groupOf[st] = make([]GroupID, n)
		t.members[st] = make([][]int, ngroups)
		for s := 0; s < n; s++ {
			g := s / width
			t.groupOf[st][s] = GroupID(g)
			t.members[st][g] = append(t.members[st][g], s)
		}
		width /= nbranching
		if width == 0 {
			width = 1
		}
	}

	return t, nil
}

// NewFromPartitions builds a tree from an explicit partition per stage.
//
// Description:
//
//	partitions[t] is the list of groups at stage t; each group is a list of
//	scenario indices. Group order within a stage is normalized (sorted by
//	smallest member) so GroupIDs are deterministic regardless of input order.
//
// Inputs:
//   - nscenarios: Size of the scenario index set. Must be >= 1.
//   - partitions: One partition per stage. Must be non-empty.
//
// Outputs:
//   - *Tree: The validated tree.
//   - error: Wraps ErrTreeConstruction if a stage is not a partition of
//     {0..nscenarios-1}, the first stage is not the full set, or a stage
//     does not refine the previous one.
func NewFromPartitions(nscenarios int, partitions [][][]int) (*Tree, error) {
	if nscenarios < 1 {
		return nil, fmt.Errorf("%w: nscenarios must be >= 1, got %d", ErrTreeConstruction, nscenarios)
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("%w: at least one stage is required", ErrTreeConstruction)
	}

	t := &Tree{
		nscenarios: nscenarios,
		groupOf:    make([][]GroupID, len(partitions)),
		members:    make([][][]int, len(partitions)),
	}

	for st, partition := range partitions {
		groups := make([][]int, 0, len(partition))
		for _, g := range partition {
			if len(g) == 0 {
				return nil, fmt.Errorf("%w: stage %d has an empty group", ErrTreeConstruction, st)
			}
			sorted := append([]int(nil), g...)
			sort.Ints(sorted)
			groups = append(groups, sorted)
		}
		sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })

		owner := make([]GroupID, nscenarios)
		seen := make([]bool, nscenarios)
		for gi, g := range groups {
			for _, s := range g {
				if s < 0 || s >= nscenarios {
					return nil, fmt.Errorf("%w: stage %d references scenario %d outside [0,%d)", ErrTreeConstruction, st, s, nscenarios)
				}
				if seen[s] {
					return nil, fmt.Errorf("%w: stage %d lists scenario %d twice", ErrTreeConstruction, st, s)
				}
				seen[s] = true
				owner[s] = GroupID(gi)
			}
		}
		for s, ok := range seen {
			if !ok {
				return nil, fmt.Errorf("%w: stage %d does not cover scenario %d", ErrTreeConstruction, st, s)
			}
		}

		t.groupOf[st] = owner
		t.members[st] = groups
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the tree invariants.
//
// Outputs:
//   - error: Wraps ErrTreeConstruction if stage 0 is not the single full set,
//     a stage is not a partition, or a stage does not refine its predecessor.
func (t *Tree) Validate() error {
	if len(t.members) == 0 {
		return fmt.Errorf("%w: tree has no stages", ErrTreeConstruction)
	}
	if len(t.members[0]) != 1 || len(t.members[0][0]) != t.nscenarios {
		return fmt.Errorf("%w: stage 0 must be the single full scenario set", ErrTreeConstruction)
	}

	for st := range t.members {
		count := 0
		for g, m := range t.members[st] {
			count += len(m)
			for _, s := range m {
				if t.groupOf[st][s] != GroupID(g) {
					return fmt.Errorf("%w: stage %d group table disagrees for scenario %d", ErrTreeConstruction, st, s)
				}
			}
		}
		if count != t.nscenarios {
			return fmt.Errorf("%w: stage %d covers %d of %d scenarios", ErrTreeConstruction, st, count, t.nscenarios)
		}
		if st == 0 {
			continue
		}
		// Refinement: all members of a stage-st group share one stage-(st-1) group.
		for g, m := range t.members[st] {
			parent := t.groupOf[st-1][m[0]]
			for _, s := range m[1:] {
				if t.groupOf[st-1][s] != parent {
					return fmt.Errorf("%w: stage %d group %d is not a refinement of stage %d", ErrTreeConstruction, st, g, st-1)
				}
			}
		}
	}
	return nil
}

// NumScenarios returns the size of the scenario index set.
func (t *Tree) NumScenarios() int {
	return t.nscenarios
}

// NumStages returns the number of stages.
func (t *Tree) NumStages() int {
	return len(t.members)
}

// GroupOf returns the group of scenario s at stage st. O(1).
//
// Panics if s or st is out of range, like a slice index.
func (t *Tree) GroupOf(s, st int) GroupID {
	return t.groupOf[st][s]
}

// GroupsAt returns the group IDs of stage st in ascending order.
func (t *Tree) GroupsAt(st int) []GroupID {
	ids := make([]GroupID, len(t.members[st]))
	for i := range ids {
		ids[i] = GroupID(i)
	}
	return ids
}

// NumGroups returns the number of groups at stage st.
func (t *Tree) NumGroups(st int) int {
	return len(t.members[st])
}

// Members returns a copy of the scenarios of group g at stage st in
// ascending order.
func (t *Tree) Members(st int, g GroupID) []int {
	return slices.Clone(t.members[st][g])
}

// Partition returns a copy of the stage-st partition.
func (t *Tree) Partition(st int) [][]int {
	out := make([][]int, len(t.members[st]))
	for i, m := range t.members[st] {
		out[i] = append([]int(nil), m...)
	}
	return out
}

// String returns a short description of the tree shape.
func (t *Tree) String() string {
	sizes := make([]int, len(t.members))
	for i := range t.members {
		sizes[i] = len(t.members[i])
	}
	return fmt.Sprintf("Tree{scenarios=%d, stages=%d, groups=%v}", t.nscenarios, len(t.members), sizes)
}
