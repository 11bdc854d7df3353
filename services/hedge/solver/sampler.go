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
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/AleutianAI/AleutianHedge/services/hedge/problem"
)

// sampler draws scenarios without replacement from a weighted set.
// Taken scenarios keep weight zero until Release puts them back, which is
// how the async hub keeps a scenario on at most one worker.
//
// Thread Safety: Not safe for concurrent use; callers serialize access.
type sampler struct {
	weights []float64
	w       sampleuv.Weighted
	taken   []bool
}

func newSampler(kind Sampling, custom []float64, p *problem.Problem, seed uint64) (*sampler, error) {
	n := p.NumScenarios()
	weights := make([]float64, n)
	switch kind {
	case SamplingUniform:
		for i := range weights {
			weights[i] = 1
		}
	case SamplingProbability:
		copy(weights, p.Probabilities())
	case SamplingCustom:
		if len(custom) != n {
			return nil, fmt.Errorf("%w: %d weights for %d scenarios", ErrInvalidOptions, len(custom), n)
		}
		copy(weights, custom)
	default:
		return nil, fmt.Errorf("%w: unknown sampling %q", ErrInvalidOptions, kind)
	}

	// Every scenario must stay reachable or the consensus never covers it.
	for s, w := range weights {
		if !(w > 0) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: weight of scenario %d is %v, want > 0", ErrInvalidOptions, s, w)
		}
	}

	src := rand.NewPCG(seed, seed^0xda3e39cb94b95bdb)
	return &sampler{
		weights: weights,
		w:       sampleuv.NewWeighted(weights, src),
		taken:   make([]bool, n),
	}, nil
}

// Take draws one available scenario and marks it taken.
func (s *sampler) Take() (int, bool) {
	idx, ok := s.w.Take()
	if !ok {
		return 0, false
	}
	s.taken[idx] = true
	return idx, true
}

// Release makes a taken scenario available again.
func (s *sampler) Release(idx int) {
	if !s.taken[idx] {
		return
	}
	s.taken[idx] = false
	s.w.Reweight(idx, s.weights[idx])
}

// Batch draws up to k distinct scenarios, returns them in ascending order
// and releases them again.
func (s *sampler) Batch(k int) []int {
	batch := make([]int, 0, k)
	for len(batch) < k {
		idx, ok := s.Take()
		if !ok {
			break
		}
		batch = append(batch, idx)
	}
	for _, idx := range batch {
		s.Release(idx)
	}
	slices.Sort(batch)
	return batch
}

// InFlight returns the number of taken scenarios.
func (s *sampler) InFlight() int {
	n := 0
	for _, t := range s.taken {
		if t {
			n++
		}
	}
	return n
}
