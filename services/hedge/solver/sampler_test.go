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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampler_TakeIsWithoutReplacement(t *testing.T) {
	p := quadratic(t, 3, 3, 1)
	smp, err := newSampler(SamplingUniform, nil, p, 42)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for i := 0; i < p.NumScenarios(); i++ {
		s, ok := smp.Take()
		require.True(t, ok)
		assert.False(t, seen[s], "scenario %d taken twice", s)
		seen[s] = true
	}
	_, ok := smp.Take()
	assert.False(t, ok)
	assert.Equal(t, p.NumScenarios(), smp.InFlight())

	smp.Release(4)
	smp.Release(4)
	assert.Equal(t, p.NumScenarios()-1, smp.InFlight())
	s, ok := smp.Take()
	require.True(t, ok)
	assert.Equal(t, 4, s)
}

func TestSampler_Batch(t *testing.T) {
	p := quadratic(t, 3, 3, 1)
	smp, err := newSampler(SamplingProbability, nil, p, 7)
	require.NoError(t, err)

	covered := make(map[int]bool)
	for round := 0; round < 200; round++ {
		batch := smp.Batch(4)
		require.Len(t, batch, 4)
		assert.IsIncreasing(t, batch)
		assert.Zero(t, smp.InFlight())
		for _, s := range batch {
			covered[s] = true
		}
	}
	assert.Len(t, covered, p.NumScenarios())

	assert.Len(t, smp.Batch(100), p.NumScenarios())
}

func TestSampler_Deterministic(t *testing.T) {
	p := quadratic(t, 3, 3, 1)
	a, err := newSampler(SamplingUniform, nil, p, 3)
	require.NoError(t, err)
	b, err := newSampler(SamplingUniform, nil, p, 3)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		assert.Equal(t, a.Batch(3), b.Batch(3))
	}
}

func TestSampler_CustomWeights(t *testing.T) {
	p := quadratic(t, 2, 2, 1)

	smp, err := newSampler(SamplingCustom, []float64{1e9, 1}, p, 1)
	require.NoError(t, err)
	hits := 0
	for i := 0; i < 100; i++ {
		if smp.Batch(1)[0] == 0 {
			hits++
		}
	}
	assert.Greater(t, hits, 90)

	for _, weights := range [][]float64{{1}, {1, 0}, {1, -1}} {
		_, err := newSampler(SamplingCustom, weights, p, 1)
		assert.ErrorIs(t, err, ErrInvalidOptions)
	}
	_, err = newSampler("zipf", nil, p, 1)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}
