// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package consensus

import (
	"encoding/json"
	"math"
	"sync"
	"time"
)

// IterationRecord is one diagnostics row, produced at every checkpoint.
type IterationRecord struct {
	// Iteration is the checkpoint index, starting at 1.
	Iteration int `json:"iteration"`

	// Updates is the total number of applied updates so far.
	Updates uint64 `json:"updates"`

	// Contributed is the number of scenarios taking part in the averages.
	Contributed int `json:"contributed"`

	// Touched is the number of scenarios updated in the record's window.
	Touched int `json:"touched"`

	// PrimalResidual and DualResidual come from State.Checkpoint.
	PrimalResidual float64 `json:"primal_residual"`
	DualResidual   float64 `json:"dual_residual"`

	// Objective is Σ p_s f_s(x̄_s), NaN when the problem has no objective
	// or it was not evaluated for this record.
	Objective float64 `json:"objective"`

	// Staleness is the mean staleness of the updates in the window.
	// MaxStaleness is the largest one. Both are zero outside async mode.
	Staleness    float64 `json:"staleness"`
	MaxStaleness int     `json:"max_staleness"`

	// Elapsed is the wall time since the solve started.
	Elapsed time.Duration `json:"elapsed"`
}

// MarshalJSON encodes a non-finite Objective as null.
func (r IterationRecord) MarshalJSON() ([]byte, error) {
	type plain IterationRecord
	out := struct {
		plain
		Objective *float64 `json:"objective"`
	}{plain: plain(r)}
	if !math.IsNaN(r.Objective) && !math.IsInf(r.Objective, 0) {
		out.Objective = &r.Objective
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a null Objective as NaN.
func (r *IterationRecord) UnmarshalJSON(data []byte) error {
	type plain IterationRecord
	in := struct {
		*plain
		Objective *float64 `json:"objective"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Objective = math.NaN()
	if in.Objective != nil {
		r.Objective = *in.Objective
	}
	return nil
}

// UpdateRecord describes one applied asynchronous update.
type UpdateRecord struct {
	Seq          uint64 `json:"seq"`
	Scenario     int    `json:"scenario"`
	Worker       string `json:"worker"`
	ReadVersion  uint64 `json:"read_version"`
	ApplyVersion uint64 `json:"apply_version"`
	Staleness    int    `json:"staleness"`
}

// History is an append-only record log.
//
// Thread Safety: Safe for concurrent use.
type History struct {
	mu         sync.Mutex
	iterations []IterationRecord
	updates    []UpdateRecord
	keep       int
}

// NewHistory creates a History. keepUpdates bounds how many update records
// are retained (oldest are discarded first); 0 keeps all of them.
func NewHistory(keepUpdates int) *History {
	return &History{keep: keepUpdates}
}

// AddIteration appends an iteration record.
func (h *History) AddIteration(rec IterationRecord) {
	h.mu.Lock()
	h.iterations = append(h.iterations, rec)
	h.mu.Unlock()
}

// AddUpdate appends an update record.
func (h *History) AddUpdate(rec UpdateRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.keep > 0 && len(h.updates) >= h.keep {
		n := copy(h.updates, h.updates[1:])
		h.updates = h.updates[:n]
	}
	h.updates = append(h.updates, rec)
}

// Iterations returns a copy of the iteration records.
func (h *History) Iterations() []IterationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]IterationRecord(nil), h.iterations...)
}

// Updates returns a copy of the retained update records.
func (h *History) Updates() []UpdateRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]UpdateRecord(nil), h.updates...)
}

// Last returns the most recent iteration record.
func (h *History) Last() (IterationRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.iterations) == 0 {
		return IterationRecord{}, false
	}
	return h.iterations[len(h.iterations)-1], true
}
