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
	"sync"
)

// failureBudget counts failed asynchronous updates and trips once they
// exceed the threshold. Unlike a circuit breaker it never closes again:
// a tripped budget aborts the solve.
//
// Thread Safety: Safe for concurrent use.
type failureBudget struct {
	threshold int

	mu          sync.Mutex
	failures    int64
	consecutive int
	tripped     bool
	lastErr     string
}

func newFailureBudget(threshold int) *failureBudget {
	return &failureBudget{threshold: threshold}
}

// RecordFailure counts a failure and reports whether the budget tripped
// on this call.
func (b *failureBudget) RecordFailure(msg string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.consecutive++
	b.lastErr = msg
	if !b.tripped && b.failures > int64(b.threshold) {
		b.tripped = true
		return true
	}
	return false
}

// RecordSuccess resets the consecutive failure streak.
func (b *failureBudget) RecordSuccess() {
	b.mu.Lock()
	b.consecutive = 0
	b.mu.Unlock()
}

// Stats returns total failures, the current streak and the last message.
func (b *failureBudget) Stats() (total int64, consecutive int, last string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.consecutive, b.lastErr
}

// Tripped reports whether the budget is exhausted.
func (b *failureBudget) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}
