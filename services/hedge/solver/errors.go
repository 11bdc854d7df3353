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

import "errors"

var (
	// ErrOracleFailure wraps a failed oracle call. Fatal in the sequential
	// and synchronous drivers.
	ErrOracleFailure = errors.New("oracle failure")

	// ErrOracleTimeout is returned when a call exceeds OracleTimeout and is
	// abandoned.
	ErrOracleTimeout = errors.New("oracle call abandoned after timeout")

	// ErrTooManyFailures aborts an asynchronous solve whose failed updates
	// exceed MaxFailures.
	ErrTooManyFailures = errors.New("too many failed updates")

	// ErrSolveFinished is returned by a Coordinator once the solve has
	// terminated. Workers treat it as a clean shutdown signal.
	ErrSolveFinished = errors.New("solve finished")

	// ErrExtensiveUnsupported is returned by the direct solver when the
	// oracle cannot solve the extensive form.
	ErrExtensiveUnsupported = errors.New("oracle does not support the extensive form")

	// ErrUnknownLease is returned when a result names a lease the hub does
	// not hold (expired, already completed, or never issued).
	ErrUnknownLease = errors.New("unknown lease")

	// ErrInvalidOptions is returned for inconsistent solver options.
	ErrInvalidOptions = errors.New("invalid solver options")
)
