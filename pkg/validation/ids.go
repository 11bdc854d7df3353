// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided identifiers before they are used
// in storage keys, InfluxDB tags, or URLs.
package validation

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidID is wrapped by every validation failure.
var ErrInvalidID = errors.New("invalid identifier")

// runIDPattern matches run identifiers: UUIDs and short slugs.
// Allows: letters, digits, dots, underscores, hyphens.
// Max length: 128 characters.
var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)

// workerIDPattern additionally allows slashes, as in "host-42/3".
var workerIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/\-]{0,127}$`)

// ValidateRunID validates a run identifier.
//
// Valid run IDs:
//   - 1-128 characters
//   - Letters, digits, dots, underscores and hyphens
//   - Starting with a letter or digit
//
// Run IDs become journal key segments, so separators such as ":" are
// rejected.
//
// Example:
//
//	if err := validation.ValidateRunID(id); err != nil {
//	    return fmt.Errorf("run id: %w", err)
//	}
func ValidateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: run id cannot be empty", ErrInvalidID)
	}
	if !runIDPattern.MatchString(id) {
		return fmt.Errorf("%w: run id %q (must be 1-128 letters, digits, dots, underscores or hyphens)", ErrInvalidID, id)
	}
	return nil
}

// ValidateWorkerID validates a worker identifier.
func ValidateWorkerID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: worker id cannot be empty", ErrInvalidID)
	}
	if !workerIDPattern.MatchString(id) {
		return fmt.Errorf("%w: worker id %q", ErrInvalidID, id)
	}
	return nil
}
