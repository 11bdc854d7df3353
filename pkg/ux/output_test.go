// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"machine", ModeMachine},
		{"Q", ModeMachine},
		{"plain", ModeMachine},
		{"styled", ModeStyled},
		{"whatever", ModeStyled},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMode(tt.in))
		})
	}
}

func TestDetectMode(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv("HEDGE_OUTPUT", "")
	assert.Equal(t, ModeMachine, DetectMode(&buf))

	t.Setenv("HEDGE_OUTPUT", "styled")
	assert.Equal(t, ModeStyled, DetectMode(&buf))
	assert.Equal(t, ModeStyled, NewPrinter(&buf, "").Mode())
}

func TestPrinter_Machine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMachine)
	p.Title("ignored")
	p.Success("converged")
	p.Warning("slow")
	p.Error("boom")
	p.Info("plain")
	p.Summary("Solve Result", []Field{{"Stop reason", "converged"}, {"Iterations", "42"}}, true)

	assert.Equal(t, strings.Join([]string{
		"OK: converged",
		"WARN: slow",
		"ERROR: boom",
		"plain",
		"solve_result stop_reason=converged iterations=42",
		"",
	}, "\n"), buf.String())
	assert.Equal(t, "3/10", p.ProgressBar(3, 10, 20))
}

func TestPrinter_Styled(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeStyled)
	p.Summary("Solve Result", []Field{{"Objective", "1.5"}}, false)
	out := buf.String()
	assert.Contains(t, out, "Solve Result")
	assert.Contains(t, out, "Objective")
	assert.Contains(t, out, "1.5")

	bar := p.ProgressBar(5, 10, 10)
	assert.Contains(t, bar, "50%")
	assert.Contains(t, p.ProgressBar(20, 10, 4), "100%")
}
