// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHedge/services/hedge/journal"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("HEDGE_LOG_DIR", "")

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--output", "machine", "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func summaryFields(t *testing.T, out, title string) map[string]string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, title+" ") {
			continue
		}
		fields := make(map[string]string)
		for _, kv := range strings.Fields(strings.TrimPrefix(line, title+" ")) {
			k, v, _ := strings.Cut(kv, "=")
			fields[k] = v
		}
		return fields
	}
	t.Fatalf("no %q line in output:\n%s", title, out)
	return nil
}

func TestSolveCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		mode string
	}{
		{name: "direct", args: []string{"--mode", "direct"}, mode: "direct"},
		{name: "sequential", args: []string{"--mode", "sequential", "--max-iter", "2000"}, mode: "sequential"},
		{name: "sync", args: []string{"--mode", "sync", "--workers", "2", "--max-iter", "5000", "--seed", "3"}, mode: "sync"},
		{name: "async", args: []string{"--mode", "async", "--workers", "2", "--max-iter", "5000", "--seed", "3"}, mode: "async"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"solve", "--stages", "2", "--branching", "3"}, tt.args...)...)
			require.NoError(t, err)

			fields := summaryFields(t, out, "solve_result")
			assert.Equal(t, tt.mode, fields["mode"])
			assert.Equal(t, "true", fields["converged"])
			assert.NotEqual(t, "n/a", fields["objective"])
			if tt.mode == "async" {
				assert.Contains(t, fields, "dropped_stale")
			} else {
				assert.NotContains(t, fields, "dropped_stale")
			}
		})
	}
}

func TestSolveCommand_InvalidFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{name: "unknown mode", args: []string{"solve", "--mode", "annealing"}},
		{name: "negative rho", args: []string{"solve", "--rho", "-1"}},
		{name: "staleness policy", args: []string{"solve", "--staleness-policy", "ignore"}},
		{name: "resume without journal", args: []string{"solve", "--resume", "r1"}, code: exitUsage},
		{name: "run id", args: []string{"solve", "--run-id", "a:b"}, code: exitUsage},
		{name: "worker concurrency", args: []string{"worker", "--concurrency", "0"}, code: exitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			var exit *exitError
			if tt.code != 0 {
				require.ErrorAs(t, err, &exit)
				assert.Equal(t, tt.code, exit.code)
			} else {
				assert.False(t, errors.As(err, &exit))
			}
		})
	}
}

func TestRunsCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "solve", "--mode", "sequential", "--stages", "2", "--max-iter", "25",
		"--journal", dir, "--run-id", "first")
	require.NoError(t, err)
	first := summaryFields(t, out, "solve_result")
	assert.Equal(t, "first", first["run_id"])

	out, err = execute(t, "solve", "--mode", "sequential", "--stages", "2", "--max-iter", "2000",
		"--journal", dir, "--run-id", "second", "--resume", "first")
	require.NoError(t, err)
	assert.Contains(t, out, "resuming from run first")
	assert.Equal(t, "true", summaryFields(t, out, "solve_result")["converged"])

	out, err = execute(t, "runs", "list", "--journal", dir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "first "))
	assert.True(t, strings.HasPrefix(lines[1], "second "))

	out, err = execute(t, "runs", "show", "first", "--journal", dir, "--tail", "3")
	require.NoError(t, err)
	run := summaryFields(t, out, "run_first")
	assert.Equal(t, "sequential", run["mode"])
	assert.Equal(t, "true", run["finished"])
	assert.Equal(t, first["iterations"], run["iterations"])
	assert.Equal(t, 3, strings.Count(out, "iter="))

	out, err = execute(t, "runs", "delete", "first", "--journal", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: deleted run first")

	_, err = execute(t, "runs", "show", "first", "--journal", dir)
	require.ErrorIs(t, err, journal.ErrRunNotFound)

	out, err = execute(t, "runs", "list", "--journal", dir)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.True(t, strings.HasPrefix(out, "second "))
}

func TestRunsCommand_RequiresJournal(t *testing.T) {
	_, err := execute(t, "runs", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal")
}
