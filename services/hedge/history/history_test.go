// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
	"github.com/AleutianAI/AleutianHedge/services/hedge/problems"
	"github.com/AleutianAI/AleutianHedge/services/hedge/solver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- Mock InfluxDB WriteAPIBlocking ---

type MockWriteAPI struct {
	WritePointFunc func(ctx context.Context, point ...*write.Point) error

	mu            sync.Mutex
	WrittenPoints []*write.Point
}

func (m *MockWriteAPI) WritePoint(ctx context.Context, point ...*write.Point) error {
	m.mu.Lock()
	m.WrittenPoints = append(m.WrittenPoints, point...)
	m.mu.Unlock()
	if m.WritePointFunc != nil {
		return m.WritePointFunc(ctx, point...)
	}
	return nil
}

func (m *MockWriteAPI) WriteRecord(ctx context.Context, line ...string) error {
	return nil
}

func (m *MockWriteAPI) EnableBatching()                 {}
func (m *MockWriteAPI) Flush(ctx context.Context) error { return nil }

func (m *MockWriteAPI) points(name string) []*write.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*write.Point
	for _, p := range m.WrittenPoints {
		if p.Name() == name {
			out = append(out, p)
		}
	}
	return out
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestInfluxSink_Iteration(t *testing.T) {
	mock := &MockWriteAPI{}
	sink := NewInfluxSink(mock, DefaultInfluxConfig(), nil)
	ctx := context.Background()

	require.NoError(t, sink.OnStart(ctx, solver.RunInfo{RunID: "r1", Mode: solver.ModeAsync, Scenarios: 4, Rho: 1, Started: time.Now()}))
	require.NoError(t, sink.OnIteration(ctx, "r1", consensus.IterationRecord{
		Iteration:      3,
		Updates:        12,
		PrimalResidual: 0.5,
		DualResidual:   0.25,
		Objective:      math.NaN(),
		Staleness:      1.5,
		MaxStaleness:   3,
	}))

	pts := mock.points(MeasurementIterations)
	require.Len(t, pts, 1)
	assert.Equal(t, map[string]string{"run_id": "r1", "mode": "async"}, tags(pts[0]))
	f := fields(pts[0])
	assert.Equal(t, int64(3), f["iteration"])
	assert.Equal(t, 0.5, f["primal_residual"])
	assert.Equal(t, 1.5, f["staleness"])
	assert.NotContains(t, f, "objective")

	runs := mock.points(MeasurementRuns)
	require.Len(t, runs, 1)
	assert.Equal(t, "start", tags(runs[0])["event"])
}

func TestInfluxSink_Updates(t *testing.T) {
	tests := []struct {
		name   string
		cfg    InfluxConfig
		writes int
		want   int
	}{
		{"disabled", InfluxConfig{}, 5, 0},
		{"unlimited", InfluxConfig{WriteUpdates: true}, 5, 5},
		{"rate limited", InfluxConfig{WriteUpdates: true, UpdateRate: 0.001}, 5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockWriteAPI{}
			sink := NewInfluxSink(mock, tt.cfg, nil)
			for i := 1; i <= tt.writes; i++ {
				require.NoError(t, sink.OnUpdate(context.Background(), "r", consensus.UpdateRecord{Seq: uint64(i), Worker: "w"}))
			}
			pts := mock.points(MeasurementUpdates)
			require.Len(t, pts, tt.want)
			if tt.want > 0 {
				assert.Equal(t, "w", tags(pts[0])["worker"])
			}
		})
	}
}

func TestInfluxSink_WriteError(t *testing.T) {
	boom := errors.New("connection refused")
	mock := &MockWriteAPI{WritePointFunc: func(context.Context, ...*write.Point) error { return boom }}
	sink := NewInfluxSink(mock, DefaultInfluxConfig(), nil)

	err := sink.OnIteration(context.Background(), "r", consensus.IterationRecord{Iteration: 1})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), MeasurementIterations)
}

func TestInfluxSink_FullSolve(t *testing.T) {
	cfg := problems.DefaultQuadraticConfig()
	cfg.Depth = 2
	cfg.Branching = 2
	p, err := problems.NewQuadratic(cfg)
	require.NoError(t, err)

	mock := &MockWriteAPI{}
	opts := solver.DefaultOptions()
	opts.Sinks = []solver.RecordSink{NewInfluxSink(mock, DefaultInfluxConfig(), nil)}
	sol, err := solver.Solve(context.Background(), p, opts)
	require.NoError(t, err)

	assert.Len(t, mock.points(MeasurementIterations), sol.Iterations)
	runs := mock.points(MeasurementRuns)
	require.Len(t, runs, 2)
	finish := runs[1]
	assert.Equal(t, "converged", tags(finish)["stop_reason"])
	assert.Equal(t, true, fields(finish)["converged"])
}

func TestInfluxConfigFromEnv(t *testing.T) {
	t.Setenv("INFLUXDB_URL", "http://influx:8086")
	t.Setenv("INFLUXDB_BUCKET", "runs")
	t.Setenv("HEDGE_INFLUX_UPDATES", "true")

	cfg := InfluxConfigFromEnv()
	assert.Equal(t, "http://influx:8086", cfg.URL)
	assert.Equal(t, "runs", cfg.Bucket)
	assert.Equal(t, "aleutian", cfg.Org)
	assert.True(t, cfg.WriteUpdates)
}

func TestDialInflux_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := DefaultInfluxConfig()
	cfg.URL = "http://127.0.0.1:1"
	_, _, err := DialInflux(ctx, cfg, nil)
	assert.Error(t, err)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := LogSink{Logger: logger, Every: 2}
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, sink.OnIteration(ctx, "r", consensus.IterationRecord{Iteration: i}))
	}
	require.NoError(t, sink.OnUpdate(ctx, "r", consensus.UpdateRecord{Seq: 1}))
	require.NoError(t, sink.OnFinish(ctx, &solver.Solution{RunID: "r", StopReason: solver.StopMaxIter}))

	var iterations []int
	var levels []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		levels = append(levels, entry["level"].(string))
		if entry["msg"] == "iteration" {
			iterations = append(iterations, int(entry["iteration"].(float64)))
		}
	}
	assert.Equal(t, []int{2, 4}, iterations)
	assert.Equal(t, []string{"INFO", "INFO", "DEBUG", "WARN"}, levels)
}
