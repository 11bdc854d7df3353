// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history exports solver records to external observers.
//
// InfluxSink writes iteration, update and run points to InfluxDB so the
// convergence of long solves can be charted. LogSink writes the same
// records through slog.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
	"github.com/AleutianAI/AleutianHedge/services/hedge/solver"
)

// Measurement names.
const (
	MeasurementIterations = "hedge_iterations"
	MeasurementUpdates    = "hedge_updates"
	MeasurementRuns       = "hedge_runs"
)

// ErrInfluxUnavailable is returned by DialInflux when the server never
// reports healthy.
var ErrInfluxUnavailable = errors.New("influxdb unavailable")

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	URL    string `yaml:"url" json:"url"`
	Token  string `yaml:"token" json:"token"`
	Org    string `yaml:"org" json:"org"`
	Bucket string `yaml:"bucket" json:"bucket"`

	// WriteUpdates also writes one point per applied async update.
	WriteUpdates bool `yaml:"write_updates" json:"write_updates"`

	// UpdateRate caps update points per second. Zero means unlimited.
	UpdateRate float64 `yaml:"update_rate" json:"update_rate"`

	// HealthRetries is how often DialInflux polls the health endpoint.
	HealthRetries int `yaml:"health_retries" json:"health_retries"`
}

// DefaultInfluxConfig returns the local development defaults.
func DefaultInfluxConfig() InfluxConfig {
	return InfluxConfig{
		URL:           "http://localhost:8086",
		Org:           "aleutian",
		Bucket:        "hedge",
		UpdateRate:    200,
		HealthRetries: 5,
	}
}

// InfluxConfigFromEnv overlays INFLUXDB_URL, INFLUXDB_TOKEN, INFLUXDB_ORG
// and INFLUXDB_BUCKET on the defaults.
func InfluxConfigFromEnv() InfluxConfig {
	cfg := DefaultInfluxConfig()
	if v := os.Getenv("INFLUXDB_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("INFLUXDB_ORG"); v != "" {
		cfg.Org = v
	}
	if v := os.Getenv("INFLUXDB_BUCKET"); v != "" {
		cfg.Bucket = v
	}
	if v := os.Getenv("HEDGE_INFLUX_UPDATES"); v != "" {
		cfg.WriteUpdates, _ = strconv.ParseBool(v)
	}
	return cfg
}

// InfluxSink writes solver records to InfluxDB.
//
// Description:
//
//	Implements solver.RecordSink and solver.RunSink. Points are tagged
//	with run_id and mode. Non-finite values are omitted since line
//	protocol cannot carry them.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	writeAPI api.WriteAPIBlocking
	cfg      InfluxConfig
	logger   *slog.Logger
	limiter  *rate.Limiter

	mu    sync.Mutex
	modes map[string]solver.Mode
}

var (
	_ solver.RecordSink = (*InfluxSink)(nil)
	_ solver.RunSink    = (*InfluxSink)(nil)
)

// NewInfluxSink wraps an existing blocking write API.
func NewInfluxSink(writeAPI api.WriteAPIBlocking, cfg InfluxConfig, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.UpdateRate > 0 {
		limit = rate.Limit(cfg.UpdateRate)
	}
	return &InfluxSink{
		writeAPI: writeAPI,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "influx_sink")),
		limiter:  rate.NewLimiter(limit, max(1, int(cfg.UpdateRate))),
		modes:    make(map[string]solver.Mode),
	}
}

// DialInflux connects to InfluxDB, waits for it to report healthy and
// returns a sink plus a function closing the client.
func DialInflux(ctx context.Context, cfg InfluxConfig, logger *slog.Logger) (*InfluxSink, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	retries := max(1, cfg.HealthRetries)
	var lastErr error
	for i := 0; i < retries; i++ {
		health, err := client.Health(ctx)
		if err == nil && health != nil && health.Status == "pass" {
			logger.Info("connected to influxdb", slog.String("url", cfg.URL), slog.String("bucket", cfg.Bucket))
			return NewInfluxSink(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg, logger), client.Close, nil
		}
		lastErr = err
		logger.Warn("influxdb not ready, retrying", slog.Int("attempt", i+1), slog.Any("error", err))
		select {
		case <-ctx.Done():
			client.Close()
			return nil, nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * 500 * time.Millisecond):
		}
	}
	client.Close()
	return nil, nil, fmt.Errorf("%w at %s: %v", ErrInfluxUnavailable, cfg.URL, lastErr)
}

func (s *InfluxSink) mode(runID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.modes[runID])
}

func (s *InfluxSink) write(ctx context.Context, p *write.Point) error {
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write %s: %w", p.Name(), err)
	}
	return nil
}

// addFloat adds a field unless v is NaN or infinite.
func addFloat(p *write.Point, key string, v float64) *write.Point {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return p
	}
	return p.AddField(key, v)
}

// OnStart implements solver.RunSink.
func (s *InfluxSink) OnStart(ctx context.Context, info solver.RunInfo) error {
	s.mu.Lock()
	s.modes[info.RunID] = info.Mode
	s.mu.Unlock()

	p := influxdb2.NewPointWithMeasurement(MeasurementRuns).
		AddTag("run_id", info.RunID).
		AddTag("mode", string(info.Mode)).
		AddTag("event", "start").
		AddField("scenarios", info.Scenarios).
		AddField("dim", info.Dim).
		AddField("workers", info.Workers).
		SetTime(info.Started)
	addFloat(p, "rho", info.Rho)
	return s.write(ctx, p)
}

// OnFinish implements solver.RunSink.
func (s *InfluxSink) OnFinish(ctx context.Context, sol *solver.Solution) error {
	s.mu.Lock()
	delete(s.modes, sol.RunID)
	s.mu.Unlock()

	p := influxdb2.NewPointWithMeasurement(MeasurementRuns).
		AddTag("run_id", sol.RunID).
		AddTag("mode", string(sol.Mode)).
		AddTag("event", "finish").
		AddTag("stop_reason", string(sol.StopReason)).
		AddField("converged", sol.Converged).
		AddField("iterations", sol.Iterations).
		AddField("updates", int64(sol.Updates)).
		AddField("oracle_calls", sol.OracleCalls).
		AddField("oracle_failures", sol.OracleFailures).
		AddField("dropped_stale", sol.DroppedStale).
		AddField("elapsed_ms", sol.Elapsed.Milliseconds()).
		SetTime(time.Now())
	addFloat(p, "objective", sol.Objective)
	addFloat(p, "primal_residual", sol.PrimalResidual)
	addFloat(p, "dual_residual", sol.DualResidual)
	return s.write(ctx, p)
}

// OnIteration implements solver.RecordSink.
func (s *InfluxSink) OnIteration(ctx context.Context, runID string, rec consensus.IterationRecord) error {
	p := influxdb2.NewPointWithMeasurement(MeasurementIterations).
		AddTag("run_id", runID).
		AddTag("mode", s.mode(runID)).
		AddField("iteration", rec.Iteration).
		AddField("updates", int64(rec.Updates)).
		AddField("contributed", rec.Contributed).
		AddField("max_staleness", rec.MaxStaleness).
		AddField("elapsed_ms", rec.Elapsed.Milliseconds()).
		SetTime(time.Now())
	addFloat(p, "primal_residual", rec.PrimalResidual)
	addFloat(p, "dual_residual", rec.DualResidual)
	addFloat(p, "objective", rec.Objective)
	addFloat(p, "staleness", rec.Staleness)
	return s.write(ctx, p)
}

// OnUpdate implements solver.RecordSink. Updates beyond UpdateRate are
// dropped silently.
func (s *InfluxSink) OnUpdate(ctx context.Context, runID string, rec consensus.UpdateRecord) error {
	if !s.cfg.WriteUpdates || !s.limiter.Allow() {
		return nil
	}
	p := influxdb2.NewPointWithMeasurement(MeasurementUpdates).
		AddTag("run_id", runID).
		AddTag("worker", rec.Worker).
		AddField("seq", int64(rec.Seq)).
		AddField("scenario", rec.Scenario).
		AddField("staleness", rec.Staleness).
		SetTime(time.Now())
	return s.write(ctx, p)
}
