// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
	"github.com/AleutianAI/AleutianHedge/services/hedge/problem"
	"github.com/AleutianAI/AleutianHedge/services/hedge/problems"
	"github.com/AleutianAI/AleutianHedge/services/hedge/solver"
	"github.com/AleutianAI/AleutianHedge/services/hedge/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quadratic(t *testing.T, depth, branching int) *problem.Problem {
	t.Helper()
	cfg := problems.DefaultQuadraticConfig()
	cfg.Depth = depth
	cfg.Branching = branching
	cfg.Seed = 4
	p, err := problems.NewQuadratic(cfg)
	require.NoError(t, err)
	return p
}

type fixture struct {
	hub    *solver.Hub
	b      *Broadcaster
	srv    *Server
	ts     *httptest.Server
	client *Client
}

func newFixture(t *testing.T, p *problem.Problem, opts solver.Options, cfg ServerConfig) *fixture {
	t.Helper()
	b := NewBroadcaster(1<<14, false)
	opts.Sinks = append(opts.Sinks, b)
	hub, err := solver.NewHub(p, opts)
	require.NoError(t, err)

	srv := NewServer(hub, b, cfg)
	ts := httptest.NewServer(srv.Handler())
	client, err := NewClient(ClientConfig{BaseURL: ts.URL, Timeout: 10 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		srv.Close()
		ts.Close()
		b.Close()
	})
	return &fixture{hub: hub, b: b, srv: srv, ts: ts, client: client}
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServer_Health(t *testing.T) {
	p := quadratic(t, 2, 2)
	f := newFixture(t, p, solver.Options{RunID: "run-h"}, ServerConfig{})

	h, err := f.client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Health{Status: "ok", RunID: "run-h", Scenarios: p.NumScenarios(), Dim: p.Dim()}, h)

	st, err := f.client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-h", st.RunID)
	assert.False(t, st.Finished)
}

func TestServer_BadRequests(t *testing.T) {
	f := newFixture(t, quadratic(t, 2, 2), solver.Options{}, ServerConfig{})

	tests := []struct {
		name string
		path string
		body any
	}{
		{"lease without worker", "/v1/hedge/lease", map[string]any{}},
		{"complete without lease", "/v1/hedge/complete", map[string]any{"worker": "w"}},
		{"complete negative scenario", "/v1/hedge/complete", map[string]any{"worker": "w", "lease_id": "x", "scenario": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, f.ts.URL+tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, CodeBadRequest, body.Code)
		})
	}
}

func TestServer_LeaseWaitTimesOut(t *testing.T) {
	p := quadratic(t, 1, 2)
	f := newFixture(t, p, solver.Options{}, ServerConfig{LeaseWait: 50 * time.Millisecond})

	ctx := context.Background()
	for range p.NumScenarios() {
		_, err := f.hub.Lease(ctx, "local")
		require.NoError(t, err)
	}

	resp := post(t, f.ts.URL+"/v1/hedge/lease", LeaseRequest{Worker: "remote"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The client keeps polling until its own context ends.
	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err := f.client.Lease(cctx, "remote")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServer_LeaseAndComplete(t *testing.T) {
	p := quadratic(t, 2, 2)
	f := newFixture(t, p, solver.Options{}, ServerConfig{})
	ctx := context.Background()

	task, err := f.client.Lease(ctx, "w1")
	require.NoError(t, err)
	assert.NotEmpty(t, task.LeaseID)
	assert.Len(t, task.Consensus, p.Dim())

	x, err := p.Oracle().Solve(ctx, problem.Request{
		Scenario:  p.Scenario(task.Scenario),
		Consensus: task.Consensus,
		Dual:      task.Dual,
		Rho:       task.Rho,
	})
	require.NoError(t, err)
	ack, err := f.client.Complete(ctx, solver.Result{LeaseID: task.LeaseID, Worker: "w1", Scenario: task.Scenario, Primal: x})
	require.NoError(t, err)
	assert.True(t, ack.Applied)
	assert.Equal(t, uint64(1), ack.Version)

	_, err = f.client.Complete(ctx, solver.Result{LeaseID: task.LeaseID, Worker: "w1", Scenario: task.Scenario, Primal: x})
	assert.ErrorIs(t, err, solver.ErrUnknownLease)
}

func TestClient_NonFinitePrimalIsReportedAsFailure(t *testing.T) {
	p := quadratic(t, 2, 2)
	f := newFixture(t, p, solver.Options{}, ServerConfig{})
	ctx := context.Background()

	task, err := f.client.Lease(ctx, "w1")
	require.NoError(t, err)
	primal := make([]float64, p.Dim())
	primal[0] = math.Inf(1)
	ack, err := f.client.Complete(ctx, solver.Result{LeaseID: task.LeaseID, Worker: "w1", Scenario: task.Scenario, Primal: primal})
	require.NoError(t, err)
	assert.False(t, ack.Applied)

	st := f.hub.Status()
	assert.Equal(t, int64(1), st.Failures)
	assert.Zero(t, st.Version)
}

func TestServer_Finished(t *testing.T) {
	f := newFixture(t, quadratic(t, 2, 2), solver.Options{}, ServerConfig{})
	ctx := context.Background()

	task, err := f.client.Lease(ctx, "w1")
	require.NoError(t, err)
	f.hub.Stop(solver.StopCancelled)

	_, err = f.client.Lease(ctx, "w1")
	assert.ErrorIs(t, err, solver.ErrSolveFinished)

	ack, err := f.client.Complete(ctx, solver.Result{LeaseID: task.LeaseID, Worker: "w1", Primal: []float64{0}})
	assert.ErrorIs(t, err, solver.ErrSolveFinished)
	assert.True(t, ack.Done)

	resp := post(t, f.ts.URL+"/v1/hedge/lease", LeaseRequest{Worker: "w2"})
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestRemoteSolve(t *testing.T) {
	p := quadratic(t, 2, 3)
	ctx := context.Background()

	seq, err := solver.Solve(ctx, p, solver.Options{Mode: solver.ModeSequential, MaxIter: 2000})
	require.NoError(t, err)
	require.True(t, seq.Converged)

	f := newFixture(t, p, solver.Options{Seed: 3, MaxIter: 100000, MaxTime: 30 * time.Second, LeaseTTL: 5 * time.Second}, ServerConfig{})

	var wg sync.WaitGroup
	stats := make([]solver.WorkerStats, 3)
	errs := make([]error, 3)
	for i := range stats {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats[i], errs[i] = solver.RunWorker(ctx, f.client, p, solver.WorkerOptions{ID: fmt.Sprintf("remote-%d", i)})
		}()
	}
	sol, err := f.hub.Run(ctx)
	require.NoError(t, err)
	wg.Wait()

	require.True(t, sol.Converged, "stopped with %s", sol.StopReason)
	var applied int64
	for i := range stats {
		require.NoError(t, errs[i])
		applied += stats[i].Applied
	}
	assert.Equal(t, int64(sol.Updates), applied)
	assert.Equal(t, sol.OracleCalls, int64(sol.Updates)+sol.OracleFailures+sol.DroppedStale+sol.Discarded)
	for s := range sol.X {
		for k := range sol.X[s] {
			assert.InDelta(t, seq.X[s][k], sol.X[s][k], 1e-3)
		}
	}
}

func TestStream(t *testing.T) {
	p := quadratic(t, 2, 2)
	f := newFixture(t, p, solver.Options{Seed: 1, MaxIter: 100000, MaxTime: 30 * time.Second}, ServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var events []Event
	started := make(chan struct{})
	watched := make(chan error, 1)
	go func() {
		watched <- Watch(ctx, f.client.StreamURL(), func(ev Event) error {
			events = append(events, ev)
			if ev.Type == EventStart {
				close(started)
			}
			if ev.Type == EventFinish {
				return ErrStopWatching
			}
			return nil
		})
	}()
	require.Eventually(t, func() bool { return f.b.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	type result struct {
		sol *solver.Solution
		err error
	}
	ran := make(chan result, 1)
	go func() {
		sol, err := f.hub.Run(ctx)
		ran <- result{sol, err}
	}()
	select {
	case <-started:
	case <-ctx.Done():
		t.Fatal("no start event")
	}
	_, err := solver.RunWorker(ctx, f.hub, p, solver.WorkerOptions{ID: "local"})
	require.NoError(t, err)
	res := <-ran
	require.NoError(t, res.err)
	sol := res.sol

	require.NoError(t, <-watched)
	require.NotEmpty(t, events)
	assert.Equal(t, EventStart, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, EventFinish, last.Type)
	require.NotNil(t, last.Summary)
	assert.Equal(t, sol.Iterations, last.Summary.Iterations)
	require.NotNil(t, last.Summary.Objective)
	assert.InDelta(t, sol.Objective, *last.Summary.Objective, 1e-9)

	iterations := 0
	for _, ev := range events {
		if ev.Type == EventIteration {
			iterations++
			assert.Equal(t, iterations, ev.Iteration.Iteration)
		}
	}
	assert.Equal(t, sol.Iterations, iterations)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster(2, true)
	ch, cancel := b.Subscribe()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.OnIteration(ctx, "r", consensus.IterationRecord{Iteration: i}))
	}
	assert.Equal(t, int64(1), b.Dropped())
	assert.Equal(t, 1, (<-ch).Iteration.Iteration)

	require.NoError(t, b.OnUpdate(ctx, "r", consensus.UpdateRecord{Seq: 7}))
	assert.Equal(t, 2, (<-ch).Iteration.Iteration)
	assert.Equal(t, uint64(7), (<-ch).Update.Seq)

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()

	b.Close()
	late, _ := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
	assert.NoError(t, b.OnFinish(ctx, &solver.Solution{Objective: math.NaN()}))
}

func TestSummarize_NonFiniteObjective(t *testing.T) {
	s := Summarize(&solver.Solution{Objective: math.NaN(), StopReason: solver.StopMaxIter})
	assert.Nil(t, s.Objective)
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"objective":null`)
}

func TestMetricsMiddleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()
	m, err := telemetry.NewMetrics(provider.Meter(telemetry.MeterName))
	require.NoError(t, err)

	f := newFixture(t, quadratic(t, 2, 2), solver.Options{}, ServerConfig{Metrics: m})
	_, err = f.client.Health(context.Background())
	require.NoError(t, err)
	resp, err := http.Get(f.ts.URL + "/nope")
	require.NoError(t, err)
	_ = resp.Body.Close()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	routes := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "hedge_http_requests_total" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if route, ok := dp.Attributes.Value("http.route"); ok {
					routes[route.AsString()] = true
				}
			}
		}
	}
	assert.True(t, routes["/v1/hedge/health"])
	assert.True(t, routes["unmatched"])
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "ftp://x"})
	assert.Error(t, err)
	_, err = NewClient(ClientConfig{BaseURL: "://"})
	assert.Error(t, err)
}

func TestClient_RetriesTransportErrors(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := NewClient(ClientConfig{BaseURL: url, Retries: 2, RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Health(context.Background())
	require.Error(t, err)
	var se *StatusError
	assert.False(t, errors.As(err, &se))
}
