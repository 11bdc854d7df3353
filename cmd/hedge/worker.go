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
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianHedge/pkg/ux"
	"github.com/AleutianAI/AleutianHedge/pkg/validation"
	"github.com/AleutianAI/AleutianHedge/services/hedge/remote"
	"github.com/AleutianAI/AleutianHedge/services/hedge/solver"
)

// ErrProblemMismatch is returned when a worker's problem does not match the
// coordinator's.
var ErrProblemMismatch = errors.New("problem does not match the coordinator")

func newWorkerCmd(a *app) *cobra.Command {
	var (
		pf            problemFlags
		coordinator   string
		id            string
		concurrency   int
		oracleTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Solve scenario subproblems for a remote coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if concurrency < 1 {
				return &exitError{code: exitUsage, msg: "--concurrency must be at least 1"}
			}
			p, err := pf.build()
			if err != nil {
				return err
			}
			client, err := remote.NewClient(remote.ClientConfig{BaseURL: coordinator, Retries: 5, Logger: a.log()})
			if err != nil {
				return err
			}
			defer client.Close()

			health, err := client.Health(ctx)
			if err != nil {
				return fmt.Errorf("coordinator health: %w", err)
			}
			if health.Scenarios != p.NumScenarios() || health.Dim != p.Dim() {
				return fmt.Errorf("%w: coordinator has %d scenarios × %d, worker has %d × %d",
					ErrProblemMismatch, health.Scenarios, health.Dim, p.NumScenarios(), p.Dim())
			}
			if id == "" {
				host, _ := os.Hostname()
				id = fmt.Sprintf("%s-%d", host, os.Getpid())
			}
			if err := validation.ValidateWorkerID(id); err != nil {
				return &exitError{code: exitUsage, msg: err.Error()}
			}
			a.printer.Title(fmt.Sprintf("Worker %s joined run %s", id, health.RunID))

			stats := make([]solver.WorkerStats, concurrency)
			g, gctx := errgroup.WithContext(ctx)
			for i := range concurrency {
				g.Go(func() error {
					var err error
					stats[i], err = solver.RunWorker(gctx, client, p, solver.WorkerOptions{
						ID:            fmt.Sprintf("%s/%d", id, i),
						OracleTimeout: oracleTimeout,
						Logger:        a.log(),
						Metrics:       a.metrics,
					})
					return err
				})
			}
			err = g.Wait()

			var total solver.WorkerStats
			for _, s := range stats {
				total.Calls += s.Calls
				total.Failures += s.Failures
				total.Applied += s.Applied
				total.Dropped += s.Dropped
			}
			a.printer.Summary("Worker "+id, []ux.Field{
				{Label: "Oracle calls", Value: strconv.FormatInt(total.Calls, 10)},
				{Label: "Failures", Value: strconv.FormatInt(total.Failures, 10)},
				{Label: "Applied", Value: strconv.FormatInt(total.Applied, 10)},
				{Label: "Dropped", Value: strconv.FormatInt(total.Dropped, 10)},
			}, err == nil)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	pf.register(cmd.Flags())
	fs := cmd.Flags()
	fs.StringVar(&coordinator, "coordinator", "http://localhost:8095", "coordinator base URL")
	fs.StringVar(&id, "id", "", "worker identifier (default: host-pid)")
	fs.IntVar(&concurrency, "concurrency", 1, "concurrent oracle calls")
	fs.DurationVar(&oracleTimeout, "oracle-timeout", 0, "abandon oracle calls after this long")
	return cmd
}
