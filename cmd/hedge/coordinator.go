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
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianHedge/pkg/validation"
	"github.com/AleutianAI/AleutianHedge/services/hedge/remote"
	"github.com/AleutianAI/AleutianHedge/services/hedge/solver"
)

func newCoordinatorCmd(a *app) *cobra.Command {
	var (
		pf            problemFlags
		sf            solverFlags
		rf            recordFlags
		runID         string
		server        = remote.DefaultServerConfig()
		streamUpdates bool
		localWorkers  int
	)
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Serve an asynchronous solve to remote workers",
		Long: `Coordinator owns the consensus state of an asynchronous solve and serves
leases to workers over HTTP until the solve terminates. Workers started
with "hedge worker" must use the same problem flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			cmd.SetContext(ctx)

			if runID != "" {
				if err := validation.ValidateRunID(runID); err != nil {
					return &exitError{code: exitUsage, msg: err.Error()}
				}
			}
			cfg, err := a.loadSolverConfig(cmd, &sf)
			if err != nil {
				return err
			}
			p, err := pf.build()
			if err != nil {
				return err
			}
			opts := cfg.ToOptions()
			opts.Mode = solver.ModeAsync
			opts.RunID = runID
			opts.Logger = a.log()
			opts.Metrics = a.metrics
			if opts.LeaseTTL == 0 {
				// Remote workers can vanish with a lease.
				opts.LeaseTTL = time.Minute
			}

			_, closer, err := a.attach(cmd, &rf, &opts)
			if err != nil {
				return err
			}
			defer closer.Close()

			broadcaster := remote.NewBroadcaster(256, streamUpdates)
			opts.Sinks = append(opts.Sinks, broadcaster)
			hub, err := solver.NewHub(p, opts)
			if err != nil {
				return err
			}
			server.Logger = a.log()
			server.Metrics = a.metrics
			srv := remote.NewServer(hub, broadcaster, server)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx) })
			for i := range localWorkers {
				g.Go(func() error {
					_, err := solver.RunWorker(gctx, hub, p, solver.WorkerOptions{
						ID:            fmt.Sprintf("local-%d", i),
						OracleTimeout: opts.OracleTimeout,
						Logger:        a.log(),
						Metrics:       a.metrics,
					})
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
			}

			a.printer.Title(fmt.Sprintf("Coordinating run %s on %s (%d scenarios)", hub.RunID(), server.Addr, p.NumScenarios()))
			sol, runErr := hub.Run(gctx)
			broadcaster.Close()
			serveErr := g.Wait()
			printSolution(a.printer, sol)
			return errors.Join(runErr, serveErr)
		},
	}
	pf.register(cmd.Flags())
	sf.register(cmd.Flags())
	rf.register(cmd)
	fs := cmd.Flags()
	fs.StringVar(&runID, "run-id", "", "run identifier (default: random UUID)")
	fs.StringVar(&server.Addr, "addr", server.Addr, "listen address")
	fs.DurationVar(&server.LeaseWait, "lease-wait", server.LeaseWait, "long-poll duration of lease requests")
	fs.DurationVar(&server.ShutdownGrace, "shutdown-grace", server.ShutdownGrace, "keep serving this long after the solve ends")
	fs.BoolVar(&streamUpdates, "stream-updates", false, "include every applied update in the record stream")
	fs.IntVar(&localWorkers, "local-workers", 0, "also run this many in-process workers")
	return cmd
}
