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
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHedge/pkg/validation"
	"github.com/AleutianAI/AleutianHedge/services/hedge/history"
	"github.com/AleutianAI/AleutianHedge/services/hedge/journal"
	"github.com/AleutianAI/AleutianHedge/services/hedge/solver"
	"github.com/AleutianAI/AleutianHedge/services/hedge/storage"
)

// recordFlags attach optional sinks to a solve.
type recordFlags struct {
	journalDir  string
	keepUpdates bool
	influx      bool
	logRecords  int
}

func (f *recordFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.journalDir, "journal", "", "record the run in a journal at this directory")
	fs.BoolVar(&f.keepUpdates, "journal-updates", false, "also journal every applied async update")
	fs.BoolVar(&f.influx, "influx", false, "write records to InfluxDB (INFLUXDB_* environment)")
	fs.IntVar(&f.logRecords, "log-records", 0, "log every Nth iteration record (0 disables)")
}

// attach opens the configured sinks. The returned closer releases them.
func (a *app) attach(cmd *cobra.Command, f *recordFlags, opts *solver.Options) (*journal.Journal, io.Closer, error) {
	var closers closerFunc
	var j *journal.Journal
	if f.journalDir != "" {
		var err error
		j, err = a.openJournal(f.journalDir, f.keepUpdates)
		if err != nil {
			return nil, nil, err
		}
		opts.Sinks = append(opts.Sinks, j)
		closers = append(closers, j.Close)
	}
	if f.influx {
		sink, closeInflux, err := history.DialInflux(cmd.Context(), history.InfluxConfigFromEnv(), a.log())
		if err != nil {
			_ = closers.Close()
			return nil, nil, err
		}
		opts.Sinks = append(opts.Sinks, sink)
		closers = append(closers, func() error { closeInflux(); return nil })
	}
	if f.logRecords > 0 {
		opts.Sinks = append(opts.Sinks, history.LogSink{Logger: a.log(), Every: f.logRecords})
	}
	return j, closers, nil
}

func (a *app) openJournal(dir string, keepUpdates bool) (*journal.Journal, error) {
	j, err := journal.Open(journal.Config{
		Store:         storage.DefaultConfig(dir),
		KeepUpdates:   keepUpdates,
		SkipCorrupted: true,
		Logger:        a.log(),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dir, err)
	}
	return j, nil
}

// closerFunc closes several resources in reverse order.
type closerFunc []func() error

func (c closerFunc) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

func newSolveCmd(a *app) *cobra.Command {
	var (
		pf     problemFlags
		sf     solverFlags
		rf     recordFlags
		runID  string
		resume string
	)
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Solve the demo tracking problem in-process",
		Long: `Solve builds a scenario tree and tracking problem and solves it with the
selected driver. With --journal the run is recorded and a later solve can
continue from its last consensus snapshot with --resume.`,
		Example: `  hedge solve --mode sequential
  hedge solve --mode async --workers 8 --stages 4 --branching 3
  hedge solve --journal ./runs --run-id first --max-iter 20
  hedge solve --journal ./runs --resume first`,
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
			opts.RunID = runID
			opts.Logger = a.log()
			opts.Metrics = a.metrics

			j, closer, err := a.attach(cmd, &rf, &opts)
			if err != nil {
				return err
			}
			defer closer.Close()

			if resume != "" {
				if j == nil {
					return &exitError{code: exitUsage, msg: "--resume requires --journal"}
				}
				ws, err := j.WarmStart(ctx, resume)
				if err != nil {
					return fmt.Errorf("resume %s: %w", resume, err)
				}
				opts.WarmStart = ws
				a.printer.Info(fmt.Sprintf("resuming from run %s", resume))
			}

			a.printer.Title(fmt.Sprintf("Solving %d scenarios × %d decisions (%s)", p.NumScenarios(), p.Dim(), opts.Mode))
			sol, err := solver.Solve(ctx, p, opts)
			if sol != nil {
				printSolution(a.printer, sol)
			}
			return err
		},
	}
	pf.register(cmd.Flags())
	sf.register(cmd.Flags())
	rf.register(cmd)
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: random UUID)")
	cmd.Flags().StringVar(&resume, "resume", "", "warm start from the last snapshot of this journaled run")
	return cmd
}
