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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianHedge/pkg/logging"
	"github.com/AleutianAI/AleutianHedge/pkg/ux"
	"github.com/AleutianAI/AleutianHedge/services/hedge/telemetry"
)

// app holds the process-wide state set up before every command.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	logDir     string
	output     string

	logger    *logging.Logger
	printer   *ux.Printer
	metrics   *telemetry.Metrics
	shutdown  func(context.Context) error
	telemetry telemetry.Config
}

func (a *app) log() *slog.Logger { return a.logger.Slog() }

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "hedge",
		Short: "Progressive-hedging consensus engine for multistage stochastic programs",
		Long: `hedge solves multistage stochastic programs by progressive hedging.

It runs the direct, sequential, randomized synchronous and randomized
asynchronous drivers in-process, or splits an asynchronous solve into a
coordinator and any number of remote workers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "solver config file (YAML or JSON)")
	pf.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&a.logFormat, "log-format", "auto", "log format: auto, text, json")
	pf.StringVar(&a.logDir, "log-dir", "", "also write JSON logs to this directory")
	pf.StringVarP(&a.output, "output", "o", "", "output mode: styled or machine (default: detect)")

	root.AddCommand(
		newSolveCmd(a),
		newCoordinatorCmd(a),
		newWorkerCmd(a),
		newWatchCmd(a),
		newRunsCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(a.logFormat)
	if err != nil {
		return err
	}
	cfg, err := logging.ConfigFromEnv(logging.Config{
		Level:   level,
		Format:  format,
		LogDir:  a.logDir,
		Service: "hedge-" + cmd.Name(),
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	a.logger = logging.New(cfg)
	a.logger.SetDefault()

	mode := ux.Mode("")
	if a.output != "" {
		mode = ux.ParseMode(a.output)
	}
	a.printer = ux.NewPrinter(cmd.OutOrStdout(), mode)

	a.telemetry = telemetry.DefaultConfig()
	a.telemetry.ServiceName = "hedge-" + cmd.Name()
	a.shutdown, err = telemetry.Init(cmd.Context(), a.telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.metrics, err = telemetry.NewMetrics(otel.Meter(telemetry.MeterName))
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

func (a *app) teardown() error {
	var err error
	if a.shutdown != nil {
		err = a.shutdown(context.Background())
	}
	if a.logger != nil {
		if cerr := a.logger.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
