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
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHedge/pkg/ux"
)

func newRunsCmd(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect journaled runs",
	}
	cmd.PersistentFlags().StringVar(&dir, "journal", "", "journal directory")
	_ = cmd.MarkPersistentFlagRequired("journal")

	list := &cobra.Command{
		Use:   "list",
		Short: "List journaled runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.openJournal(dir, false)
			if err != nil {
				return err
			}
			defer j.Close()
			runs, err := j.Runs(cmd.Context())
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				a.printer.Info("no runs")
				return nil
			}
			for _, m := range runs {
				printRun(a.printer, m)
			}
			return nil
		},
	}

	var tail int
	show := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run and its last iteration records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.openJournal(dir, false)
			if err != nil {
				return err
			}
			defer j.Close()
			ctx := cmd.Context()
			m, err := j.Run(ctx, args[0])
			if err != nil {
				return err
			}
			iters, err := j.Iterations(ctx, args[0])
			if err != nil {
				return err
			}
			a.printer.Summary("Run "+m.Info.RunID, []ux.Field{
				{Label: "Mode", Value: string(m.Info.Mode)},
				{Label: "Scenarios", Value: strconv.Itoa(m.Info.Scenarios)},
				{Label: "Finished", Value: strconv.FormatBool(m.Finished)},
				{Label: "Stop reason", Value: string(m.StopReason)},
				{Label: "Iterations", Value: strconv.Itoa(m.Iterations)},
				{Label: "Objective", Value: formatFloat(m.Objective)},
				{Label: "Elapsed", Value: m.Elapsed.String()},
			}, m.Converged)
			for _, rec := range iters[max(0, len(iters)-tail):] {
				a.printer.Info(fmt.Sprintf("iter=%-6d primal=%-12s dual=%-12s obj=%s",
					rec.Iteration, formatFloat(rec.PrimalResidual), formatFloat(rec.DualResidual), formatFloat(rec.Objective)))
			}
			if c := j.Corrupted(); c > 0 {
				a.printer.Warning(fmt.Sprintf("%d corrupted records skipped", c))
			}
			return nil
		},
	}
	show.Flags().IntVar(&tail, "tail", 10, "number of iteration records to show")

	del := &cobra.Command{
		Use:   "delete RUN_ID",
		Short: "Delete a run and its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.openJournal(dir, false)
			if err != nil {
				return err
			}
			defer j.Close()
			n, err := j.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.printer.Success(fmt.Sprintf("deleted run %s (%d records)", args[0], n))
			return nil
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}
