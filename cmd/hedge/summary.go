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
	"math"
	"strconv"

	"github.com/AleutianAI/AleutianHedge/pkg/ux"
	"github.com/AleutianAI/AleutianHedge/services/hedge/journal"
	"github.com/AleutianAI/AleutianHedge/services/hedge/remote"
	"github.com/AleutianAI/AleutianHedge/services/hedge/solver"
)

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return strconv.FormatFloat(v, 'g', 8, 64)
}

func printSolution(p *ux.Printer, sol *solver.Solution) {
	fields := []ux.Field{
		{Label: "Run ID", Value: sol.RunID},
		{Label: "Mode", Value: string(sol.Mode)},
		{Label: "Stop reason", Value: string(sol.StopReason)},
		{Label: "Converged", Value: strconv.FormatBool(sol.Converged)},
		{Label: "Iterations", Value: strconv.Itoa(sol.Iterations)},
		{Label: "Updates", Value: strconv.FormatUint(sol.Updates, 10)},
		{Label: "Objective", Value: formatFloat(sol.Objective)},
		{Label: "Primal residual", Value: formatFloat(sol.PrimalResidual)},
		{Label: "Dual residual", Value: formatFloat(sol.DualResidual)},
		{Label: "Oracle calls", Value: strconv.FormatInt(sol.OracleCalls, 10)},
		{Label: "Oracle failures", Value: strconv.FormatInt(sol.OracleFailures, 10)},
	}
	if sol.Mode == solver.ModeAsync {
		fields = append(fields,
			ux.Field{Label: "Dropped stale", Value: strconv.FormatInt(sol.DroppedStale, 10)},
			ux.Field{Label: "Max staleness", Value: strconv.Itoa(sol.MaxStaleness)},
		)
	}
	fields = append(fields, ux.Field{Label: "Elapsed", Value: sol.Elapsed.Round(1e6).String()})
	p.Summary("Solve Result", fields, sol.Converged)
}

func printSummary(p *ux.Printer, runID string, s remote.Summary) {
	obj := math.NaN()
	if s.Objective != nil {
		obj = *s.Objective
	}
	p.Summary("Run "+runID, []ux.Field{
		{Label: "Stop reason", Value: string(s.StopReason)},
		{Label: "Converged", Value: strconv.FormatBool(s.Converged)},
		{Label: "Iterations", Value: strconv.Itoa(s.Iterations)},
		{Label: "Updates", Value: strconv.FormatUint(s.Updates, 10)},
		{Label: "Objective", Value: formatFloat(obj)},
		{Label: "Elapsed", Value: s.Elapsed.Round(1e6).String()},
	}, s.Converged)
}

func printRun(p *ux.Printer, m journal.RunMeta) {
	status := "running"
	if m.Finished {
		status = string(m.StopReason)
	}
	p.Info(fmt.Sprintf("%-36s  %-10s  %-10s  iter=%-6d obj=%s  %s",
		m.Info.RunID, m.Info.Mode, status, m.Iterations, formatFloat(m.Objective),
		m.Info.Started.Format("2006-01-02 15:04:05")))
}
