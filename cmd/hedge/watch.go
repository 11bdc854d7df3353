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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHedge/services/hedge/remote"
)

func newWatchCmd(a *app) *cobra.Command {
	var coordinator string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream the records of a coordinator's solve",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			client, err := remote.NewClient(remote.ClientConfig{BaseURL: coordinator, Logger: a.log()})
			if err != nil {
				return err
			}
			defer client.Close()

			return remote.Watch(ctx, client.StreamURL(), func(ev remote.Event) error {
				switch ev.Type {
				case remote.EventStart:
					a.printer.Title(fmt.Sprintf("Run %s started (%s, %d scenarios)", ev.RunID, ev.Run.Mode, ev.Run.Scenarios))
				case remote.EventIteration:
					rec := ev.Iteration
					a.printer.Info(fmt.Sprintf("iter=%-6d updates=%-8d primal=%-12s dual=%-12s obj=%s",
						rec.Iteration, rec.Updates, formatFloat(rec.PrimalResidual), formatFloat(rec.DualResidual), formatFloat(rec.Objective)))
				case remote.EventUpdate:
					u := ev.Update
					a.printer.Info(fmt.Sprintf("update seq=%d scenario=%d worker=%s staleness=%d", u.Seq, u.Scenario, u.Worker, u.Staleness))
				case remote.EventFinish:
					printSummary(a.printer, ev.RunID, *ev.Summary)
					return remote.ErrStopWatching
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&coordinator, "coordinator", "http://localhost:8095", "coordinator base URL")
	return cmd
}
