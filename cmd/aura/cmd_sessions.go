// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded plan execution sessions",
	Run:   runSessionsCommand,
}

func runSessionsCommand(cmd *cobra.Command, _ []string) {
	a, skills, err := buildAssistant()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer skills.close()
	defer a.Close()

	sessions := a.Sessions().Sessions()
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATUS\tSTEPS\tSUMMARY")
	for _, s := range sessions {
		summaryLine := ""
		if s.Plan != nil {
			summaryLine = s.Plan.Summary
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			s.Status,
			len(s.Executions),
			summaryLine,
		)
	}
	if err := w.Flush(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
