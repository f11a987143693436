// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/aura/pkg/logging"
)

var (
	configPath string
	logDir     string
	verbose    bool

	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "aura",
		Short: "A conversational task-execution assistant",
		Long: `Aura turns natural-language requests into executed task plans:
timers, notes, and whatever skills the host registers. Without an LLM
API key it runs fully local on its rule classifier and planner.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			lg, err := logging.New(logging.Config{
				Level:   level,
				LogDir:  logDir,
				Service: "aura",
			})
			if err != nil {
				return err
			}
			logger = lg
			slog.SetDefault(lg.Slog())
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults apply when omitted)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "write JSON logs to this directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
}
