// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/aura/services/assistant"
	"github.com/AleutianAI/aura/services/assistant/config"
	"github.com/AleutianAI/aura/services/assistant/pipeline"
)

var (
	askCmd = &cobra.Command{
		Use:   "ask [request]",
		Short: "Run a single request and print the reply",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand,
	}

	chatCmd = &cobra.Command{
		Use:     "chat",
		Short:   "Start an interactive session",
		Aliases: []string{"repl"},
		Run:     runChatCommand,
	}
)

// buildAssistant loads configuration and assembles the assistant with the
// built-in local skills.
func buildAssistant(opts ...assistant.Option) (*assistant.Assistant, *localSkills, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	skills := newLocalSkills()
	a, err := assistant.New(cfg, append(skills.options(), opts...)...)
	if err != nil {
		skills.close()
		return nil, nil, err
	}
	return a, skills, nil
}

func runAskCommand(cmd *cobra.Command, args []string) {
	a, skills, err := buildAssistant()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer skills.close()
	defer a.Close()

	reply, err := a.Process(cmd.Context(), strings.Join(args, " "))
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	fmt.Println(reply)
}

func runChatCommand(cmd *cobra.Command, _ []string) {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	a, skills, err := buildAssistant()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer skills.close()
	defer a.Close()

	fmt.Println("Aura is listening. Type a request, or 'exit' to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		lineCh := make(chan string, 1)
		go func() {
			if scanner.Scan() {
				lineCh <- scanner.Text()
				return
			}
			close(lineCh)
		}()

		var line string
		var open bool
		select {
		case <-ctx.Done():
			fmt.Println("\nGoodbye.")
			return
		case line, open = <-lineCh:
			if !open {
				fmt.Println("\nGoodbye.")
				return
			}
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			fmt.Println("Goodbye.")
			return
		case line == "cancel":
			if a.CancelExecution() {
				fmt.Println("Cancelled the running plan.")
			} else {
				fmt.Println("Nothing is running.")
			}
			continue
		}

		reply, err := a.Process(ctx, line)
		if err != nil {
			if errors.Is(err, pipeline.ErrPipelineBusy) {
				fmt.Println("Still working on the previous request.")
				continue
			}
			fmt.Printf("Sorry, that failed: %v\n", err)
			continue
		}
		fmt.Println(reply)
	}
}
