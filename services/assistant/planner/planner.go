// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package planner turns a classified utterance into an execution plan.
//
// LLMPlanner delegates to a remote chat model with the skill capability
// catalog in the prompt; RulePlanner is the deterministic local fallback.
// The Fallback decorator composes them into a planner that always returns
// a valid plan, possibly a trivial one — the contract the pipeline relies
// on (planning failure is never user-visible by itself).
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/aura/services/assistant/engine"
	"github.com/AleutianAI/aura/services/assistant/intent"
)

// Capability describes one invocable skill action for the planning prompt.
type Capability struct {
	// Action is the backend action name (e.g. "create_timer").
	Action string

	// Description is a human-readable summary of what the action does.
	Description string
}

// Catalog is the ordered list of available skill capabilities.
type Catalog []Capability

// Render formats the catalog for inclusion in a planning prompt.
func (c Catalog) Render() string {
	var b strings.Builder
	for _, cap := range c {
		fmt.Fprintf(&b, "- %s: %s\n", cap.Action, cap.Description)
	}
	return b.String()
}

// Planner creates execution plans.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Planner interface {
	// CreatePlan builds a plan for the query.
	//
	// Inputs:
	//
	//	ctx - Context for cancellation and tracing. Must not be nil.
	//	query - The user's free-text request.
	//	res - The intent classification result. Must not be nil.
	//	recent - Recent context entries, oldest first. May be empty.
	//
	// Outputs:
	//
	//	*engine.Plan - A plan with at least one step and unique step IDs.
	//	error - Remote planners may fail; RulePlanner and Fallback never
	//	        return one.
	CreatePlan(ctx context.Context, query string, res *intent.Result, recent []engine.ContextEntry) (*engine.Plan, error)
}
