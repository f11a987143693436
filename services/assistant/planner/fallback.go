// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/aura/services/assistant/engine"
	"github.com/AleutianAI/aura/services/assistant/intent"
)

// Fallback composes a primary and a secondary planner.
//
// Description:
//
//	Tries the primary planner and substitutes the secondary's plan on
//	any failure, including caller cancellation — the planning contract
//	is "never fails, always returns a valid plan", so even a cancelled
//	remote call degrades to the local rule plan rather than erroring.
//
// Thread Safety: Safe for concurrent use when both planners are.
type Fallback struct {
	primary   Planner
	secondary Planner
}

// NewFallback creates the composing decorator.
//
// Inputs:
//
//	primary - Tried first. Must not be nil.
//	secondary - Used when primary fails. Must never return an error
//	            itself (RulePlanner qualifies).
func NewFallback(primary, secondary Planner) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

// CreatePlan implements Planner. The error result is always nil.
//
// Thread Safety: Safe for concurrent use.
func (f *Fallback) CreatePlan(ctx context.Context, query string, res *intent.Result, recent []engine.ContextEntry) (*engine.Plan, error) {
	plan, err := f.primary.CreatePlan(ctx, query, res, recent)
	if err == nil && plan != nil && len(plan.Steps) > 0 {
		return plan, nil
	}
	if err != nil {
		slog.Warn("Primary planner failed, using rule-based fallback",
			slog.String("error", err.Error()),
		)
	}
	return f.secondary.CreatePlan(ctx, query, res, recent)
}
