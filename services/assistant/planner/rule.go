// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/aura/services/assistant/engine"
	"github.com/AleutianAI/aura/services/assistant/intent"
)

const defaultTimerDuration = 5 * time.Minute

var (
	planDurationRe  = regexp.MustCompile(`(?i)(\d+)\s*(minute|second|hour)s?`)
	noteTitleRe     = regexp.MustCompile(`(?i)note\s+(?:about\s+)?(.+)`)
	searchPrefixRe  = regexp.MustCompile(`(?i)^(search\s+for|search|look\s+up|google|find\s+information\s+(?:about|on)|find\s+out\s+about|find\s+out)\s+`)
	timerNameRe     = regexp.MustCompile(`(?i)timer\s+(?:for\s+|called\s+|named\s+)?"?([a-z][\w ]{0,40})"?`)
	trailingPunctRe = regexp.MustCompile(`[.!?]+$`)
)

// RulePlanner is the deterministic fallback planner.
//
// It maps intents to single-step plans with parameters parsed from the
// query text. Unknown intents degrade to a single computation step that
// echoes the query. It never returns an error.
//
// Thread Safety: Safe for concurrent use (stateless).
type RulePlanner struct{}

// NewRulePlanner creates a rule-based planner.
func NewRulePlanner() *RulePlanner {
	return &RulePlanner{}
}

// CreatePlan implements Planner. The error result is always nil.
//
// Thread Safety: Safe for concurrent use.
func (p *RulePlanner) CreatePlan(_ context.Context, query string, res *intent.Result, _ []engine.ContextEntry) (*engine.Plan, error) {
	label := intent.IntentGeneral
	var entities map[string]string
	if res != nil {
		label = res.Intent
		entities = res.Entities
	}

	var step engine.PlanStep
	var summary string

	switch label {
	case intent.IntentTimer:
		name, duration := parseTimer(query)
		step = engine.PlanStep{
			ID:     uuid.NewString(),
			Type:   engine.StepSkill,
			Action: "create_timer",
			Parameters: map[string]any{
				"name":     name,
				"duration": duration.Milliseconds(),
			},
		}
		summary = fmt.Sprintf("Create a %s timer", duration)

	case intent.IntentNotes:
		title := parseNoteTitle(query)
		step = engine.PlanStep{
			ID:     uuid.NewString(),
			Type:   engine.StepSkill,
			Action: "create_note",
			Parameters: map[string]any{
				"title":   title,
				"content": query,
			},
		}
		summary = fmt.Sprintf("Create the note %q", title)

	case intent.IntentWeather:
		location := "current"
		if loc, ok := entities["location"]; ok && loc != "" {
			location = loc
		}
		step = engine.PlanStep{
			ID:     uuid.NewString(),
			Type:   engine.StepAPI,
			Action: "get_weather",
			Parameters: map[string]any{
				"location": location,
			},
		}
		summary = fmt.Sprintf("Get weather for %s", location)

	case intent.IntentSearch:
		terms := stripSearchVerbs(query)
		step = engine.PlanStep{
			ID:     uuid.NewString(),
			Type:   engine.StepSearch,
			Action: "web_search",
			Parameters: map[string]any{
				"query": terms,
			},
		}
		summary = fmt.Sprintf("Search the web for %q", terms)

	default:
		step = engine.PlanStep{
			ID:     uuid.NewString(),
			Type:   engine.StepComputation,
			Action: "answer_query",
			Parameters: map[string]any{
				"query":  query,
				"intent": label,
			},
		}
		summary = "Answer the request directly"
	}

	return &engine.Plan{
		ID:                uuid.NewString(),
		Steps:             []engine.PlanStep{step},
		Summary:           summary,
		EstimatedDuration: 5 * time.Second,
	}, nil
}

// parseTimer extracts a timer name and duration from the query.
// Duration defaults to five minutes when absent.
func parseTimer(query string) (string, time.Duration) {
	duration := defaultTimerDuration
	if m := planDurationRe.FindStringSubmatch(query); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			switch strings.ToLower(m[2]) {
			case "second":
				duration = time.Duration(n) * time.Second
			case "minute":
				duration = time.Duration(n) * time.Minute
			case "hour":
				duration = time.Duration(n) * time.Hour
			}
		}
	}

	name := "Timer"
	if m := timerNameRe.FindStringSubmatch(query); m != nil {
		candidate := strings.TrimSpace(trailingPunctRe.ReplaceAllString(m[1], ""))
		// "timer for 10 minutes" matches the name pattern too; a name
		// that is really the duration phrase is discarded.
		if candidate != "" && !planDurationRe.MatchString(candidate) {
			name = candidate
		}
	}
	return name, duration
}

// parseNoteTitle extracts a note title, falling back to a dated default.
func parseNoteTitle(query string) string {
	if m := noteTitleRe.FindStringSubmatch(query); m != nil {
		title := strings.TrimSpace(trailingPunctRe.ReplaceAllString(m[1], ""))
		if title != "" {
			return title
		}
	}
	return "Note " + time.Now().Format("2006-01-02")
}

// stripSearchVerbs removes a leading search verb phrase from the query.
func stripSearchVerbs(query string) string {
	stripped := searchPrefixRe.ReplaceAllString(strings.TrimSpace(query), "")
	stripped = strings.TrimSpace(trailingPunctRe.ReplaceAllString(stripped, ""))
	if stripped == "" {
		return strings.TrimSpace(query)
	}
	return stripped
}
