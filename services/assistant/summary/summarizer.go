// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package summary converts a finished execution session into one coherent
// user-facing message plus structured per-step results.
//
// The summarizer is deterministic and total: missing data degrades the
// message, never the call. It holds no state beyond its lookup tables.
package summary

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/aura/services/assistant/engine"
)

// displayNames maps actions to human display names. Unlisted actions are
// title-cased with underscores replaced by spaces.
var displayNames = map[string]string{
	"create_timer": "Timer Creation",
	"create_note":  "Note Creation",
	"get_weather":  "Weather Lookup",
	"web_search":   "Web Search",
	"answer_query": "Direct Answer",
}

// categories maps step types to display categories.
var categories = map[engine.StepType]string{
	engine.StepSkill:       "Personal Productivity",
	engine.StepAPI:         "Information Retrieval",
	engine.StepSearch:      "Knowledge Discovery",
	engine.StepComputation: "Data Processing",
}

// importances tiers step types: user-requested core actions rank high,
// information retrieval medium, everything else low.
var importances = map[engine.StepType]engine.Importance{
	engine.StepSkill:       engine.ImportanceHigh,
	engine.StepAPI:         engine.ImportanceMedium,
	engine.StepSearch:      engine.ImportanceMedium,
	engine.StepComputation: engine.ImportanceLow,
}

// actionableItems maps failed actions to recovery hints.
var actionableItems = map[string]string{
	"create_timer": "try creating the timer manually or with different settings",
	"create_note":  "try saving the note again with a shorter title",
	"get_weather":  "try asking for the weather in a specific city",
	"web_search":   "try rephrasing your search with different terms",
}

// nextSteps maps successful actions to follow-up offers.
var nextSteps = map[string]string{
	"create_timer": "I can list or cancel your timers",
	"create_note":  "I can read your notes back to you",
	"get_weather":  "I can get weather for other locations",
	"web_search":   "I can search for related topics",
}

// maxNextSteps caps the suggested follow-ups.
const maxNextSteps = 3

// Summarizer builds execution summaries.
//
// Thread Safety: Safe for concurrent use (stateless).
type Summarizer struct{}

// NewSummarizer creates a summarizer.
func NewSummarizer() *Summarizer {
	return &Summarizer{}
}

// Summarize derives the summary for a finished session.
//
// Description:
//
//	Overall status is success when every plan step completed
//	successfully, failed when none did, partial otherwise. Steps left
//	pending by a failed dependency count toward neither side; they
//	appear in the detailed results as unsuccessful with no error.
//
// Inputs:
//
//	session - The finished session. Must not be nil; its snapshot is
//	          not mutated.
//
// Outputs:
//
//	*engine.ExecutionSummary - The derived summary. Never nil.
//
// Thread Safety: Safe for concurrent use.
func (s *Summarizer) Summarize(session *engine.ExecutionSession) *engine.ExecutionSummary {
	total := 0
	if session.Plan != nil {
		total = len(session.Plan.Steps)
	}
	if total == 0 {
		total = len(session.Executions)
	}

	completed := 0
	failed := 0
	details := make([]engine.StepSummary, 0, len(session.Executions))
	var highlights []string
	var items []string
	var follow []string

	for i := range session.Executions {
		exec := &session.Executions[i]
		ok := exec.Status == engine.ExecCompleted && exec.Result != nil && exec.Result.Success
		if ok {
			completed++
			highlights = append(highlights, highlightFor(exec))
			if hint, found := nextSteps[exec.Step.Action]; found {
				follow = appendUnique(follow, hint)
			}
		} else if exec.Status == engine.ExecFailed {
			failed++
			if hint, found := actionableItems[exec.Step.Action]; found {
				items = appendUnique(items, hint)
			} else {
				items = appendUnique(items, "try the "+strings.ToLower(displayName(exec.Step.Action))+" again")
			}
		}

		details = append(details, engine.StepSummary{
			StepID:      exec.ID,
			Action:      exec.Step.Action,
			DisplayName: displayName(exec.Step.Action),
			Category:    categories[exec.Step.Type],
			Importance:  importances[exec.Step.Type],
			Success:     ok,
			Message:     stepMessage(exec, ok),
			Error:       exec.Error,
		})
	}

	// Zero successes is a failure even when the plan had no steps, so the
	// empty case must win over completed == total.
	status := engine.SummaryPartial
	switch {
	case completed == 0:
		status = engine.SummaryFailed
	case completed == total:
		status = engine.SummarySuccess
	}

	if len(follow) > maxNextSteps {
		follow = follow[:maxNextSteps]
	}

	out := &engine.ExecutionSummary{
		PlanID:          session.PlanID,
		PlanName:        planName(session),
		Status:          status,
		TotalSteps:      total,
		CompletedSteps:  completed,
		FailedSteps:     failed,
		ExecutionTime:   executionTime(session),
		DetailedResults: details,
		ActionableItems: items,
		NextSteps:       follow,
	}
	out.UserFriendlyMessage = s.message(out, details, highlights)
	return out
}

// message builds the single top-level user message.
func (s *Summarizer) message(sum *engine.ExecutionSummary, details []engine.StepSummary, highlights []string) string {
	switch sum.Status {
	case engine.SummarySuccess:
		if sum.CompletedSteps == 1 {
			for _, d := range details {
				if d.Success {
					return d.Message
				}
			}
		}
		return "All done! I " + joinHighlights(highlights) + "."

	case engine.SummaryFailed:
		msg := fmt.Sprintf(
			"I'm sorry — I couldn't complete your request; all %d step(s) failed.",
			sum.TotalSteps)
		if len(sum.ActionableItems) > 0 {
			msg += " You could " + sum.ActionableItems[0] + "."
		}
		return msg

	default:
		msg := fmt.Sprintf("I completed %d of %d steps (%d failed).",
			sum.CompletedSteps, sum.TotalSteps, sum.FailedSteps)
		if len(sum.ActionableItems) > 0 {
			msg += " For the rest, " + sum.ActionableItems[0] + "."
		} else {
			msg += " You may want to retry the failed steps."
		}
		return msg
	}
}

// joinHighlights joins fragments with commas, the last with "and".
func joinHighlights(highlights []string) string {
	switch len(highlights) {
	case 0:
		return "completed your request"
	case 1:
		return highlights[0]
	default:
		return strings.Join(highlights[:len(highlights)-1], ", ") +
			" and " + highlights[len(highlights)-1]
	}
}

// stepMessage builds the per-step one-liner.
func stepMessage(exec *engine.QueuedExecution, ok bool) string {
	name := displayName(exec.Step.Action)
	if !ok {
		if exec.Status == engine.ExecPending {
			return name + " was skipped because an earlier step failed"
		}
		if exec.Error != "" {
			return name + " failed: " + exec.Error
		}
		return name + " failed"
	}

	data := map[string]any{}
	if exec.Result != nil && exec.Result.Data != nil {
		data = exec.Result.Data
	}

	switch exec.Step.Action {
	case "create_timer":
		timerName := paramString(exec, "name", "Timer")
		if t, found := data["timer"].(map[string]any); found {
			if n, found := t["name"].(string); found && n != "" {
				timerName = n
			}
		}
		return fmt.Sprintf("Created timer %q for %s", timerName, timerDuration(exec))

	case "create_note":
		return fmt.Sprintf("Created note %q", paramString(exec, "title", "Untitled"))

	case "get_weather":
		location := paramString(exec, "location", "your location")
		if w, found := data["weather"].(map[string]any); found {
			desc, _ := w["description"].(string)
			if desc == "" {
				desc = "conditions unavailable"
			}
			if temp, found := numeric(w["temperature"]); found {
				return fmt.Sprintf("Weather for %s: %s, %.0f°C", location, desc, temp)
			}
			return fmt.Sprintf("Weather for %s: %s", location, desc)
		}
		return "Fetched the weather for " + location

	case "web_search":
		n := sourceCount(data)
		return fmt.Sprintf("Found %d relevant search result(s)", n)

	default:
		return name + " completed"
	}
}

// highlightFor builds the clause fragment for a successful step.
func highlightFor(exec *engine.QueuedExecution) string {
	switch exec.Step.Action {
	case "create_timer":
		return fmt.Sprintf("set a %q timer", paramString(exec, "name", "Timer"))
	case "create_note":
		return "saved your note"
	case "get_weather":
		return "fetched the weather for " + paramString(exec, "location", "your location")
	case "web_search":
		var n int
		if exec.Result != nil {
			n = sourceCount(exec.Result.Data)
		}
		return fmt.Sprintf("found %d search result(s)", n)
	default:
		return "finished the " + strings.ToLower(displayName(exec.Step.Action))
	}
}

// displayName resolves an action's display name, title-casing unknown
// actions with underscores replaced by spaces.
func displayName(action string) string {
	if name, ok := displayNames[action]; ok {
		return name
	}
	words := strings.Split(strings.ReplaceAll(action, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func planName(session *engine.ExecutionSession) string {
	if session.Plan != nil && session.Plan.Summary != "" {
		return session.Plan.Summary
	}
	return "your request"
}

func executionTime(session *engine.ExecutionSession) time.Duration {
	if session.CompletedAt == nil || session.StartedAt.IsZero() {
		return 0
	}
	return session.CompletedAt.Sub(session.StartedAt)
}

// timerDuration renders the timer's duration parameter (milliseconds) in
// natural units.
func timerDuration(exec *engine.QueuedExecution) string {
	ms, ok := numeric(exec.Step.Parameters["duration"])
	if !ok {
		return "the requested duration"
	}
	d := time.Duration(ms) * time.Millisecond
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute:
		return plural(int(d/time.Minute), "minute")
	default:
		return plural(int(d/time.Second), "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func paramString(exec *engine.QueuedExecution, key, fallback string) string {
	if s, ok := exec.Step.Parameters[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func sourceCount(data map[string]any) int {
	if data == nil {
		return 0
	}
	sr, ok := data["searchResults"].(map[string]any)
	if !ok {
		return 0
	}
	sources, ok := sr["sources"].([]any)
	if !ok {
		return 0
	}
	return len(sources)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
