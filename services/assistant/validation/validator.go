// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation decides whether a step result that reported success
// is actually usable.
//
// Backends sometimes report success with malformed or empty payloads. The
// validator applies per-(type, action) rules over the result's data shape
// and scores it valid/invalid with a confidence, diagnostic reasons, and a
// retry-eligibility flag. The queue treats an invalid result exactly like
// an execution failure.
package validation

import (
	"fmt"
	"sync"

	"github.com/AleutianAI/aura/services/assistant/engine"
)

// Result is the outcome of validating one ToolResult.
type Result struct {
	// IsValid is the validation verdict.
	IsValid bool `json:"isValid"`

	// Confidence is the validator's confidence in the verdict, in [0,1].
	Confidence float64 `json:"confidence"`

	// Reasons lists what was wrong (or suspicious) with the result.
	Reasons []string `json:"reasons,omitempty"`

	// Suggestions lists recovery hints surfaced in summaries.
	Suggestions []string `json:"suggestions,omitempty"`

	// CanRetry reports whether retrying the step could plausibly help.
	CanRetry bool `json:"canRetry"`
}

// RuleFunc scores one step's result.
type RuleFunc func(step engine.PlanStep, result *engine.ToolResult) Result

// ruleKey addresses a rule by step type and action. An empty action is a
// type-wide rule.
type ruleKey struct {
	Type   engine.StepType
	Action string
}

// Validator holds the rule registry.
//
// Lookup is most-specific-first: (type, action), then (type, ""), then the
// generic rule.
//
// Thread Safety: Safe for concurrent use. Register is expected at setup
// time but is safe at any point.
type Validator struct {
	mu    sync.RWMutex
	rules map[ruleKey]RuleFunc
}

// NewValidator creates a validator with the built-in rules registered.
func NewValidator() *Validator {
	v := &Validator{rules: make(map[ruleKey]RuleFunc)}
	v.Register(engine.StepSkill, "create_timer", validateCreateTimer)
	v.Register(engine.StepAPI, "get_weather", validateGetWeather)
	v.Register(engine.StepSearch, "web_search", validateWebSearch)
	return v
}

// Register adds or replaces a rule. An empty action registers a type-wide
// rule.
//
// Thread Safety: Safe for concurrent use.
func (v *Validator) Register(typ engine.StepType, action string, rule RuleFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules[ruleKey{Type: typ, Action: action}] = rule
}

// ValidateStep scores a step's result.
//
// Description:
//
//	Applies the most specific registered rule, falling back to the
//	generic check: failed results are invalid and retryable; successful
//	results with no data are valid at reduced confidence and not worth
//	retrying; everything else is valid.
//
// Inputs:
//
//	step - The executed plan step.
//	result - The step's result. A nil result validates as invalid.
//
// Thread Safety: Safe for concurrent use.
func (v *Validator) ValidateStep(step engine.PlanStep, result *engine.ToolResult) Result {
	if result == nil {
		return Result{
			IsValid:    false,
			Confidence: 1.0,
			Reasons:    []string{"no result produced"},
			CanRetry:   true,
		}
	}

	v.mu.RLock()
	rule, ok := v.rules[ruleKey{Type: step.Type, Action: step.Action}]
	if !ok {
		rule, ok = v.rules[ruleKey{Type: step.Type}]
	}
	v.mu.RUnlock()

	if ok {
		return rule(step, result)
	}
	return genericRule(step, result)
}

// genericRule is applied when no specific rule matches.
func genericRule(_ engine.PlanStep, result *engine.ToolResult) Result {
	if !result.Success {
		return Result{
			IsValid:    false,
			Confidence: 1.0,
			Reasons:    []string{"backend reported failure: " + result.Error},
			CanRetry:   true,
		}
	}
	if len(result.Data) == 0 {
		return Result{
			IsValid:    true,
			Confidence: 0.7,
			Reasons:    []string{"success with empty data payload"},
			CanRetry:   false,
		}
	}
	return Result{IsValid: true, Confidence: 0.8}
}

// validateCreateTimer requires data.timer with id, name, and duration.
func validateCreateTimer(step engine.PlanStep, result *engine.ToolResult) Result {
	if !result.Success {
		return genericRule(step, result)
	}

	timer, ok := subMap(result.Data, "timer")
	if !ok {
		return invalid("result has no timer object",
			"retry the timer creation")
	}

	var reasons []string
	if _, ok := stringField(timer, "id"); !ok {
		reasons = append(reasons, "timer is missing an id")
	}
	if _, ok := stringField(timer, "name"); !ok {
		reasons = append(reasons, "timer is missing a name")
	}
	if _, ok := numberField(timer, "duration"); !ok {
		reasons = append(reasons, "timer is missing a duration")
	}
	if len(reasons) > 0 {
		return Result{
			IsValid:     false,
			Confidence:  0.9,
			Reasons:     reasons,
			Suggestions: []string{"retry the timer creation"},
			CanRetry:    true,
		}
	}
	return Result{IsValid: true, Confidence: 0.95}
}

// validateGetWeather additionally requires a plausible temperature,
// strictly within (-100, 100) degrees.
func validateGetWeather(step engine.PlanStep, result *engine.ToolResult) Result {
	if !result.Success {
		return genericRule(step, result)
	}

	weather, ok := subMap(result.Data, "weather")
	if !ok {
		return invalid("result has no weather object",
			"retry the weather lookup")
	}

	temp, ok := numberField(weather, "temperature")
	if !ok {
		return invalid("weather has no temperature",
			"retry the weather lookup")
	}
	if temp <= -100 || temp >= 100 {
		return invalid(
			fmt.Sprintf("temperature %.1f°C is outside the plausible range", temp),
			"retry the weather lookup for the same location")
	}
	return Result{IsValid: true, Confidence: 0.95}
}

// validateWebSearch requires non-empty sources each carrying a title and
// content or snippet. Sparse content is a data-quality flag, not a
// failure.
func validateWebSearch(step engine.PlanStep, result *engine.ToolResult) Result {
	if !result.Success {
		return genericRule(step, result)
	}

	searchResults, ok := subMap(result.Data, "searchResults")
	if !ok {
		return invalid("result has no searchResults object",
			"retry the search with different terms")
	}
	sources, ok := searchResults["sources"].([]any)
	if !ok || len(sources) == 0 {
		return invalid("search returned no sources",
			"retry the search with broader terms")
	}

	withContent := 0
	for i, raw := range sources {
		src, ok := raw.(map[string]any)
		if !ok {
			return invalid(
				fmt.Sprintf("source %d is not an object", i),
				"retry the search")
		}
		if _, ok := stringField(src, "title"); !ok {
			return invalid(
				fmt.Sprintf("source %d has no title", i),
				"retry the search")
		}
		if hasStringField(src, "content") || hasStringField(src, "snippet") {
			withContent++
		}
	}

	if withContent*2 < len(sources) {
		return Result{
			IsValid:    true,
			Confidence: 0.6,
			Reasons: []string{fmt.Sprintf(
				"only %d of %d sources carry content", withContent, len(sources))},
			Suggestions: []string{"consider rerunning the search with more specific terms"},
			CanRetry:    false,
		}
	}
	return Result{IsValid: true, Confidence: 0.9}
}

func invalid(reason, suggestion string) Result {
	return Result{
		IsValid:     false,
		Confidence:  0.9,
		Reasons:     []string{reason},
		Suggestions: []string{suggestion},
		CanRetry:    true,
	}
}

func subMap(data map[string]any, key string) (map[string]any, bool) {
	if data == nil {
		return nil, false
	}
	m, ok := data[key].(map[string]any)
	return m, ok
}

func stringField(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func hasStringField(m map[string]any, key string) bool {
	_, ok := stringField(m, key)
	return ok
}

// numberField accepts float64 (JSON numbers) and Go integer types, which
// appear when parameters are built in-process rather than unmarshalled.
func numberField(m map[string]any, key string) (float64, bool) {
	switch n := m[key].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
