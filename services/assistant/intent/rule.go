// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intent

import (
	"context"
	"regexp"
	"strings"
)

// intentKeywords maps each actionable intent to its trigger keywords.
// First match wins in the order of intentOrder below.
var intentKeywords = map[string][]string{
	IntentTimer:       {"timer", "remind me in", "countdown", "alarm"},
	IntentNotes:       {"note", "notes", "write down", "remember that", "jot down"},
	IntentWeather:     {"weather", "temperature", "forecast", "raining", "sunny"},
	IntentSearch:      {"search", "look up", "google", "find information", "find out"},
	IntentDevelopment: {"deploy", "build the", "run the tests", "git ", "compile"},
}

// intentOrder fixes the match order so classification is deterministic
// when an utterance contains keywords from more than one intent.
var intentOrder = []string{
	IntentTimer,
	IntentNotes,
	IntentWeather,
	IntentSearch,
	IntentDevelopment,
}

var (
	questionWordRe = regexp.MustCompile(`(?i)^\s*(who|what|when|where|why|how|which|is|are|can|could|do|does|did|will|would|should)\b`)
	durationRe     = regexp.MustCompile(`(?i)(\d+)\s*(second|minute|hour)s?`)
	locationRe     = regexp.MustCompile(`(?i)\b(?:in|for|at)\s+([A-Z][A-Za-z .-]{1,40})`)
)

// RuleClassifier is the deterministic local fallback classifier.
//
// It matches keywords for the timer, notes, weather, search, and
// development intents and detects questions by leading question words or a
// trailing question mark. It never returns an error.
//
// Thread Safety: Safe for concurrent use (stateless).
type RuleClassifier struct{}

// NewRuleClassifier creates a rule-based classifier.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{}
}

// Classify implements Classifier.
//
// Thread Safety: Safe for concurrent use.
func (c *RuleClassifier) Classify(_ context.Context, text string) (*Result, error) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	isQuestion := strings.HasSuffix(trimmed, "?") || questionWordRe.MatchString(trimmed)

	if trimmed == "" {
		return &Result{
			Intent:     IntentGeneral,
			Confidence: 0.3,
			Source:     "rules",
		}, nil
	}

	for _, intent := range intentOrder {
		for _, kw := range intentKeywords[intent] {
			if strings.Contains(lower, kw) {
				return &Result{
					Intent:        intent,
					Entities:      extractEntities(intent, trimmed),
					Confidence:    0.8,
					NeedsPlanning: true,
					// A keyword hit wins over question phrasing:
					// "can you set a timer?" is a command.
					IsQuestion: false,
					Source:     "rules",
				}, nil
			}
		}
	}

	if isQuestion {
		return &Result{
			Intent:     IntentQuestion,
			Confidence: 0.6,
			IsQuestion: true,
			Source:     "rules",
		}, nil
	}

	return &Result{
		Intent:     IntentGeneral,
		Confidence: 0.5,
		Source:     "rules",
	}, nil
}

// extractEntities pulls slot values relevant to the matched intent.
func extractEntities(intent, text string) map[string]string {
	entities := make(map[string]string)
	switch intent {
	case IntentTimer:
		if m := durationRe.FindStringSubmatch(text); m != nil {
			entities["duration"] = m[1]
			entities["unit"] = strings.ToLower(m[2])
		}
	case IntentWeather:
		if m := locationRe.FindStringSubmatch(text); m != nil {
			entities["location"] = strings.TrimSpace(m[1])
		}
	}
	if len(entities) == 0 {
		return nil
	}
	return entities
}
