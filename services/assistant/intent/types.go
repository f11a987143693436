// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package intent provides intent classification for user utterances.
//
// Two implementations exist: LLMClassifier (remote, more accurate) and
// RuleClassifier (local, deterministic). They are composed with the
// Fallback decorator so call sites never branch on availability: the
// pipeline always sees a classifier that succeeds.
package intent

import (
	"context"
	"errors"
	"time"
)

// Well-known intent labels. The classifier may return labels outside this
// set; downstream components treat unknown labels as IntentGeneral.
const (
	IntentTimer       = "timer"
	IntentNotes       = "notes"
	IntentWeather     = "weather"
	IntentSearch      = "search"
	IntentDevelopment = "development"
	IntentQuestion    = "question"
	IntentGeneral     = "general"
)

// Result is the outcome of classifying one utterance.
type Result struct {
	// Intent is the classified intent label.
	Intent string `json:"intent"`

	// Entities holds extracted slot values (duration, location, ...).
	Entities map[string]string `json:"entities,omitempty"`

	// Confidence is the classifier's self-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// NeedsPlanning is true when the utterance requires a multi-step
	// execution plan rather than a direct reply.
	NeedsPlanning bool `json:"needsPlanning"`

	// IsQuestion is true when the utterance is a question that should be
	// answered from gathered evidence rather than executed.
	IsQuestion bool `json:"isQuestion"`

	// Source records which classifier produced the result ("llm" or
	// "rules").
	Source string `json:"source,omitempty"`
}

// Classifier classifies utterances.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Classifier interface {
	// Classify analyzes text and returns an intent result.
	//
	// Inputs:
	//
	//	ctx - Context for cancellation and tracing. Must not be nil.
	//	text - The utterance. Whitespace-only text classifies as general.
	//
	// Outputs:
	//
	//	*Result - The classification. Never nil on nil error.
	//	error - Transport or parse failure; rule-based implementations
	//	        never return one.
	Classify(ctx context.Context, text string) (*Result, error)
}

// Config configures the LLM classifier.
type Config struct {
	// Model is the chat model used for classification.
	Model string

	// MaxTokens bounds the completion length.
	MaxTokens int

	// Temperature controls sampling. Classification wants near-greedy.
	Temperature float32

	// RequestTimeout bounds one classification call.
	RequestTimeout time.Duration

	// MaxConcurrent caps in-flight classification calls. 0 disables the
	// cap.
	MaxConcurrent int
}

// DefaultConfig returns production defaults for the LLM classifier.
func DefaultConfig() Config {
	return Config{
		Model:          "gpt-4o-mini",
		MaxTokens:      256,
		Temperature:    0.0,
		RequestTimeout: 10 * time.Second,
		MaxConcurrent:  4,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Model == "" {
		return errors.New("Model must not be empty")
	}
	if c.MaxTokens <= 0 {
		return errors.New("MaxTokens must be positive")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return errors.New("Temperature must be between 0 and 2")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("RequestTimeout must be positive")
	}
	if c.MaxConcurrent < 0 {
		return errors.New("MaxConcurrent must not be negative")
	}
	return nil
}
