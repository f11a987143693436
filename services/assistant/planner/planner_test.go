// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/aura/services/assistant/engine"
	"github.com/AleutianAI/aura/services/assistant/intent"
)

func testCatalog() Catalog {
	return Catalog{
		{Action: "create_timer", Description: "Create a countdown timer"},
		{Action: "get_weather", Description: "Fetch current weather"},
		{Action: "web_search", Description: "Search the web"},
	}
}

func intentResult(label string, entities map[string]string) *intent.Result {
	return &intent.Result{
		Intent:        label,
		Entities:      entities,
		Confidence:    0.8,
		NeedsPlanning: true,
	}
}

func TestRulePlannerTimer(t *testing.T) {
	tests := []struct {
		name         string
		query        string
		wantName     string
		wantDuration int64 // milliseconds
	}{
		{
			name:         "explicit duration",
			query:        "set a timer for 10 minutes",
			wantName:     "Timer",
			wantDuration: (10 * time.Minute).Milliseconds(),
		},
		{
			name:         "named timer",
			query:        "set a timer called Tea for 5 minutes",
			wantName:     "Timer", // the captured phrase contains the duration, so the name is discarded
			wantDuration: (5 * time.Minute).Milliseconds(),
		},
		{
			name:         "name only",
			query:        "start a timer called Tea",
			wantName:     "Tea",
			wantDuration: (5 * time.Minute).Milliseconds(),
		},
		{
			name:         "seconds",
			query:        "timer for 30 seconds",
			wantName:     "Timer",
			wantDuration: (30 * time.Second).Milliseconds(),
		},
		{
			name:         "default duration",
			query:        "set a timer",
			wantName:     "Timer",
			wantDuration: (5 * time.Minute).Milliseconds(),
		},
	}

	p := NewRulePlanner()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := p.CreatePlan(context.Background(), tt.query, intentResult(intent.IntentTimer, nil), nil)
			if err != nil {
				t.Fatalf("CreatePlan() error = %v", err)
			}
			if len(plan.Steps) != 1 {
				t.Fatalf("steps = %d, want 1", len(plan.Steps))
			}
			step := plan.Steps[0]
			if step.Type != engine.StepSkill || step.Action != "create_timer" {
				t.Errorf("step = %s/%s, want skill/create_timer", step.Type, step.Action)
			}
			if got := step.Parameters["name"]; got != tt.wantName {
				t.Errorf("name = %v, want %v", got, tt.wantName)
			}
			if got := step.Parameters["duration"]; got != tt.wantDuration {
				t.Errorf("duration = %v, want %v ms", got, tt.wantDuration)
			}
		})
	}
}

func TestRulePlannerWeather(t *testing.T) {
	p := NewRulePlanner()

	plan, err := p.CreatePlan(context.Background(), "how is the weather",
		intentResult(intent.IntentWeather, map[string]string{"location": "Berlin"}), nil)
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	step := plan.Steps[0]
	if step.Action != "get_weather" || step.Type != engine.StepAPI {
		t.Errorf("step = %s/%s, want api/get_weather", step.Type, step.Action)
	}
	if step.Parameters["location"] != "Berlin" {
		t.Errorf("location = %v, want Berlin", step.Parameters["location"])
	}

	plan, err = p.CreatePlan(context.Background(), "how is the weather",
		intentResult(intent.IntentWeather, nil), nil)
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	if plan.Steps[0].Parameters["location"] != "current" {
		t.Errorf("location = %v, want current default", plan.Steps[0].Parameters["location"])
	}
}

func TestRulePlannerSearchStripsVerbs(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{query: "search for quantum computing", want: "quantum computing"},
		{query: "look up the eiffel tower", want: "the eiffel tower"},
		{query: "google best pizza near me?", want: "best pizza near me"},
		{query: "quantum computing", want: "quantum computing"},
	}

	p := NewRulePlanner()
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			plan, err := p.CreatePlan(context.Background(), tt.query, intentResult(intent.IntentSearch, nil), nil)
			if err != nil {
				t.Fatalf("CreatePlan() error = %v", err)
			}
			step := plan.Steps[0]
			if step.Action != "web_search" || step.Type != engine.StepSearch {
				t.Errorf("step = %s/%s, want search/web_search", step.Type, step.Action)
			}
			if got := step.Parameters["query"]; got != tt.want {
				t.Errorf("query = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRulePlannerNotes(t *testing.T) {
	p := NewRulePlanner()

	plan, err := p.CreatePlan(context.Background(), "make a note about the meeting",
		intentResult(intent.IntentNotes, nil), nil)
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	step := plan.Steps[0]
	if step.Action != "create_note" {
		t.Errorf("action = %s, want create_note", step.Action)
	}
	if step.Parameters["title"] != "the meeting" {
		t.Errorf("title = %v, want \"the meeting\"", step.Parameters["title"])
	}
	if step.Parameters["content"] != "make a note about the meeting" {
		t.Errorf("content = %v, want the full query", step.Parameters["content"])
	}
}

func TestRulePlannerUnknownIntentDegradesToComputation(t *testing.T) {
	p := NewRulePlanner()

	for _, label := range []string{intent.IntentGeneral, "exotic"} {
		plan, err := p.CreatePlan(context.Background(), "do something", intentResult(label, nil), nil)
		if err != nil {
			t.Fatalf("CreatePlan(%s) error = %v", label, err)
		}
		step := plan.Steps[0]
		if step.Type != engine.StepComputation || step.Action != "answer_query" {
			t.Errorf("step = %s/%s, want computation/answer_query", step.Type, step.Action)
		}
		if step.Parameters["query"] != "do something" {
			t.Errorf("query param = %v, want the original query", step.Parameters["query"])
		}
	}
}

func TestRulePlannerNilIntent(t *testing.T) {
	p := NewRulePlanner()
	plan, err := p.CreatePlan(context.Background(), "hello", nil, nil)
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	if plan.Steps[0].Action != "answer_query" {
		t.Errorf("action = %s, want answer_query", plan.Steps[0].Action)
	}
}

// fakeChat scripts one chat completion response.
type fakeChat struct {
	content string
	err     error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.content}},
		},
	}, nil
}

func TestLLMPlannerParsesValidPlan(t *testing.T) {
	chat := &fakeChat{content: `{
		"steps":[
			{"id":"s1","type":"api","action":"get_weather","parameters":{"location":"Paris"},"dependencies":[]},
			{"id":"s2","type":"computation","action":"answer_query","parameters":{},"dependencies":["s1"]}
		],
		"summary":"Weather in Paris",
		"estimatedDurationMs":4000
	}`}

	p, err := NewLLMPlanner(chat, testCatalog(), DefaultConfig())
	if err != nil {
		t.Fatalf("NewLLMPlanner() error = %v", err)
	}
	plan, err := p.CreatePlan(context.Background(), "weather in Paris then summarize",
		intentResult(intent.IntentWeather, nil), nil)
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	if len(plan.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(plan.Steps))
	}
	if plan.Summary != "Weather in Paris" {
		t.Errorf("summary = %q", plan.Summary)
	}
	if plan.EstimatedDuration != 4*time.Second {
		t.Errorf("estimated duration = %s, want 4s", plan.EstimatedDuration)
	}
	if plan.Steps[1].Dependencies[0] != "s1" {
		t.Errorf("dependencies = %v, want [s1]", plan.Steps[1].Dependencies)
	}
	if plan.ID == "" {
		t.Error("plan ID is empty")
	}
}

func TestLLMPlannerRejectsStructurallyInvalidPlans(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "no json", content: "I'd plan it like this: first..."},
		{name: "no steps", content: `{"steps":[],"summary":"x"}`},
		{
			name:    "duplicate ids",
			content: `{"steps":[{"id":"s1","type":"api","action":"get_weather"},{"id":"s1","type":"search","action":"web_search"}]}`,
		},
		{
			name:    "unknown type",
			content: `{"steps":[{"id":"s1","type":"magic","action":"get_weather"}]}`,
		},
		{
			name:    "unknown action",
			content: `{"steps":[{"id":"s1","type":"skill","action":"order_pizza"}]}`,
		},
		{
			name:    "unresolvable dependency",
			content: `{"steps":[{"id":"s1","type":"api","action":"get_weather","dependencies":["ghost"]}]}`,
		},
		{
			name: "dependency cycle",
			content: `{"steps":[
				{"id":"s1","type":"api","action":"get_weather","dependencies":["s2"]},
				{"id":"s2","type":"search","action":"web_search","dependencies":["s1"]}
			]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewLLMPlanner(&fakeChat{content: tt.content}, testCatalog(), DefaultConfig())
			if err != nil {
				t.Fatalf("NewLLMPlanner() error = %v", err)
			}
			if _, err := p.CreatePlan(context.Background(), "query", intentResult(intent.IntentSearch, nil), nil); err == nil {
				t.Error("CreatePlan() error = nil, want structural rejection")
			}
		})
	}
}

func TestFallbackSubstitutesRulePlan(t *testing.T) {
	llm, err := NewLLMPlanner(&fakeChat{err: errors.New("api down")}, testCatalog(), DefaultConfig())
	if err != nil {
		t.Fatalf("NewLLMPlanner() error = %v", err)
	}
	f := NewFallback(llm, NewRulePlanner())

	plan, err := f.CreatePlan(context.Background(), "set a timer for 2 minutes",
		intentResult(intent.IntentTimer, nil), nil)
	if err != nil {
		t.Fatalf("CreatePlan() error = %v, want nil (fallback never fails)", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Action != "create_timer" {
		t.Errorf("fallback plan = %+v, want single create_timer step", plan.Steps)
	}
}

func TestCatalogRender(t *testing.T) {
	rendered := testCatalog().Render()
	for _, want := range []string{"create_timer", "get_weather", "web_search", "Search the web"} {
		if !strings.Contains(rendered, want) {
			t.Errorf("Render() missing %q in %q", want, rendered)
		}
	}
}
