// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/aura/services/assistant/engine"
	"github.com/AleutianAI/aura/services/assistant/intent"
)

// contextWindow is how many recent entries are included in the prompt.
const contextWindow = 5

// planningPromptTemplate renders the planning request. The schema mirrors
// engine.Plan with millisecond durations (the model cannot emit Go
// durations).
const planningPromptTemplate = `You are an execution planner for a voice assistant.

Build a step-by-step plan for the user's request. Steps may depend on
earlier steps via their ids; dependencies must be acyclic. Use only the
listed actions for skill/api/search steps. Use type "computation" with
action "answer_query" for work answerable without a backend.

Available actions:
{{.Catalog}}
User intent: {{.Intent}} (confidence {{printf "%.2f" .Confidence}})
{{- if .Entities}}
Entities: {{.Entities}}
{{- end}}
{{- if .Context}}
Recent conversation:
{{.Context}}
{{- end}}

Respond with ONLY valid JSON (no markdown, no preamble):
{"steps":[{"id":"s1","type":"skill|api|search|computation","action":"...","parameters":{},"dependencies":[]}],"summary":"...","estimatedDurationMs":0}`

// Config configures the LLM planner.
type Config struct {
	// Model is the chat model used for planning.
	Model string

	// MaxTokens bounds the completion length.
	MaxTokens int

	// Temperature controls sampling.
	Temperature float32

	// RequestTimeout bounds one planning call.
	RequestTimeout time.Duration
}

// DefaultConfig returns production defaults for the LLM planner.
func DefaultConfig() Config {
	return Config{
		Model:          "gpt-4o-mini",
		MaxTokens:      1024,
		Temperature:    0.2,
		RequestTimeout: 20 * time.Second,
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
	if c.RequestTimeout <= 0 {
		return errors.New("RequestTimeout must be positive")
	}
	return nil
}

// planResponse is the wire shape the model is asked to emit.
type planResponse struct {
	Steps []struct {
		ID           string         `json:"id"`
		Type         string         `json:"type"`
		Action       string         `json:"action"`
		Parameters   map[string]any `json:"parameters"`
		Dependencies []string       `json:"dependencies"`
	} `json:"steps"`
	Summary             string `json:"summary"`
	EstimatedDurationMs int64  `json:"estimatedDurationMs"`
}

// LLMPlanner builds plans with a chat completion call.
//
// Description:
//
//	Renders the query, intent, entities, recent context, and the skill
//	capability catalog into a planning prompt, then validates the
//	returned steps structurally: unique ids, known types, resolvable
//	acyclic dependencies. Structural failures surface as errors so the
//	Fallback decorator can substitute the rule plan.
//
// Thread Safety: Safe for concurrent use after creation.
type LLMPlanner struct {
	client  intent.ChatClient
	catalog Catalog
	config  Config
	tmpl    *template.Template
}

// NewLLMPlanner creates an LLM-backed planner.
//
// Inputs:
//
//	client - Chat client. Must not be nil.
//	catalog - Available skill capabilities. Must not be empty.
//	config - Planner configuration. Validated.
//
// Outputs:
//
//	*LLMPlanner - Ready-to-use planner.
//	error - If client is nil, catalog empty, or config invalid.
func NewLLMPlanner(client intent.ChatClient, catalog Catalog, config Config) (*LLMPlanner, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if len(catalog) == 0 {
		return nil, errors.New("catalog must not be empty")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	tmpl, err := template.New("plan").Parse(planningPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("compile planning template: %w", err)
	}
	return &LLMPlanner{client: client, catalog: catalog, config: config, tmpl: tmpl}, nil
}

// CreatePlan implements Planner.
//
// Thread Safety: Safe for concurrent use.
func (p *LLMPlanner) CreatePlan(ctx context.Context, query string, res *intent.Result, recent []engine.ContextEntry) (*engine.Plan, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer("aura/assistant").Start(ctx, "planner.LLMPlanner.CreatePlan")
	defer span.End()

	prompt, err := p.buildPrompt(res, recent)
	if err != nil {
		return nil, fmt.Errorf("build planning prompt: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(reqCtx, openai.ChatCompletionRequest{
		Model: p.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "planning call failed")
		return nil, fmt.Errorf("planning call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("planning returned no choices")
	}

	plan, err := p.parsePlan(resp.Choices[0].Message.Content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "plan rejected")
		return nil, err
	}

	span.SetAttributes(attribute.Int("steps", len(plan.Steps)))
	return plan, nil
}

func (p *LLMPlanner) buildPrompt(res *intent.Result, recent []engine.ContextEntry) (string, error) {
	label := intent.IntentGeneral
	confidence := 0.0
	entities := ""
	if res != nil {
		label = res.Intent
		confidence = res.Confidence
		if len(res.Entities) > 0 {
			pairs, err := json.Marshal(res.Entities)
			if err == nil {
				entities = string(pairs)
			}
		}
	}

	var context bytes.Buffer
	start := 0
	if len(recent) > contextWindow {
		start = len(recent) - contextWindow
	}
	for _, e := range recent[start:] {
		fmt.Fprintf(&context, "%s: %s\n", e.Type, e.Content)
	}

	data := struct {
		Catalog    string
		Intent     string
		Confidence float64
		Entities   string
		Context    string
	}{
		Catalog:    p.catalog.Render(),
		Intent:     label,
		Confidence: confidence,
		Entities:   entities,
		Context:    context.String(),
	}

	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// parsePlan extracts and structurally validates the model's plan.
func (p *LLMPlanner) parsePlan(content string) (*engine.Plan, error) {
	raw, err := intent.ExtractJSON(content)
	if err != nil {
		return nil, fmt.Errorf("extract plan JSON: %w", err)
	}

	var pr planResponse
	if err := json.Unmarshal([]byte(raw), &pr); err != nil {
		return nil, fmt.Errorf("parse plan JSON: %w", err)
	}
	if len(pr.Steps) == 0 {
		return nil, engine.ErrEmptyPlan
	}

	known := make(map[string]bool, len(p.catalog))
	for _, cap := range p.catalog {
		known[cap.Action] = true
	}

	steps := make([]engine.PlanStep, 0, len(pr.Steps))
	ids := make(map[string]bool, len(pr.Steps))
	for _, s := range pr.Steps {
		if s.ID == "" {
			return nil, errors.New("plan step missing id")
		}
		if ids[s.ID] {
			return nil, fmt.Errorf("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true

		typ := engine.StepType(s.Type)
		if !engine.ValidStepTypes[typ] {
			return nil, fmt.Errorf("unknown step type %q", s.Type)
		}
		if typ != engine.StepComputation && !known[s.Action] {
			return nil, fmt.Errorf("unknown action %q", s.Action)
		}

		steps = append(steps, engine.PlanStep{
			ID:           s.ID,
			Type:         typ,
			Action:       s.Action,
			Parameters:   s.Parameters,
			Dependencies: s.Dependencies,
		})
	}

	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				return nil, fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}
	if hasCycle(steps) {
		return nil, errors.New("plan dependencies contain a cycle")
	}

	plan := &engine.Plan{
		ID:      uuid.NewString(),
		Steps:   steps,
		Summary: pr.Summary,
	}
	if pr.EstimatedDurationMs > 0 {
		plan.EstimatedDuration = time.Duration(pr.EstimatedDurationMs) * time.Millisecond
	}
	return plan, nil
}

// hasCycle runs Kahn's algorithm over the step dependency graph. The queue
// would deadlock on a cyclic plan, so cyclic model output is rejected here
// and the rule fallback takes over.
func hasCycle(steps []engine.PlanStep) bool {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] += 0
		for _, dep := range s.Dependencies {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	visited := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return visited != len(steps)
}
