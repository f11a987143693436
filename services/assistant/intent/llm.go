// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// classificationPrompt instructs the model to emit strict JSON. Kept
// short to minimize input tokens; the schema mirrors Result.
const classificationPrompt = `You are an intent classifier for a voice assistant.

Known intents: timer, notes, weather, search, development, question, general.

Classify the user's utterance. Extract entities when present (duration,
unit, location, title, query). Set needsPlanning=true when the utterance
asks the assistant to DO something requiring tool execution. Set
isQuestion=true when it asks for information that should be answered, not
executed.

Respond with ONLY valid JSON (no markdown, no preamble):
{"intent":"...","entities":{},"confidence":0.0,"needsPlanning":false,"isQuestion":false}`

// ChatClient is the subset of the OpenAI client used by this package.
// *openai.Client satisfies it; tests substitute fakes.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMClassifier classifies utterances with a chat completion call.
//
// Description:
//
//	Sends the utterance with a strict-JSON prompt, extracts and
//	validates the JSON response. Identical concurrent queries are
//	coalesced with singleflight, and in-flight calls are capped by a
//	semaphore. Errors are returned to the caller; composition with the
//	rule classifier happens in the Fallback decorator, not here.
//
// Thread Safety: Safe for concurrent use after creation.
type LLMClassifier struct {
	client    ChatClient
	config    Config
	inflight  singleflight.Group
	semaphore chan struct{}
}

// NewLLMClassifier creates an LLM-backed classifier.
//
// Inputs:
//
//	client - Chat client. Must not be nil.
//	config - Classifier configuration. Validated.
//
// Outputs:
//
//	*LLMClassifier - Ready-to-use classifier.
//	error - If client is nil or config invalid.
func NewLLMClassifier(client ChatClient, config Config) (*LLMClassifier, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := &LLMClassifier{client: client, config: config}
	if config.MaxConcurrent > 0 {
		c.semaphore = make(chan struct{}, config.MaxConcurrent)
	}
	return c, nil
}

// Classify implements Classifier.
//
// Thread Safety: Safe for concurrent use.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer("aura/assistant").Start(ctx, "intent.LLMClassifier.Classify")
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return &Result{Intent: IntentGeneral, Confidence: 0.3, Source: "llm"}, nil
	}

	v, err, _ := c.inflight.Do(text, func() (any, error) {
		return c.classify(ctx, text)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		return nil, err
	}

	result := v.(*Result)
	span.SetAttributes(
		attribute.String("intent", result.Intent),
		attribute.Float64("confidence", result.Confidence),
		attribute.Bool("needs_planning", result.NeedsPlanning),
		attribute.Bool("is_question", result.IsQuestion),
	)
	return result, nil
}

func (c *LLMClassifier) classify(ctx context.Context, text string) (*Result, error) {
	if c.semaphore != nil {
		select {
		case c.semaphore <- struct{}{}:
			defer func() { <-c.semaphore }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(reqCtx, openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classificationPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("classification call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("classification returned no choices")
	}

	raw, err := ExtractJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("extract classification JSON: %w", err)
	}

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("parse classification JSON: %w", err)
	}

	if result.Intent == "" {
		return nil, errors.New("classification missing intent")
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	result.Source = "llm"
	return &result, nil
}
