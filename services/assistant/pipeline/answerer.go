// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/aura/services/assistant/engine"
	"github.com/AleutianAI/aura/services/assistant/intent"
)

// answerPrompt keeps direct answers short and conversational.
const answerPrompt = `You are Aura, a helpful voice assistant. Answer the
user's question concisely in one or two sentences, using the conversation
context when it is relevant. Plain text only, no markdown.`

// Answerer produces a direct textual reply for questions and chit-chat
// that need no tool execution.
type Answerer interface {
	Answer(ctx context.Context, query string, recent []engine.ContextEntry) (string, error)
}

// AnswerConfig holds LLMAnswerer configuration.
type AnswerConfig struct {
	// Model is the chat model name.
	Model string

	// MaxTokens bounds the reply length.
	MaxTokens int

	// Temperature is the sampling temperature.
	Temperature float32

	// RequestTimeout bounds one answer call.
	RequestTimeout time.Duration

	// ContextWindow is how many recent turns are sent along.
	ContextWindow int
}

// DefaultAnswerConfig returns the defaults: gpt-4o-mini, 512 tokens,
// temperature 0.4, 15-second timeout, 6 context turns.
func DefaultAnswerConfig() AnswerConfig {
	return AnswerConfig{
		Model:          openai.GPT4oMini,
		MaxTokens:      512,
		Temperature:    0.4,
		RequestTimeout: 15 * time.Second,
		ContextWindow:  6,
	}
}

// Validate checks the configuration.
func (c AnswerConfig) Validate() error {
	if c.Model == "" {
		return errors.New("Model must not be empty")
	}
	if c.MaxTokens <= 0 {
		return errors.New("MaxTokens must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("RequestTimeout must be positive")
	}
	if c.ContextWindow < 0 {
		return errors.New("ContextWindow must not be negative")
	}
	return nil
}

// LLMAnswerer answers with a chat completion call, mapping recent
// conversation turns onto chat roles.
//
// Thread Safety: Safe for concurrent use.
type LLMAnswerer struct {
	client intent.ChatClient
	config AnswerConfig
}

// NewLLMAnswerer creates an LLM-backed answerer.
func NewLLMAnswerer(client intent.ChatClient, config AnswerConfig) (*LLMAnswerer, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &LLMAnswerer{client: client, config: config}, nil
}

// Answer implements Answerer.
func (a *LLMAnswerer) Answer(ctx context.Context, query string, recent []engine.ContextEntry) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: answerPrompt},
	}
	if n := len(recent); n > a.config.ContextWindow {
		recent = recent[n-a.config.ContextWindow:]
	}
	for _, entry := range recent {
		role := openai.ChatMessageRoleUser
		if entry.Type == engine.EntryAssistant {
			role = openai.ChatMessageRoleAssistant
		} else if entry.Type == engine.EntrySystem {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role: role, Content: entry.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: query,
	})

	reqCtx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	defer cancel()

	resp, err := a.client.CreateChatCompletion(reqCtx, openai.ChatCompletionRequest{
		Model:       a.config.Model,
		Messages:    messages,
		MaxTokens:   a.config.MaxTokens,
		Temperature: a.config.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("answer call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("answer returned no choices")
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", errors.New("answer was empty")
	}
	return answer, nil
}

// StaticAnswerer replies with a fixed acknowledgement. It is the offline
// fallback when no chat client is configured.
//
// Thread Safety: Safe for concurrent use.
type StaticAnswerer struct{}

// Answer implements Answerer. It never fails.
func (StaticAnswerer) Answer(_ context.Context, query string, _ []engine.ContextEntry) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "I'm listening.", nil
	}
	return fmt.Sprintf("I heard %q, but I can't answer questions without my language model right now.", query), nil
}
