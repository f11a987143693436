// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package assistant is the embedding facade for the Aura conversational
// task-execution core.
//
// A host constructs one Assistant from a config.Config, registers its
// skill backends, and feeds it user turns with Process. Everything else —
// classification, planning, dependency-aware execution with retry,
// session persistence, and summarization — happens behind the facade.
// With LLM access disabled the assistant degrades to its deterministic
// rule classifier and planner rather than failing.
package assistant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/aura/services/assistant/config"
	"github.com/AleutianAI/aura/services/assistant/engine"
	"github.com/AleutianAI/aura/services/assistant/executor"
	"github.com/AleutianAI/aura/services/assistant/history"
	"github.com/AleutianAI/aura/services/assistant/intent"
	"github.com/AleutianAI/aura/services/assistant/pipeline"
	"github.com/AleutianAI/aura/services/assistant/planner"
	"github.com/AleutianAI/aura/services/assistant/queue"
	"github.com/AleutianAI/aura/services/assistant/session"
	badgerstore "github.com/AleutianAI/aura/services/assistant/storage/badger"
)

// skill is one deferred backend registration.
type skill struct {
	stepType    engine.StepType
	action      string
	description string
	backend     executor.SkillBackend
}

// options collects construction-time customizations.
type options struct {
	chatClient intent.ChatClient
	answerer   pipeline.Answerer
	callbacks  pipeline.Callbacks
	skills     []skill
}

// Option customizes assistant construction.
type Option func(*options)

// WithChatClient substitutes the chat client (tests, alternate vendors).
// Overrides the client built from the LLM config.
func WithChatClient(client intent.ChatClient) Option {
	return func(o *options) { o.chatClient = client }
}

// WithAnswerer substitutes the direct answerer.
func WithAnswerer(a pipeline.Answerer) Option {
	return func(o *options) { o.answerer = a }
}

// WithCallbacks sets the pipeline's outward notifications.
func WithCallbacks(cb pipeline.Callbacks) Option {
	return func(o *options) { o.callbacks = cb }
}

// WithSkill registers a skill backend.
//
// Inputs:
//
//	stepType - The step type the action serves (skill, api, search).
//	action - The action name, e.g. "create_timer".
//	description - One line for the planner's capability catalog.
//	backend - The backend implementation.
func WithSkill(stepType engine.StepType, action, description string, backend executor.SkillBackend) Option {
	return func(o *options) {
		o.skills = append(o.skills, skill{
			stepType:    stepType,
			action:      action,
			description: description,
			backend:     backend,
		})
	}
}

// Assistant is the assembled conversational task-execution core.
//
// Thread Safety: Safe for concurrent use. Turns beyond the first are
// rejected with pipeline.ErrPipelineBusy rather than queued.
type Assistant struct {
	db       *badgerstore.DB
	history  *history.Store
	sessions *session.Store
	registry *executor.Registry
	exec     *executor.Executor
	pipe     *pipeline.Pipeline
}

// New assembles an assistant from configuration.
//
// Inputs:
//
//	cfg - The effective configuration (see config.Load). Validated.
//	opts - Construction options; WithSkill registers backends.
//
// Outputs:
//
//	*Assistant - The ready assistant. Caller must Close it.
//	error - Non-nil on invalid config or storage failure.
func New(cfg config.Config, opts ...Option) (*Assistant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	db, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}

	a := &Assistant{db: db}
	if err := a.assemble(cfg, o); err != nil {
		closeQuietly(a)
		return nil, err
	}

	slog.Info("Assistant ready",
		slog.Bool("llm", o.chatClient != nil || llmConfigured(cfg.LLM)),
		slog.Int("skills", len(o.skills)),
		slog.Bool("persistent", !cfg.Storage.InMemory),
	)
	return a, nil
}

func (a *Assistant) assemble(cfg config.Config, o options) error {
	var err error

	a.history, err = history.NewStore(history.Config{
		MaxHistory: cfg.History.MaxEntries,
		Freshness:  cfg.History.Freshness.Std(),
		DB:         a.db,
	})
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}

	a.sessions, err = session.NewStore(session.Config{
		DB:            a.db,
		RetentionDays: cfg.Session.RetentionDays,
		MaxSessions:   cfg.Session.MaxSessions,
		SweepInterval: cfg.Session.SweepInterval.Std(),
		Freshness:     cfg.History.Freshness.Std(),
	})
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	a.registry = executor.NewRegistry()
	for _, s := range o.skills {
		a.registry.Register(s.stepType, s.action, s.description, s.backend)
	}

	a.exec, err = executor.NewExecutor(executor.Config{
		Queue:        queueConfig(cfg.Queue),
		BackendRate:  rate.Limit(cfg.Executor.BackendRate),
		BackendBurst: cfg.Executor.BackendBurst,
	}, a.registry, a.sessions)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	chat := o.chatClient
	if chat == nil && llmConfigured(cfg.LLM) {
		chat = newChatClient(cfg.LLM)
	}

	classifier, err := buildClassifier(chat, cfg.LLM)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	pl, err := buildPlanner(chat, cfg.LLM, a.registry)
	if err != nil {
		return fmt.Errorf("planner: %w", err)
	}
	answerer, err := buildAnswerer(chat, cfg.LLM, o.answerer)
	if err != nil {
		return fmt.Errorf("answerer: %w", err)
	}

	a.pipe, err = pipeline.NewPipeline(pipeline.Config{
		RecoveryDelay: cfg.Pipeline.RecoveryDelay.Std(),
		ContextTurns:  cfg.Pipeline.ContextTurns,
	}, classifier, pl, a.exec, a.history, answerer, o.callbacks)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

// Process runs one user turn and returns the reply.
//
// Thread Safety: Safe for concurrent use; concurrent turns beyond the
// first return pipeline.ErrPipelineBusy.
func (a *Assistant) Process(ctx context.Context, text string) (string, error) {
	return a.pipe.ProcessText(ctx, text)
}

// CancelExecution aborts the active plan run, if any.
func (a *Assistant) CancelExecution() bool {
	return a.exec.Cancel()
}

// State returns the pipeline's current state.
func (a *Assistant) State() pipeline.State {
	return a.pipe.State()
}

// Pipeline exposes the pipeline for voice hosts and state observers.
func (a *Assistant) Pipeline() *pipeline.Pipeline {
	return a.pipe
}

// History exposes the conversation context store.
func (a *Assistant) History() *history.Store {
	return a.history
}

// Sessions exposes the execution session store.
func (a *Assistant) Sessions() *session.Store {
	return a.sessions
}

// Close releases the assistant's resources: the queue, the session
// sweeper, and the database, in that order.
func (a *Assistant) Close() error {
	var firstErr error
	if a.exec != nil {
		if err := a.exec.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.sessions != nil {
		if err := a.sessions.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func openStorage(cfg config.Storage) (*badgerstore.DB, error) {
	dbCfg := badgerstore.DefaultConfig()
	dbCfg.Path = cfg.Path
	dbCfg.InMemory = cfg.InMemory
	dbCfg.SyncWrites = cfg.SyncWrites
	dbCfg.Logger = slog.Default()

	db, err := badgerstore.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return db, nil
}

func queueConfig(cfg config.Queue) queue.Config {
	return queue.Config{
		MaxConcurrent:     cfg.MaxConcurrent,
		MaxAttempts:       cfg.MaxAttempts,
		RetryDelay:        cfg.RetryDelay.Std(),
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxRetryDelay:     cfg.MaxRetryDelay.Std(),
		StepTimeout:       cfg.StepTimeout.Std(),
	}
}

func llmConfigured(cfg config.LLM) bool {
	return cfg.Enabled && cfg.APIKey != ""
}

func newChatClient(cfg config.LLM) intent.ChatClient {
	if cfg.BaseURL != "" {
		cc := openai.DefaultConfig(cfg.APIKey)
		cc.BaseURL = cfg.BaseURL
		return openai.NewClientWithConfig(cc)
	}
	return openai.NewClient(cfg.APIKey)
}

func buildClassifier(chat intent.ChatClient, cfg config.LLM) (intent.Classifier, error) {
	rule := intent.NewRuleClassifier()
	if chat == nil {
		return rule, nil
	}
	llmCfg := intent.DefaultConfig()
	llmCfg.Model = cfg.ClassifierModel
	llm, err := intent.NewLLMClassifier(chat, llmCfg)
	if err != nil {
		return nil, err
	}
	return intent.NewFallback(llm, rule), nil
}

func buildPlanner(chat intent.ChatClient, cfg config.LLM, registry *executor.Registry) (planner.Planner, error) {
	rule := planner.NewRulePlanner()
	catalog := registry.Catalog()
	if chat == nil || len(catalog) == 0 {
		return rule, nil
	}
	llmCfg := planner.DefaultConfig()
	llmCfg.Model = cfg.PlannerModel
	llm, err := planner.NewLLMPlanner(chat, catalog, llmCfg)
	if err != nil {
		return nil, err
	}
	return planner.NewFallback(llm, rule), nil
}

func buildAnswerer(chat intent.ChatClient, cfg config.LLM, override pipeline.Answerer) (pipeline.Answerer, error) {
	if override != nil {
		return override, nil
	}
	if chat == nil {
		return pipeline.StaticAnswerer{}, nil
	}
	aCfg := pipeline.DefaultAnswerConfig()
	aCfg.Model = cfg.AnswerModel
	return pipeline.NewLLMAnswerer(chat, aCfg)
}

func closeQuietly(a *Assistant) {
	if err := a.Close(); err != nil {
		slog.Warn("Cleanup after failed construction", slog.String("error", err.Error()))
	}
}
