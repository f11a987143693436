// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline orchestrates one user turn end to end: classify the
// utterance, route it (plan and execute, gather evidence, or answer
// directly), and produce the reply.
//
// A state machine guards the stages. One turn is processed at a time; a
// turn arriving while another is in flight is rejected with
// ErrPipelineBusy rather than queued. Failures park the pipeline in the
// error state, which auto-recovers to idle after a short delay.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/aura/services/assistant/engine"
	"github.com/AleutianAI/aura/services/assistant/executor"
	"github.com/AleutianAI/aura/services/assistant/history"
	"github.com/AleutianAI/aura/services/assistant/intent"
	"github.com/AleutianAI/aura/services/assistant/planner"
	"github.com/AleutianAI/aura/services/assistant/telemetry"
)

// ErrPipelineBusy indicates a turn arrived while another is in flight.
var ErrPipelineBusy = errors.New("pipeline is busy with another turn")

// Callbacks are the pipeline's outward notifications. A nil callback is
// skipped. Callbacks run synchronously on the turn's goroutine.
type Callbacks struct {
	// OnResponse fires with the final reply text of a successful turn.
	OnResponse func(text string)

	// OnError fires when a turn fails and the pipeline enters error.
	OnError func(err error)
}

// Config holds pipeline configuration.
type Config struct {
	// RecoveryDelay is how long the pipeline stays in error before
	// returning to idle.
	RecoveryDelay time.Duration

	// ContextTurns is how many recent history entries are handed to the
	// planner and answerer.
	ContextTurns int
}

// DefaultConfig returns a 2-second error recovery and 5 context turns.
func DefaultConfig() Config {
	return Config{
		RecoveryDelay: 2 * time.Second,
		ContextTurns:  5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RecoveryDelay <= 0 {
		return errors.New("RecoveryDelay must be positive")
	}
	if c.ContextTurns < 0 {
		return errors.New("ContextTurns must not be negative")
	}
	return nil
}

// Pipeline routes user turns through classification, planning, execution,
// and response generation.
//
// Thread Safety: Safe for concurrent use; concurrent turns beyond the
// first are rejected.
type Pipeline struct {
	cfg        Config
	machine    *StateMachine
	classifier intent.Classifier
	planner    planner.Planner
	exec       *executor.Executor
	history    *history.Store
	answerer   Answerer
	callbacks  Callbacks
}

// NewPipeline creates a pipeline in the idle state.
//
// Inputs:
//
//	cfg - Pipeline configuration. Validated.
//	classifier - Intent classifier. Must not be nil.
//	pl - Planner. Must not be nil.
//	exec - Executor. Must not be nil.
//	hist - Conversation history store. Must not be nil.
//	answerer - Direct answerer. Must not be nil.
//	callbacks - Outward notifications. Individual callbacks may be nil.
func NewPipeline(cfg Config, classifier intent.Classifier, pl planner.Planner, exec *executor.Executor, hist *history.Store, answerer Answerer, callbacks Callbacks) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if classifier == nil {
		return nil, errors.New("classifier must not be nil")
	}
	if pl == nil {
		return nil, errors.New("planner must not be nil")
	}
	if exec == nil {
		return nil, errors.New("executor must not be nil")
	}
	if hist == nil {
		return nil, errors.New("history store must not be nil")
	}
	if answerer == nil {
		return nil, errors.New("answerer must not be nil")
	}
	return &Pipeline{
		cfg:        cfg,
		machine:    NewStateMachine(),
		classifier: classifier,
		planner:    pl,
		exec:       exec,
		history:    hist,
		answerer:   answerer,
		callbacks:  callbacks,
	}, nil
}

// Machine exposes the state machine so voice-capable hosts can drive the
// wake and capture stages, and observers can watch transitions.
func (p *Pipeline) Machine() *StateMachine {
	return p.machine
}

// State returns the pipeline's current state.
func (p *Pipeline) State() State {
	return p.machine.State()
}

// ProcessText runs one user turn and returns the reply.
//
// Description:
//
//	Enters nlu-processing (from idle, or from speech-processing when a
//	voice host has driven the capture stages), classifies the text, and
//	routes it: needs-planning intents are planned and executed, question
//	intents gather evidence and answer, everything else answers
//	directly. Both the user turn and the reply are appended to history.
//
// Inputs:
//
//	ctx - Governs the whole turn, including step executions.
//	text - The user's utterance. Must not be blank.
//
// Outputs:
//
//	string - The reply text.
//	error - ErrPipelineBusy, or the failure that parked the pipeline in
//	        the error state.
//
// Thread Safety: Safe for concurrent use; only one turn is admitted.
func (p *Pipeline) ProcessText(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("text must not be blank")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if !p.machine.TryTransition(StateNLUProcessing) {
		return "", ErrPipelineBusy
	}

	ctx, span := otel.Tracer(telemetry.ScopeName).Start(ctx, "pipeline.ProcessText")
	defer span.End()

	p.history.Add(engine.EntryUser, text, nil)

	res, err := p.classifier.Classify(ctx, text)
	if err != nil {
		return "", p.fail(span, fmt.Errorf("classify turn: %w", err))
	}
	span.SetAttributes(
		attribute.String("intent", res.Intent),
		attribute.Bool("needs_planning", res.NeedsPlanning),
		attribute.Bool("is_question", res.IsQuestion),
	)

	var reply string
	switch {
	case res.NeedsPlanning:
		reply, err = p.runPlanned(ctx, text, res)
	case res.IsQuestion:
		err = p.machine.Transition(StateEvidenceGathering)
		if err == nil {
			reply, err = p.answer(ctx, text)
		}
	default:
		reply, err = p.answer(ctx, text)
	}
	if err != nil {
		return "", p.fail(span, err)
	}

	if err := p.machine.Transition(StateResponseGenerating); err != nil {
		return "", p.fail(span, err)
	}

	p.history.Add(engine.EntryAssistant, reply, map[string]string{
		"intent": res.Intent,
	})
	if p.callbacks.OnResponse != nil {
		p.callbacks.OnResponse(reply)
	}

	if err := p.machine.Transition(StateIdle); err != nil {
		return "", p.fail(span, err)
	}
	return reply, nil
}

// runPlanned plans the turn and executes the plan to completion.
func (p *Pipeline) runPlanned(ctx context.Context, text string, res *intent.Result) (string, error) {
	if err := p.machine.Transition(StatePlanning); err != nil {
		return "", err
	}

	recent := p.history.Recent(p.cfg.ContextTurns)
	plan, err := p.planner.CreatePlan(ctx, text, res, recent)
	if err != nil {
		return "", fmt.Errorf("create plan: %w", err)
	}
	if plan == nil || len(plan.Steps) == 0 {
		return "", engine.ErrEmptyPlan
	}

	if err := p.machine.Transition(StateToolExecuting); err != nil {
		return "", err
	}

	run, err := p.exec.ExecutePlan(ctx, plan)
	if err != nil {
		return "", fmt.Errorf("execute plan: %w", err)
	}
	_, sum, err := run.Wait(ctx)
	if err != nil {
		p.exec.Cancel()
		return "", fmt.Errorf("wait for plan: %w", err)
	}
	return sum.UserFriendlyMessage, nil
}

// answer produces a direct reply without tool execution.
func (p *Pipeline) answer(ctx context.Context, text string) (string, error) {
	reply, err := p.answerer.Answer(ctx, text, p.history.Recent(p.cfg.ContextTurns))
	if err != nil {
		return "", fmt.Errorf("answer turn: %w", err)
	}
	return reply, nil
}

// fail parks the pipeline in the error state and arms auto-recovery.
func (p *Pipeline) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "turn failed")

	p.machine.TryTransition(StateError)
	p.history.Add(engine.EntrySystem, "turn failed: "+err.Error(), nil)

	slog.Error("Pipeline turn failed",
		slog.String("error", err.Error()),
	)
	if p.callbacks.OnError != nil {
		p.callbacks.OnError(err)
	}

	time.AfterFunc(p.cfg.RecoveryDelay, func() {
		if p.machine.TryTransition(StateIdle) {
			slog.Info("Pipeline recovered to idle")
		}
	})
	return err
}
