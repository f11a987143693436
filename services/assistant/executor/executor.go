// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package executor drives a plan through the execution queue and into the
// session store, producing a summary when the run drains.
//
// The executor enforces the single-session rule: at most one plan run may
// be active at a time. It owns the queue, dispatches each step to the
// skill registry (computation steps are answered locally), mirrors every
// execution status change into the session store, and completes the
// session with a summary when the queue reports empty.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/aura/services/assistant/engine"
	"github.com/AleutianAI/aura/services/assistant/planner"
	"github.com/AleutianAI/aura/services/assistant/queue"
	"github.com/AleutianAI/aura/services/assistant/session"
	"github.com/AleutianAI/aura/services/assistant/summary"
	"github.com/AleutianAI/aura/services/assistant/validation"
)

// SkillBackend executes one category of actions.
//
// Implementations absorb backend failures into ToolResult{Success: false}
// where possible; a returned error is treated as a transient failure and
// retried by the queue.
type SkillBackend interface {
	Invoke(ctx context.Context, action string, params map[string]any) (*engine.ToolResult, error)
}

// registration binds one action to its backend and catalog entry.
type registration struct {
	stepType    engine.StepType
	backend     SkillBackend
	description string
}

// Registry maps actions to skill backends and doubles as the planner's
// capability catalog.
//
// Thread Safety: Safe for concurrent use. Registration is expected at
// setup time but is safe at any point.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]registration
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]registration)}
}

// Register binds an action to a backend.
//
// Inputs:
//
//	stepType - The step type the action serves.
//	action - The action name (e.g. "create_timer").
//	description - One line for the planner's capability catalog.
//	backend - The backend. Must not be nil.
func (r *Registry) Register(stepType engine.StepType, action, description string, backend SkillBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[action]; !exists {
		r.order = append(r.order, action)
	}
	r.actions[action] = registration{
		stepType:    stepType,
		backend:     backend,
		description: description,
	}
}

// Backend returns the backend registered for the action.
func (r *Registry) Backend(action string) (SkillBackend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.actions[action]
	if !ok {
		return nil, false
	}
	return reg.backend, true
}

// Catalog renders the registry as the planner's capability catalog, in
// registration order.
func (r *Registry) Catalog() planner.Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cat := make(planner.Catalog, 0, len(r.order))
	for _, action := range r.order {
		cat = append(cat, planner.Capability{
			Action:      action,
			Description: r.actions[action].description,
		})
	}
	return cat
}

// Config holds executor configuration.
type Config struct {
	// Queue is the scheduling and retry policy.
	Queue queue.Config

	// BackendRate caps backend invocations per second across all steps.
	// Zero disables rate limiting.
	BackendRate rate.Limit

	// BackendBurst is the rate limiter's burst size.
	BackendBurst int
}

// DefaultConfig returns the default policy: the queue defaults plus a
// 5 req/s backend rate with a burst of 5.
func DefaultConfig() Config {
	return Config{
		Queue:        queue.DefaultConfig(),
		BackendRate:  5,
		BackendBurst: 5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}
	if c.BackendRate < 0 {
		return errors.New("BackendRate must not be negative")
	}
	if c.BackendRate > 0 && c.BackendBurst <= 0 {
		return errors.New("BackendBurst must be positive when BackendRate is set")
	}
	return nil
}

// Run is the handle for one in-flight plan run.
//
// Thread Safety: Safe for concurrent use.
type Run struct {
	// SessionID identifies the session recording this run.
	SessionID string

	// PlanID identifies the plan being run.
	PlanID string

	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	results []engine.ToolResult
	summary *engine.ExecutionSummary
}

// Wait blocks until the run drains.
//
// Outputs:
//
//	[]engine.ToolResult - One result per plan step, in plan order. Steps
//	                      that never produced a result (failed before
//	                      completing, or blocked by a failed dependency)
//	                      appear as failures.
//	*engine.ExecutionSummary - The run's summary. Non-nil on nil error,
//	                           including cancelled runs.
//	error - ctx.Err() if the caller's context ends first.
func (r *Run) Wait(ctx context.Context) ([]engine.ToolResult, *engine.ExecutionSummary, error) {
	select {
	case <-r.done:
		return r.results, r.summary, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// finish delivers the results and summary to waiters, exactly once.
func (r *Run) finish(results []engine.ToolResult, sum *engine.ExecutionSummary) {
	r.once.Do(func() {
		r.results = results
		r.summary = sum
		close(r.done)
	})
}

// Executor runs plans.
//
// Thread Safety: Safe for concurrent use; at most one run is admitted at
// a time.
type Executor struct {
	cfg        Config
	registry   *Registry
	sessions   *session.Store
	summarizer *summary.Summarizer
	limiter    *rate.Limiter
	queue      *queue.Queue

	mu      sync.Mutex
	current *Run
}

// NewExecutor creates an executor and starts its queue.
//
// Inputs:
//
//	cfg - Executor configuration. Validated.
//	registry - The skill registry. Must not be nil.
//	sessions - The session store. Must not be nil.
//
// Outputs:
//
//	*Executor - The ready executor. Caller must Close it.
//	error - Non-nil if cfg is invalid or a dependency is nil.
func NewExecutor(cfg Config, registry *Registry, sessions *session.Store) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid executor config: %w", err)
	}
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("session store must not be nil")
	}

	e := &Executor{
		cfg:        cfg,
		registry:   registry,
		sessions:   sessions,
		summarizer: summary.NewSummarizer(),
	}
	if cfg.BackendRate > 0 {
		e.limiter = rate.NewLimiter(cfg.BackendRate, cfg.BackendBurst)
	}

	q, err := queue.New(cfg.Queue, e.executeStep, validation.NewValidator(), queue.Callbacks{
		OnStepStart:    e.recordExecution,
		OnStepComplete: e.recordExecution,
		OnStepFailed:   e.recordExecution,
		OnStepRetry:    e.recordExecution,
		OnQueueEmpty:   e.onQueueEmpty,
	})
	if err != nil {
		return nil, err
	}
	e.queue = q
	return e, nil
}

// Close stops the queue. An in-flight run is abandoned; its session is
// left as persisted.
func (e *Executor) Close() error {
	e.queue.Stop()
	return nil
}

// ExecutePlan admits one plan run.
//
// Description:
//
//	Rejects the plan with engine.ErrSessionActive while another run is
//	in flight. On admission a session is started and every plan step is
//	enqueued; the returned Run resolves when the queue drains.
//
// Inputs:
//
//	ctx - Governs the run's step executions. Cancelling it fails
//	      in-flight and future steps, which drains the run.
//	plan - The plan. Must have at least one step.
//
// Outputs:
//
//	*Run - The run handle.
//	error - engine.ErrSessionActive, engine.ErrEmptyPlan, or a
//	        session/queue admission error.
//
// Thread Safety: Safe for concurrent use.
func (e *Executor) ExecutePlan(ctx context.Context, plan *engine.Plan) (*Run, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, engine.ErrEmptyPlan
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return nil, engine.ErrSessionActive
	}

	sess, err := e.sessions.StartSession(plan)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		SessionID: sess.ID,
		PlanID:    plan.ID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	e.current = run
	e.mu.Unlock()

	if err := e.queue.AddPlan(runCtx, plan); err != nil {
		cancel()
		if cancelErr := e.sessions.CancelSession(sess.ID); cancelErr != nil {
			slog.Warn("Failed to cancel session after enqueue failure",
				slog.String("session_id", sess.ID),
				slog.String("error", cancelErr.Error()),
			)
		}
		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()
		return nil, err
	}

	slog.Info("Plan run admitted",
		slog.String("session_id", sess.ID),
		slog.String("plan_id", plan.ID),
	)
	return run, nil
}

// Cancel aborts the active run, if any.
//
// Description:
//
//	Cancels the run's context so in-flight steps fail fast, aborts the
//	queue so no further step is started, and marks the session
//	cancelled. The Run handle still resolves (with a summary over
//	whatever completed) once the queue drains.
//
// Outputs:
//
//	bool - Whether a run was active to cancel.
//
// Thread Safety: Safe for concurrent use.
func (e *Executor) Cancel() bool {
	e.mu.Lock()
	run := e.current
	e.mu.Unlock()
	if run == nil {
		return false
	}

	run.cancel()
	e.queue.Abort(run.PlanID)
	if err := e.sessions.CancelSession(run.SessionID); err != nil &&
		!errors.Is(err, engine.ErrSessionTerminal) {
		slog.Warn("Failed to cancel session",
			slog.String("session_id", run.SessionID),
			slog.String("error", err.Error()),
		)
	}
	slog.Info("Plan run cancelled", slog.String("session_id", run.SessionID))
	return true
}

// Active reports whether a run is in flight.
func (e *Executor) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// executeStep is the queue's execution hook.
func (e *Executor) executeStep(ctx context.Context, step engine.PlanStep) (*engine.ToolResult, error) {
	if step.Type == engine.StepComputation {
		return e.answerLocally(step), nil
	}

	backend, ok := e.registry.Backend(step.Action)
	if !ok {
		// Unknown actions cannot succeed on retry, but the queue's
		// uniform accounting still applies its attempt budget.
		return &engine.ToolResult{
			Success: false,
			Error:   fmt.Sprintf("%s: %s", engine.ErrUnknownAction.Error(), step.Action),
		}, nil
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	return backend.Invoke(ctx, step.Action, step.Parameters)
}

// answerLocally serves computation steps without a backend round trip.
func (e *Executor) answerLocally(step engine.PlanStep) *engine.ToolResult {
	text, _ := step.Parameters["query"].(string)
	if text == "" {
		text, _ = step.Parameters["text"].(string)
	}
	return &engine.ToolResult{
		Success: true,
		Data: map[string]any{
			"answer": text,
		},
		Metadata: map[string]any{
			"source": "local",
		},
	}
}

// recordExecution mirrors a queue snapshot into the session store.
func (e *Executor) recordExecution(exec *engine.QueuedExecution) {
	e.mu.Lock()
	run := e.current
	e.mu.Unlock()
	if run == nil || run.PlanID != exec.PlanID {
		return
	}

	err := e.sessions.AddExecution(run.SessionID, exec)
	if err != nil && !errors.Is(err, engine.ErrSessionTerminal) {
		slog.Warn("Failed to record execution",
			slog.String("session_id", run.SessionID),
			slog.String("step_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// onQueueEmpty summarizes the drained run and completes its session.
func (e *Executor) onQueueEmpty(planID string) {
	e.mu.Lock()
	run := e.current
	if run == nil || run.PlanID != planID {
		e.mu.Unlock()
		return
	}
	e.current = nil
	e.mu.Unlock()

	run.cancel()

	sess, err := e.sessions.Session(run.SessionID)
	if err != nil {
		slog.Error("Drained run has no session",
			slog.String("session_id", run.SessionID),
			slog.String("error", err.Error()),
		)
		run.finish(nil, &engine.ExecutionSummary{
			PlanID:              planID,
			PlanName:            "your request",
			Status:              engine.SummaryFailed,
			UserFriendlyMessage: "Something went wrong tracking that request.",
		})
		return
	}

	sum := e.summarizer.Summarize(sess)
	err = e.sessions.CompleteSession(run.SessionID, sum)
	if err != nil && !errors.Is(err, engine.ErrSessionTerminal) {
		slog.Warn("Failed to complete session",
			slog.String("session_id", run.SessionID),
			slog.String("error", err.Error()),
		)
	}

	slog.Info("Plan run drained",
		slog.String("session_id", run.SessionID),
		slog.String("plan_id", planID),
		slog.String("status", string(sum.Status)),
	)
	run.finish(stepResults(sess), sum)
}

// stepResults flattens the session's executions into one result per plan
// step, in plan order. A step without a stored result is reported as a
// failure carrying its last error.
func stepResults(sess *engine.ExecutionSession) []engine.ToolResult {
	if sess.Plan == nil {
		return nil
	}
	byID := make(map[string]*engine.QueuedExecution, len(sess.Executions))
	for i := range sess.Executions {
		byID[sess.Executions[i].ID] = &sess.Executions[i]
	}

	out := make([]engine.ToolResult, 0, len(sess.Plan.Steps))
	for _, step := range sess.Plan.Steps {
		exec, ok := byID[step.ID]
		if ok && exec.Result != nil {
			out = append(out, *exec.Result)
			continue
		}
		errText := "step never ran"
		if ok && exec.Error != "" {
			errText = exec.Error
		}
		out = append(out, engine.ToolResult{Success: false, Error: errText})
	}
	return out
}
