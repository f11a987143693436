// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package queue schedules a plan's steps with dependency ordering, a
// concurrency ceiling, and automatic retry with exponential backoff.
//
// One scheduler goroutine owns all queue state; step executions run in
// worker goroutines that report back over a channel. The scheduler wakes
// on plan submission, step completion, and retry-timer expiry rather than
// polling, but the observable contract is the same as a fixed-tick design:
// a step starts only when every dependency completed successfully and the
// running set is below MaxConcurrent.
//
// A step whose dependency failed terminally is never started and never
// separately reported: it stays pending forever. This starvation is
// deliberate and load-bearing — dependents of a failed step must not run,
// and they are not counted as failures of their own. The queue still
// reports queue-empty once no step is running and none can ever become
// eligible.
//
// The queue does not cycle-detect. The planner guarantees acyclic output
// (LLMPlanner rejects cyclic plans before they get here); a cyclic plan
// would be reported as permanently blocked.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/aura/services/assistant/engine"
	"github.com/AleutianAI/aura/services/assistant/telemetry"
	"github.com/AleutianAI/aura/services/assistant/validation"
)

// ErrPlanActive indicates AddPlan was called while another plan is still
// draining.
var ErrPlanActive = errors.New("a plan is already enqueued")

// ExecuteFunc runs one step attempt and returns its result. Implementors
// should absorb backend failures into ToolResult{Success: false}; a
// returned error is treated the same way for retry accounting.
type ExecuteFunc func(ctx context.Context, step engine.PlanStep) (*engine.ToolResult, error)

// Validator scores a successful result's usability. Satisfied by
// *validation.Validator.
type Validator interface {
	ValidateStep(step engine.PlanStep, result *engine.ToolResult) validation.Result
}

// Callbacks are the queue's lifecycle notifications.
//
// All callbacks are invoked from the scheduler goroutine with deep-copy
// snapshots; receivers may retain them freely. A nil callback is skipped.
type Callbacks struct {
	// OnStepStart fires on every transition into running.
	OnStepStart func(exec *engine.QueuedExecution)

	// OnStepComplete fires when a step completes with a validated
	// success.
	OnStepComplete func(exec *engine.QueuedExecution)

	// OnStepFailed fires when a step exhausts its attempts.
	OnStepFailed func(exec *engine.QueuedExecution)

	// OnStepRetry fires on every transition into retrying.
	OnStepRetry func(exec *engine.QueuedExecution)

	// OnQueueEmpty fires exactly once per plan run, when no step is
	// running and no step can ever become eligible.
	OnQueueEmpty func(planID string)
}

// Config holds the queue's scheduling and retry policy.
type Config struct {
	// MaxConcurrent caps simultaneously running steps.
	MaxConcurrent int

	// MaxAttempts is the total attempt budget per step.
	MaxAttempts int

	// RetryDelay is the base backoff delay before the second attempt.
	RetryDelay time.Duration

	// BackoffMultiplier grows the delay per failed attempt.
	BackoffMultiplier float64

	// MaxRetryDelay caps the computed delay (after jitter).
	MaxRetryDelay time.Duration

	// StepTimeout bounds one execute call when positive. A deadline hit
	// is an ordinary transient failure subject to retry.
	StepTimeout time.Duration
}

// DefaultConfig returns the reference policy: 3 concurrent steps, 3
// attempts, 1s base delay doubling up to 10s.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     3,
		MaxAttempts:       3,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
		MaxRetryDelay:     10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return errors.New("MaxConcurrent must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("MaxAttempts must be positive")
	}
	if c.RetryDelay <= 0 {
		return errors.New("RetryDelay must be positive")
	}
	if c.BackoffMultiplier < 1 {
		return errors.New("BackoffMultiplier must be at least 1")
	}
	if c.MaxRetryDelay < c.RetryDelay {
		return errors.New("MaxRetryDelay must not be below RetryDelay")
	}
	if c.StepTimeout < 0 {
		return errors.New("StepTimeout must not be negative")
	}
	return nil
}

// submission carries one plan into the scheduler.
type submission struct {
	ctx   context.Context
	plan  *engine.Plan
	reply chan error
}

// outcome carries one finished step attempt back to the scheduler.
type outcome struct {
	id     string
	result *engine.ToolResult
	err    error
	start  time.Time
}

// abortRequest asks the scheduler to abandon the active plan.
type abortRequest struct {
	planID string
	reply  chan bool
}

// Queue is the dependency-aware bounded-concurrency scheduler.
//
// Thread Safety: AddPlan and Stop are safe for concurrent use. All
// internal state belongs to the scheduler goroutine.
type Queue struct {
	cfg       Config
	execute   ExecuteFunc
	validator Validator
	callbacks Callbacks

	submitCh chan submission
	abortCh  chan abortRequest
	doneCh   chan outcome
	stopCh   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// scheduler-owned state
	planCtx    context.Context
	planID     string
	aborted    bool
	executions map[string]*engine.QueuedExecution
	order      []string
	running    map[string]bool
}

// New creates and starts a queue.
//
// Inputs:
//
//	cfg - Scheduling policy. Validated.
//	execute - The step execution hook. Must not be nil.
//	validator - Result validator. Must not be nil.
//	callbacks - Lifecycle notifications. Individual callbacks may be nil.
//
// Outputs:
//
//	*Queue - Running queue. Caller must Stop it.
//	error - If cfg is invalid or a dependency is nil.
func New(cfg Config, execute ExecuteFunc, validator Validator, callbacks Callbacks) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if execute == nil {
		return nil, errors.New("execute must not be nil")
	}
	if validator == nil {
		return nil, errors.New("validator must not be nil")
	}

	q := &Queue{
		cfg:       cfg,
		execute:   execute,
		validator: validator,
		callbacks: callbacks,
		submitCh:  make(chan submission),
		abortCh:   make(chan abortRequest),
		doneCh:    make(chan outcome),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
		running:   make(map[string]bool),
	}
	go q.run()
	return q, nil
}

// AddPlan enqueues every step of the plan as pending and wakes the
// scheduler.
//
// Inputs:
//
//	ctx - Governs the plan's step executions (not the enqueue itself).
//	plan - The plan. Must have at least one step.
//
// Outputs:
//
//	error - engine.ErrEmptyPlan, ErrPlanActive, or engine.ErrQueueStopped.
//
// Thread Safety: Safe for concurrent use.
func (q *Queue) AddPlan(ctx context.Context, plan *engine.Plan) error {
	if plan == nil || len(plan.Steps) == 0 {
		return engine.ErrEmptyPlan
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sub := submission{ctx: ctx, plan: plan, reply: make(chan error, 1)}
	select {
	case q.submitCh <- sub:
		return <-sub.reply
	case <-q.stopCh:
		return engine.ErrQueueStopped
	}
}

// Abort abandons the active plan run: every step that has not started is
// failed immediately so nothing further is scheduled. Steps already in
// flight settle normally but are never retried, and OnQueueEmpty still
// fires once they drain.
//
// Inputs:
//
//	planID - The plan to abort; a stale ID is a no-op.
//
// Outputs:
//
//	bool - Whether the plan was active to abort.
//
// Thread Safety: Safe for concurrent use.
func (q *Queue) Abort(planID string) bool {
	req := abortRequest{planID: planID, reply: make(chan bool, 1)}
	select {
	case q.abortCh <- req:
		return <-req.reply
	case <-q.stopCh:
		return false
	}
}

// Stop halts scheduling. Steps already running are not interrupted; their
// outcomes are discarded. Safe to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	<-q.stopped
}

// run is the scheduler loop. It owns all queue state.
func (q *Queue) run() {
	defer close(q.stopped)

	var retryTimer *time.Timer
	var retryC <-chan time.Time

	for {
		q.schedule()
		q.checkQueueEmpty()

		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
			retryC = nil
		}
		if wait, ok := q.nextRetryWait(); ok {
			retryTimer = time.NewTimer(wait)
			retryC = retryTimer.C
		}

		select {
		case sub := <-q.submitCh:
			sub.reply <- q.accept(sub)
		case req := <-q.abortCh:
			req.reply <- q.abort(req.planID)
		case out := <-q.doneCh:
			q.settle(out)
		case <-retryC:
			// Woken to start due retries; handled by schedule() above.
		case <-q.stopCh:
			return
		}
	}
}

// accept installs a new plan's steps as pending executions.
func (q *Queue) accept(sub submission) error {
	if q.planID != "" {
		return ErrPlanActive
	}

	q.planCtx = sub.ctx
	q.planID = sub.plan.ID
	q.aborted = false
	q.executions = make(map[string]*engine.QueuedExecution, len(sub.plan.Steps))
	q.order = q.order[:0]
	for _, step := range sub.plan.Steps {
		exec := &engine.QueuedExecution{
			ID:          step.ID,
			PlanID:      sub.plan.ID,
			Step:        step,
			Status:      engine.ExecPending,
			MaxAttempts: q.cfg.MaxAttempts,
		}
		q.executions[step.ID] = exec
		q.order = append(q.order, step.ID)
	}

	slog.Info("Plan enqueued",
		slog.String("plan_id", sub.plan.ID),
		slog.Int("steps", len(sub.plan.Steps)),
	)
	return nil
}

// schedule starts every step that is eligible within the concurrency
// budget: pending steps whose dependencies all completed successfully,
// and retrying steps whose backoff has elapsed.
func (q *Queue) schedule() {
	if q.planID == "" {
		return
	}
	now := time.Now()
	for _, id := range q.order {
		if len(q.running) >= q.cfg.MaxConcurrent {
			return
		}
		exec := q.executions[id]
		switch exec.Status {
		case engine.ExecPending:
			if q.dependenciesMet(exec) {
				q.start(exec)
			}
		case engine.ExecRetrying:
			if exec.NextRetryAt != nil && !exec.NextRetryAt.After(now) {
				q.start(exec)
			}
		}
	}
}

// abort fails every step that has not started yet and marks the plan
// aborted so in-flight settlements skip their retry budget.
func (q *Queue) abort(planID string) bool {
	if q.planID == "" || q.planID != planID {
		return false
	}
	q.aborted = true

	for _, id := range q.order {
		exec := q.executions[id]
		if exec.Status != engine.ExecPending && exec.Status != engine.ExecRetrying {
			continue
		}
		now := time.Now().UTC()
		exec.Status = engine.ExecFailed
		if exec.Error == "" {
			exec.Error = "plan run aborted"
		}
		exec.CompletedAt = &now
		if q.callbacks.OnStepFailed != nil {
			q.callbacks.OnStepFailed(exec.Clone())
		}
	}

	slog.Info("Plan aborted",
		slog.String("plan_id", planID),
		slog.Int("in_flight", len(q.running)),
	)
	return true
}

// dependenciesMet reports whether every dependency completed with a
// successful result.
func (q *Queue) dependenciesMet(exec *engine.QueuedExecution) bool {
	for _, dep := range exec.Step.Dependencies {
		d, ok := q.executions[dep]
		if !ok {
			return false
		}
		if d.Status != engine.ExecCompleted || d.Result == nil || !d.Result.Success {
			return false
		}
	}
	return true
}

// start transitions one execution into running and launches its worker.
func (q *Queue) start(exec *engine.QueuedExecution) {
	now := time.Now().UTC()
	exec.Status = engine.ExecRunning
	exec.Attempts++
	exec.StartedAt = &now
	exec.NextRetryAt = nil
	q.running[exec.ID] = true

	telemetry.Default().AddActive(q.planCtx, 1)
	if q.callbacks.OnStepStart != nil {
		q.callbacks.OnStepStart(exec.Clone())
	}

	slog.Debug("Step started",
		slog.String("step_id", exec.ID),
		slog.String("action", exec.Step.Action),
		slog.Int("attempt", exec.Attempts),
	)

	ctx := q.planCtx
	step := exec.Step
	id := exec.ID
	go func() {
		_, span := otel.Tracer(telemetry.ScopeName).Start(ctx, "queue.executeStep",
			trace.WithAttributes(
				attribute.String("step_id", step.ID),
				attribute.String("action", step.Action),
				attribute.String("type", string(step.Type)),
			))
		defer span.End()

		runCtx := ctx
		if q.cfg.StepTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, q.cfg.StepTimeout)
			defer cancel()
		}

		started := time.Now()
		result, err := q.execute(runCtx, step)
		select {
		case q.doneCh <- outcome{id: id, result: result, err: err, start: started}:
		case <-q.stopCh:
			// Queue stopped while this step was in flight; the outcome
			// is discarded by design.
		}
	}()
}

// settle post-processes one finished attempt: validated success completes
// the step, anything else retries or fails terminally.
func (q *Queue) settle(out outcome) {
	exec, ok := q.executions[out.id]
	if !ok || exec.Status != engine.ExecRunning {
		return
	}
	delete(q.running, out.id)
	telemetry.Default().AddActive(q.planCtx, -1)

	elapsed := time.Since(out.start).Seconds()
	failure := ""
	switch {
	case out.err != nil:
		failure = out.err.Error()
	case out.result == nil:
		failure = "step produced no result"
	case !out.result.Success:
		failure = out.result.Error
		if failure == "" {
			failure = "backend reported failure"
		}
	default:
		if v := q.validator.ValidateStep(exec.Step, out.result); !v.IsValid {
			failure = "validation failed: " + strings.Join(v.Reasons, "; ")
		}
	}

	if failure == "" {
		now := time.Now().UTC()
		exec.Status = engine.ExecCompleted
		exec.Result = out.result
		exec.Error = ""
		exec.CompletedAt = &now
		telemetry.Default().RecordStep(q.planCtx, "completed", exec.Step.Action, elapsed)
		if q.callbacks.OnStepComplete != nil {
			q.callbacks.OnStepComplete(exec.Clone())
		}
		slog.Info("Step completed",
			slog.String("step_id", exec.ID),
			slog.String("action", exec.Step.Action),
			slog.Int("attempts", exec.Attempts),
		)
		return
	}

	exec.Result = out.result
	exec.Error = failure

	if exec.Attempts < exec.MaxAttempts && !q.aborted {
		delay := q.backoffDelay(exec.Attempts)
		next := time.Now().UTC().Add(delay)
		exec.Status = engine.ExecRetrying
		exec.NextRetryAt = &next
		telemetry.Default().RecordRetry(q.planCtx, exec.Step.Action)
		if q.callbacks.OnStepRetry != nil {
			q.callbacks.OnStepRetry(exec.Clone())
		}
		slog.Warn("Step failed, will retry",
			slog.String("step_id", exec.ID),
			slog.String("action", exec.Step.Action),
			slog.Int("attempt", exec.Attempts),
			slog.Duration("delay", delay),
			slog.String("error", failure),
		)
		return
	}

	now := time.Now().UTC()
	exec.Status = engine.ExecFailed
	exec.CompletedAt = &now
	telemetry.Default().RecordStep(q.planCtx, "failed", exec.Step.Action, elapsed)
	if q.callbacks.OnStepFailed != nil {
		q.callbacks.OnStepFailed(exec.Clone())
	}
	slog.Error("Step failed terminally",
		slog.String("step_id", exec.ID),
		slog.String("action", exec.Step.Action),
		slog.Int("attempts", exec.Attempts),
		slog.String("error", failure),
	)
}

// backoffDelay computes base × multiplier^(attempts−1) with ±25% jitter,
// capped at MaxRetryDelay.
func (q *Queue) backoffDelay(attempts int) time.Duration {
	delay := float64(q.cfg.RetryDelay)
	for i := 1; i < attempts; i++ {
		delay *= q.cfg.BackoffMultiplier
	}
	jitter := 0.75 + rand.Float64()*0.5
	d := time.Duration(delay * jitter)
	if d > q.cfg.MaxRetryDelay {
		d = q.cfg.MaxRetryDelay
	}
	return d
}

// nextRetryWait returns how long until the earliest retrying step is due.
func (q *Queue) nextRetryWait() (time.Duration, bool) {
	var earliest *time.Time
	for _, id := range q.order {
		exec := q.executions[id]
		if exec.Status == engine.ExecRetrying && exec.NextRetryAt != nil {
			if earliest == nil || exec.NextRetryAt.Before(*earliest) {
				earliest = exec.NextRetryAt
			}
		}
	}
	if earliest == nil {
		return 0, false
	}
	wait := time.Until(*earliest)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// checkQueueEmpty emits OnQueueEmpty once nothing is running, nothing is
// retrying, and no pending step can ever become eligible.
func (q *Queue) checkQueueEmpty() {
	if q.planID == "" || len(q.running) > 0 {
		return
	}
	for _, id := range q.order {
		exec := q.executions[id]
		switch exec.Status {
		case engine.ExecRetrying:
			return
		case engine.ExecPending:
			if !q.permanentlyBlocked(exec, make(map[string]bool)) {
				return
			}
		}
	}

	planID := q.planID
	blocked := 0
	for _, id := range q.order {
		if q.executions[id].Status == engine.ExecPending {
			blocked++
		}
	}
	q.planID = ""
	q.planCtx = nil

	slog.Info("Queue empty",
		slog.String("plan_id", planID),
		slog.Int("blocked_steps", blocked),
	)
	if q.callbacks.OnQueueEmpty != nil {
		q.callbacks.OnQueueEmpty(planID)
	}
}

// permanentlyBlocked reports whether a pending step can never run: some
// dependency failed terminally, or is itself permanently blocked.
func (q *Queue) permanentlyBlocked(exec *engine.QueuedExecution, seen map[string]bool) bool {
	if seen[exec.ID] {
		// Dependency cycle; can never run.
		return true
	}
	seen[exec.ID] = true
	for _, dep := range exec.Step.Dependencies {
		d, ok := q.executions[dep]
		if !ok {
			return true
		}
		switch d.Status {
		case engine.ExecFailed:
			return true
		case engine.ExecPending:
			if q.permanentlyBlocked(d, seen) {
				return true
			}
		}
	}
	return false
}
