// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/aura/services/assistant/engine"
	"github.com/AleutianAI/aura/services/assistant/validation"
)

// testConfig returns a fast policy so retry paths complete in
// milliseconds.
func testConfig() Config {
	return Config{
		MaxConcurrent:     3,
		MaxAttempts:       3,
		RetryDelay:        5 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxRetryDelay:     50 * time.Millisecond,
	}
}

// recorder collects callback snapshots for assertions.
type recorder struct {
	mu        sync.Mutex
	started   []string
	completed []string
	failed    []string
	retried   []string
	empty     []string
	emptyCh   chan string
}

func newRecorder() *recorder {
	return &recorder{emptyCh: make(chan string, 4)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStepStart: func(e *engine.QueuedExecution) {
			r.mu.Lock()
			r.started = append(r.started, e.ID)
			r.mu.Unlock()
		},
		OnStepComplete: func(e *engine.QueuedExecution) {
			r.mu.Lock()
			r.completed = append(r.completed, e.ID)
			r.mu.Unlock()
		},
		OnStepFailed: func(e *engine.QueuedExecution) {
			r.mu.Lock()
			r.failed = append(r.failed, e.ID)
			r.mu.Unlock()
		},
		OnStepRetry: func(e *engine.QueuedExecution) {
			r.mu.Lock()
			r.retried = append(r.retried, e.ID)
			r.mu.Unlock()
		},
		OnQueueEmpty: func(planID string) {
			r.mu.Lock()
			r.empty = append(r.empty, planID)
			r.mu.Unlock()
			r.emptyCh <- planID
		},
	}
}

func (r *recorder) waitEmpty(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.emptyCh:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("queue never reported empty")
		return ""
	}
}

func (r *recorder) snapshot() (started, completed, failed, retried, empty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...),
		append([]string(nil), r.completed...),
		append([]string(nil), r.failed...),
		append([]string(nil), r.retried...),
		append([]string(nil), r.empty...)
}

func okResult() *engine.ToolResult {
	return &engine.ToolResult{Success: true, Data: map[string]any{"ok": true}}
}

func plan(steps ...engine.PlanStep) *engine.Plan {
	return &engine.Plan{ID: "plan-1", Steps: steps}
}

func step(id string, deps ...string) engine.PlanStep {
	return engine.PlanStep{
		ID:           id,
		Type:         engine.StepComputation,
		Action:       "answer_query",
		Dependencies: deps,
	}
}

func TestQueueRunsStepsInDependencyOrder(t *testing.T) {
	rec := newRecorder()
	var order []string
	var mu sync.Mutex

	execute := func(_ context.Context, s engine.PlanStep) (*engine.ToolResult, error) {
		mu.Lock()
		order = append(order, s.ID)
		mu.Unlock()
		return okResult(), nil
	}

	q, err := New(testConfig(), execute, validation.NewValidator(), rec.callbacks())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Stop()

	// c depends on b depends on a.
	if err := q.AddPlan(context.Background(), plan(step("a"), step("b", "a"), step("c", "b"))); err != nil {
		t.Fatalf("AddPlan() error = %v", err)
	}
	rec.waitEmpty(t)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("executed %v, want %v", order, want)
	}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("execution order[%d] = %s, want %s", i, order[i], id)
		}
	}
}

func TestQueueRetriesTransientFailureToSuccess(t *testing.T) {
	rec := newRecorder()
	var calls atomic.Int32

	execute := func(_ context.Context, _ engine.PlanStep) (*engine.ToolResult, error) {
		if calls.Add(1) < 3 {
			return &engine.ToolResult{Success: false, Error: "transient"}, nil
		}
		return okResult(), nil
	}

	q, err := New(testConfig(), execute, validation.NewValidator(), rec.callbacks())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Stop()

	if err := q.AddPlan(context.Background(), plan(step("a"))); err != nil {
		t.Fatalf("AddPlan() error = %v", err)
	}
	rec.waitEmpty(t)

	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	_, completed, failed, retried, _ := rec.snapshot()
	if len(completed) != 1 || completed[0] != "a" {
		t.Errorf("completed = %v, want [a]", completed)
	}
	if len(failed) != 0 {
		t.Errorf("failed = %v, want none", failed)
	}
	if len(retried) != 2 {
		t.Errorf("retries = %d, want 2", len(retried))
	}
}

func TestQueueFailsTerminallyAfterAttemptBudget(t *testing.T) {
	rec := newRecorder()
	execute := func(_ context.Context, _ engine.PlanStep) (*engine.ToolResult, error) {
		return nil, errors.New("backend down")
	}

	q, err := New(testConfig(), execute, validation.NewValidator(), rec.callbacks())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Stop()

	if err := q.AddPlan(context.Background(), plan(step("a"))); err != nil {
		t.Fatalf("AddPlan() error = %v", err)
	}
	rec.waitEmpty(t)

	started, completed, failed, retried, _ := rec.snapshot()
	if len(started) != 3 {
		t.Errorf("starts = %d, want 3 (one per attempt)", len(started))
	}
	if len(retried) != 2 {
		t.Errorf("retries = %d, want 2", len(retried))
	}
	if len(failed) != 1 {
		t.Errorf("failed = %v, want exactly one", failed)
	}
	if len(completed) != 0 {
		t.Errorf("completed = %v, want none", completed)
	}
}

func TestQueueStarvesDependentsOfFailedStep(t *testing.T) {
	rec := newRecorder()
	execute := func(_ context.Context, s engine.PlanStep) (*engine.ToolResult, error) {
		if s.ID == "a" {
			return &engine.ToolResult{Success: false, Error: "always fails"}, nil
		}
		return okResult(), nil
	}

	q, err := New(testConfig(), execute, validation.NewValidator(), rec.callbacks())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Stop()

	// b and c hang off the failing a; d is independent and must still run.
	p := plan(step("a"), step("b", "a"), step("c", "b"), step("d"))
	if err := q.AddPlan(context.Background(), p); err != nil {
		t.Fatalf("AddPlan() error = %v", err)
	}
	planID := rec.waitEmpty(t)

	if planID != "plan-1" {
		t.Errorf("queue-empty plan = %s, want plan-1", planID)
	}
	started, completed, failed, _, empty := rec.snapshot()
	for _, id := range started {
		if id == "b" || id == "c" {
			t.Errorf("dependent %s of failed step was started", id)
		}
	}
	if len(completed) != 1 || completed[0] != "d" {
		t.Errorf("completed = %v, want [d]", completed)
	}
	// The blocked dependents are not reported as failures of their own.
	if len(failed) != 1 || failed[0] != "a" {
		t.Errorf("failed = %v, want [a]", failed)
	}
	if len(empty) != 1 {
		t.Errorf("queue-empty fired %d times, want exactly once", len(empty))
	}
}

func TestQueueAbortSkipsUnstartedSteps(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	rec := newRecorder()

	inFlight := make(chan struct{})
	release := make(chan struct{})
	execute := func(_ context.Context, s engine.PlanStep) (*engine.ToolResult, error) {
		if s.ID == "a" {
			close(inFlight)
			<-release
		}
		return okResult(), nil
	}

	q, err := New(cfg, execute, validation.NewValidator(), rec.callbacks())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Stop()

	if err := q.AddPlan(context.Background(), plan(step("a"), step("b"), step("c"))); err != nil {
		t.Fatalf("AddPlan() error = %v", err)
	}
	<-inFlight

	if !q.Abort("plan-1") {
		t.Error("Abort(plan-1) = false, want true while the plan is active")
	}
	if q.Abort("plan-other") {
		t.Error("Abort(plan-other) = true, want false for a stale plan ID")
	}
	close(release)
	rec.waitEmpty(t)

	started, completed, failed, _, _ := rec.snapshot()
	if len(started) != 1 || started[0] != "a" {
		t.Errorf("started = %v, want only [a]", started)
	}
	if len(completed) != 1 || completed[0] != "a" {
		t.Errorf("completed = %v, want the in-flight [a] to settle normally", completed)
	}
	if len(failed) != 2 {
		t.Errorf("failed = %v, want the unstarted [b c]", failed)
	}

	// An aborted queue drains clean and accepts the next plan.
	if err := q.AddPlan(context.Background(), &engine.Plan{ID: "plan-2", Steps: []engine.PlanStep{step("x")}}); err != nil {
		t.Fatalf("AddPlan() after abort error = %v", err)
	}
	rec.waitEmpty(t)
	_, completed, _, _, _ = rec.snapshot()
	if len(completed) != 2 || completed[1] != "x" {
		t.Errorf("completed after new plan = %v, want [a x]", completed)
	}
}

func TestQueueAbortSuppressesRetryOfInFlightStep(t *testing.T) {
	rec := newRecorder()
	var calls atomic.Int32
	inFlight := make(chan struct{})
	release := make(chan struct{})
	execute := func(_ context.Context, _ engine.PlanStep) (*engine.ToolResult, error) {
		if calls.Add(1) == 1 {
			close(inFlight)
		}
		<-release
		return nil, errors.New("backend down")
	}

	q, err := New(testConfig(), execute, validation.NewValidator(), rec.callbacks())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Stop()

	if err := q.AddPlan(context.Background(), plan(step("a"))); err != nil {
		t.Fatalf("AddPlan() error = %v", err)
	}
	<-inFlight
	if !q.Abort("plan-1") {
		t.Fatal("Abort(plan-1) = false, want true")
	}
	close(release)
	rec.waitEmpty(t)

	started, _, failed, retried, _ := rec.snapshot()
	if len(started) != 1 {
		t.Errorf("starts = %d, want 1 (no retry attempts after abort)", len(started))
	}
	if len(retried) != 0 {
		t.Errorf("retried = %v, want none", retried)
	}
	if len(failed) != 1 || failed[0] != "a" {
		t.Errorf("failed = %v, want [a]", failed)
	}
}

func TestQueueRespectsConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	rec := newRecorder()

	var inFlight, peak atomic.Int32
	execute := func(_ context.Context, _ engine.PlanStep) (*engine.ToolResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return okResult(), nil
	}

	q, err := New(cfg, execute, validation.NewValidator(), rec.callbacks())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Stop()

	p := plan(step("a"), step("b"), step("c"), step("d"), step("e"))
	if err := q.AddPlan(context.Background(), p); err != nil {
		t.Fatalf("AddPlan() error = %v", err)
	}
	rec.waitEmpty(t)

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
	_, completed, _, _, _ := rec.snapshot()
	if len(completed) != 5 {
		t.Errorf("completed = %d steps, want 5", len(completed))
	}
}

func TestQueueRejectsSecondPlanWhileDraining(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	execute := func(_ context.Context, _ engine.PlanStep) (*engine.ToolResult, error) {
		<-release
		return okResult(), nil
	}

	q, err := New(testConfig(), execute, validation.NewValidator(), rec.callbacks())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Stop()

	if err := q.AddPlan(context.Background(), plan(step("a"))); err != nil {
		t.Fatalf("AddPlan() error = %v", err)
	}
	err = q.AddPlan(context.Background(), &engine.Plan{ID: "plan-2", Steps: []engine.PlanStep{step("x")}})
	if !errors.Is(err, ErrPlanActive) {
		t.Errorf("second AddPlan() error = %v, want ErrPlanActive", err)
	}
	close(release)
	rec.waitEmpty(t)

	// A drained queue accepts the next plan.
	if err := q.AddPlan(context.Background(), &engine.Plan{ID: "plan-3", Steps: []engine.PlanStep{step("y")}}); err != nil {
		t.Errorf("AddPlan() after drain error = %v", err)
	}
	rec.waitEmpty(t)
}

func TestQueueRejectsEmptyPlanAndStoppedQueue(t *testing.T) {
	rec := newRecorder()
	q, err := New(testConfig(), func(_ context.Context, _ engine.PlanStep) (*engine.ToolResult, error) {
		return okResult(), nil
	}, validation.NewValidator(), rec.callbacks())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := q.AddPlan(context.Background(), &engine.Plan{ID: "p"}); !errors.Is(err, engine.ErrEmptyPlan) {
		t.Errorf("AddPlan(empty) error = %v, want ErrEmptyPlan", err)
	}

	q.Stop()
	if err := q.AddPlan(context.Background(), plan(step("a"))); !errors.Is(err, engine.ErrQueueStopped) {
		t.Errorf("AddPlan() after Stop error = %v, want ErrQueueStopped", err)
	}
}

func TestQueueInvalidResultTriggersRetry(t *testing.T) {
	rec := newRecorder()
	var calls atomic.Int32

	// Successful results with a bogus temperature must be treated as
	// failures by the validator and retried.
	execute := func(_ context.Context, _ engine.PlanStep) (*engine.ToolResult, error) {
		n := calls.Add(1)
		temp := 250.0
		if n >= 2 {
			temp = 21.0
		}
		return &engine.ToolResult{
			Success: true,
			Data: map[string]any{
				"weather": map[string]any{"temperature": temp, "description": "clear"},
			},
		}, nil
	}

	q, err := New(testConfig(), execute, validation.NewValidator(), rec.callbacks())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Stop()

	weather := engine.PlanStep{ID: "w", Type: engine.StepAPI, Action: "get_weather"}
	if err := q.AddPlan(context.Background(), plan(weather)); err != nil {
		t.Fatalf("AddPlan() error = %v", err)
	}
	rec.waitEmpty(t)

	if got := calls.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	_, completed, _, retried, _ := rec.snapshot()
	if len(completed) != 1 {
		t.Errorf("completed = %v, want [w]", completed)
	}
	if len(retried) != 1 {
		t.Errorf("retries = %d, want 1", len(retried))
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	q := &Queue{cfg: Config{
		RetryDelay:        100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxRetryDelay:     300 * time.Millisecond,
	}}

	for i := 0; i < 50; i++ {
		first := q.backoffDelay(1)
		if first < 75*time.Millisecond || first > 125*time.Millisecond {
			t.Fatalf("backoffDelay(1) = %s, want within ±25%% of 100ms", first)
		}
		second := q.backoffDelay(2)
		if second < 150*time.Millisecond || second > 250*time.Millisecond {
			t.Fatalf("backoffDelay(2) = %s, want within ±25%% of 200ms", second)
		}
		if capped := q.backoffDelay(5); capped > 300*time.Millisecond {
			t.Fatalf("backoffDelay(5) = %s, want capped at 300ms", capped)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero concurrency", mutate: func(c *Config) { c.MaxConcurrent = 0 }, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.MaxAttempts = 0 }, wantErr: true},
		{name: "zero retry delay", mutate: func(c *Config) { c.RetryDelay = 0 }, wantErr: true},
		{name: "shrinking backoff", mutate: func(c *Config) { c.BackoffMultiplier = 0.5 }, wantErr: true},
		{name: "cap below base", mutate: func(c *Config) { c.MaxRetryDelay = c.RetryDelay / 2 }, wantErr: true},
		{name: "negative step timeout", mutate: func(c *Config) { c.StepTimeout = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
