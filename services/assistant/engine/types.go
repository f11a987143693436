// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine defines the shared data model for the Aura conversational
// task-execution core.
//
// The types here are deliberately dependency-free: every other assistant
// package (planner, queue, executor, session, summary) imports engine, never
// the other way around. Status enums are typed strings with validity maps so
// persisted records can be checked on load, matching the convention used
// throughout the Aleutian services.
package engine

import (
	"time"
)

// EntryType identifies who produced a conversation context entry.
type EntryType string

const (
	// EntryUser is a turn produced by the end user.
	EntryUser EntryType = "user"

	// EntryAssistant is a turn produced by the assistant.
	EntryAssistant EntryType = "assistant"

	// EntrySystem is an internally generated turn (status notes, errors).
	EntrySystem EntryType = "system"
)

// ValidEntryTypes is the set of accepted context entry types.
var ValidEntryTypes = map[EntryType]bool{
	EntryUser:      true,
	EntryAssistant: true,
	EntrySystem:    true,
}

// ContextEntry is one turn of conversation history.
//
// Entries are immutable once created: the history store hands out copies and
// never mutates a stored entry (see history.Store).
type ContextEntry struct {
	ID        string            `json:"id"`
	Type      EntryType         `json:"type"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StepType categorizes how a plan step is executed.
type StepType string

const (
	// StepSkill invokes a named skill backend (timers, notes, ...).
	StepSkill StepType = "skill"

	// StepAPI invokes a remote information API (weather, ...).
	StepAPI StepType = "api"

	// StepSearch invokes a search backend.
	StepSearch StepType = "search"

	// StepComputation is answered locally without a backend call.
	StepComputation StepType = "computation"
)

// ValidStepTypes is the set of accepted plan step types.
var ValidStepTypes = map[StepType]bool{
	StepSkill:       true,
	StepAPI:         true,
	StepSearch:      true,
	StepComputation: true,
}

// PlanStep is one unit of work within a Plan.
//
// Dependencies reference step IDs within the same plan. The planner is
// responsible for producing acyclic dependency sets; the queue does not
// cycle-detect (see the queue package documentation).
type PlanStep struct {
	ID           string         `json:"id"`
	Type         StepType       `json:"type"`
	Action       string         `json:"action"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// Plan is an ordered set of steps produced by the planner.
//
// A Plan is created once and read-only afterward; it is owned by the
// execution session for the session's lifetime.
type Plan struct {
	ID                string        `json:"id"`
	Steps             []PlanStep    `json:"steps"`
	Summary           string        `json:"summary"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
}

// ToolResult is the normalized outcome of a single step attempt.
//
// Backend failures are absorbed into Success=false results rather than Go
// errors so the queue's accounting always sees exactly one result per
// attempt.
type ToolResult struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ExecStatus is the lifecycle status of a queued execution.
type ExecStatus string

const (
	// ExecPending means the step is waiting on dependencies or capacity.
	ExecPending ExecStatus = "pending"

	// ExecRunning means the step's execute call is in flight.
	ExecRunning ExecStatus = "running"

	// ExecCompleted means the step finished with a validated success.
	ExecCompleted ExecStatus = "completed"

	// ExecFailed means the step exhausted its attempts (terminal).
	ExecFailed ExecStatus = "failed"

	// ExecRetrying means the step failed and is waiting for its backoff
	// delay to elapse before re-entering running.
	ExecRetrying ExecStatus = "retrying"
)

// ValidExecTransitions enumerates the legal execution status transitions.
//
// pending → running is the only entry path; retrying → running is the only
// re-entry path. completed and failed are terminal.
var ValidExecTransitions = map[ExecStatus][]ExecStatus{
	ExecPending:   {ExecRunning},
	ExecRunning:   {ExecCompleted, ExecRetrying, ExecFailed},
	ExecRetrying:  {ExecRunning},
	ExecCompleted: {},
	ExecFailed:    {},
}

// String returns the status as a string.
func (s ExecStatus) String() string {
	return string(s)
}

// IsTerminal returns true for completed or failed.
func (s ExecStatus) IsTerminal() bool {
	return s == ExecCompleted || s == ExecFailed
}

// CanTransition reports whether moving from s to next is legal.
func (s ExecStatus) CanTransition(next ExecStatus) bool {
	for _, allowed := range ValidExecTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// QueuedExecution tracks one plan step through the execution queue.
//
// The record is owned and mutated exclusively by the queue's scheduler
// goroutine while pending, running, or retrying. Every other component
// (session store, validator, summarizer) receives deep-copy snapshots via
// Clone. Once terminal it becomes append-only history in the session store.
type QueuedExecution struct {
	ID          string      `json:"id"`
	PlanID      string      `json:"planId"`
	Step        PlanStep    `json:"step"`
	Status      ExecStatus  `json:"status"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"maxAttempts"`
	Result      *ToolResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	NextRetryAt *time.Time  `json:"nextRetryAt,omitempty"`
}

// Clone returns a deep copy safe to hand outside the queue.
func (e *QueuedExecution) Clone() *QueuedExecution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Step = clonePlanStep(e.Step)
	if e.Result != nil {
		r := *e.Result
		r.Data = cloneAnyMap(e.Result.Data)
		r.Metadata = cloneAnyMap(e.Result.Metadata)
		cp.Result = &r
	}
	cp.StartedAt = cloneTime(e.StartedAt)
	cp.CompletedAt = cloneTime(e.CompletedAt)
	cp.NextRetryAt = cloneTime(e.NextRetryAt)
	return &cp
}

// SessionStatus is the lifecycle status of an execution session.
type SessionStatus string

const (
	// SessionRunning is the initial and only non-terminal status.
	SessionRunning SessionStatus = "running"

	// SessionCompleted means the plan run finished and was summarized.
	SessionCompleted SessionStatus = "completed"

	// SessionFailed means the plan run finished with zero successes.
	SessionFailed SessionStatus = "failed"

	// SessionCancelled means the run was cancelled before completion.
	SessionCancelled SessionStatus = "cancelled"
)

// ValidSessionStatuses is the set of accepted session statuses.
var ValidSessionStatuses = map[SessionStatus]bool{
	SessionRunning:   true,
	SessionCompleted: true,
	SessionFailed:    true,
	SessionCancelled: true,
}

// String returns the status as a string.
func (s SessionStatus) String() string {
	return string(s)
}

// IsTerminal returns true for any status other than running.
func (s SessionStatus) IsTerminal() bool {
	return s != SessionRunning
}

// ExecutionSession is the durable record of one plan run.
//
// Exactly one session may be running at a time (executor-enforced). The
// session store is the single writer of session state; readers receive
// snapshots via Clone.
type ExecutionSession struct {
	ID          string            `json:"id"`
	PlanID      string            `json:"planId"`
	Plan        *Plan             `json:"plan,omitempty"`
	Status      SessionStatus     `json:"status"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Executions  []QueuedExecution `json:"executions"`
	Summary     *ExecutionSummary `json:"summary,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *ExecutionSession) Clone() *ExecutionSession {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Plan != nil {
		p := *s.Plan
		p.Steps = make([]PlanStep, len(s.Plan.Steps))
		for i, st := range s.Plan.Steps {
			p.Steps[i] = clonePlanStep(st)
		}
		cp.Plan = &p
	}
	cp.CompletedAt = cloneTime(s.CompletedAt)
	cp.Executions = make([]QueuedExecution, len(s.Executions))
	for i := range s.Executions {
		cp.Executions[i] = *s.Executions[i].Clone()
	}
	if s.Summary != nil {
		sum := s.Summary.Clone()
		cp.Summary = sum
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Execution returns the session's execution with the given ID, or nil.
func (s *ExecutionSession) Execution(id string) *QueuedExecution {
	for i := range s.Executions {
		if s.Executions[i].ID == id {
			return &s.Executions[i]
		}
	}
	return nil
}

// SummaryStatus is the overall outcome of a plan run.
type SummaryStatus string

const (
	// SummarySuccess means every step completed successfully.
	SummarySuccess SummaryStatus = "success"

	// SummaryPartial means some but not all steps succeeded.
	SummaryPartial SummaryStatus = "partial"

	// SummaryFailed means no step succeeded.
	SummaryFailed SummaryStatus = "failed"
)

// Importance tiers a step summary for display ordering.
type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceMedium Importance = "medium"
	ImportanceLow    Importance = "low"
)

// StepSummary is the per-step portion of an ExecutionSummary.
type StepSummary struct {
	StepID      string     `json:"stepId"`
	Action      string     `json:"action"`
	DisplayName string     `json:"displayName"`
	Category    string     `json:"category"`
	Importance  Importance `json:"importance"`
	Success     bool       `json:"success"`
	Message     string     `json:"message"`
	Error       string     `json:"error,omitempty"`
}

// ExecutionSummary is the user-facing digest of a finished session.
//
// Derived once by the summarizer and never mutated afterward.
type ExecutionSummary struct {
	PlanID              string        `json:"planId"`
	PlanName            string        `json:"planName"`
	Status              SummaryStatus `json:"status"`
	TotalSteps          int           `json:"totalSteps"`
	CompletedSteps      int           `json:"completedSteps"`
	FailedSteps         int           `json:"failedSteps"`
	ExecutionTime       time.Duration `json:"executionTime"`
	UserFriendlyMessage string        `json:"userFriendlyMessage"`
	DetailedResults     []StepSummary `json:"detailedResults"`
	ActionableItems     []string      `json:"actionableItems,omitempty"`
	NextSteps           []string      `json:"nextSteps,omitempty"`
}

// Clone returns a deep copy of the summary.
func (s *ExecutionSummary) Clone() *ExecutionSummary {
	if s == nil {
		return nil
	}
	cp := *s
	cp.DetailedResults = append([]StepSummary(nil), s.DetailedResults...)
	cp.ActionableItems = append([]string(nil), s.ActionableItems...)
	cp.NextSteps = append([]string(nil), s.NextSteps...)
	return &cp
}

func clonePlanStep(st PlanStep) PlanStep {
	cp := st
	cp.Parameters = cloneAnyMap(st.Parameters)
	cp.Dependencies = append([]string(nil), st.Dependencies...)
	return cp
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			cp[k] = cloneAnyMap(vv)
		case []any:
			s := make([]any, len(vv))
			for i, e := range vv {
				if em, ok := e.(map[string]any); ok {
					s[i] = cloneAnyMap(em)
				} else {
					s[i] = e
				}
			}
			cp[k] = s
		default:
			cp[k] = v
		}
	}
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
