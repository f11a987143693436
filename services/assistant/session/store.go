// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session is the durable store of execution sessions.
//
// A session is the record of one plan run: the plan, every execution's
// latest snapshot, and the final summary. The store is the single writer
// of session state; all reads hand out deep-copy clones. Sessions are
// persisted per-ID to BadgerDB when a database is configured and reloaded
// with a freshness window on startup, so terminal history survives a
// restart but stale state does not.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/aura/services/assistant/engine"
	"github.com/AleutianAI/aura/services/assistant/storage/badger"
)

// sessionKeyPrefix namespaces session blobs in BadgerDB.
const sessionKeyPrefix = "aura/session/"

// Listener observes session changes. It receives a deep-copy snapshot
// and may not block for long: listeners run synchronously on the
// mutating goroutine, outside the store lock.
type Listener func(session *engine.ExecutionSession)

// Config holds session store configuration.
type Config struct {
	// DB is the persistence backend. Nil keeps the store memory-only.
	DB *badger.DB

	// RetentionDays is how long terminal sessions are kept before the
	// sweeper removes them.
	RetentionDays int

	// MaxSessions caps the number of retained sessions. When exceeded
	// the sweeper evicts the oldest terminal sessions first.
	MaxSessions int

	// SweepInterval is how often the retention sweeper runs. Set to 0
	// to disable background sweeping (Sweep can still be called
	// directly).
	SweepInterval time.Duration

	// Freshness bounds how old a persisted session may be to be
	// reloaded on startup.
	Freshness time.Duration
}

// DefaultConfig returns the production defaults: 7-day retention, at
// most 100 sessions, hourly sweeps, 24-hour reload freshness.
func DefaultConfig() Config {
	return Config{
		RetentionDays: 7,
		MaxSessions:   100,
		SweepInterval: time.Hour,
		Freshness:     24 * time.Hour,
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive, got %d", c.RetentionDays)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep interval must be non-negative, got %s", c.SweepInterval)
	}
	if c.Freshness < 0 {
		return fmt.Errorf("freshness must be non-negative, got %s", c.Freshness)
	}
	return nil
}

// Stats summarizes the store's contents.
type Stats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	// SuccessRate is Completed over Total. Zero when the store is empty.
	SuccessRate float64 `json:"successRate"`

	// AvgExecutionTime averages started-to-completed over completed
	// sessions only.
	AvgExecutionTime time.Duration `json:"avgExecutionTime"`
}

// Store tracks execution sessions in memory with optional BadgerDB
// persistence.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*engine.ExecutionSession
	closed   bool

	listenerMu sync.RWMutex
	listeners  []Listener

	stopSweep chan struct{}
	doneSweep chan struct{}
}

// NewStore creates a session store.
//
// Description:
//
//	Reloads any persisted sessions newer than cfg.Freshness. Sessions
//	persisted mid-run come back as cancelled: the process that was
//	driving them is gone, so "running" would be a lie. Starts the
//	retention sweeper when SweepInterval is positive.
//
// Inputs:
//
//	cfg - Store configuration. Must validate.
//
// Outputs:
//
//	*Store - The ready store. Caller must Close it.
//	error - Non-nil if cfg is invalid or the reload fails.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session store config: %w", err)
	}

	s := &Store{
		cfg:      cfg,
		sessions: make(map[string]*engine.ExecutionSession),
	}

	if cfg.DB != nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("load persisted sessions: %w", err)
		}
	}

	if cfg.SweepInterval > 0 {
		s.stopSweep = make(chan struct{})
		s.doneSweep = make(chan struct{})
		go s.sweepLoop()
	}
	return s, nil
}

// Close stops the sweeper. The store remains readable but rejects writes.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.stopSweep != nil {
		close(s.stopSweep)
		<-s.doneSweep
	}
	return nil
}

// AddListener registers a change listener.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) AddListener(l Listener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// StartSession creates a new running session for the plan.
//
// Inputs:
//
//	plan - The plan to run. Must not be nil or empty.
//
// Outputs:
//
//	*engine.ExecutionSession - A snapshot of the created session.
//	error - engine.ErrEmptyPlan or engine.ErrStoreClosed.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) StartSession(plan *engine.Plan) (*engine.ExecutionSession, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, engine.ErrEmptyPlan
	}

	sess := &engine.ExecutionSession{
		ID:        uuid.NewString(),
		PlanID:    plan.ID,
		Plan:      plan,
		Status:    engine.SessionRunning,
		StartedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, engine.ErrStoreClosed
	}
	s.sessions[sess.ID] = sess
	snapshot := sess.Clone()
	s.mu.Unlock()

	s.persist(snapshot)
	s.notify(snapshot)

	slog.Info("Execution session started",
		slog.String("session_id", sess.ID),
		slog.String("plan_id", plan.ID),
		slog.Int("steps", len(plan.Steps)),
	)
	return snapshot, nil
}

// AddExecution upserts one execution snapshot into the session, keyed by
// execution ID. The queue calls this on every status change, so repeated
// calls for the same execution replace the previous snapshot.
//
// Outputs:
//
//	error - engine.ErrSessionNotFound, engine.ErrSessionTerminal, or
//	        engine.ErrStoreClosed.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) AddExecution(sessionID string, exec *engine.QueuedExecution) error {
	if exec == nil {
		return errors.New("execution must not be nil")
	}

	s.mu.Lock()
	snapshot, err := s.upsertLocked(sessionID, exec)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.persist(snapshot)
	s.notify(snapshot)
	return nil
}

func (s *Store) upsertLocked(sessionID string, exec *engine.QueuedExecution) (*engine.ExecutionSession, error) {
	if s.closed {
		return nil, engine.ErrStoreClosed
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, engine.ErrSessionNotFound
	}
	if sess.Status.IsTerminal() {
		return nil, engine.ErrSessionTerminal
	}

	cp := exec.Clone()
	if existing := sess.Execution(cp.ID); existing != nil {
		*existing = *cp
	} else {
		sess.Executions = append(sess.Executions, *cp)
	}
	return sess.Clone(), nil
}

// CompleteSession marks the session terminal and attaches its summary.
//
// Description:
//
//	The session's final status follows the summary: a failed summary
//	yields a failed session, anything else a completed one.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) CompleteSession(sessionID string, summary *engine.ExecutionSummary) error {
	status := engine.SessionCompleted
	if summary != nil && summary.Status == engine.SummaryFailed {
		status = engine.SessionFailed
	}
	return s.finish(sessionID, status, summary)
}

// CancelSession marks a running session cancelled.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) CancelSession(sessionID string) error {
	return s.finish(sessionID, engine.SessionCancelled, nil)
}

func (s *Store) finish(sessionID string, status engine.SessionStatus, summary *engine.ExecutionSummary) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return engine.ErrStoreClosed
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return engine.ErrSessionNotFound
	}
	if sess.Status.IsTerminal() {
		s.mu.Unlock()
		return engine.ErrSessionTerminal
	}

	now := time.Now().UTC()
	sess.Status = status
	sess.CompletedAt = &now
	if summary != nil {
		sess.Summary = summary.Clone()
	}
	snapshot := sess.Clone()
	s.mu.Unlock()

	s.persist(snapshot)
	s.notify(snapshot)

	slog.Info("Execution session finished",
		slog.String("session_id", sessionID),
		slog.String("status", status.String()),
	)
	return nil
}

// Session returns a snapshot of the session with the given ID.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Session(id string) (*engine.ExecutionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, engine.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// SessionForPlan returns the most recent session for the plan ID.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) SessionForPlan(planID string) (*engine.ExecutionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *engine.ExecutionSession
	for _, sess := range s.sessions {
		if sess.PlanID != planID {
			continue
		}
		if best == nil || sess.StartedAt.After(best.StartedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, engine.ErrSessionNotFound
	}
	return best.Clone(), nil
}

// Sessions returns snapshots of all sessions, newest first.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Sessions() []*engine.ExecutionSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*engine.ExecutionSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Stats returns counts by session status.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.sessions)}
	var completedTime time.Duration
	var timed int
	for _, sess := range s.sessions {
		switch sess.Status {
		case engine.SessionRunning:
			st.Running++
		case engine.SessionCompleted:
			st.Completed++
			if sess.CompletedAt != nil {
				completedTime += sess.CompletedAt.Sub(sess.StartedAt)
				timed++
			}
		case engine.SessionFailed:
			st.Failed++
		case engine.SessionCancelled:
			st.Cancelled++
		}
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Completed) / float64(st.Total)
	}
	if timed > 0 {
		st.AvgExecutionTime = completedTime / time.Duration(timed)
	}
	return st
}

// Sweep applies the retention policy once.
//
// Description:
//
//	Removes terminal sessions older than RetentionDays, then evicts the
//	oldest terminal sessions until at most MaxSessions remain. Running
//	sessions are never removed, even when the store is over capacity.
//
// Outputs:
//
//	int - The number of sessions removed.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Sweep() int {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

	s.mu.Lock()
	var removed []string
	for id, sess := range s.sessions {
		if sess.Status.IsTerminal() && sess.StartedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}

	if over := len(s.sessions) - s.cfg.MaxSessions; over > 0 {
		terminal := make([]*engine.ExecutionSession, 0, len(s.sessions))
		for _, sess := range s.sessions {
			if sess.Status.IsTerminal() {
				terminal = append(terminal, sess)
			}
		}
		sort.Slice(terminal, func(i, j int) bool {
			return terminal[i].StartedAt.Before(terminal[j].StartedAt)
		})
		for i := 0; i < over && i < len(terminal); i++ {
			delete(s.sessions, terminal[i].ID)
			removed = append(removed, terminal[i].ID)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.unpersist(id)
	}
	if len(removed) > 0 {
		slog.Info("Session retention sweep removed sessions",
			slog.Int("removed", len(removed)),
		)
	}
	return len(removed)
}

func (s *Store) sweepLoop() {
	defer close(s.doneSweep)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// load reloads persisted sessions, dropping stale or unreadable blobs.
func (s *Store) load() error {
	keys, err := s.cfg.DB.Keys(sessionKeyPrefix)
	if err != nil {
		return err
	}

	loaded := 0
	for _, key := range keys {
		var sess engine.ExecutionSession
		err := s.cfg.DB.GetJSON(key, &sess, s.cfg.Freshness)
		if err != nil {
			if errors.Is(err, badger.ErrBlobStale) || errors.Is(err, badger.ErrBlobNotFound) {
				continue
			}
			slog.Warn("Dropping unreadable session blob",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			if delErr := s.cfg.DB.Delete(key); delErr != nil {
				slog.Warn("Failed to delete unreadable session blob",
					slog.String("key", key),
					slog.String("error", delErr.Error()),
				)
			}
			continue
		}
		if !engine.ValidSessionStatuses[sess.Status] {
			continue
		}
		// The process that was driving a running session is gone.
		if sess.Status == engine.SessionRunning {
			now := time.Now().UTC()
			sess.Status = engine.SessionCancelled
			sess.CompletedAt = &now
		}
		s.sessions[sess.ID] = &sess
		loaded++
	}

	if loaded > 0 {
		slog.Info("Reloaded persisted sessions", slog.Int("sessions", loaded))
	}
	return nil
}

func (s *Store) persist(sess *engine.ExecutionSession) {
	if s.cfg.DB == nil {
		return
	}
	if err := s.cfg.DB.PutJSON(sessionKeyPrefix+sess.ID, sess); err != nil {
		slog.Warn("Failed to persist session",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) unpersist(id string) {
	if s.cfg.DB == nil {
		return
	}
	if err := s.cfg.DB.Delete(sessionKeyPrefix + id); err != nil {
		slog.Warn("Failed to delete persisted session",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) notify(sess *engine.ExecutionSession) {
	s.listenerMu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.RUnlock()

	for _, l := range listeners {
		l(sess.Clone())
	}
}
