// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aura/services/assistant/engine"
	badgerstore "github.com/AleutianAI/aura/services/assistant/storage/badger"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SweepInterval = 0 // sweeps driven explicitly in tests
	return cfg
}

func testPlan(id string) *engine.Plan {
	return &engine.Plan{
		ID:      id,
		Summary: "test plan",
		Steps: []engine.PlanStep{
			{ID: "s1", Type: engine.StepSkill, Action: "create_timer"},
		},
	}
}

func testExec(id, planID string, status engine.ExecStatus) *engine.QueuedExecution {
	return &engine.QueuedExecution{
		ID:     id,
		PlanID: planID,
		Step:   engine.PlanStep{ID: id, Type: engine.StepSkill, Action: "create_timer"},
		Status: status,
	}
}

func TestStoreSessionLifecycle(t *testing.T) {
	store, err := NewStore(testConfig())
	require.NoError(t, err)
	defer store.Close()

	sess, err := store.StartSession(testPlan("p1"))
	require.NoError(t, err)
	assert.Equal(t, engine.SessionRunning, sess.Status)
	assert.Equal(t, "p1", sess.PlanID)

	require.NoError(t, store.AddExecution(sess.ID, testExec("s1", "p1", engine.ExecRunning)))
	// Upsert: the same execution at a later status replaces the snapshot.
	require.NoError(t, store.AddExecution(sess.ID, testExec("s1", "p1", engine.ExecCompleted)))

	got, err := store.Session(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Executions, 1)
	assert.Equal(t, engine.ExecCompleted, got.Executions[0].Status)

	sum := &engine.ExecutionSummary{PlanID: "p1", Status: engine.SummarySuccess}
	require.NoError(t, store.CompleteSession(sess.ID, sum))

	got, err = store.Session(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SessionCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Summary)

	// Terminal sessions reject further writes.
	err = store.AddExecution(sess.ID, testExec("s2", "p1", engine.ExecRunning))
	assert.ErrorIs(t, err, engine.ErrSessionTerminal)
	assert.ErrorIs(t, store.CancelSession(sess.ID), engine.ErrSessionTerminal)
}

func TestStoreFailedSummaryFailsSession(t *testing.T) {
	store, err := NewStore(testConfig())
	require.NoError(t, err)
	defer store.Close()

	sess, err := store.StartSession(testPlan("p1"))
	require.NoError(t, err)

	sum := &engine.ExecutionSummary{PlanID: "p1", Status: engine.SummaryFailed}
	require.NoError(t, store.CompleteSession(sess.ID, sum))

	got, err := store.Session(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SessionFailed, got.Status)
}

func TestStoreUnknownSession(t *testing.T) {
	store, err := NewStore(testConfig())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Session("missing")
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)
	err = store.AddExecution("missing", testExec("s1", "p1", engine.ExecRunning))
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)
	assert.ErrorIs(t, store.CancelSession("missing"), engine.ErrSessionNotFound)
}

func TestStoreSessionForPlanReturnsNewest(t *testing.T) {
	store, err := NewStore(testConfig())
	require.NoError(t, err)
	defer store.Close()

	first, err := store.StartSession(testPlan("p1"))
	require.NoError(t, err)
	require.NoError(t, store.CancelSession(first.ID))

	second, err := store.StartSession(testPlan("p1"))
	require.NoError(t, err)

	got, err := store.SessionForPlan("p1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestStoreStats(t *testing.T) {
	store, err := NewStore(testConfig())
	require.NoError(t, err)
	defer store.Close()

	running, err := store.StartSession(testPlan("p1"))
	require.NoError(t, err)
	_ = running

	done, err := store.StartSession(testPlan("p2"))
	require.NoError(t, err)
	require.NoError(t, store.CompleteSession(done.ID, &engine.ExecutionSummary{Status: engine.SummarySuccess}))

	cancelled, err := store.StartSession(testPlan("p3"))
	require.NoError(t, err)
	require.NoError(t, store.CancelSession(cancelled.ID))

	// Pin the completed session's duration so the average is exact.
	store.mu.Lock()
	sess := store.sessions[done.ID]
	sess.StartedAt = sess.CompletedAt.Add(-2 * time.Second)
	store.mu.Unlock()

	st := store.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Running)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Cancelled)
	assert.InDelta(t, 1.0/3.0, st.SuccessRate, 1e-9)
	assert.Equal(t, 2*time.Second, st.AvgExecutionTime)
}

func TestStoreStatsEmpty(t *testing.T) {
	store, err := NewStore(testConfig())
	require.NoError(t, err)
	defer store.Close()

	st := store.Stats()
	assert.Zero(t, st.Total)
	assert.Zero(t, st.SuccessRate)
	assert.Zero(t, st.AvgExecutionTime)
}

func TestStoreSweepRetention(t *testing.T) {
	cfg := testConfig()
	cfg.RetentionDays = 7
	store, err := NewStore(cfg)
	require.NoError(t, err)
	defer store.Close()

	old, err := store.StartSession(testPlan("p-old"))
	require.NoError(t, err)
	require.NoError(t, store.CancelSession(old.ID))

	fresh, err := store.StartSession(testPlan("p-fresh"))
	require.NoError(t, err)
	require.NoError(t, store.CancelSession(fresh.ID))

	stale, err := store.StartSession(testPlan("p-running"))
	require.NoError(t, err)

	// Age the first terminal session and the running one past retention.
	store.mu.Lock()
	store.sessions[old.ID].StartedAt = time.Now().UTC().AddDate(0, 0, -8)
	store.sessions[stale.ID].StartedAt = time.Now().UTC().AddDate(0, 0, -8)
	store.mu.Unlock()

	removed := store.Sweep()
	assert.Equal(t, 1, removed)

	_, err = store.Session(old.ID)
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)
	_, err = store.Session(fresh.ID)
	assert.NoError(t, err)
	// Running sessions are never removed, however old.
	_, err = store.Session(stale.ID)
	assert.NoError(t, err)
}

func TestStoreSweepCapacityEvictsOldestTerminal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 2
	store, err := NewStore(cfg)
	require.NoError(t, err)
	defer store.Close()

	var ids []string
	for _, planID := range []string{"p1", "p2", "p3"} {
		sess, err := store.StartSession(testPlan(planID))
		require.NoError(t, err)
		require.NoError(t, store.CancelSession(sess.ID))
		ids = append(ids, sess.ID)
		// Distinct start times so eviction order is well defined.
		store.mu.Lock()
		store.sessions[sess.ID].StartedAt = time.Now().UTC().Add(time.Duration(len(ids)) * time.Minute)
		store.mu.Unlock()
	}

	removed := store.Sweep()
	assert.Equal(t, 1, removed)
	_, err = store.Session(ids[0])
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)
	_, err = store.Session(ids[2])
	assert.NoError(t, err)
}

func TestStorePersistenceRoundTrip(t *testing.T) {
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig()
	cfg.DB = db
	store, err := NewStore(cfg)
	require.NoError(t, err)

	done, err := store.StartSession(testPlan("p-done"))
	require.NoError(t, err)
	require.NoError(t, store.AddExecution(done.ID, testExec("s1", "p-done", engine.ExecCompleted)))
	require.NoError(t, store.CompleteSession(done.ID, &engine.ExecutionSummary{
		PlanID: "p-done",
		Status: engine.SummarySuccess,
	}))

	live, err := store.StartSession(testPlan("p-live"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reloaded, err := NewStore(cfg)
	require.NoError(t, err)
	defer reloaded.Close()

	got, err := reloaded.Session(done.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SessionCompleted, got.Status)
	require.Len(t, got.Executions, 1)
	require.NotNil(t, got.Summary)

	// A session persisted mid-run reloads as cancelled.
	got, err = reloaded.Session(live.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SessionCancelled, got.Status)
}

func TestStoreListeners(t *testing.T) {
	store, err := NewStore(testConfig())
	require.NoError(t, err)
	defer store.Close()

	var mu sync.Mutex
	var statuses []engine.SessionStatus
	store.AddListener(func(s *engine.ExecutionSession) {
		mu.Lock()
		statuses = append(statuses, s.Status)
		mu.Unlock()
	})

	sess, err := store.StartSession(testPlan("p1"))
	require.NoError(t, err)
	require.NoError(t, store.CompleteSession(sess.ID, &engine.ExecutionSummary{Status: engine.SummarySuccess}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, statuses, 2)
	assert.Equal(t, engine.SessionRunning, statuses[0])
	assert.Equal(t, engine.SessionCompleted, statuses[1])
}

func TestStoreSnapshotsAreIsolated(t *testing.T) {
	store, err := NewStore(testConfig())
	require.NoError(t, err)
	defer store.Close()

	sess, err := store.StartSession(testPlan("p1"))
	require.NoError(t, err)

	// Mutating a returned snapshot must not leak into the store.
	sess.Status = engine.SessionFailed
	sess.Plan.Steps[0].Action = "mutated"

	got, err := store.Session(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SessionRunning, got.Status)
	assert.Equal(t, "create_timer", got.Plan.Steps[0].Action)
}
