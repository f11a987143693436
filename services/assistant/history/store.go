// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history provides the bounded conversation context store.
//
// The store keeps the most recent user/assistant/system turns up to a
// configured maximum, evicting oldest-first. Entries are immutable once
// appended: callers always receive copies. With persistence enabled the
// full window is snapshotted to BadgerDB on every mutation and reloaded on
// open, subject to a freshness cutoff so a long-dead process does not
// resurrect stale conversation state.
package history

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/aura/services/assistant/engine"
	badgerstore "github.com/AleutianAI/aura/services/assistant/storage/badger"
)

// blobKey is the fixed persistence namespace for the context store.
const blobKey = "aura/context"

// Config holds configuration for the context store.
type Config struct {
	// MaxHistory bounds the number of retained entries. Oldest entries
	// are evicted FIFO beyond this bound.
	MaxHistory int

	// Freshness is the maximum age of a persisted snapshot at load.
	// Snapshots older than this are discarded. Individual entries older
	// than this are dropped even from a fresh snapshot.
	Freshness time.Duration

	// DB enables persistence when non-nil.
	DB *badgerstore.DB
}

// DefaultConfig returns a 50-entry window with a 24-hour freshness cutoff
// and no persistence.
func DefaultConfig() Config {
	return Config{
		MaxHistory: 50,
		Freshness:  24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxHistory <= 0 {
		return errors.New("MaxHistory must be positive")
	}
	if c.Freshness < 0 {
		return errors.New("Freshness must not be negative")
	}
	return nil
}

// Store is the bounded conversation history.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	cfg     Config
	entries []engine.ContextEntry
}

// NewStore creates a context store.
//
// Description:
//
//	Creates the store and, when persistence is configured, loads the
//	previous snapshot. Entries beyond the freshness window are dropped
//	at load rather than restored.
//
// Inputs:
//
//	cfg - Store configuration. Validated.
//
// Outputs:
//
//	*Store - Ready-to-use store.
//	error - If the configuration is invalid.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{cfg: cfg}
	if cfg.DB != nil {
		s.load()
	}
	return s, nil
}

// Add appends one entry and returns a copy of it.
//
// Description:
//
//	Allocates an ID and timestamp, appends the entry, evicts FIFO past
//	MaxHistory, and persists the snapshot when persistence is enabled.
//
// Inputs:
//
//	typ - Entry type. Unknown types are coerced to system.
//	content - The turn text.
//	metadata - Optional annotations. May be nil.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Add(typ engine.EntryType, content string, metadata map[string]string) engine.ContextEntry {
	if !engine.ValidEntryTypes[typ] {
		typ = engine.EntrySystem
	}
	entry := engine.ContextEntry{
		ID:        uuid.NewString(),
		Type:      typ,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if len(metadata) > 0 {
		entry.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			entry.Metadata[k] = v
		}
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	if over := len(s.entries) - s.cfg.MaxHistory; over > 0 {
		s.entries = append([]engine.ContextEntry(nil), s.entries[over:]...)
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snapshot)
	return entry
}

// Recent returns up to n most recent entries, oldest first.
func (s *Store) Recent(n int) []engine.ContextEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || len(s.entries) == 0 {
		return nil
	}
	if n > len(s.entries) {
		n = len(s.entries)
	}
	return append([]engine.ContextEntry(nil), s.entries[len(s.entries)-n:]...)
}

// All returns a copy of every retained entry, oldest first.
func (s *Store) All() []engine.ContextEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]engine.ContextEntry(nil), s.entries...)
}

// Len returns the number of retained entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear removes all entries and the persisted snapshot.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()

	if s.cfg.DB != nil {
		if err := s.cfg.DB.Delete(blobKey); err != nil {
			slog.Warn("Failed to clear persisted context",
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Store) snapshotLocked() []engine.ContextEntry {
	return append([]engine.ContextEntry(nil), s.entries...)
}

func (s *Store) persist(snapshot []engine.ContextEntry) {
	if s.cfg.DB == nil {
		return
	}
	if err := s.cfg.DB.PutJSON(blobKey, snapshot); err != nil {
		slog.Warn("Failed to persist context history",
			slog.String("error", err.Error()),
			slog.Int("entries", len(snapshot)),
		)
	}
}

func (s *Store) load() {
	var snapshot []engine.ContextEntry
	err := s.cfg.DB.GetJSON(blobKey, &snapshot, s.cfg.Freshness)
	if err != nil {
		if errors.Is(err, badgerstore.ErrBlobNotFound) {
			return
		}
		if errors.Is(err, badgerstore.ErrBlobStale) {
			slog.Info("Discarded stale context snapshot")
			return
		}
		slog.Warn("Failed to load persisted context",
			slog.String("error", err.Error()),
		)
		return
	}

	cutoff := time.Now().Add(-s.cfg.Freshness)
	kept := make([]engine.ContextEntry, 0, len(snapshot))
	for _, e := range snapshot {
		if s.cfg.Freshness > 0 && e.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	if over := len(kept) - s.cfg.MaxHistory; over > 0 {
		kept = kept[over:]
	}
	s.entries = kept

	slog.Debug("Loaded context history",
		slog.Int("loaded", len(kept)),
		slog.Int("dropped", len(snapshot)-len(kept)),
	)
}
