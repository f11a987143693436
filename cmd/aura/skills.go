// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/aura/services/assistant"
	"github.com/AleutianAI/aura/services/assistant/engine"
)

// timerSkill runs countdown timers in-process and announces expiry on
// stdout.
type timerSkill struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimerSkill() *timerSkill {
	return &timerSkill{timers: make(map[string]*time.Timer)}
}

func (s *timerSkill) Invoke(_ context.Context, _ string, params map[string]any) (*engine.ToolResult, error) {
	name, _ := params["name"].(string)
	if name == "" {
		name = "Timer"
	}
	duration, _ := params["duration"].(int64)
	if duration <= 0 {
		return nil, fmt.Errorf("timer duration %d must be positive", duration)
	}

	id := uuid.NewString()
	d := time.Duration(duration) * time.Millisecond
	s.mu.Lock()
	s.timers[id] = time.AfterFunc(d, func() {
		fmt.Printf("\n⏰ Timer %q finished!\n> ", name)
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
	})
	s.mu.Unlock()

	return &engine.ToolResult{
		Success: true,
		Data: map[string]any{
			"timer": map[string]any{
				"id":       id,
				"name":     name,
				"duration": duration,
			},
		},
	}, nil
}

func (s *timerSkill) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// noteSkill keeps notes for the lifetime of the process.
type noteSkill struct {
	mu    sync.Mutex
	notes []note
}

type note struct {
	ID      string
	Title   string
	Content string
}

func (s *noteSkill) Invoke(_ context.Context, _ string, params map[string]any) (*engine.ToolResult, error) {
	title, _ := params["title"].(string)
	content, _ := params["content"].(string)
	if title == "" {
		title = "Note"
	}

	n := note{ID: uuid.NewString(), Title: title, Content: content}
	s.mu.Lock()
	s.notes = append(s.notes, n)
	s.mu.Unlock()

	return &engine.ToolResult{
		Success: true,
		Data: map[string]any{
			"note": map[string]any{
				"id":    n.ID,
				"title": n.Title,
			},
		},
	}, nil
}

// localSkills bundles the built-in backends registered by every command.
type localSkills struct {
	timers *timerSkill
	notes  *noteSkill
}

func newLocalSkills() *localSkills {
	return &localSkills{
		timers: newTimerSkill(),
		notes:  &noteSkill{},
	}
}

func (s *localSkills) options() []assistant.Option {
	return []assistant.Option{
		assistant.WithSkill(engine.StepSkill, "create_timer", "Create a countdown timer", s.timers),
		assistant.WithSkill(engine.StepSkill, "create_note", "Save a note for later", s.notes),
	}
}

func (s *localSkills) close() {
	s.timers.stopAll()
}
