// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/aura/services/assistant/engine"
)

// State identifies a stage of the assistant pipeline.
//
// The voice-side states (wake-listening through speech-processing) exist
// for hosts that front the pipeline with audio capture; text input enters
// directly at nlu-processing.
type State string

const (
	StateIdle               State = "idle"
	StateWakeListening      State = "wake-listening"
	StateWakeTriggered      State = "wake-triggered"
	StateVoiceDetecting     State = "voice-detecting"
	StateSpeechCapturing    State = "speech-capturing"
	StateSpeechProcessing   State = "speech-processing"
	StateNLUProcessing      State = "nlu-processing"
	StatePlanning           State = "planning"
	StateToolExecuting      State = "tool-executing"
	StateEvidenceGathering  State = "evidence-gathering"
	StateResponseGenerating State = "response-generating"
	StateTTSSpeaking        State = "tts-speaking"
	StateError              State = "error"
)

// validTransitions enumerates the legal pipeline transitions. Every state
// may additionally transition to error, and most may abort back to idle.
var validTransitions = map[State][]State{
	StateIdle:               {StateWakeListening, StateNLUProcessing},
	StateWakeListening:      {StateWakeTriggered, StateIdle},
	StateWakeTriggered:      {StateVoiceDetecting, StateIdle},
	StateVoiceDetecting:     {StateSpeechCapturing, StateIdle},
	StateSpeechCapturing:    {StateSpeechProcessing, StateIdle},
	StateSpeechProcessing:   {StateNLUProcessing, StateIdle},
	StateNLUProcessing:      {StatePlanning, StateEvidenceGathering, StateResponseGenerating, StateIdle},
	StatePlanning:           {StateToolExecuting, StateResponseGenerating, StateIdle},
	StateToolExecuting:      {StateResponseGenerating, StateIdle},
	StateEvidenceGathering:  {StateResponseGenerating, StateIdle},
	StateResponseGenerating: {StateTTSSpeaking, StateIdle},
	StateTTSSpeaking:        {StateIdle},
	StateError:              {StateIdle},
}

// TransitionListener observes committed state transitions.
type TransitionListener func(from, to State)

// StateMachine guards the pipeline's stage transitions.
//
// Thread Safety: Safe for concurrent use.
type StateMachine struct {
	mu        sync.RWMutex
	state     State
	listeners []TransitionListener
}

// NewStateMachine creates a state machine in the idle state.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// AddListener registers a transition observer. Listeners run synchronously
// on the transitioning goroutine, outside the lock.
func (m *StateMachine) AddListener(l TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// CanTransition reports whether moving from the current state to target
// is legal. Any state may enter error; error may only return to idle.
func (m *StateMachine) CanTransition(target State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return canTransition(m.state, target)
}

func canTransition(from, to State) bool {
	if to == StateError {
		return from != StateError
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to target, failing on illegal transitions.
//
// Outputs:
//
//	error - engine.ErrInvalidTransition (wrapped with both states) when
//	        the move is not legal.
//
// Thread Safety: Safe for concurrent use.
func (m *StateMachine) Transition(target State) error {
	m.mu.Lock()
	from := m.state
	if !canTransition(from, target) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", engine.ErrInvalidTransition, from, target)
	}
	m.state = target
	listeners := make([]TransitionListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	slog.Debug("Pipeline state transition",
		slog.String("from", string(from)),
		slog.String("to", string(target)),
	)
	for _, l := range listeners {
		l(from, target)
	}
	return nil
}

// TryTransition is Transition for moves that may legitimately lose a
// race; it reports success instead of erroring.
func (m *StateMachine) TryTransition(target State) bool {
	return m.Transition(target) == nil
}
