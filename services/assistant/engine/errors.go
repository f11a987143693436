// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import "errors"

// Sentinel errors shared across the assistant packages.
var (
	// ErrEmptyPlan indicates a plan with no steps was submitted.
	ErrEmptyPlan = errors.New("plan has no steps")

	// ErrSessionActive indicates a plan run was requested while another
	// session is still running.
	ErrSessionActive = errors.New("an execution session is already active")

	// ErrSessionNotFound indicates an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminal indicates a write to a completed, failed, or
	// cancelled session.
	ErrSessionTerminal = errors.New("session is in a terminal state")

	// ErrStoreClosed indicates an operation on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrQueueStopped indicates a plan was submitted to a stopped queue.
	ErrQueueStopped = errors.New("execution queue is stopped")

	// ErrUnknownAction indicates no skill backend is registered for an
	// action.
	ErrUnknownAction = errors.New("no backend registered for action")

	// ErrInvalidTransition indicates a disallowed state machine transition.
	ErrInvalidTransition = errors.New("invalid state transition")
)
