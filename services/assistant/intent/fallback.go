// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intent

import (
	"context"
	"log/slog"
)

// Fallback composes a primary and a secondary classifier.
//
// Description:
//
//	Tries the primary classifier and, on any error other than context
//	cancellation, delegates to the secondary. This is the single place
//	where remote-vs-local selection happens; call sites never branch on
//	classifier availability.
//
// Thread Safety: Safe for concurrent use when both classifiers are.
type Fallback struct {
	primary   Classifier
	secondary Classifier
}

// NewFallback creates the composing decorator.
//
// Inputs:
//
//	primary - Tried first. Must not be nil.
//	secondary - Used when primary errors. Must not be nil and must never
//	            return an error itself (RuleClassifier qualifies).
func NewFallback(primary, secondary Classifier) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

// Classify implements Classifier.
//
// Thread Safety: Safe for concurrent use.
func (f *Fallback) Classify(ctx context.Context, text string) (*Result, error) {
	result, err := f.primary.Classify(ctx, text)
	if err == nil {
		return result, nil
	}
	// Only the caller's own cancellation propagates. A timeout inside the
	// primary (its per-request deadline) still falls back.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	slog.Warn("Primary classifier failed, using fallback",
		slog.String("error", err.Error()),
	)
	return f.secondary.Classify(ctx, text)
}
