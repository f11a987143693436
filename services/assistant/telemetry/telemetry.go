// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry provides the OTel instruments shared by the assistant
// packages.
//
// Only the OTel API is used: the host application owns the meter and
// tracer providers and whatever exporters it wants. With no provider
// installed every instrument is a no-op, so the library stays silent by
// default.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope for all assistant telemetry.
const ScopeName = "aura/assistant"

// Instruments bundles the assistant's counters and histograms.
//
// Thread Safety: Safe for concurrent use after creation.
type Instruments struct {
	// StepsTotal counts finished step attempts by status and action.
	StepsTotal metric.Int64Counter

	// RetriesTotal counts retry transitions.
	RetriesTotal metric.Int64Counter

	// StepDuration records step attempt duration in seconds.
	StepDuration metric.Float64Histogram

	// ActiveSteps tracks currently running steps.
	ActiveSteps metric.Int64UpDownCounter

	// ClassificationsTotal counts intent classifications by source.
	ClassificationsTotal metric.Int64Counter

	// PlansTotal counts plans created by source.
	PlansTotal metric.Int64Counter
}

var (
	defaultOnce sync.Once
	defaultInst *Instruments
)

// Default returns the process-wide instruments, created lazily from the
// global meter provider.
func Default() *Instruments {
	defaultOnce.Do(func() {
		inst, err := NewInstruments(otel.Meter(ScopeName))
		if err != nil {
			// The OTel API only errors on malformed instrument names;
			// fall back to a zero-value struct of no-op instruments.
			inst = &Instruments{}
		}
		defaultInst = inst
	})
	return defaultInst
}

// NewInstruments creates the instrument set on the given meter.
//
// Inputs:
//
//	meter - The OTel meter. Must not be nil.
//
// Outputs:
//
//	*Instruments - The created instruments.
//	error - Non-nil if an instrument cannot be created.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var inst Instruments
	var err error

	if inst.StepsTotal, err = meter.Int64Counter("assistant_steps_total",
		metric.WithDescription("Finished step attempts by status and action")); err != nil {
		return nil, err
	}
	if inst.RetriesTotal, err = meter.Int64Counter("assistant_retries_total",
		metric.WithDescription("Step retry transitions")); err != nil {
		return nil, err
	}
	if inst.StepDuration, err = meter.Float64Histogram("assistant_step_duration_seconds",
		metric.WithDescription("Step attempt duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if inst.ActiveSteps, err = meter.Int64UpDownCounter("assistant_active_steps",
		metric.WithDescription("Currently running steps")); err != nil {
		return nil, err
	}
	if inst.ClassificationsTotal, err = meter.Int64Counter("assistant_classifications_total",
		metric.WithDescription("Intent classifications by source")); err != nil {
		return nil, err
	}
	if inst.PlansTotal, err = meter.Int64Counter("assistant_plans_total",
		metric.WithDescription("Plans created by source")); err != nil {
		return nil, err
	}
	return &inst, nil
}

// RecordStep records one finished step attempt.
func (i *Instruments) RecordStep(ctx context.Context, status, action string, seconds float64) {
	if i.StepsTotal != nil {
		i.StepsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("action", action),
		))
	}
	if i.StepDuration != nil {
		i.StepDuration.Record(ctx, seconds, metric.WithAttributes(
			attribute.String("action", action),
		))
	}
}

// AddActive adjusts the running-step gauge.
func (i *Instruments) AddActive(ctx context.Context, delta int64) {
	if i.ActiveSteps != nil {
		i.ActiveSteps.Add(ctx, delta)
	}
}

// RecordRetry records one retry transition.
func (i *Instruments) RecordRetry(ctx context.Context, action string) {
	if i.RetriesTotal != nil {
		i.RetriesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
		))
	}
}
