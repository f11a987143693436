// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config holds the YAML-facing assistant configuration.
//
// The file shape here is deliberately decoupled from the per-package
// config structs: the facade maps one onto the other, so internal config
// types can evolve without breaking deployed config files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML string parsing ("90s", "2m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Storage configures the embedded database.
type Storage struct {
	// Path is the BadgerDB directory. Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory disables disk persistence.
	InMemory bool `yaml:"inMemory"`

	// SyncWrites enables synchronous writes.
	SyncWrites bool `yaml:"syncWrites"`
}

// History configures the conversation context store.
type History struct {
	// MaxEntries bounds retained conversation turns.
	MaxEntries int `yaml:"maxEntries" validate:"gt=0"`

	// Freshness is the maximum age of reloaded context.
	Freshness Duration `yaml:"freshness" validate:"gte=0"`
}

// Session configures the execution session store.
type Session struct {
	// RetentionDays is how long terminal sessions are kept.
	RetentionDays int `yaml:"retentionDays" validate:"gt=0"`

	// MaxSessions caps retained sessions.
	MaxSessions int `yaml:"maxSessions" validate:"gt=0"`

	// SweepInterval is how often retention is applied.
	SweepInterval Duration `yaml:"sweepInterval" validate:"gte=0"`
}

// Queue configures step scheduling and retry.
type Queue struct {
	// MaxConcurrent caps simultaneously running steps.
	MaxConcurrent int `yaml:"maxConcurrent" validate:"gt=0"`

	// MaxAttempts is the per-step attempt budget.
	MaxAttempts int `yaml:"maxAttempts" validate:"gt=0"`

	// RetryDelay is the base backoff delay.
	RetryDelay Duration `yaml:"retryDelay" validate:"gt=0"`

	// BackoffMultiplier grows the delay per failed attempt.
	BackoffMultiplier float64 `yaml:"backoffMultiplier" validate:"gte=1"`

	// MaxRetryDelay caps the computed delay.
	MaxRetryDelay Duration `yaml:"maxRetryDelay" validate:"gt=0"`

	// StepTimeout bounds one step attempt. Zero disables it.
	StepTimeout Duration `yaml:"stepTimeout" validate:"gte=0"`
}

// Executor configures backend invocation.
type Executor struct {
	// BackendRate caps backend calls per second. Zero disables limiting.
	BackendRate float64 `yaml:"backendRate" validate:"gte=0"`

	// BackendBurst is the limiter burst size.
	BackendBurst int `yaml:"backendBurst" validate:"gte=0"`
}

// LLM configures the remote language model. With Enabled false (or no API
// key) the assistant runs fully local on the rule classifier and planner.
type LLM struct {
	// Enabled turns remote classification, planning, and answering on.
	Enabled bool `yaml:"enabled"`

	// APIKey authenticates against the API. May also arrive via the
	// OPENAI_API_KEY environment variable.
	APIKey string `yaml:"apiKey"`

	// BaseURL overrides the API endpoint (for proxies or local servers).
	BaseURL string `yaml:"baseURL"`

	// ClassifierModel is the intent classification model.
	ClassifierModel string `yaml:"classifierModel"`

	// PlannerModel is the planning model.
	PlannerModel string `yaml:"plannerModel"`

	// AnswerModel is the direct-answer model.
	AnswerModel string `yaml:"answerModel"`
}

// Pipeline configures turn orchestration.
type Pipeline struct {
	// RecoveryDelay is the error-state dwell time before auto-recovery.
	RecoveryDelay Duration `yaml:"recoveryDelay" validate:"gt=0"`

	// ContextTurns is how many history entries inform planning and
	// answering.
	ContextTurns int `yaml:"contextTurns" validate:"gte=0"`
}

// Config is the root assistant configuration.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	History  History  `yaml:"history"`
	Session  Session  `yaml:"session"`
	Queue    Queue    `yaml:"queue"`
	Executor Executor `yaml:"executor"`
	LLM      LLM      `yaml:"llm"`
	Pipeline Pipeline `yaml:"pipeline"`
}

// Default returns the reference configuration: in-memory storage off,
// 50-turn history, 7-day session retention, 3×3 queue policy with 1s→10s
// backoff, LLM disabled.
func Default() Config {
	return Config{
		Storage: Storage{
			Path:       "data/aura",
			SyncWrites: true,
		},
		History: History{
			MaxEntries: 50,
			Freshness:  Duration(24 * time.Hour),
		},
		Session: Session{
			RetentionDays: 7,
			MaxSessions:   100,
			SweepInterval: Duration(time.Hour),
		},
		Queue: Queue{
			MaxConcurrent:     3,
			MaxAttempts:       3,
			RetryDelay:        Duration(time.Second),
			BackoffMultiplier: 2,
			MaxRetryDelay:     Duration(10 * time.Second),
		},
		Executor: Executor{
			BackendRate:  5,
			BackendBurst: 5,
		},
		LLM: LLM{
			ClassifierModel: "gpt-4o-mini",
			PlannerModel:    "gpt-4o-mini",
			AnswerModel:     "gpt-4o-mini",
		},
		Pipeline: Pipeline{
			RecoveryDelay: Duration(2 * time.Second),
			ContextTurns:  5,
		},
	}
}

// validate is shared; validator.New is not free.
var validate = validator.New()

// Validate checks the configuration, including cross-field constraints
// the struct tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return errors.New("invalid config: storage.path is required unless storage.inMemory")
	}
	if c.Queue.MaxRetryDelay < c.Queue.RetryDelay {
		return errors.New("invalid config: queue.maxRetryDelay must not be below queue.retryDelay")
	}
	if c.Executor.BackendRate > 0 && c.Executor.BackendBurst <= 0 {
		return errors.New("invalid config: executor.backendBurst must be positive when backendRate is set")
	}
	if c.LLM.Enabled {
		if c.LLM.ClassifierModel == "" || c.LLM.PlannerModel == "" || c.LLM.AnswerModel == "" {
			return errors.New("invalid config: llm model names are required when llm.enabled")
		}
	}
	return nil
}

// Load reads a YAML config file over the defaults.
//
// Description:
//
//	Starts from Default(), overlays the file's values, resolves the
//	OPENAI_API_KEY environment variable when no key is configured, and
//	validates the result.
//
// Inputs:
//
//	path - Config file path. Empty returns validated defaults.
//
// Outputs:
//
//	Config - The effective configuration.
//	error - Read, parse, or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
