// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Storage.Path == "" {
		t.Error("default storage path is empty")
	}
	if cfg.LLM.Enabled {
		t.Error("LLM should default to disabled")
	}
	if cfg.Queue.RetryDelay.Std() != time.Second {
		t.Errorf("retry delay = %s, want 1s", cfg.Queue.RetryDelay.Std())
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aura.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  inMemory: true
history:
  maxEntries: 10
queue:
  retryDelay: 250ms
  maxRetryDelay: 5s
llm:
  enabled: true
  apiKey: test-key
pipeline:
  recoveryDelay: 500ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Storage.InMemory {
		t.Error("storage.inMemory not applied")
	}
	if cfg.History.MaxEntries != 10 {
		t.Errorf("history.maxEntries = %d, want 10", cfg.History.MaxEntries)
	}
	if cfg.Queue.RetryDelay.Std() != 250*time.Millisecond {
		t.Errorf("queue.retryDelay = %s, want 250ms", cfg.Queue.RetryDelay.Std())
	}
	if cfg.Pipeline.RecoveryDelay.Std() != 500*time.Millisecond {
		t.Errorf("pipeline.recoveryDelay = %s, want 500ms", cfg.Pipeline.RecoveryDelay.Std())
	}

	// Untouched sections keep their defaults.
	if cfg.Session.RetentionDays != 7 {
		t.Errorf("session.retentionDays = %d, want the 7-day default", cfg.Session.RetentionDays)
	}
	if cfg.Queue.MaxConcurrent != 3 {
		t.Errorf("queue.maxConcurrent = %d, want the default 3", cfg.Queue.MaxConcurrent)
	}
	if cfg.LLM.ClassifierModel != "gpt-4o-mini" {
		t.Errorf("llm.classifierModel = %q, want the default", cfg.LLM.ClassifierModel)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.History.MaxEntries != Default().History.MaxEntries {
		t.Error("Load(\"\") diverged from Default()")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load(missing) error = nil")
	}
}

func TestLoadBadDurationFails(t *testing.T) {
	path := writeConfig(t, "queue:\n  retryDelay: soon\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "soon") {
		t.Errorf("Load() error = %v, want duration parse failure naming the value", err)
	}
}

func TestLoadAPIKeyFromEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	path := writeConfig(t, "llm:\n  enabled: true\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("llm.apiKey = %q, want the environment value", cfg.LLM.APIKey)
	}
}

func TestLoadFileKeyWinsOverEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	path := writeConfig(t, "llm:\n  apiKey: file-key\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "file-key" {
		t.Errorf("llm.apiKey = %q, want the file value", cfg.LLM.APIKey)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "no storage path without in-memory",
			mutate: func(c *Config) { c.Storage.Path = "" },
		},
		{
			name:   "non-positive history entries",
			mutate: func(c *Config) { c.History.MaxEntries = 0 },
		},
		{
			name:   "retry cap below base delay",
			mutate: func(c *Config) { c.Queue.MaxRetryDelay = Duration(100 * time.Millisecond) },
		},
		{
			name:   "backoff multiplier below one",
			mutate: func(c *Config) { c.Queue.BackoffMultiplier = 0.5 },
		},
		{
			name:   "rate limited with zero burst",
			mutate: func(c *Config) { c.Executor.BackendBurst = 0 },
		},
		{
			name: "llm enabled without models",
			mutate: func(c *Config) {
				c.LLM.Enabled = true
				c.LLM.PlannerModel = ""
			},
		},
		{
			name:   "negative context turns",
			mutate: func(c *Config) { c.Pipeline.ContextTurns = -1 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() error = nil, want rejection")
			}
		})
	}
}

func TestInMemoryNeedsNoPath(t *testing.T) {
	cfg := Default()
	cfg.Storage.Path = ""
	cfg.Storage.InMemory = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil for in-memory storage", err)
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := d.MarshalYAML()
	if err != nil {
		t.Fatalf("MarshalYAML() error = %v", err)
	}
	if out != "1m30s" {
		t.Errorf("MarshalYAML() = %v, want 1m30s", out)
	}
}
