package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8765 {
		t.Errorf("Expected default port 8765, got %d", cfg.Server.Port)
	}
	if cfg.Remote.BaseURL != "http://localhost:4096" {
		t.Errorf("Expected default remote base URL, got %s", cfg.Remote.BaseURL)
	}
	if cfg.DefaultModel != "gpt-5.2-codex" {
		t.Errorf("Expected default model gpt-5.2-codex, got %s", cfg.DefaultModel)
	}
	if cfg.Local.Binary != "pi" {
		t.Errorf("Expected default local binary pi, got %s", cfg.Local.Binary)
	}
	if cfg.Local.Thinking != "xhigh" {
		t.Errorf("Expected default thinking xhigh, got %s", cfg.Local.Thinking)
	}
	if cfg.Local.TokenEnv != "GITHUB_TOKEN" {
		t.Errorf("Expected default token env GITHUB_TOKEN, got %s", cfg.Local.TokenEnv)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Server.Port != 8765 {
		t.Errorf("Expected defaults on missing file, got port %d", cfg.Server.Port)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: 0.0.0.0
  port: 9999
remote:
  base_url: http://localhost:5000
  poll_interval: 250ms
  max_retries: 5
local:
  binary: pi-dev
  grace_period: 2s
session:
  approval_timeout: 30s
store_path: data/workspaces.db
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Remote.MaxRetries != 5 {
		t.Errorf("Expected max retries 5, got %d", cfg.Remote.MaxRetries)
	}
	interval, err := cfg.Remote.Interval()
	if err != nil {
		t.Fatalf("Failed to parse poll interval: %v", err)
	}
	if interval != 250*time.Millisecond {
		t.Errorf("Expected poll interval 250ms, got %s", interval)
	}

	// Relative store path resolves against the config directory.
	want := filepath.Join(dir, "data", "workspaces.db")
	if cfg.StorePath != want {
		t.Errorf("Expected store path %s, got %s", want, cfg.StorePath)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "remote:\n  poll_interval: soon\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected error for invalid poll_interval")
	}
}

func TestDurationDefaults(t *testing.T) {
	r := RemoteConfig{}
	interval, err := r.Interval()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if interval != time.Second {
		t.Errorf("Expected fallback 1s, got %s", interval)
	}

	l := LocalConfig{}
	grace, err := l.Grace()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if grace != 5*time.Second {
		t.Errorf("Expected fallback 5s, got %s", grace)
	}
}

func TestValidateModel(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.ValidateModel("gpt-5.2-codex") {
		t.Error("Expected gpt-5.2-codex to be a valid model")
	}
	if cfg.ValidateModel("gpt-2") {
		t.Error("Expected gpt-2 to be invalid")
	}
}
