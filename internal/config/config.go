// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ModelConfig defines a model with its description.
type ModelConfig struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description" yaml:"description"`
}

// Config holds the application configuration.
type Config struct {
	DefaultModel string        `json:"default_model" yaml:"default_model"`
	Models       []ModelConfig `json:"models" yaml:"models"`
	Server       ServerConfig  `json:"server" yaml:"server"`
	Remote       RemoteConfig  `json:"remote" yaml:"remote"`
	Local        LocalConfig   `json:"local" yaml:"local"`
	Session      SessionConfig `json:"session" yaml:"session"`
	StorePath    string        `json:"store_path" yaml:"store_path"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// RemoteConfig holds settings for the OpenCode-style HTTP backend.
type RemoteConfig struct {
	BaseURL      string `json:"base_url" yaml:"base_url"`
	PollInterval string `json:"poll_interval" yaml:"poll_interval"`
	MaxRetries   int    `json:"max_retries" yaml:"max_retries"`
}

// LocalConfig holds settings for the locally spawned agent CLI.
type LocalConfig struct {
	Binary       string `json:"binary" yaml:"binary"`
	Provider     string `json:"provider" yaml:"provider"`
	Thinking     string `json:"thinking" yaml:"thinking"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	TokenEnv     string `json:"token_env" yaml:"token_env"`
	GracePeriod  string `json:"grace_period" yaml:"grace_period"`
}

// SessionConfig holds orchestration bounds shared by both backends.
type SessionConfig struct {
	ApprovalTimeout string `json:"approval_timeout" yaml:"approval_timeout"`
	StreamBuffer    int    `json:"stream_buffer" yaml:"stream_buffer"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	atalayaDir := filepath.Join(home, ".atalaya")

	return &Config{
		DefaultModel: "gpt-5.2-codex",
		Models: []ModelConfig{
			{ID: "gpt-5.2-codex", Description: "Advanced coding capabilities with extended context"},
			{ID: "gpt-5.1-codex", Description: "Optimized for code generation and refactoring"},
			{ID: "gpt-5.1-codex-mini", Description: "Lightweight coding model for quick tasks"},
			{ID: "claude-sonnet-4.5", Description: "Balanced performance and speed for general tasks"},
			{ID: "claude-opus-4.5", Description: "Highest capability for complex reasoning and analysis"},
			{ID: "gemini-3-pro-preview", Description: "Google's latest multimodal model"},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Remote: RemoteConfig{
			BaseURL:      "http://localhost:4096",
			PollInterval: "1s",
			MaxRetries:   3,
		},
		Local: LocalConfig{
			Binary:      "pi",
			Provider:    "github-copilot",
			Thinking:    "xhigh",
			TokenEnv:    "GITHUB_TOKEN",
			GracePeriod: "5s",
		},
		Session: SessionConfig{
			ApprovalTimeout: "5m",
			StreamBuffer:    256,
		},
		StorePath: filepath.Join(atalayaDir, "workspaces.db"),
	}
}

// Load loads configuration from a file (supports JSON and YAML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	baseDir := ""

	if path == "" {
		home, _ := os.UserHomeDir()
		// Try YAML first, then JSON
		yamlPath := filepath.Join(home, ".atalaya", "config.yaml")
		jsonPath := filepath.Join(home, ".atalaya", "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
			baseDir = filepath.Dir(path)
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
			baseDir = filepath.Dir(path)
		} else {
			// No config file found, return defaults
			return cfg, nil
		}
	} else {
		baseDir = filepath.Dir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Detect format by extension
	isYAML := strings.HasSuffix(strings.ToLower(path), ".yaml") || strings.HasSuffix(strings.ToLower(path), ".yml")

	if isYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	// Resolve paths relative to the config file directory and expand ~.
	cfg.StorePath = resolvePath(cfg.StorePath, baseDir)
	cfg.Local.SystemPrompt = resolvePath(cfg.Local.SystemPrompt, baseDir)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.Remote.Interval(); err != nil {
		return fmt.Errorf("invalid remote.poll_interval: %w", err)
	}
	if _, err := c.Local.Grace(); err != nil {
		return fmt.Errorf("invalid local.grace_period: %w", err)
	}
	if _, err := c.Session.ApprovalWait(); err != nil {
		return fmt.Errorf("invalid session.approval_timeout: %w", err)
	}
	return nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".atalaya", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetModelByID returns a model configuration by ID.
func (c *Config) GetModelByID(id string) *ModelConfig {
	for _, m := range c.Models {
		if m.ID == id {
			return &m
		}
	}
	return nil
}

// ValidateModel checks if a model ID is valid.
func (c *Config) ValidateModel(id string) bool {
	return c.GetModelByID(id) != nil
}

// Interval returns the remote poll interval.
func (r *RemoteConfig) Interval() (time.Duration, error) {
	return parseDuration(r.PollInterval, time.Second)
}

// Grace returns the local process termination grace period.
func (l *LocalConfig) Grace() (time.Duration, error) {
	return parseDuration(l.GracePeriod, 5*time.Second)
}

// ApprovalWait returns the bound on a pending approval request.
func (s *SessionConfig) ApprovalWait() (time.Duration, error) {
	return parseDuration(s.ApprovalTimeout, 5*time.Minute)
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	// Support "~/..." (and Windows separators just in case)
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		rest := path[2:]
		return filepath.Join(home, rest)
	}
	// We intentionally don't expand "~user/..." forms.
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
