// Package config loads and watches the daemon configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the Telegram chat channel.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// AllowedIDs restricts who may talk to the bot. Empty allows nobody.
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
	// HubChatID, when non-zero, names the chat that receives one-line
	// completion/failure notices for scheduled prompts.
	HubChatID int64 `yaml:"hub_chat_id"`
}

// AgentServerConfig configures the external coding-agent server.
type AgentServerConfig struct {
	BaseURL string `yaml:"base_url"`
	// RequestTimeoutSeconds bounds individual HTTP calls. 0 uses 120s.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// WorktreeConfig configures on-demand git worktrees.
type WorktreeConfig struct {
	// ProjectDir is the repository worktrees are created from. Empty
	// disables worktree creation and scheduled prompts that need one.
	ProjectDir string `yaml:"project_dir"`
	// Root is where new worktree directories are placed. Empty uses
	// <project_dir>/../worktrees.
	Root string `yaml:"root"`
}

// SchedulerConfig configures the deferred-prompt scheduler.
type SchedulerConfig struct {
	// TickSeconds is the poll interval for due schedules. 0 uses 10s.
	TickSeconds int `yaml:"tick_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	// BindAddr is bound at startup purely as a single-instance guard.
	BindAddr string `yaml:"bind_addr"`

	Telegram  TelegramConfig    `yaml:"telegram"`
	Agent     AgentServerConfig `yaml:"agent_server"`
	Worktrees WorktreeConfig    `yaml:"worktrees"`
	Scheduler SchedulerConfig   `yaml:"scheduler"`
}

// HomeDir resolves the data directory: $THREADCLAW_HOME or ~/.threadclaw.
func HomeDir() string {
	if override := os.Getenv("THREADCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".threadclaw")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, applies environment
// overrides, and fills defaults. A missing file is not an error.
func Load() (Config, error) {
	cfg := Config{HomeDir: HomeDir()}

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create threadclaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
		cfg.Telegram.Enabled = true
	}
	if v := os.Getenv("THREADCLAW_AGENT_URL"); v != "" {
		cfg.Agent.BaseURL = v
	}
	if v := os.Getenv("THREADCLAW_PROJECT_DIR"); v != "" {
		cfg.Worktrees.ProjectDir = v
	}
	if v := os.Getenv("THREADCLAW_HUB_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.HubChatID = id
		}
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Agent.BaseURL == "" {
		cfg.Agent.BaseURL = "http://127.0.0.1:4096"
	}
	if cfg.Agent.RequestTimeoutSeconds <= 0 {
		cfg.Agent.RequestTimeoutSeconds = int((2 * time.Minute).Seconds())
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = 10
	}
	if cfg.Worktrees.Root == "" && cfg.Worktrees.ProjectDir != "" {
		cfg.Worktrees.Root = filepath.Join(filepath.Dir(cfg.Worktrees.ProjectDir), "worktrees")
	}
}

// Save writes the config back to config.yaml.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}
