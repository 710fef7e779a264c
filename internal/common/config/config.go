// Package config provides configuration management for the session engine.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the engine.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Lounge   LoungeConfig   `mapstructure:"lounge"`
	Resume   ResumeConfig   `mapstructure:"resume"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds control-plane HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	AuthToken    string `mapstructure:"authToken"` // Bearer token; empty disables the API
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // SQLite file path
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds the external agent subprocess configuration.
type AgentConfig struct {
	// Command is the agent CLI executable invoked per run.
	Command string `mapstructure:"command"`

	// Model passed via the model flag; empty uses the CLI default.
	Model string `mapstructure:"model"`

	// PermissionMode passed via the permission-mode flag.
	PermissionMode string `mapstructure:"permissionMode"`

	// AllowedTools restricts the agent's tool surface; empty means no restriction flag.
	AllowedTools []string `mapstructure:"allowedTools"`

	// TimeoutSeconds is the inactivity bound: no output for this long kills the run.
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`

	// MaxConcurrent bounds simultaneously running subprocesses.
	MaxConcurrent int `mapstructure:"maxConcurrent"`

	// ContextWarnFraction is the context-window usage fraction that triggers a warning.
	ContextWarnFraction float64 `mapstructure:"contextWarnFraction"`

	// ContextWindowTokens is the assumed context window size for usage accounting.
	ContextWindowTokens int `mapstructure:"contextWindowTokens"`

	// StallNotifySeconds is the silent-run duration before a stall notice fires.
	StallNotifySeconds int `mapstructure:"stallNotifySeconds"`

	// DecisionWaitSeconds bounds how long a permission/plan/elicitation prompt
	// waits before the default deny is applied.
	DecisionWaitSeconds int `mapstructure:"decisionWaitSeconds"`

	// SessionDir is where the agent CLI writes its session transcripts,
	// scanned at startup to recover lost session ids.
	SessionDir string `mapstructure:"sessionDir"`
}

// WorktreeConfig holds git worktree isolation configuration.
type WorktreeConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	BasePath     string `mapstructure:"basePath"`     // Base directory for worktrees
	BranchPrefix string `mapstructure:"branchPrefix"` // Prefix for per-session branches
	RepoPath     string `mapstructure:"repoPath"`     // Repository worktrees are created from
}

// LoungeConfig holds advisory lounge limits.
type LoungeConfig struct {
	MaxStored    int `mapstructure:"maxStored"`    // retained feed entries; older are pruned
	ContextCount int `mapstructure:"contextCount"` // messages injected into new runs
}

// ResumeConfig holds resume ledger configuration.
type ResumeConfig struct {
	TTLSeconds   int `mapstructure:"ttlSeconds"`   // pending entries older than this are purged
	DrainSeconds int `mapstructure:"drainSeconds"` // drain deadline before restart
	PollSeconds  int `mapstructure:"pollSeconds"`  // drain poll interval
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Timeout returns the inactivity bound as a time.Duration.
func (a *AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// StallNotifyAfter returns the stall notice delay as a time.Duration.
func (a *AgentConfig) StallNotifyAfter() time.Duration {
	return time.Duration(a.StallNotifySeconds) * time.Second
}

// DecisionWait returns the decision-prompt bound as a time.Duration.
func (a *AgentConfig) DecisionWait() time.Duration {
	return time.Duration(a.DecisionWaitSeconds) * time.Second
}

// TTL returns the pending-entry lifetime as a time.Duration.
func (r *ResumeConfig) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// DrainDeadline returns the drain deadline as a time.Duration.
func (r *ResumeConfig) DrainDeadline() time.Duration {
	return time.Duration(r.DrainSeconds) * time.Second
}

// DrainPollInterval returns the drain poll interval as a time.Duration.
func (r *ResumeConfig) DrainPollInterval() time.Duration {
	return time.Duration(r.PollSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" for production environments, "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("SESSIOND_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults - loopback only; the control plane is a local surface
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.authToken", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", filepath.Join(defaultHome(), "sessiond.db"))

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sessiond")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.permissionMode", "acceptEdits")
	v.SetDefault("agent.allowedTools", []string{})
	v.SetDefault("agent.timeoutSeconds", 300)
	v.SetDefault("agent.maxConcurrent", 3)
	v.SetDefault("agent.contextWarnFraction", 0.835)
	v.SetDefault("agent.contextWindowTokens", 200000)
	v.SetDefault("agent.stallNotifySeconds", 30)
	v.SetDefault("agent.decisionWaitSeconds", 120)
	v.SetDefault("agent.sessionDir", "")

	// Worktree defaults
	v.SetDefault("worktree.enabled", false)
	v.SetDefault("worktree.basePath", filepath.Join(defaultHome(), "worktrees"))
	v.SetDefault("worktree.branchPrefix", "session")
	v.SetDefault("worktree.repoPath", "")

	// Lounge defaults
	v.SetDefault("lounge.maxStored", 200)
	v.SetDefault("lounge.contextCount", 10)

	// Resume defaults
	v.SetDefault("resume.ttlSeconds", 300)
	v.SetDefault("resume.drainSeconds", 300)
	v.SetDefault("resume.pollSeconds", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// defaultHome returns the engine's state directory under the user home.
func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sessiond"
	}
	return filepath.Join(home, ".sessiond")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SESSIOND_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ./config, or ~/.sessiond/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SESSIOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.authToken", "SESSIOND_SERVER_AUTH_TOKEN")
	_ = v.BindEnv("agent.permissionMode", "SESSIOND_AGENT_PERMISSION_MODE")
	_ = v.BindEnv("agent.maxConcurrent", "SESSIOND_AGENT_MAX_CONCURRENT")
	_ = v.BindEnv("agent.timeoutSeconds", "SESSIOND_AGENT_TIMEOUT_SECONDS")
	_ = v.BindEnv("agent.sessionDir", "SESSIOND_AGENT_SESSION_DIR")
	_ = v.BindEnv("worktree.repoPath", "SESSIOND_WORKTREE_REPO_PATH")
	_ = v.BindEnv("database.path", "SESSIOND_DATABASE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath(defaultHome())

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.MaxConcurrent <= 0 {
		errs = append(errs, "agent.maxConcurrent must be positive")
	}
	if cfg.Agent.TimeoutSeconds <= 0 {
		errs = append(errs, "agent.timeoutSeconds must be positive")
	}
	if cfg.Agent.ContextWarnFraction <= 0 || cfg.Agent.ContextWarnFraction >= 1 {
		errs = append(errs, "agent.contextWarnFraction must be between 0 and 1")
	}
	if cfg.Agent.ContextWindowTokens <= 0 {
		errs = append(errs, "agent.contextWindowTokens must be positive")
	}

	if cfg.Worktree.Enabled {
		if cfg.Worktree.RepoPath == "" {
			errs = append(errs, "worktree.repoPath is required when worktree.enabled is true")
		}
		if cfg.Worktree.BasePath == "" {
			errs = append(errs, "worktree.basePath is required when worktree.enabled is true")
		}
	}

	if cfg.Lounge.MaxStored <= 0 {
		errs = append(errs, "lounge.maxStored must be positive")
	}
	if cfg.Lounge.ContextCount < 0 {
		errs = append(errs, "lounge.contextCount must not be negative")
	}

	if cfg.Resume.TTLSeconds <= 0 {
		errs = append(errs, "resume.ttlSeconds must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
