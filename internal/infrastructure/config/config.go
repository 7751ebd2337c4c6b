package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Workspace WorkspaceConfig
	Agent     AgentConfig
	Flow      FlowConfig
	View      ViewConfig
	Sweep     SweepConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// WorkspaceConfig holds the on-disk layout for sessions.
type WorkspaceConfig struct {
	Root        string `envconfig:"WORKSPACE_ROOT" default:"./workspace"`
	TemplateDir string `envconfig:"TEMPLATE_DIR" default:"./templates/default"`
	DBPath      string `envconfig:"DB_PATH" default:"./data/sessions.db"`
	LegacyPath  string `envconfig:"LEGACY_SESSIONS_PATH" default:"./data/sessions.json"`
}

// AgentConfig holds the external agent service configuration.
type AgentConfig struct {
	URL               string        `envconfig:"AGENT_SERVICE_URL" default:"http://localhost:8787"`
	DefaultModel      string        `envconfig:"AGENT_DEFAULT_MODEL" default:"claude-sonnet-4-5"`
	PermissionTimeout time.Duration `envconfig:"PERMISSION_TIMEOUT" default:"300s"`
}

// FlowConfig holds the shared flow-editor configuration.
type FlowConfig struct {
	Port     int    `envconfig:"FLOW_PORT" default:"1880"`
	UserDir  string `envconfig:"FLOW_USER_DIR" default:"./.nodered"`
	LocalBin string `envconfig:"FLOW_LOCAL_BIN" default:""`
}

// ViewConfig holds build-pipeline configuration.
type ViewConfig struct {
	ArchiveDir string `envconfig:"ARCHIVE_DIR" default:"./data/archives"`
}

// SweepConfig holds background maintenance intervals and thresholds.
type SweepConfig struct {
	Interval       time.Duration `envconfig:"SWEEP_INTERVAL" default:"60s"`
	IdleAfter      time.Duration `envconfig:"IDLE_AFTER" default:"30m"`
	StuckBusyAfter time.Duration `envconfig:"STUCK_BUSY_AFTER" default:"10m"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Workspace: WorkspaceConfig{
			Root:        "./workspace",
			TemplateDir: "./templates/default",
			DBPath:      "./data/sessions.db",
			LegacyPath:  "./data/sessions.json",
		},
		Agent: AgentConfig{
			URL:               "http://localhost:8787",
			DefaultModel:      "claude-sonnet-4-5",
			PermissionTimeout: 300 * time.Second,
		},
		Flow: FlowConfig{
			Port:    1880,
			UserDir: "./.nodered",
		},
		View: ViewConfig{
			ArchiveDir: "./data/archives",
		},
		Sweep: SweepConfig{
			Interval:       60 * time.Second,
			IdleAfter:      30 * time.Minute,
			StuckBusyAfter: 10 * time.Minute,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
