// internal/config/loader.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file is parsed.
const (
	EnvConfig    = "PIISCRUB_CONFIG"
	EnvRules     = "PIISCRUB_RULES"
	EnvHistoryDB = "PIISCRUB_HISTORY_DB"
	EnvMCPPort   = "PIISCRUB_MCP_PORT"
)

// DefaultDir returns the per-user directory holding config.yaml, rules and history.
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "piiscrub")
	}
	return ".piiscrub"
}

// DefaultPath returns the config file location, honoring PIISCRUB_CONFIG.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return filepath.Join(DefaultDir(), "config.yaml")
}

// LoadGlobal loads the global configuration from a YAML file
func LoadGlobal(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseGlobal(data)
}

// LoadGlobalOrDefault is LoadGlobal, except that a missing file yields the defaults.
func LoadGlobalOrDefault(path string) (*Global, error) {
	cfg, err := LoadGlobal(path)
	if errors.Is(err, os.ErrNotExist) {
		return ParseGlobal(nil)
	}
	return cfg, err
}

// ParseGlobal decodes YAML config, then applies environment overrides and defaults.
func ParseGlobal(data []byte) (*Global, error) {
	var cfg Global
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyGlobalDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Global) error {
	if v := os.Getenv(EnvRules); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv(EnvHistoryDB); v != "" {
		cfg.History.Path = v
		cfg.History.Enabled = true
	}
	if v := os.Getenv(EnvMCPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvMCPPort, err)
		}
		cfg.MCP.ListenPort = port
	}
	return nil
}

func applyGlobalDefaults(cfg *Global) {
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Debug {
		cfg.Logging.Level = "debug"
	}
	if cfg.Logging.File.Path != "" {
		if cfg.Logging.File.MaxSizeMB <= 0 {
			cfg.Logging.File.MaxSizeMB = 10
		}
		if cfg.Logging.File.MaxBackups <= 0 {
			cfg.Logging.File.MaxBackups = 5
		}
	}
	if cfg.Rules.MaxDepth <= 0 {
		cfg.Rules.MaxDepth = 50
	}
	if cfg.MCP.ListenAddress == "" {
		cfg.MCP.ListenAddress = "127.0.0.1"
	}
	if cfg.MCP.ListenPort == 0 {
		cfg.MCP.ListenPort = 9877
	}
	if cfg.Refresh.DebounceSeconds <= 0 {
		cfg.Refresh.DebounceSeconds = 2
	}
	if cfg.History.RetentionDays <= 0 {
		cfg.History.RetentionDays = 30
	}
	// History: only set default path if enabled and path not set
	if cfg.History.Enabled && cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(DefaultDir(), "history.db")
	}
}

// Validate checks values that defaults cannot repair.
func (g *Global) Validate() error {
	switch g.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format %q (want json or text)", g.Logging.Format)
	}
	if g.MCP.ListenPort < 0 || g.MCP.ListenPort > 65535 {
		return fmt.Errorf("invalid mcp listen_port %d", g.MCP.ListenPort)
	}
	if g.Refresh.CronExpression != "" && g.Refresh.RunEvery != "" {
		return fmt.Errorf("refresh: cron_expression and run_every are mutually exclusive")
	}
	if g.Refresh.CronExpression != "" {
		// same field layout as cron.WithSeconds()
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(g.Refresh.CronExpression); err != nil {
			return fmt.Errorf("refresh: invalid cron_expression: %w", err)
		}
	}
	if g.Refresh.RunEvery != "" {
		if _, err := time.ParseDuration(g.Refresh.RunEvery); err != nil {
			return fmt.Errorf("refresh: invalid run_every: %w", err)
		}
	}
	return nil
}
