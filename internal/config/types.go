// internal/config/types.go
package config

// Global configuration loaded from config.yaml
type Global struct {
	Logging LoggingConfig `yaml:"logging"`
	Rules   RulesConfig   `yaml:"rules"`
	History HistoryConfig `yaml:"history"`
	MCP     MCPConfig     `yaml:"mcp"`
	Refresh RefreshConfig `yaml:"refresh"`
}

type LoggingConfig struct {
	Format string  `yaml:"format"` // json or text
	Level  string  `yaml:"level"`
	Debug  bool    `yaml:"debug"`
	File   LogFile `yaml:"file"`
}

// LogFile enables a rotated log file in addition to stderr. Empty Path disables it.
type LogFile struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type RulesConfig struct {
	// Path is a rule-set file or a directory of them. Empty means built-ins only.
	Path     string `yaml:"path"`
	MaxDepth int    `yaml:"max_depth"`
}

type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type MCPConfig struct {
	ListenAddress string `yaml:"listen_address"`
	ListenPort    int    `yaml:"listen_port"`
}

type RefreshConfig struct {
	Watch           bool   `yaml:"watch"`
	DebounceSeconds int    `yaml:"debounce_seconds"`
	CronExpression  string `yaml:"cron_expression"`
	RunEvery        string `yaml:"run_every"`
}

// Trigger configures one rules-refresh trigger. The daemon derives these from
// RefreshConfig; they can also be built directly.
type Trigger struct {
	Type string `yaml:"type"`
	// Filesystem
	WatchPaths      []string `yaml:"watch_paths"`
	DebounceSeconds int      `yaml:"debounce_seconds"`
	// Scheduled
	CronExpression string `yaml:"cron_expression"`
	RunEvery       string `yaml:"run_every"`
}
