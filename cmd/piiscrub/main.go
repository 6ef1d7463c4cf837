// cmd/piiscrub/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/colebrumley/piiscrub/internal/config"
	"github.com/colebrumley/piiscrub/internal/history"
	"github.com/colebrumley/piiscrub/internal/logging"
	"github.com/colebrumley/piiscrub/internal/ruleset"
	"github.com/colebrumley/piiscrub/pkg/pii"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	rulesPath  string
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "piiscrub",
		Short: "Redact PII from text and JSON documents",
		Long: `piiscrub removes email addresses, phone numbers, bearer tokens and long
opaque identifiers from text and structured data before it is logged,
stored or sent to a model.

Rules come from the rule sets named by rules.path in the config file, or
from the built-in sanitizers when no path is set.

Examples:
  piiscrub text "contact jane@example.com"
  cat event.json | piiscrub json --stats
  piiscrub validate ~/.config/piiscrub/rules
  piiscrub init`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultPath(), "config file")
	root.PersistentFlags().StringVar(&g.rulesPath, "rules", "", "rule-set file or directory (overrides rules.path)")

	root.AddCommand(
		newTextCmd(g),
		newJSONCmd(g),
		newValidateCmd(),
		newRulesCmd(g),
		newHistoryCmd(g),
		newInitCmd(),
	)
	return root
}

// env is the per-invocation state built from config.
type env struct {
	cfg      *config.Global
	logger   *slog.Logger
	provider ruleset.Provider
	history  *history.DB
}

func (g *globals) load(ctx context.Context) (*env, error) {
	cfg, err := config.LoadGlobalOrDefault(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.rulesPath != "" {
		cfg.Rules.Path = g.rulesPath
	}

	// stdout carries scrubbed output; keep stderr to warnings unless debugging
	level := "warn"
	if cfg.Logging.Debug {
		level = "debug"
	}
	logger := logging.NewLogger("text", level, os.Stderr)
	pii.SetLogger(logger)

	var provider ruleset.Provider
	if cfg.Rules.Path == "" {
		provider, err = ruleset.NewStaticProvider(nil, cfg.Rules.MaxDepth)
	} else {
		provider, err = ruleset.NewFileProvider(ctx, cfg.Rules.Path, cfg.Rules.MaxDepth, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	e := &env{cfg: cfg, logger: logger, provider: provider}
	if cfg.History.Enabled {
		db, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.Warn("history disabled", "error", err)
		} else {
			e.history = db
		}
	}
	return e, nil
}

func (e *env) close() {
	if e.history != nil {
		e.history.Close()
	}
}

// record stores a run when history is enabled. Failures are logged only.
func (e *env) record(source, ruleSet string, start time.Time, report pii.Report, ruleCount int, runErr error) {
	if e.history == nil {
		return
	}
	snap := e.provider.Snapshot()
	if ruleSet == "" {
		ruleSet = strings.Join(snap.Sets, ",")
	}
	run := history.Run{
		Source:       source,
		RuleSet:      ruleSet,
		RulesVersion: snap.Version,
		RuleCount:    ruleCount,
		Strings:      report.Strings,
		Changed:      report.Changed,
		DurationMs:   time.Since(start).Milliseconds(),
		StartedAt:    start,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if _, err := e.history.RecordRun(run); err != nil {
		e.logger.Warn("failed to record run", "source", source, "error", err)
	}
}
