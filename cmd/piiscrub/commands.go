// cmd/piiscrub/commands.go
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/colebrumley/piiscrub/internal/config"
	"github.com/colebrumley/piiscrub/internal/ruleset"
	"github.com/colebrumley/piiscrub/internal/security"
	"github.com/colebrumley/piiscrub/pkg/pii"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newTextCmd(g *globals) *cobra.Command {
	var builtin []string

	cmd := &cobra.Command{
		Use:   "text [text...]",
		Short: "Redact PII from arguments or from stdin, line by line",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			compiled, setName := e.provider.Snapshot().Compiled, ""
			if len(builtin) > 0 {
				rules, err := selectBuiltins(builtin)
				if err != nil {
					return err
				}
				compiled, _ = pii.Compile(rules)
				setName = "builtin:" + strings.Join(builtin, ",")
			}

			start := time.Now()
			var report pii.Report
			out := cmd.OutOrStdout()
			if len(args) > 0 {
				err = scrubLine(out, compiled, strings.Join(args, " ")+"\n", &report)
			} else {
				err = scrubLines(out, cmd.InOrStdin(), compiled, &report)
			}
			e.record("cli:text", setName, start, report, compiled.Len(), err)
			return err
		},
	}

	cmd.Flags().StringSliceVar(&builtin, "builtin", nil, "apply only these built-in sanitizers (email, phone, token, identifier)")
	return cmd
}

func selectBuiltins(names []string) ([]pii.Rule, error) {
	rules := make([]pii.Rule, 0, len(names))
	for _, name := range names {
		r, ok := pii.BuiltinRule(pii.RuleName(strings.TrimSpace(name)))
		if !ok {
			return nil, fmt.Errorf("unknown built-in sanitizer %q", name)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func scrubLines(w io.Writer, r io.Reader, compiled *pii.Compiled, report *pii.Report) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if werr := scrubLine(w, compiled, line, report); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
	}
}

func scrubLine(w io.Writer, compiled *pii.Compiled, line string, report *pii.Report) error {
	out := compiled.Apply(line)
	report.Strings++
	if out != line {
		report.Changed++
	}
	_, err := io.WriteString(w, out)
	return err
}

func newJSONCmd(g *globals) *cobra.Command {
	var maxDepth int
	var stats bool

	cmd := &cobra.Command{
		Use:   "json [file]",
		Short: "Redact PII from every string in a JSON document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			var data []byte
			if len(args) == 1 {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}

			snap := e.provider.Snapshot()
			opts := snap.Options()
			if maxDepth > 0 {
				opts.MaxDepth = maxDepth
			}

			start := time.Now()
			out, report, err := snap.Compiled.ScrubJSON(data, opts)
			e.record("cli:json", "", start, report, snap.Compiled.Len(), err)
			if err != nil {
				return err
			}

			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out); err != nil {
				return err
			}
			if stats {
				enc := json.NewEncoder(cmd.ErrOrStderr())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "nesting depth limit (default from rules or config)")
	cmd.Flags().BoolVar(&stats, "stats", false, "print a scrub report to stderr")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|dir>",
		Short: "Validate rule-set files without applying them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if err := security.ValidateRulesPath(args[0]); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}

			sets, err := ruleset.LoadPath(args[0])
			if err != nil {
				return err
			}

			total := 0
			for _, set := range sets {
				fmt.Fprintf(out, "✓ %s: %d rules (%s)\n", set.Name, len(set.Rules), set.Path)
				total += len(set.Rules)
			}
			fmt.Fprintf(out, "Validated %d rule sets, %d rules\n", len(sets), total)
			return nil
		},
	}
}

func newRulesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the active rules in application order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			snap := e.provider.Snapshot()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Rule sets: %s (max depth %d)\n\n", strings.Join(snap.Sets, ", "), snap.MaxDepth)
			fmt.Fprintf(out, "%-3s %-12s %-10s %-26s %s\n", "#", "NAME", "SYNTAX", "REPLACEMENT", "PATTERN")
			fmt.Fprintln(out, strings.Repeat("-", 80))
			for i, r := range snap.Rules {
				syntax := string(r.Syntax)
				if syntax == "" {
					syntax = string(pii.SyntaxRE2)
				}
				fmt.Fprintf(out, "%-3d %-12s %-10s %-26s %s\n", i, r.Name, syntax, r.Replacement, r.Pattern)
			}
			return nil
		},
	}
}

func newHistoryCmd(g *globals) *cobra.Command {
	var source string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded scrub runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			if e.history == nil {
				return fmt.Errorf("history is disabled (set history.enabled in %s)", g.configPath)
			}

			runs, err := e.history.GetHistory(source, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			fmt.Fprintf(out, "%-20s %-16s %-8s %-8s %-6s %s\n", "STARTED", "SOURCE", "STRINGS", "CHANGED", "MS", "ERROR")
			fmt.Fprintln(out, strings.Repeat("-", 80))
			for _, run := range runs {
				errMsg := run.Error
				if len(errMsg) > 40 {
					errMsg = errMsg[:37] + "..."
				}
				fmt.Fprintf(out, "%-20s %-16s %-8d %-8d %-6d %s\n",
					run.StartedAt.Local().Format("2006-01-02 15:04:05"), run.Source,
					run.Strings, run.Changed, run.DurationMs, errMsg)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "only runs from this source (cli:text, mcp:scrub_json, daemon:refresh, ...)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")
	return cmd
}

func newInitCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and the built-in rule set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return initDir(cmd.OutOrStdout(), dir)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", config.DefaultDir(), "directory to initialize")
	return cmd
}

func initDir(out io.Writer, dir string) error {
	rulesDir := filepath.Join(dir, "rules")
	for _, d := range []string{dir, rulesDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	// rules decide what gets redacted; keep them private to the owner
	if err := os.Chmod(rulesDir, 0700); err != nil {
		return fmt.Errorf("setting rules directory permissions: %w", err)
	}

	cfg := config.Global{
		Logging: config.LoggingConfig{Format: "text", Level: "info"},
		Rules:   config.RulesConfig{Path: rulesDir, MaxDepth: pii.DefaultMaxDepth},
		History: config.HistoryConfig{Enabled: true, Path: filepath.Join(dir, "history.db"), RetentionDays: 30},
		MCP:     config.MCPConfig{ListenAddress: "127.0.0.1", ListenPort: 9877},
		Refresh: config.RefreshConfig{Watch: true, DebounceSeconds: 2},
	}
	cfgData, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := writeIfMissing(out, filepath.Join(dir, "config.yaml"), cfgData); err != nil {
		return err
	}

	rulesData, err := ruleset.Marshal(ruleset.Builtin(), ruleset.FormatYAML)
	if err != nil {
		return err
	}
	if err := writeIfMissing(out, filepath.Join(rulesDir, "default.yaml"), rulesData); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nInitialization complete. Add rule sets to:", rulesDir)
	return nil
}

func writeIfMissing(out io.Writer, path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "Kept existing %s\n", path)
		return nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Fprintf(out, "Created %s\n", path)
	return nil
}
