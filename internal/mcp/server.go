// internal/mcp/server.go
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/colebrumley/piiscrub/internal/history"
	"github.com/colebrumley/piiscrub/internal/ruleset"
	"github.com/colebrumley/piiscrub/pkg/pii"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server wraps the MCP server with PII scrubbing tools
type Server struct {
	provider ruleset.Provider
	history  *history.DB
	reload   func(ctx context.Context) error
	logger   *slog.Logger
	server   *mcp.Server
}

// Options configures optional collaborators of the server.
type Options struct {
	// History, when set, records a run per scrub call.
	History *history.DB
	// Reload handles reload_rules. Defaults to refreshing the provider directly.
	Reload func(ctx context.Context) error
	Logger *slog.Logger
}

// ScrubTextInput is the input schema for the scrub_text tool
type ScrubTextInput struct {
	Text    string     `json:"text" jsonschema:"The text to sanitize"`
	Rules   []pii.Rule `json:"rules,omitempty" jsonschema:"Optional rules to apply instead of the active rule set"`
	Builtin []string   `json:"builtin,omitempty" jsonschema:"Optional built-in sanitizers to apply instead: email, phone, token, identifier"`
}

// ScrubTextOutput is the output schema for the scrub_text tool
type ScrubTextOutput struct {
	Text    string `json:"text"`
	Changed bool   `json:"changed"`
}

// ScrubJSONInput is the input schema for the scrub_json tool
type ScrubJSONInput struct {
	JSON     string `json:"json" jsonschema:"A JSON document to sanitize"`
	MaxDepth int    `json:"max_depth,omitempty" jsonschema:"Optional nesting depth limit; deeper values are returned unmodified"`
}

// ScrubJSONOutput is the output schema for the scrub_json tool
type ScrubJSONOutput struct {
	JSON   string     `json:"json"`
	Report pii.Report `json:"report"`
}

// ValidateRulesInput is the input schema for the validate_rules tool
type ValidateRulesInput struct {
	Rules []map[string]any `json:"rules" jsonschema:"Candidate rules, each with name, pattern and replacement"`
}

// ValidateRulesOutput is the output schema for the validate_rules tool
type ValidateRulesOutput struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
	Index int    `json:"index"` // first invalid rule, -1 when valid
}

// ListRulesInput is the input schema for the list_rules tool
type ListRulesInput struct{}

// ListRulesOutput is the output schema for the list_rules tool
type ListRulesOutput struct {
	Rules    []pii.Rule `json:"rules"`
	Sets     []string   `json:"sets"`
	MaxDepth int        `json:"max_depth"`
	Version  int64      `json:"version"`
}

// ReloadRulesInput is the input schema for the reload_rules tool
type ReloadRulesInput struct{}

// ReloadRulesOutput is the output schema for the reload_rules tool
type ReloadRulesOutput struct {
	Version int64  `json:"version"`
	Message string `json:"message"`
}

// NewServer creates a new MCP server with scrubbing tools
func NewServer(provider ruleset.Provider, opts Options) *Server {
	s := &Server{
		provider: provider,
		history:  opts.History,
		reload:   opts.Reload,
		logger:   opts.Logger,
	}
	if s.reload == nil {
		s.reload = provider.Refresh
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "piiscrub",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "scrub_text",
		Description: "Redact PII (email addresses, phone numbers, bearer tokens, API keys) from a string before logging, storing or forwarding it. Uses the active rule set unless rules or builtin are given.",
	}, s.handleScrubText)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "scrub_json",
		Description: "Redact PII from every string inside a JSON document. Structure, numbers and key names are preserved.",
	}, s.handleScrubJSON)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "validate_rules",
		Description: "Check candidate redaction rules without applying them. Reports the first invalid rule and why.",
	}, s.handleValidateRules)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_rules",
		Description: "List the active redaction rules in the order they are applied.",
	}, s.handleListRules)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reload_rules",
		Description: "Reload rule sets from disk. The previous rules stay active if the new ones are invalid.",
	}, s.handleReloadRules)

	s.server = server
	return s
}

func (s *Server) handleScrubText(ctx context.Context, req *mcp.CallToolRequest, input ScrubTextInput) (*mcp.CallToolResult, ScrubTextOutput, error) {
	start := time.Now()
	snap := s.provider.Snapshot()
	compiled, setName := snap.Compiled, "active"

	rules, err := requestedRules(input.Rules, input.Builtin)
	if err != nil {
		return nil, ScrubTextOutput{}, err
	}
	if rules != nil {
		c, res := pii.Compile(rules)
		if !res.Valid {
			return nil, ScrubTextOutput{}, fmt.Errorf("invalid rules: %s", res.Error)
		}
		compiled, setName = c, "request"
	}

	out := compiled.Apply(input.Text)
	changed := out != input.Text
	s.record(history.Run{
		Source:       "mcp:scrub_text",
		RuleSet:      setName,
		RulesVersion: snap.Version,
		RuleCount:    compiled.Len(),
		Strings:      1,
		Changed:      boolToInt(changed),
		DurationMs:   time.Since(start).Milliseconds(),
		StartedAt:    start,
	})

	return nil, ScrubTextOutput{Text: out, Changed: changed}, nil
}

// requestedRules resolves per-call rules. Returns nil when the active set applies.
func requestedRules(rules []pii.Rule, builtin []string) ([]pii.Rule, error) {
	if len(rules) > 0 && len(builtin) > 0 {
		return nil, errors.New("rules and builtin are mutually exclusive")
	}
	if len(rules) > 0 {
		return rules, nil
	}
	if len(builtin) == 0 {
		return nil, nil
	}
	selected := make([]pii.Rule, 0, len(builtin))
	for _, name := range builtin {
		r, ok := pii.BuiltinRule(pii.RuleName(name))
		if !ok {
			return nil, fmt.Errorf("unknown built-in sanitizer %q", name)
		}
		selected = append(selected, r)
	}
	return selected, nil
}

func (s *Server) handleScrubJSON(ctx context.Context, req *mcp.CallToolRequest, input ScrubJSONInput) (*mcp.CallToolResult, ScrubJSONOutput, error) {
	start := time.Now()
	snap := s.provider.Snapshot()

	opts := snap.Options()
	if input.MaxDepth > 0 {
		opts.MaxDepth = input.MaxDepth
	}

	out, report, err := snap.Compiled.ScrubJSON([]byte(input.JSON), opts)
	run := history.Run{
		Source:       "mcp:scrub_json",
		RuleSet:      "active",
		RulesVersion: snap.Version,
		RuleCount:    snap.Compiled.Len(),
		Strings:      report.Strings,
		Changed:      report.Changed,
		DurationMs:   time.Since(start).Milliseconds(),
		StartedAt:    start,
	}
	if err != nil {
		run.Error = err.Error()
		s.record(run)
		return nil, ScrubJSONOutput{}, err
	}
	s.record(run)

	return nil, ScrubJSONOutput{JSON: string(out), Report: report}, nil
}

func (s *Server) handleValidateRules(ctx context.Context, req *mcp.CallToolRequest, input ValidateRulesInput) (*mcp.CallToolResult, ValidateRulesOutput, error) {
	for i, candidate := range input.Rules {
		if res := pii.IsValidRule(candidate); !res.Valid {
			return nil, ValidateRulesOutput{
				Valid: false,
				Error: fmt.Sprintf("rule[%d]: %s", i, res.Error),
				Index: i,
			}, nil
		}
	}
	return nil, ValidateRulesOutput{Valid: true, Index: -1}, nil
}

func (s *Server) handleListRules(ctx context.Context, req *mcp.CallToolRequest, input ListRulesInput) (*mcp.CallToolResult, ListRulesOutput, error) {
	snap := s.provider.Snapshot()
	return nil, ListRulesOutput{
		Rules:    s.provider.Rules(),
		Sets:     snap.Sets,
		MaxDepth: snap.MaxDepth,
		Version:  snap.Version,
	}, nil
}

func (s *Server) handleReloadRules(ctx context.Context, req *mcp.CallToolRequest, input ReloadRulesInput) (*mcp.CallToolResult, ReloadRulesOutput, error) {
	before := s.provider.Version()
	if err := s.reload(ctx); err != nil {
		return nil, ReloadRulesOutput{}, fmt.Errorf("reloading rules: %w", err)
	}

	after := s.provider.Version()
	msg := fmt.Sprintf("Rules reloaded (version %d)", after)
	if after == before {
		msg = fmt.Sprintf("Reload requested; version %d still active", after)
	}
	return nil, ReloadRulesOutput{Version: after, Message: msg}, nil
}

func (s *Server) record(run history.Run) {
	if s.history == nil {
		return
	}
	if _, err := s.history.RecordRun(run); err != nil {
		s.logger.Warn("failed to record scrub history", "source", run.Source, "error", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Run starts the MCP server on stdio
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler returns a streamable HTTP handler serving this server.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

// RunHTTP serves MCP over streamable HTTP on addr until ctx is canceled.
func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// MCPServer exposes the underlying server for in-process transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
