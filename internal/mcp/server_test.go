// internal/mcp/server_test.go
package mcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/colebrumley/piiscrub/internal/history"
	"github.com/colebrumley/piiscrub/internal/ruleset"
	"github.com/colebrumley/piiscrub/pkg/pii"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	provider, err := ruleset.NewStaticProvider(nil, 0)
	if err != nil {
		t.Fatalf("NewStaticProvider() error = %v", err)
	}
	return NewServer(provider, opts)
}

func openHistory(t *testing.T) *history.DB {
	t.Helper()
	db, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("history.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestToolHandlers(t *testing.T) {
	db := openHistory(t)
	server := newTestServer(t, Options{History: db})
	ctx := context.Background()

	t.Run("scrub_text", func(t *testing.T) {
		_, output, err := server.handleScrubText(ctx, nil, ScrubTextInput{
			Text: "contact jane@example.com or +1 (555) 123-4567",
		})
		if err != nil {
			t.Fatalf("handleScrubText() error = %v", err)
		}
		want := "contact [REDACTED-EMAIL] or [REDACTED-PHONE]"
		if output.Text != want {
			t.Errorf("handleScrubText() text = %q, want %q", output.Text, want)
		}
		if !output.Changed {
			t.Error("handleScrubText() changed = false, want true")
		}
	})

	t.Run("scrub_text unchanged", func(t *testing.T) {
		_, output, err := server.handleScrubText(ctx, nil, ScrubTextInput{Text: "nothing to see"})
		if err != nil {
			t.Fatalf("handleScrubText() error = %v", err)
		}
		if output.Changed || output.Text != "nothing to see" {
			t.Errorf("handleScrubText() = %+v, want unchanged", output)
		}
	})

	t.Run("scrub_text with rules", func(t *testing.T) {
		_, output, err := server.handleScrubText(ctx, nil, ScrubTextInput{
			Text:  "order 42 for jane@example.com",
			Rules: []pii.Rule{{Name: pii.NameCustom, Pattern: `\d+`, Replacement: "N"}},
		})
		if err != nil {
			t.Fatalf("handleScrubText() error = %v", err)
		}
		if output.Text != "order N for jane@example.com" {
			t.Errorf("request rules should replace the active set, got %q", output.Text)
		}
	})

	t.Run("scrub_text with builtin", func(t *testing.T) {
		_, output, err := server.handleScrubText(ctx, nil, ScrubTextInput{
			Text:    "jane@example.com 555-123-4567",
			Builtin: []string{"phone"},
		})
		if err != nil {
			t.Fatalf("handleScrubText() error = %v", err)
		}
		if output.Text != "jane@example.com [REDACTED-PHONE]" {
			t.Errorf("handleScrubText() text = %q", output.Text)
		}
	})

	t.Run("scrub_text errors", func(t *testing.T) {
		if _, _, err := server.handleScrubText(ctx, nil, ScrubTextInput{
			Text:  "x",
			Rules: []pii.Rule{{Name: pii.NameEmail, Pattern: "(", Replacement: "R"}},
		}); err == nil {
			t.Error("expected error for malformed rule")
		}
		if _, _, err := server.handleScrubText(ctx, nil, ScrubTextInput{
			Text:    "x",
			Builtin: []string{"ssn"},
		}); err == nil {
			t.Error("expected error for unknown built-in")
		}
		if _, _, err := server.handleScrubText(ctx, nil, ScrubTextInput{
			Text:    "x",
			Rules:   []pii.Rule{{Name: pii.NameCustom, Pattern: "x", Replacement: "y"}},
			Builtin: []string{"email"},
		}); err == nil {
			t.Error("expected error when rules and builtin are both set")
		}
	})

	t.Run("scrub_json", func(t *testing.T) {
		_, output, err := server.handleScrubJSON(ctx, nil, ScrubJSONInput{
			JSON: `{"user":{"email":"jane@example.com","age":30},"notes":["call 555-123-4567"]}`,
		})
		if err != nil {
			t.Fatalf("handleScrubJSON() error = %v", err)
		}
		want := `{"notes":["call [REDACTED-PHONE]"],"user":{"age":30,"email":"[REDACTED-EMAIL]"}}`
		if output.JSON != want {
			t.Errorf("handleScrubJSON() json = %s, want %s", output.JSON, want)
		}
		if output.Report.Strings != 2 || output.Report.Changed != 2 {
			t.Errorf("handleScrubJSON() report = %+v", output.Report)
		}
	})

	t.Run("scrub_json max_depth", func(t *testing.T) {
		_, output, err := server.handleScrubJSON(ctx, nil, ScrubJSONInput{
			JSON:     `{"a":{"email":"jane@example.com"}}`,
			MaxDepth: 0,
		})
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(output.JSON, pii.RedactedEmail) {
			t.Errorf("zero max_depth should use the active depth, got %s", output.JSON)
		}

		_, output, err = server.handleScrubJSON(ctx, nil, ScrubJSONInput{
			JSON:     `{"a":{"b":{"email":"jane@example.com"}}}`,
			MaxDepth: 1,
		})
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(output.JSON, "jane@example.com") {
			t.Errorf("values past max_depth should be left as-is, got %s", output.JSON)
		}
	})

	t.Run("scrub_json invalid", func(t *testing.T) {
		if _, _, err := server.handleScrubJSON(ctx, nil, ScrubJSONInput{JSON: "{nope"}); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})

	t.Run("history", func(t *testing.T) {
		runs, err := db.GetHistory("mcp:scrub_text", 0)
		if err != nil {
			t.Fatalf("GetHistory() error = %v", err)
		}
		// rejected requests are not recorded
		if len(runs) != 4 {
			t.Errorf("expected 4 scrub_text runs, got %d", len(runs))
		}

		runs, err = db.GetHistory("mcp:scrub_json", 0)
		if err != nil {
			t.Fatalf("GetHistory() error = %v", err)
		}
		if len(runs) != 4 {
			t.Fatalf("expected 4 scrub_json runs, got %d", len(runs))
		}
		if runs[0].Error == "" {
			t.Error("failed scrub_json run should record its error")
		}
	})
}

func TestValidateRules(t *testing.T) {
	server := newTestServer(t, Options{})
	ctx := context.Background()

	_, output, err := server.handleValidateRules(ctx, nil, ValidateRulesInput{
		Rules: []map[string]any{
			{"name": "email", "pattern": "@", "replacement": "X"},
			{"name": "custom", "pattern": `\d+(?=px)`, "replacement": "N", "syntax": "ecmascript"},
		},
	})
	if err != nil {
		t.Fatalf("handleValidateRules() error = %v", err)
	}
	if !output.Valid || output.Index != -1 {
		t.Errorf("handleValidateRules() = %+v, want valid", output)
	}

	_, output, err = server.handleValidateRules(ctx, nil, ValidateRulesInput{
		Rules: []map[string]any{
			{"name": "email", "pattern": "@", "replacement": "X"},
			{"name": "phone", "pattern": "(", "replacement": "Y"},
		},
	})
	if err != nil {
		t.Fatalf("handleValidateRules() error = %v", err)
	}
	if output.Valid || output.Index != 1 {
		t.Errorf("handleValidateRules() = %+v, want invalid at 1", output)
	}
	if !strings.HasPrefix(output.Error, "rule[1]:") {
		t.Errorf("error should name the rule, got %q", output.Error)
	}
}

func TestListRules(t *testing.T) {
	server := newTestServer(t, Options{})

	_, output, err := server.handleListRules(context.Background(), nil, ListRulesInput{})
	if err != nil {
		t.Fatalf("handleListRules() error = %v", err)
	}
	if len(output.Rules) != len(pii.BuiltinRules()) {
		t.Errorf("expected %d rules, got %d", len(pii.BuiltinRules()), len(output.Rules))
	}
	if output.Version != 1 || output.MaxDepth != pii.DefaultMaxDepth {
		t.Errorf("handleListRules() = version %d depth %d", output.Version, output.MaxDepth)
	}
	if len(output.Sets) != 1 || output.Sets[0] != "builtin" {
		t.Errorf("handleListRules() sets = %v", output.Sets)
	}
}

func TestReloadRules(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "default.yaml")
	write := func(content string) {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("rules:\n  - name: email\n    pattern: '@'\n    replacement: AT\n")

	provider, err := ruleset.NewFileProvider(ctx, path, 0, nil)
	if err != nil {
		t.Fatalf("NewFileProvider() error = %v", err)
	}
	server := NewServer(provider, Options{})

	write("rules:\n  - name: email\n    pattern: '@'\n    replacement: '(at)'\n")
	_, output, err := server.handleReloadRules(ctx, nil, ReloadRulesInput{})
	if err != nil {
		t.Fatalf("handleReloadRules() error = %v", err)
	}
	if output.Version != 2 {
		t.Errorf("expected version 2, got %d", output.Version)
	}

	_, text, _ := server.handleScrubText(ctx, nil, ScrubTextInput{Text: "a@b"})
	if text.Text != "a(at)b" {
		t.Errorf("reloaded rules not active, got %q", text.Text)
	}

	write("rules:\n  - name: email\n    pattern: '('\n    replacement: X\n")
	if _, _, err := server.handleReloadRules(ctx, nil, ReloadRulesInput{}); err == nil {
		t.Error("expected error for malformed rules")
	}
	if provider.Version() != 2 {
		t.Errorf("failed reload should keep version 2, got %d", provider.Version())
	}
}

func TestReloadRules_CustomReload(t *testing.T) {
	called := false
	server := newTestServer(t, Options{Reload: func(context.Context) error {
		called = true
		return nil
	}})

	_, output, err := server.handleReloadRules(context.Background(), nil, ReloadRulesInput{})
	if err != nil {
		t.Fatalf("handleReloadRules() error = %v", err)
	}
	if !called {
		t.Error("custom reload was not used")
	}
	if !strings.Contains(output.Message, "still active") {
		t.Errorf("unexpected message %q", output.Message)
	}

	failing := newTestServer(t, Options{Reload: func(context.Context) error {
		return errors.New("trigger not running")
	}})
	if _, _, err := failing.handleReloadRules(context.Background(), nil, ReloadRulesInput{}); err == nil {
		t.Error("expected reload error")
	}
}

func TestInMemoryTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t, Options{})
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	serverSession, err := server.MCPServer().Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server Connect() error = %v", err)
	}
	defer serverSession.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client Connect() error = %v", err)
	}
	defer session.Close()

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"scrub_text", "scrub_json", "validate_rules", "list_rules", "reload_rules"} {
		if !names[want] {
			t.Errorf("tool %s not registered", want)
		}
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "scrub_text",
		Arguments: map[string]any{"text": "mail jane@example.com"},
	})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("CallTool() returned a tool error: %+v", result.Content)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	if !strings.Contains(text.Text, pii.RedactedEmail) {
		t.Errorf("CallTool() content = %s", text.Text)
	}
}
