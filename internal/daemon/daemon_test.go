// internal/daemon/daemon_test.go
package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/colebrumley/piiscrub/internal/history"
	"github.com/colebrumley/piiscrub/internal/trigger"
	"github.com/colebrumley/piiscrub/pkg/pii"
)

const emailRules = `
name: test-rules
rules:
  - name: email
    pattern: '\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b'
    replacement: '[EMAIL]'
`

const phoneRules = `
name: test-rules
rules:
  - name: phone
    pattern: '\d{3}-\d{4}'
    replacement: '[PHONE]'
`

type fixture struct {
	dir       string
	rulesPath string
	daemon    *Daemon
}

// newFixture writes a config with file-backed rules and history, then
// initializes a daemon from it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir, rulesPath: filepath.Join(dir, "rules.yaml")}
	f.writeRules(t, emailRules)

	cfg := "logging:\n  format: text\n  level: error\n" +
		"rules:\n  path: " + f.rulesPath + "\n" +
		"history:\n  enabled: true\n  path: " + filepath.Join(dir, "history.db") + "\n"
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	f.daemon = New(configPath)
	if err := f.daemon.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { f.daemon.shutdown() })
	return f
}

func (f *fixture) writeRules(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(f.rulesPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestInit_DefaultConfig(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "missing.yaml"))
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer d.shutdown()

	if got := len(d.Provider().Rules()); got != len(pii.BuiltinRules()) {
		t.Errorf("expected built-in rules, got %d", got)
	}
	if d.History() != nil {
		t.Error("history should be disabled by default")
	}

	// second Init is a no-op
	provider := d.Provider()
	if err := d.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.Provider() != provider {
		t.Error("Init should not rebuild the provider")
	}
}

func TestInit_FileRules(t *testing.T) {
	f := newFixture(t)

	if f.daemon.History() == nil {
		t.Fatal("expected history to be open")
	}
	snap := f.daemon.Provider().Snapshot()
	if snap.Sets[0] != "test-rules" || len(snap.Rules) != 1 {
		t.Errorf("unexpected snapshot: sets %v, %d rules", snap.Sets, len(snap.Rules))
	}
	if got := snap.Compiled.Apply("mail jane@example.com"); got != "mail [EMAIL]" {
		t.Errorf("file rules not active, got %q", got)
	}
}

func TestInit_InvalidRules(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	os.WriteFile(rulesPath, []byte("rules:\n  - name: email\n    pattern: '('\n    replacement: X\n"), 0644)
	configPath := filepath.Join(dir, "config.yaml")
	os.WriteFile(configPath, []byte("rules:\n  path: "+rulesPath+"\n"), 0644)

	d := New(configPath)
	if err := d.Init(context.Background()); err == nil {
		d.shutdown()
		t.Fatal("expected error for malformed rules")
	}
}

func TestInit_InvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(configPath, []byte("logging:\n  format: xml\n"), 0644)

	if err := New(configPath).Init(context.Background()); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestHandleEvent_Refresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeRules(t, phoneRules)
	f.daemon.handleEvent(ctx, trigger.Event{
		Source:    "filesystem",
		Type:      trigger.TypeRulesChanged,
		Timestamp: time.Now(),
		Data:      map[string]any{"file_path": f.rulesPath},
	})

	snap := f.daemon.Provider().Snapshot()
	if snap.Version != 2 {
		t.Errorf("expected version 2, got %d", snap.Version)
	}
	if got := snap.Compiled.Apply("call 555-1234"); got != "call [PHONE]" {
		t.Errorf("refreshed rules not active, got %q", got)
	}

	runs, err := f.daemon.History().GetHistory("daemon:refresh", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 recorded refresh, got %d", len(runs))
	}
	if runs[0].RulesVersion != 2 || runs[0].RuleSet != "test-rules" || runs[0].Error != "" {
		t.Errorf("unexpected run: %+v", runs[0])
	}
}

func TestHandleEvent_FailedRefreshKeepsRules(t *testing.T) {
	f := newFixture(t)

	f.writeRules(t, "rules:\n  - name: email\n    pattern: '('\n    replacement: X\n")
	f.daemon.handleEvent(context.Background(), trigger.Event{Source: "scheduled", Type: trigger.TypeScheduled})

	snap := f.daemon.Provider().Snapshot()
	if snap.Version != 1 {
		t.Errorf("failed refresh should keep version 1, got %d", snap.Version)
	}
	if got := snap.Compiled.Apply("jane@example.com"); got != "[EMAIL]" {
		t.Errorf("previous rules should stay active, got %q", got)
	}

	f.daemon.mu.RLock()
	last := f.daemon.lastRefresh
	f.daemon.mu.RUnlock()
	if last.Error == "" || last.Trigger != "scheduled" {
		t.Errorf("last refresh should record the failure, got %+v", last)
	}

	runs, _ := f.daemon.History().GetHistory("daemon:refresh", 0)
	if len(runs) != 1 || runs[0].Error == "" {
		t.Errorf("failed refresh should be recorded with its error, got %+v", runs)
	}
}

func TestReload_BeforeTriggers(t *testing.T) {
	f := newFixture(t)

	f.writeRules(t, phoneRules)
	if err := f.daemon.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if v := f.daemon.Provider().Version(); v != 2 {
		t.Errorf("direct reload should refresh, got version %d", v)
	}
}

func TestReload_ManualTrigger(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.daemon.initTriggers(ctx); err != nil {
		t.Fatalf("initTriggers() error = %v", err)
	}
	if f.daemon.manual == nil {
		t.Fatal("manual trigger should always be created")
	}

	// the manual trigger accepts events once its goroutine has started
	deadline := time.Now().Add(2 * time.Second)
	for !f.daemon.manual.Fire(nil) {
		if time.Now().After(deadline) {
			t.Fatal("manual trigger never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case ev := <-f.daemon.events:
		if ev.Type != trigger.TypeManual || ev.Source != "manual" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a manual event")
	}

	f.writeRules(t, phoneRules)
	if err := f.daemon.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if v := f.daemon.Provider().Version(); v != 1 {
		t.Errorf("Reload should only queue a refresh, got version %d", v)
	}

	ev := <-f.daemon.events
	f.daemon.handleEvent(ctx, ev)
	if v := f.daemon.Provider().Version(); v != 2 {
		t.Errorf("queued reload should refresh, got version %d", v)
	}
}

func TestHTTPHandlers(t *testing.T) {
	f := newFixture(t)
	f.daemon.startTime = time.Now()
	srv := httptest.NewServer(f.daemon.routes())
	defer srv.Close()

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["status"] != "ok" || body["rules_loaded"] != float64(1) {
			t.Errorf("unexpected health response %v", body)
		}
	})

	t.Run("rules", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/rules")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var body struct {
			Version int64      `json:"version"`
			Rules   []pii.Rule `json:"rules"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Version != 1 || len(body.Rules) != 1 || body.Rules[0].Name != pii.NameEmail {
			t.Errorf("unexpected rules response %+v", body)
		}
	})

	t.Run("reload", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/reload")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("GET /api/reload = %d, want 405", resp.StatusCode)
		}

		f.writeRules(t, phoneRules)
		resp, err = http.Post(srv.URL+"/api/reload", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("POST /api/reload = %d, want 202", resp.StatusCode)
		}
		if v := f.daemon.Provider().Version(); v != 2 {
			t.Errorf("expected version 2 after reload, got %d", v)
		}

		f.writeRules(t, "rules: [")
		resp, err = http.Post(srv.URL+"/api/reload", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("bad rules reload = %d, want 422", resp.StatusCode)
		}
	})

	t.Run("history", func(t *testing.T) {
		f.daemon.handleEvent(context.Background(), trigger.Event{Source: "manual", Type: trigger.TypeManual})

		resp, err := http.Get(srv.URL + "/api/history?source=daemon:refresh&limit=10")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var runs []map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
			t.Fatal(err)
		}
		if len(runs) != 1 {
			t.Errorf("expected 1 run, got %d", len(runs))
		}

		resp2, err := http.Get(srv.URL + "/api/history?limit=abc")
		if err != nil {
			t.Fatal(err)
		}
		resp2.Body.Close()
		if resp2.StatusCode != http.StatusBadRequest {
			t.Errorf("invalid limit = %d, want 400", resp2.StatusCode)
		}
	})

	t.Run("health degraded", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		if body["status"] != "degraded" {
			t.Errorf("failed last refresh should report degraded, got %v", body["status"])
		}
	})
}

func TestRateLimitHandler(t *testing.T) {
	h := rateLimitHandler(2, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		codes[i] = rec.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status codes %v", codes)
	}
}

func TestInit_StartupHistoryCleanup(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")

	db, err := history.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	old := history.Run{Source: "cli:text", StartedAt: time.Now().AddDate(0, 0, -60)}
	if _, err := db.RecordRun(old); err != nil {
		t.Fatal(err)
	}
	db.Close()

	configPath := filepath.Join(dir, "config.yaml")
	cfg := "history:\n  enabled: true\n  retention_days: 30\n  path: " + dbPath + "\n"
	if err := os.WriteFile(configPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	// shutting down right away must wait for the startup cleanup
	d := New(configPath)
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := d.shutdown(); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if d.History() != nil {
		t.Error("history should be closed after shutdown")
	}

	db, err = history.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	runs, err := db.GetHistory("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("expected expired run to be cleaned up, got %d runs", len(runs))
	}
}

func TestModeString(t *testing.T) {
	for mode, want := range map[Mode]string{ModeAPI: "api", ModeStdio: "stdio", ModeMCPHTTP: "mcp-http"} {
		if got := mode.String(); got != want {
			t.Errorf("Mode(%d).String() = %q, want %q", mode, got, want)
		}
	}
}
