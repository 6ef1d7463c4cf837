// internal/daemon/daemon.go
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/colebrumley/piiscrub/internal/config"
	"github.com/colebrumley/piiscrub/internal/history"
	"github.com/colebrumley/piiscrub/internal/logging"
	"github.com/colebrumley/piiscrub/internal/mcp"
	"github.com/colebrumley/piiscrub/internal/ruleset"
	"github.com/colebrumley/piiscrub/internal/trigger"
	"github.com/colebrumley/piiscrub/pkg/pii"
)

// Mode selects what the daemon serves besides its refresh loop.
type Mode int

const (
	// ModeAPI serves the health and rules API with MCP mounted at /mcp.
	ModeAPI Mode = iota
	// ModeStdio serves MCP over stdin/stdout.
	ModeStdio
	// ModeMCPHTTP serves only MCP over streamable HTTP.
	ModeMCPHTTP
)

const historyCleanupInterval = 24 * time.Hour

// Daemon keeps the active rule set fresh and serves it
type Daemon struct {
	configPath string
	config     *config.Global
	logger     *slog.Logger
	logCloser  io.Closer
	provider   ruleset.Provider
	historyDB  *history.DB
	mcpServer  *mcp.Server
	triggers   map[string]trigger.Trigger
	manual     *trigger.Manual
	events     chan trigger.Event
	httpServer *http.Server
	startTime  time.Time

	mu          sync.RWMutex
	lastRefresh refreshStatus
	wg          sync.WaitGroup // tracks running triggers
}

type refreshStatus struct {
	At      time.Time `json:"at"`
	Trigger string    `json:"trigger"`
	Error   string    `json:"error,omitempty"`
}

// New creates a new daemon instance
func New(configPath string) *Daemon {
	return &Daemon{
		configPath: configPath,
		triggers:   make(map[string]trigger.Trigger),
		events:     make(chan trigger.Event, 100),
	}
}

// Init loads configuration and builds the logger, history store and rules
// provider. Run calls it when it has not been called yet.
func (d *Daemon) Init(ctx context.Context) error {
	if d.config != nil {
		return nil
	}

	cfg, err := config.LoadGlobalOrDefault(d.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closer, err := logging.Setup(cfg.Logging, os.Stderr)
	if err != nil {
		logger = logging.NewLogger(cfg.Logging.Format, cfg.Logging.Level, os.Stderr)
		closer = io.NopCloser(nil)
		logger.Warn("failed to open log file, logging to stderr only", "error", err)
	}
	d.logger = logger
	d.logCloser = closer
	pii.SetLogger(logging.WithSource(logger, "pii"))

	if cfg.History.Enabled {
		if err := d.initHistory(cfg.History); err != nil {
			d.logger.Warn("failed to open history database, runs will not be recorded", "error", err)
		}
	}

	provider, err := newProvider(ctx, cfg.Rules, d.logger)
	if err != nil {
		d.closeResources()
		return fmt.Errorf("loading rules: %w", err)
	}
	d.provider = provider
	d.config = cfg

	d.mcpServer = mcp.NewServer(provider, mcp.Options{
		History: d.historyDB,
		Reload:  d.Reload,
		Logger:  logging.WithSource(d.logger, "mcp"),
	})

	d.logger.Info("daemon initialized", "config", d.configPath,
		"rules_path", cfg.Rules.Path, "rules", len(provider.Rules()), "history", d.historyDB != nil)
	return nil
}

func newProvider(ctx context.Context, cfg config.RulesConfig, logger *slog.Logger) (ruleset.Provider, error) {
	if cfg.Path == "" {
		return ruleset.NewStaticProvider(nil, cfg.MaxDepth)
	}
	return ruleset.NewFileProvider(ctx, cfg.Path, cfg.MaxDepth, logging.WithSource(logger, "rules"))
}

func (d *Daemon) initHistory(cfg config.HistoryConfig) error {
	db, err := history.Open(cfg.Path)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	d.historyDB = db

	// closeResources waits on wg before closing db
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.cleanupHistory(db, cfg.RetentionDays)
	}()
	return nil
}

func (d *Daemon) cleanupHistory(db *history.DB, retentionDays int) {
	if db == nil || retentionDays <= 0 {
		return
	}
	if deleted, err := db.Cleanup(retentionDays); err != nil {
		d.logger.Warn("history cleanup failed", "error", err)
	} else if deleted > 0 {
		d.logger.Info("cleaned up old scrub runs", "deleted", deleted)
	}
}

// Provider returns the active rules provider. Valid after Init.
func (d *Daemon) Provider() ruleset.Provider {
	return d.provider
}

// History returns the history store, or nil when history is disabled.
func (d *Daemon) History() *history.DB {
	return d.historyDB
}

// Run starts the daemon in the given mode and blocks until ctx is cancelled
func (d *Daemon) Run(ctx context.Context, mode Mode) error {
	d.startTime = time.Now()

	if err := d.Init(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.initTriggers(ctx); err != nil {
		cancel()
		d.shutdown()
		return fmt.Errorf("initializing triggers: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- d.serve(ctx, mode)
	}()

	d.logger.Info("daemon started", "mode", mode.String(), "triggers", len(d.triggers))

	cleanup := time.NewTicker(historyCleanupInterval)
	defer cleanup.Stop()

	var runErr error
loop:
	for {
		select {
		case event := <-d.events:
			d.handleEvent(ctx, event)
		case <-cleanup.C:
			d.cleanupHistory(d.historyDB, d.config.History.RetentionDays)
		case err := <-serveErr:
			// stdio ends when the client disconnects
			if err != nil && !errors.Is(err, context.Canceled) {
				runErr = err
			}
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	d.logger.Info("daemon stopping")
	cancel()
	return errors.Join(runErr, d.shutdown())
}

func (m Mode) String() string {
	switch m {
	case ModeStdio:
		return "stdio"
	case ModeMCPHTTP:
		return "mcp-http"
	default:
		return "api"
	}
}

func (d *Daemon) serve(ctx context.Context, mode Mode) error {
	switch mode {
	case ModeStdio:
		return d.mcpServer.Run(ctx)
	case ModeMCPHTTP:
		addr := d.listenAddr()
		d.logger.Info("starting MCP HTTP server", "address", addr)
		return d.mcpServer.RunHTTP(ctx, addr)
	default:
		return d.startHTTPServer(ctx)
	}
}

func (d *Daemon) listenAddr() string {
	return fmt.Sprintf("%s:%d", d.config.MCP.ListenAddress, d.config.MCP.ListenPort)
}

func (d *Daemon) initTriggers(ctx context.Context) error {
	cfgs, err := trigger.FromRefresh(d.config.Rules.Path, d.config.Refresh)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, cfg := range cfgs {
		t, err := trigger.New(cfg.Type, cfg)
		if err != nil {
			return fmt.Errorf("creating %s trigger: %w", cfg.Type, err)
		}
		d.triggers[t.Name()] = t
		if m, ok := t.(*trigger.Manual); ok {
			d.manual = m
		}

		d.wg.Add(1)
		go func(t trigger.Trigger) {
			defer d.wg.Done()
			if err := t.Start(ctx, d.events); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("trigger error", "trigger", t.Name(), "error", err)
			}
		}(t)
	}
	return nil
}

// handleEvent refreshes the rules in response to a trigger event. A failed
// refresh leaves the previous rules active.
func (d *Daemon) handleEvent(ctx context.Context, event trigger.Event) {
	logger := logging.WithSource(d.logger, event.Source)
	logger.Debug("refresh triggered", "type", event.Type, "data", event.Data)

	start := time.Now()
	before := d.provider.Version()
	err := d.provider.Refresh(ctx)
	snap := d.provider.Snapshot()

	status := refreshStatus{At: start, Trigger: event.Source}
	run := history.Run{
		Source:       "daemon:refresh",
		RuleSet:      strings.Join(snap.Sets, ","),
		RulesVersion: snap.Version,
		RuleCount:    len(snap.Rules),
		DurationMs:   time.Since(start).Milliseconds(),
		StartedAt:    start,
	}
	if err != nil {
		status.Error = err.Error()
		run.Error = err.Error()
		logger.Error("rules refresh failed", "type", event.Type, "version", snap.Version, "error", err)
	} else if snap.Version != before {
		logger.Info("rules refreshed", "type", event.Type, "version", snap.Version, "rules", len(snap.Rules))
	}

	d.mu.Lock()
	d.lastRefresh = status
	d.mu.Unlock()

	if d.historyDB != nil {
		if _, err := d.historyDB.RecordRun(run); err != nil {
			logger.Warn("failed to record refresh", "error", err)
		}
	}
}

// Reload asks the refresh loop to reload rules. Before the loop is running
// the provider is refreshed directly.
func (d *Daemon) Reload(ctx context.Context) error {
	d.mu.RLock()
	manual := d.manual
	d.mu.RUnlock()

	if manual != nil && manual.Fire(map[string]any{"requested_at": time.Now().Format(time.RFC3339)}) {
		return nil
	}
	if manual != nil {
		d.logger.Warn("manual trigger unavailable, refreshing directly")
	}
	return d.provider.Refresh(ctx)
}

// startHTTPServer serves the health and rules API, with MCP at /mcp.
func (d *Daemon) startHTTPServer(ctx context.Context) error {
	addr := d.listenAddr()
	d.httpServer = &http.Server{Addr: addr, Handler: d.routes()}

	d.logger.Info("starting HTTP server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.httpServer.Shutdown(shutdownCtx)
	}
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", rateLimitHandler(60, d.handleHealth))
	mux.HandleFunc("/api/rules", rateLimitHandler(30, d.handleAPIRules))
	mux.HandleFunc("/api/history", rateLimitHandler(30, d.handleAPIHistory))
	mux.HandleFunc("/api/reload", rateLimitHandler(10, d.handleAPIReload))
	mux.Handle("/mcp", d.mcpServer.Handler())
	return mux
}

// handleHealth returns daemon health status.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := d.provider.Snapshot()
	d.mu.RLock()
	last := d.lastRefresh
	d.mu.RUnlock()

	resp := map[string]any{
		"status":        "ok",
		"uptime":        time.Since(d.startTime).Truncate(time.Second).String(),
		"rules_loaded":  len(snap.Rules),
		"rules_version": snap.Version,
		"rule_sets":     snap.Sets,
		"loaded_at":     snap.LoadedAt.Format(time.RFC3339),
	}
	if !last.At.IsZero() {
		resp["last_refresh"] = last
		if last.Error != "" {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, resp)
}

// handleAPIRules returns the active rules in application order.
func (d *Daemon) handleAPIRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := d.provider.Snapshot()
	writeJSON(w, map[string]any{
		"version":   snap.Version,
		"max_depth": snap.MaxDepth,
		"sets":      snap.Sets,
		"rules":     d.provider.Rules(),
	})
}

// handleAPIHistory returns recorded runs, newest first.
func (d *Daemon) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if d.historyDB == nil {
		writeJSON(w, []any{})
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	runs, err := d.historyDB.GetHistory(r.URL.Query().Get("source"), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("querying history: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

// handleAPIReload queues a rules reload.
func (d *Daemon) handleAPIReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := d.Reload(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("reloading rules: %v", err), http.StatusUnprocessableEntity)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"status": "reload requested"})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// rateLimitHandler wraps an HTTP handler with a simple token-bucket rate limiter.
func rateLimitHandler(requestsPerMinute int, handler http.HandlerFunc) http.HandlerFunc {
	var mu sync.Mutex
	tokens := requestsPerMinute
	lastRefill := time.Now()

	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		now := time.Now()
		refill := int(now.Sub(lastRefill).Minutes() * float64(requestsPerMinute))
		if refill > 0 {
			tokens = min(tokens+refill, requestsPerMinute)
			lastRefill = now
		}

		if tokens <= 0 {
			mu.Unlock()
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		tokens--
		mu.Unlock()

		handler(w, r)
	}
}

func (d *Daemon) shutdown() error {
	d.mu.Lock()
	for _, t := range d.triggers {
		t.Stop()
	}
	d.manual = nil
	d.mu.Unlock()

	return d.closeResources()
}

func (d *Daemon) closeResources() error {
	d.wg.Wait()

	var errs []error
	if d.historyDB != nil {
		errs = append(errs, d.historyDB.Close())
		d.historyDB = nil
	}
	if d.logCloser != nil {
		errs = append(errs, d.logCloser.Close())
		d.logCloser = nil
	}
	pii.SetLogger(nil)
	return errors.Join(errs...)
}
