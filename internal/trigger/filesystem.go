// internal/trigger/filesystem.go
package trigger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/colebrumley/piiscrub/internal/config"
	"github.com/fsnotify/fsnotify"
)

// Filesystem watches rule-set files and directories and reports changes
type Filesystem struct {
	name            string
	watchPaths      []string
	files           map[string]bool // explicit file targets; their parent dir is watched
	debounceSeconds int
	watcher         *fsnotify.Watcher
	mu              sync.Mutex
	pending         map[string]*time.Timer
}

// NewFilesystem creates a new filesystem trigger
func NewFilesystem(name string, cfg config.Trigger) (*Filesystem, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	f := &Filesystem{
		name:            name,
		files:           make(map[string]bool),
		debounceSeconds: cfg.DebounceSeconds,
		watcher:         watcher,
		pending:         make(map[string]*time.Timer),
	}

	for _, p := range cfg.WatchPaths {
		p = filepath.Clean(expandHome(p))
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() {
			// Editors replace files by rename, so watch the directory.
			f.files[p] = true
			p = filepath.Dir(p)
		}
		f.watchPaths = append(f.watchPaths, p)
	}

	return f, nil
}

func (f *Filesystem) Name() string {
	return f.name
}

func (f *Filesystem) Start(ctx context.Context, events chan<- Event) error {
	// Add watch paths
	for _, path := range f.watchPaths {
		if err := f.watcher.Add(path); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-f.watcher.Events:
			if !ok {
				return nil
			}
			f.handleEvent(event, events)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("rules watcher error", "trigger", f.name, "error", err)
		}
	}
}

func (f *Filesystem) Stop() error {
	// Cancel all pending debounce timers to prevent goroutine leaks
	f.mu.Lock()
	for path, timer := range f.pending {
		timer.Stop()
		delete(f.pending, path)
	}
	f.mu.Unlock()

	return f.watcher.Close()
}

func (f *Filesystem) handleEvent(fsEvent fsnotify.Event, events chan<- Event) {
	var op string
	switch {
	case fsEvent.Op&fsnotify.Create != 0:
		op = "created"
	case fsEvent.Op&fsnotify.Write != 0:
		op = "modified"
	case fsEvent.Op&fsnotify.Remove != 0:
		op = "deleted"
	case fsEvent.Op&fsnotify.Rename != 0:
		op = "renamed"
	default:
		return
	}

	if !f.relevant(fsEvent.Name) {
		return
	}

	// Debounce if configured
	if f.debounceSeconds > 0 {
		f.debounce(fsEvent.Name, op, events)
		return
	}

	f.sendEvent(fsEvent.Name, op, events)
}

// relevant reports whether path is a rule-set file this trigger cares about.
func (f *Filesystem) relevant(path string) bool {
	if len(f.files) > 0 {
		return f.files[filepath.Clean(path)]
	}
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func (f *Filesystem) debounce(path, op string, events chan<- Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Cancel existing timer for this path
	if timer, exists := f.pending[path]; exists {
		timer.Stop()
	}

	// Create new timer
	f.pending[path] = time.AfterFunc(time.Duration(f.debounceSeconds)*time.Second, func() {
		f.mu.Lock()
		delete(f.pending, path)
		f.mu.Unlock()
		f.sendEvent(path, op, events)
	})
}

func (f *Filesystem) sendEvent(path, op string, events chan<- Event) {
	// channel full, drop event
	send(events, Event{
		Source:    f.name,
		Type:      TypeRulesChanged,
		Timestamp: time.Now(),
		Data: map[string]any{
			"file_path": path,
			"file_name": filepath.Base(path),
			"operation": op,
		},
	})
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
