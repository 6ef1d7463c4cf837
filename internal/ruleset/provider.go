// internal/ruleset/provider.go
package ruleset

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colebrumley/piiscrub/internal/security"
	"github.com/colebrumley/piiscrub/pkg/pii"
)

// Provider supplies the active rule set. Rules never change between
// Refresh calls.
type Provider interface {
	Rules() []pii.Rule
	Refresh(ctx context.Context) error
	Version() int64
	Snapshot() *Snapshot
}

// Snapshot is one immutable generation of rules.
type Snapshot struct {
	Rules    []pii.Rule
	Compiled *pii.Compiled
	MaxDepth int
	Sets     []string
	Version  int64
	LoadedAt time.Time
}

func newSnapshot(rules []pii.Rule, maxDepth int, sets []string, version int64) (*Snapshot, error) {
	compiled, res := pii.Compile(rules)
	if !res.Valid {
		return nil, fmt.Errorf("compiling rules: %w", res.Err())
	}
	if maxDepth <= 0 {
		maxDepth = pii.DefaultMaxDepth
	}
	return &Snapshot{
		Rules:    rules,
		Compiled: compiled,
		MaxDepth: maxDepth,
		Sets:     sets,
		Version:  version,
		LoadedAt: time.Now(),
	}, nil
}

// Options returns the scrub options for this snapshot.
func (s *Snapshot) Options() pii.Options {
	return pii.Options{MaxDepth: s.MaxDepth}
}

// StaticProvider serves a fixed rule set.
type StaticProvider struct {
	snap *Snapshot
}

// NewStaticProvider wraps rules. Nil rules select the built-in sanitizers.
func NewStaticProvider(rules []pii.Rule, maxDepth int) (*StaticProvider, error) {
	name := "static"
	if rules == nil {
		rules = pii.BuiltinRules()
		name = "builtin"
	}
	snap, err := newSnapshot(slices.Clone(rules), maxDepth, []string{name}, 1)
	if err != nil {
		return nil, err
	}
	return &StaticProvider{snap: snap}, nil
}

func (p *StaticProvider) Rules() []pii.Rule            { return slices.Clone(p.snap.Rules) }
func (p *StaticProvider) Refresh(context.Context) error { return nil }
func (p *StaticProvider) Version() int64                { return p.snap.Version }
func (p *StaticProvider) Snapshot() *Snapshot           { return p.snap }

// FileProvider serves rules loaded from a rule-set file or directory. A
// failed Refresh keeps the previous generation in place.
type FileProvider struct {
	path     string
	maxDepth int
	logger   *slog.Logger

	mu      sync.Mutex // serializes Refresh
	current atomic.Pointer[Snapshot]
}

// NewFileProvider loads path and returns a provider serving it. maxDepth
// applies when no loaded set specifies one.
func NewFileProvider(ctx context.Context, path string, maxDepth int, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &FileProvider{path: path, maxDepth: maxDepth, logger: logger}
	if err := p.Refresh(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Path returns the rules path being served.
func (p *FileProvider) Path() string {
	return p.path
}

func (p *FileProvider) Rules() []pii.Rule {
	return slices.Clone(p.current.Load().Rules)
}

func (p *FileProvider) Version() int64 {
	return p.current.Load().Version
}

func (p *FileProvider) Snapshot() *Snapshot {
	return p.current.Load()
}

// Refresh reloads the rules path. On failure the previous rules stay active
// and the error is returned.
func (p *FileProvider) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.current.Load()
	snap, err := p.load(prev)
	if err != nil {
		if prev != nil {
			p.logger.Warn("rules refresh failed, keeping previous rules",
				"path", p.path, "version", prev.Version, "error", err)
		}
		return fmt.Errorf("refreshing rules from %s: %w", p.path, err)
	}

	p.current.Store(snap)
	p.logger.Info("rules loaded", "path", p.path, "version", snap.Version,
		"rules", len(snap.Rules), "sets", snap.Sets)
	return nil
}

func (p *FileProvider) load(prev *Snapshot) (*Snapshot, error) {
	if err := security.ValidateRulesPath(p.path); err != nil {
		return nil, err
	}
	sets, err := LoadPath(p.path)
	if err != nil {
		return nil, err
	}

	rules, depth := Merge(sets)
	if depth == 0 {
		depth = p.maxDepth
	}
	names := make([]string, len(sets))
	for i, s := range sets {
		names[i] = s.Name
	}

	var version int64 = 1
	if prev != nil {
		version = prev.Version + 1
	}
	return newSnapshot(rules, depth, names, version)
}
