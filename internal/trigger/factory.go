// internal/trigger/factory.go
package trigger

import (
	"fmt"

	"github.com/colebrumley/piiscrub/internal/config"
)

// New creates a trigger based on the configuration type
func New(name string, cfg config.Trigger) (Trigger, error) {
	switch cfg.Type {
	case "filesystem":
		return NewFilesystem(name, cfg)
	case "scheduled":
		return NewScheduled(name, cfg)
	case "manual":
		return NewManual(name, cfg)
	default:
		return nil, fmt.Errorf("unknown trigger type: %s", cfg.Type)
	}
}

// FromRefresh derives the triggers described by the refresh section of the
// global config. A manual trigger is always included.
func FromRefresh(rulesPath string, cfg config.RefreshConfig) ([]config.Trigger, error) {
	triggers := []config.Trigger{{Type: "manual"}}
	if cfg.Watch {
		if rulesPath == "" {
			return nil, fmt.Errorf("refresh.watch requires rules.path")
		}
		triggers = append(triggers, config.Trigger{
			Type:            "filesystem",
			WatchPaths:      []string{rulesPath},
			DebounceSeconds: cfg.DebounceSeconds,
		})
	}
	if cfg.CronExpression != "" || cfg.RunEvery != "" {
		triggers = append(triggers, config.Trigger{
			Type:           "scheduled",
			CronExpression: cfg.CronExpression,
			RunEvery:       cfg.RunEvery,
		})
	}
	return triggers, nil
}
