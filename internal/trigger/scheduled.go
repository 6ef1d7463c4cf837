// internal/trigger/scheduled.go
package trigger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/colebrumley/piiscrub/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduled fires events on a cron schedule
type Scheduled struct {
	name string
	cron *cron.Cron

	mu     sync.Mutex
	events chan<- Event
}

// NewScheduled creates a new scheduled trigger
func NewScheduled(name string, cfg config.Trigger) (*Scheduled, error) {
	// Use cron with seconds field support
	c := cron.New(cron.WithSeconds())

	s := &Scheduled{
		name: name,
		cron: c,
	}

	cronExpr := cfg.CronExpression
	if cronExpr == "" {
		cronExpr = convertSimpleToCron(cfg.RunEvery)
	}

	_, err := c.AddFunc(cronExpr, s.fire)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Scheduled) Name() string {
	return s.name
}

func (s *Scheduled) Start(ctx context.Context, events chan<- Event) error {
	s.mu.Lock()
	s.events = events
	s.mu.Unlock()
	s.cron.Start()

	<-ctx.Done()
	return ctx.Err()
}

func (s *Scheduled) Stop() error {
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduled) fire() {
	s.mu.Lock()
	events := s.events
	s.mu.Unlock()
	if events == nil {
		return
	}
	send(events, Event{
		Source:    s.name,
		Type:      TypeScheduled,
		Timestamp: time.Now(),
		Data:      map[string]any{},
	})
}

// convertSimpleToCron converts run_every ("30s", "15m", "6h", "1h30m") to a
// cron expression. Empty means hourly.
func convertSimpleToCron(runEvery string) string {
	runEvery = strings.TrimSpace(runEvery)
	if runEvery == "" {
		return "0 0 * * * *"
	}
	return "@every " + runEvery
}
