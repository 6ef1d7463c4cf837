// internal/trigger/manual.go
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/colebrumley/piiscrub/internal/config"
)

// Manual is a trigger that only fires on request, from the CLI or the
// reload_rules MCP tool.
type Manual struct {
	name string

	mu     sync.Mutex
	events chan<- Event
}

// NewManual creates a new manual trigger
func NewManual(name string, cfg config.Trigger) (*Manual, error) {
	return &Manual{name: name}, nil
}

func (m *Manual) Name() string {
	return m.name
}

// Start for manual trigger just blocks - it never fires automatically
func (m *Manual) Start(ctx context.Context, events chan<- Event) error {
	m.mu.Lock()
	m.events = events
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
	return ctx.Err()
}

func (m *Manual) Stop() error {
	return nil
}

// Fire sends a manual event to the channel passed to Start. Returns false if
// the trigger is not running or the channel is full.
func (m *Manual) Fire(data map[string]any) bool {
	m.mu.Lock()
	events := m.events
	m.mu.Unlock()
	if events == nil {
		return false
	}
	return m.FireTo(events, data)
}

// FireTo sends a manual event to an explicit channel.
func (m *Manual) FireTo(events chan<- Event, data map[string]any) bool {
	if data == nil {
		data = map[string]any{}
	}
	return send(events, Event{
		Source:    m.name,
		Type:      TypeManual,
		Timestamp: time.Now(),
		Data:      data,
	})
}
