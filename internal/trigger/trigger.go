// internal/trigger/trigger.go
package trigger

import (
	"context"
	"time"
)

// Event types emitted by the built-in triggers.
const (
	TypeRulesChanged = "rules_changed"
	TypeScheduled    = "scheduled"
	TypeManual       = "manual"
)

// Event represents a trigger event
type Event struct {
	Source    string
	Type      string
	Timestamp time.Time
	Data      map[string]any
}

// Trigger is the interface all triggers must implement
type Trigger interface {
	// Start begins watching for events, sending them to the channel
	Start(ctx context.Context, events chan<- Event) error
	// Stop stops the trigger
	Stop() error
	// Name returns the source name stamped on emitted events
	Name() string
}

// send delivers ev without blocking. Returns false if the channel is full.
func send(events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	default:
		return false
	}
}
