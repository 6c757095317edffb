package interfaces

import (
	"context"

	"github.com/ternarybob/portalguard/internal/models"
)

// EventType represents different event types in the system
type EventType string

const (
	// EventStatusChanged is published by the indicator. Payload: StatusChangedPayload
	EventStatusChanged EventType = "status_changed"

	// EventLoginSuccess is published by the broker once a tracked login tab reported success
	EventLoginSuccess EventType = "login_success"

	// EventLoginTabSucceeded is published by the login agent. Payload: TabPayload
	EventLoginTabSucceeded EventType = "login_tab_succeeded"

	// EventTabRemoved is published by the tab driver when a target is destroyed. Payload: TabPayload
	EventTabRemoved EventType = "tab_removed"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// TabPayload identifies the tab an event is about
type TabPayload struct {
	TabID string
}

// StatusChangedPayload carries an accepted indicator change
type StatusChangedPayload struct {
	Previous models.Status
	Status   models.Status
	Badge    models.Badge
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers asynchronously
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
