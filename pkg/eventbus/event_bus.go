// Package eventbus publishes session domain events over watermill.
package eventbus

import (
	"context"

	"github.com/dukex/chatflow/pkg/events"
)

type Event = events.Event

// EventPublisher is what the engine needs: fire events keyed by session id.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber dispatches decoded session events to one handler per type.
// Handlers must be registered before Subscribe.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a pointer to the concrete event struct.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber

	// GenerateID returns a sortable id for outgoing messages.
	GenerateID() string
	Close() error
}
