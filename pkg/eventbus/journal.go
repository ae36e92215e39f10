package eventbus

import (
	"context"
	"log/slog"

	"github.com/dukex/chatflow/pkg/events"
)

// JournalEventTypes are the session events written to the journal.
var JournalEventTypes = []events.EventType{
	events.SessionStartedEvent,
	events.SessionNodeChangedEvent,
	events.SessionStatusChangedEvent,
	events.SessionEndedEvent,
}

// StartJournal subscribes to the session topic and logs every event it
// receives, one structured line per transition.
func StartJournal(ctx context.Context, logger *slog.Logger, sub EventSubscriber) error {
	for _, eventType := range JournalEventTypes {
		err := sub.Handle(eventType, func(ctx context.Context, event any) error {
			logger.InfoContext(ctx, "session event", journalAttrs(eventType, event)...)

			return nil
		})
		if err != nil {
			return err
		}
	}

	return sub.Subscribe(ctx)
}

func journalAttrs(eventType events.EventType, event any) []any {
	var (
		base   events.BaseEvent
		change events.SessionChange
		attrs  []any
	)

	switch e := event.(type) {
	case *events.SessionStarted:
		base, change = e.BaseEvent, e.SessionChange
	case *events.SessionNodeChanged:
		base, change = e.BaseEvent, e.SessionChange
	case *events.SessionStatusChanged:
		base, change = e.BaseEvent, e.SessionChange
	case *events.SessionEnded:
		base, change = e.BaseEvent, e.SessionChange
		attrs = append(attrs, "reason", e.Reason)
	}

	return append([]any{
		"event_type", eventType,
		"session_id", base.SessionID,
		"flow_id", base.FlowID,
		"node_id", change.CurrentNode,
		"previous_node_id", change.PreviousNode,
		"status", change.Status,
		"revision", change.Revision,
	}, attrs...)
}
