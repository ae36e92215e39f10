// Package events defines the domain events emitted over a session lifecycle.
package events

import (
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every session event.
const Topic = "chatflow.session.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	SessionStartedEvent       EventType = "session.started"
	SessionNodeChangedEvent   EventType = "session.node_changed"
	SessionStatusChangedEvent EventType = "session.status_changed"
	SessionEndedEvent         EventType = "session.ended"
)

// Event is implemented by every domain event.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	FlowID    string         `json:"flow_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionChange is the payload shared by every session event. Previous values
// are empty when the event starts a session.
type SessionChange struct {
	CurrentNode      string               `json:"current_node"`
	PreviousNode     string               `json:"previous_node,omitempty"`
	Status           models.SessionStatus `json:"status"`
	PreviousStatus   models.SessionStatus `json:"previous_status,omitempty"`
	Revision         int64                `json:"revision"`
	PreviousRevision int64                `json:"previous_revision,omitempty"`
}

type SessionStarted struct {
	BaseEvent
	SessionChange
}

func (e SessionStarted) GetType() EventType {
	return SessionStartedEvent
}

type SessionNodeChanged struct {
	BaseEvent
	SessionChange
}

func (e SessionNodeChanged) GetType() EventType {
	return SessionNodeChangedEvent
}

type SessionStatusChanged struct {
	BaseEvent
	SessionChange
}

func (e SessionStatusChanged) GetType() EventType {
	return SessionStatusChangedEvent
}

type SessionEnded struct {
	BaseEvent
	SessionChange

	Reason string `json:"reason,omitempty"`
}

func (e SessionEnded) GetType() EventType {
	return SessionEndedEvent
}

func NewBaseEvent(eventType EventType, sessionID, flowID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		FlowID:    flowID,
		Metadata:  make(map[string]any),
	}
}

// Change describes one persisted session transition.
func Change(before, after *models.Session) SessionChange {
	change := SessionChange{
		CurrentNode: after.ActiveNodeID(),
		Status:      after.Status,
		Revision:    after.Revision,
	}

	if before != nil {
		change.PreviousNode = before.ActiveNodeID()
		change.PreviousStatus = before.Status
		change.PreviousRevision = before.Revision
	}

	return change
}

// ForTransition returns the events a persisted transition produces, in order.
// A nil before means the session was just created.
func ForTransition(before, after *models.Session) []Event {
	change := Change(before, after)

	newBase := func(eventType EventType) BaseEvent {
		return NewBaseEvent(eventType, after.ID, after.FlowID)
	}

	if before == nil {
		out := []Event{SessionStarted{BaseEvent: newBase(SessionStartedEvent), SessionChange: change}}
		if after.Status.Terminal() {
			out = append(out, SessionEnded{BaseEvent: newBase(SessionEndedEvent), SessionChange: change, Reason: string(after.Status)})
		}

		return out
	}

	var out []Event

	if change.PreviousNode != change.CurrentNode {
		out = append(out, SessionNodeChanged{BaseEvent: newBase(SessionNodeChangedEvent), SessionChange: change})
	}

	if change.PreviousStatus != change.Status {
		out = append(out, SessionStatusChanged{BaseEvent: newBase(SessionStatusChangedEvent), SessionChange: change})

		if change.Status.Terminal() {
			out = append(out, SessionEnded{BaseEvent: newBase(SessionEndedEvent), SessionChange: change, Reason: string(change.Status)})
		}
	}

	return out
}
