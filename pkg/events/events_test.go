package events

import (
	"encoding/json"
	"testing"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func session(node string, status models.SessionStatus, revision int64) *models.Session {
	return &models.Session{ID: "s-1", FlowID: "greeting", CurrentNodeID: node, Status: status, Revision: revision}
}

func types(evts []Event) []EventType {
	var out []EventType
	for _, e := range evts {
		out = append(out, e.GetType())
	}

	return out
}

func TestForTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		before *models.Session
		after  *models.Session
		want   []EventType
	}{
		{"start", nil, session("ask", models.SessionActive, 1), []EventType{SessionStartedEvent}},
		{"start and finish", nil, session("bye", models.SessionCompleted, 1), []EventType{SessionStartedEvent, SessionEndedEvent}},
		{"node change", session("ask", models.SessionActive, 1), session("check", models.SessionActive, 2), []EventType{SessionNodeChangedEvent}},
		{"same node", session("ask", models.SessionActive, 1), session("ask", models.SessionActive, 2), nil},
		{
			"completed",
			session("ask", models.SessionActive, 2),
			session("bye", models.SessionCompleted, 3),
			[]EventType{SessionNodeChangedEvent, SessionStatusChangedEvent, SessionEndedEvent},
		},
		{
			"abandoned",
			session("ask", models.SessionActive, 2),
			session("ask", models.SessionAbandoned, 3),
			[]EventType{SessionStatusChangedEvent, SessionEndedEvent},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, types(ForTransition(tt.before, tt.after)))
		})
	}
}

func TestSessionEventPayload(t *testing.T) {
	t.Parallel()

	evts := ForTransition(session("ask", models.SessionActive, 4), session("bye", models.SessionCompleted, 5))
	require.Len(t, evts, 3)

	data, err := json.Marshal(evts[2])
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(data, &payload))

	assert.Equal(t, "session.ended", payload["event_type"])
	assert.Equal(t, "s-1", payload["session_id"])
	assert.Equal(t, "greeting", payload["flow_id"])
	assert.Equal(t, "bye", payload["current_node"])
	assert.Equal(t, "ask", payload["previous_node"])
	assert.Equal(t, "completed", payload["status"])
	assert.Equal(t, "active", payload["previous_status"])
	assert.InDelta(t, 5.0, payload["revision"], 0.0001)
	assert.InDelta(t, 4.0, payload["previous_revision"], 0.0001)
	assert.NotEmpty(t, payload["timestamp"])
	assert.NotEmpty(t, payload["id"])
}
