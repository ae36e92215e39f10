// Package web provides HTTP request and response types for the conversation API.
package web

import (
	"time"

	"github.com/dukex/chatflow/pkg/engine"
	"github.com/dukex/chatflow/pkg/graph"
	"github.com/dukex/chatflow/pkg/models"
)

// StartSessionRequest represents the request body for starting a conversation.
type StartSessionRequest struct {
	FlowID string         `json:"flow_id" validate:"required"`
	State  map[string]any `json:"state,omitempty"`
}

// InteractRequest represents one user input.
type InteractRequest struct {
	Text    string         `json:"text,omitempty"    validate:"max=4096"`
	Payload string         `json:"payload,omitempty" validate:"max=256"`
	Values  map[string]any `json:"values,omitempty"`
}

func (r InteractRequest) Input() models.Input {
	return models.Input{Text: r.Text, Payload: r.Payload, Values: r.Values}
}

// EndSessionRequest represents the request body for ending a conversation.
// Status defaults to completed.
type EndSessionRequest struct {
	Status string `json:"status,omitempty" validate:"omitempty,oneof=completed abandoned"`
}

// TaskResultRequest represents a side-effect result delivered from outside
// the task bus.
type TaskResultRequest struct {
	SessionID  string `json:"session_id"            validate:"required"`
	NodeID     string `json:"node_id"               validate:"required"`
	Revision   int64  `json:"revision"              validate:"gte=1"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty" validate:"omitempty,gte=100,lte=599"`
	Body       any    `json:"body,omitempty"`
	Error      string `json:"error,omitempty"`
	Attempts   int    `json:"attempts,omitempty"    validate:"gte=0"`
}

func (r TaskResultRequest) TaskResult() models.TaskResult {
	return models.TaskResult{
		Key:        models.IdempotencyKey{SessionID: r.SessionID, NodeID: r.NodeID, Revision: r.Revision},
		Success:    r.Success,
		StatusCode: r.StatusCode,
		Body:       r.Body,
		Error:      r.Error,
		Attempts:   r.Attempts,
	}
}

// SessionResponse represents the client view of a session. The integrity
// hash and pending side effect stay server side.
type SessionResponse struct {
	ID        string               `json:"id"`
	Token     string               `json:"token"`
	FlowID    string               `json:"flow_id"`
	NodeID    string               `json:"node_id"`
	Status    models.SessionStatus `json:"status"`
	ExecState models.ExecState     `json:"exec_state"`
	Revision  int64                `json:"revision"`
	State     map[string]any       `json:"state"`
	Depth     int                  `json:"depth,omitempty"`
	LastError *models.StepError    `json:"last_error,omitempty"`
	Flagged   bool                 `json:"flagged,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	EndedAt   *time.Time           `json:"ended_at,omitempty"`
}

// TransformSessionResponse filters a session for the client.
func TransformSessionResponse(s *models.Session) SessionResponse {
	state := s.State
	if state == nil {
		state = map[string]any{}
	}

	return SessionResponse{
		ID:        s.ID,
		Token:     s.Token,
		FlowID:    s.FlowID,
		NodeID:    s.ActiveNodeID(),
		Status:    s.Status,
		ExecState: s.ExecState,
		Revision:  s.Revision,
		State:     state,
		Depth:     len(s.Frames),
		LastError: s.LastError,
		Flagged:   s.Flagged,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		EndedAt:   s.EndedAt,
	}
}

// TurnResponse is returned by every operation that runs a turn.
type TurnResponse struct {
	Session      SessionResponse      `json:"session"`
	Messages     []models.Message     `json:"messages"`
	InputRequest *models.InputRequest `json:"input_request,omitempty"`
	Warnings     []string             `json:"warnings,omitempty"`
	Rejected     bool                 `json:"rejected,omitempty"`
}

func TransformTurnResponse(result *engine.TurnResult) TurnResponse {
	messages := result.Messages
	if messages == nil {
		messages = []models.Message{}
	}

	return TurnResponse{
		Session:      TransformSessionResponse(result.Session),
		Messages:     messages,
		InputRequest: result.InputRequest,
		Warnings:     result.Warnings,
		Rejected:     result.Rejected,
	}
}

// PublishFlowResponse carries the stored flow and the compiler's warnings.
type PublishFlowResponse struct {
	Flow     *models.Flow  `json:"flow"`
	Warnings []graph.Issue `json:"warnings,omitempty"`
}

// DeliveryResponse reports what happened to a delivered task result.
type DeliveryResponse struct {
	Status engine.DeliveryStatus `json:"status"`
	Result map[string]any        `json:"result,omitempty"`
	Turn   *TurnResponse         `json:"turn,omitempty"`
}

func TransformDeliveryResponse(outcome *engine.DeliveryOutcome) DeliveryResponse {
	response := DeliveryResponse{Status: outcome.Status, Result: outcome.Result}

	if outcome.Turn != nil {
		turn := TransformTurnResponse(outcome.Turn)
		response.Turn = &turn
	}

	return response
}
