package models

import "time"

// SessionStatus is the lifecycle status of a session. Completed and abandoned are terminal.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAbandoned
}

// ExecState tells what an active session is waiting for.
type ExecState string

const (
	ExecRunnable      ExecState = "runnable"
	ExecAwaitingInput ExecState = "awaiting_input"
	ExecAwaitingAsync ExecState = "awaiting_async"
)

// Frame is the execution context of one composite sub-graph. Scope holds the
// child's input, output, local and temp partitions and is discarded on exit.
type Frame struct {
	FlowID          string         `json:"flow_id"`
	CompositeNodeID string         `json:"composite_node_id"`
	NodeID          string         `json:"node_id"`
	Scope           map[string]any `json:"scope"`
}

// PendingEffect records the side effect a session is waiting on.
type PendingEffect struct {
	Key          IdempotencyKey `json:"key"`
	Kind         SideEffectKind `json:"kind"`
	Policy       string         `json:"policy,omitempty"`
	DispatchedAt time.Time      `json:"dispatched_at"`
}

// StepError is the last node-level failure recorded on the session.
type StepError struct {
	NodeID     string    `json:"node_id"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Session struct {
	ID            string         `json:"id"`
	Token         string         `json:"token"`
	FlowID        string         `json:"flow_id"`
	CurrentNodeID string         `json:"current_node_id,omitempty"`
	State         map[string]any `json:"state"`
	Frames        []Frame        `json:"frames,omitempty"`
	Status        SessionStatus  `json:"status"`
	ExecState     ExecState      `json:"exec_state"`
	Pending       *PendingEffect `json:"pending,omitempty"`
	Revision      int64          `json:"revision"`
	StateHash     string         `json:"state_hash"`
	Flagged       bool           `json:"flagged,omitempty"`
	LastError     *StepError     `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// ActiveNodeID is the node the cursor points at, inside the innermost composite frame if any.
func (s *Session) ActiveNodeID() string {
	if len(s.Frames) > 0 {
		return s.Frames[len(s.Frames)-1].NodeID
	}

	return s.CurrentNodeID
}

// ActiveFlowID is the flow whose graph the cursor walks.
func (s *Session) ActiveFlowID() string {
	if len(s.Frames) > 0 {
		return s.Frames[len(s.Frames)-1].FlowID
	}

	return s.FlowID
}

func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}
