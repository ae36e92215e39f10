package models

// Message is an outbound message shown to the end user.
type Message struct {
	NodeID  string         `json:"node_id"`
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Content map[string]any `json:"content,omitempty"`
	Delay   float64        `json:"delay,omitempty"`
	Typing  bool           `json:"typing,omitempty"`
}

type InputKind string

const (
	InputKindText   InputKind = "text"
	InputKindChoice InputKind = "choice"
	InputKindAck    InputKind = "ack"
	InputKindScript InputKind = "script"
)

// InputRequest tells the client what the session is waiting for.
type InputRequest struct {
	NodeID  string         `json:"node_id"`
	Kind    InputKind      `json:"kind"`
	Prompt  string         `json:"prompt,omitempty"`
	Options []Option       `json:"options,omitempty"`
	Error   string         `json:"error,omitempty"`
	Script  map[string]any `json:"script,omitempty"`
}

// Input is one user interaction. Payload carries button payloads, Values
// carries structured results such as script outputs.
type Input struct {
	Text    string         `json:"text,omitempty"`
	Payload string         `json:"payload,omitempty"`
	Values  map[string]any `json:"values,omitempty"`
}
