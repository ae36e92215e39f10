// Package models defines the core domain models of the conversational flow engine.
package models

import "time"

// ConnectionKind selects one outgoing edge of a node.
type ConnectionKind string

const (
	ConnectionDefault  ConnectionKind = "default"
	ConnectionOption0  ConnectionKind = "option-0"
	ConnectionOption1  ConnectionKind = "option-1"
	ConnectionSuccess  ConnectionKind = "success"
	ConnectionFailure  ConnectionKind = "failure"
	ConnectionFallback ConnectionKind = "fallback"
	ConnectionComplete ConnectionKind = "complete"
	ConnectionError    ConnectionKind = "error"
)

var connectionKinds = map[ConnectionKind]struct{}{
	ConnectionDefault:  {},
	ConnectionOption0:  {},
	ConnectionOption1:  {},
	ConnectionSuccess:  {},
	ConnectionFailure:  {},
	ConnectionFallback: {},
	ConnectionComplete: {},
	ConnectionError:    {},
}

// Valid reports whether the kind belongs to the closed set of connection kinds.
func (k ConnectionKind) Valid() bool {
	_, ok := connectionKinds[k]

	return ok
}

// IsErrorPath reports whether the kind represents a failure route. Error routes
// never fall back to the default connection.
func (k ConnectionKind) IsErrorPath() bool {
	return k == ConnectionFailure || k == ConnectionError
}

// Connection is a typed directed edge between two nodes of the same flow.
type Connection struct {
	Source string         `json:"source" validate:"required"`
	Target string         `json:"target" validate:"required"`
	Kind   ConnectionKind `json:"kind"   validate:"required"`
}

// Contract documents the variables a flow expects and produces when embedded.
type Contract struct {
	Inputs      []string       `json:"inputs,omitempty"`
	Outputs     []string       `json:"outputs,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Flow is one version of a conversation graph. Once published it is immutable.
type Flow struct {
	ID          string       `json:"id"            validate:"required"`
	Version     int          `json:"version"`
	Name        string       `json:"name"`
	EntryNodeID string       `json:"entry_node_id" validate:"required"`
	Nodes       []Node       `json:"nodes"         validate:"required,min=1,dive"`
	Connections []Connection `json:"connections"   validate:"dive"`
	Contract    Contract     `json:"contract"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
}

func (f *Flow) IsPublished() bool {
	return f.PublishedAt != nil
}

func (f *Flow) Node(id string) (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}

	return nil, false
}

// EmbeddedFlowID names the sub-graph embedded in a composite node of a parent flow.
func EmbeddedFlowID(parentFlowID, compositeNodeID string) string {
	return parentFlowID + "#" + compositeNodeID
}
