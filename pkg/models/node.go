package models

import (
	"encoding/json"
	"fmt"
)

// NodeType tags the content variant carried by a node.
type NodeType string

const (
	NodeTypeMessage   NodeType = "message"
	NodeTypeQuestion  NodeType = "question"
	NodeTypeCondition NodeType = "condition"
	NodeTypeAction    NodeType = "action"
	NodeTypeWebhook   NodeType = "webhook"
	NodeTypeComposite NodeType = "composite"
	NodeTypeScript    NodeType = "script"
)

// NodeContent is the closed set of typed node payloads.
type NodeContent interface {
	NodeType() NodeType
}

// Node is one step of a flow. Content always matches Type.
type Node struct {
	ID      string      `json:"id"   validate:"required"`
	Type    NodeType    `json:"type" validate:"required"`
	Name    string      `json:"name,omitempty"`
	Content NodeContent `json:"content"`
}

type rawNode struct {
	ID      string          `json:"id"`
	Type    NodeType        `json:"type"`
	Name    string          `json:"name,omitempty"`
	Content json.RawMessage `json:"content"`
}

// NewContent returns an empty content value for the node type.
func NewContent(nodeType NodeType) (NodeContent, error) {
	switch nodeType {
	case NodeTypeMessage:
		return &MessageContent{}, nil
	case NodeTypeQuestion:
		return &QuestionContent{}, nil
	case NodeTypeCondition:
		return &ConditionContent{}, nil
	case NodeTypeAction:
		return &ActionContent{}, nil
	case NodeTypeWebhook:
		return &WebhookContent{}, nil
	case NodeTypeComposite:
		return &CompositeContent{}, nil
	case NodeTypeScript:
		return &ScriptContent{}, nil
	default:
		return nil, fmt.Errorf("unknown node type %q", nodeType)
	}
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw rawNode

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return err
	}

	content, err := NewContent(raw.Type)
	if err != nil {
		return fmt.Errorf("node %s: %w", raw.ID, err)
	}

	if len(raw.Content) > 0 && string(raw.Content) != "null" {
		err = json.Unmarshal(raw.Content, content)
		if err != nil {
			return fmt.Errorf("node %s: invalid %s content: %w", raw.ID, raw.Type, err)
		}
	}

	n.ID = raw.ID
	n.Type = raw.Type
	n.Name = raw.Name
	n.Content = content

	return nil
}

// RawContent returns the content as a generic JSON document.
func (n *Node) RawContent() (map[string]any, error) {
	data, err := json.Marshal(n.Content)
	if err != nil {
		return nil, err
	}

	out := map[string]any{}

	err = json.Unmarshal(data, &out)
	if err != nil {
		return nil, err
	}

	return out, nil
}
