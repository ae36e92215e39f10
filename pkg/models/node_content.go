package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessagePart is one outbound message of a message node.
type MessagePart struct {
	Text      string  `json:"text,omitempty"`
	ContentID string  `json:"content_id,omitempty"`
	Delay     float64 `json:"delay,omitempty" validate:"gte=0"`
}

// RandomContentQuery selects content by type and tags instead of by id.
type RandomContentQuery struct {
	Type       string         `json:"type"                  validate:"required"`
	Tags       []string       `json:"tags,omitempty"`
	Filters    map[string]any `json:"filters,omitempty"`
	ExcludeIDs []string       `json:"exclude_ids,omitempty"`
	Count      int            `json:"count,omitempty"       validate:"gte=0"`
}

type MessageContent struct {
	Text            string              `json:"text,omitempty"`
	ContentID       string              `json:"content_id,omitempty"`
	Messages        []MessagePart       `json:"messages,omitempty"         validate:"dive"`
	Random          *RandomContentQuery `json:"random,omitempty"`
	MessageType     string              `json:"message_type,omitempty"`
	TypingIndicator bool                `json:"typing_indicator,omitempty"`
	WaitForAck      bool                `json:"wait_for_ack,omitempty"`
}

func (*MessageContent) NodeType() NodeType { return NodeTypeMessage }

// Option is one allowed answer of a choice question.
type Option struct {
	Value   string `json:"value"             validate:"required"`
	Label   string `json:"label,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// Question input types.
const (
	InputTypeText    = "text"
	InputTypeNumber  = "number"
	InputTypeEmail   = "email"
	InputTypeChoice  = "choice"
	InputTypeBoolean = "boolean"
)

type QuestionContent struct {
	Prompt       string   `json:"prompt,omitempty"`
	ContentID    string   `json:"content_id,omitempty"`
	Variable     string   `json:"variable"                validate:"required"`
	InputType    string   `json:"input_type,omitempty"    validate:"omitempty,oneof=text number email choice boolean"`
	Required     bool     `json:"required,omitempty"`
	MinLength    *int     `json:"min_length,omitempty"    validate:"omitempty,gte=0"`
	MaxLength    *int     `json:"max_length,omitempty"    validate:"omitempty,gte=0"`
	Min          *float64 `json:"min,omitempty"`
	Max          *float64 `json:"max,omitempty"`
	Pattern      string   `json:"pattern,omitempty"`
	Options      []Option `json:"options,omitempty"       validate:"dive"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

func (*QuestionContent) NodeType() NodeType { return NodeTypeQuestion }

// Predicate is either an expression string or a legacy JSON condition tree.
type Predicate struct {
	Expression string
	Legacy     map[string]any
}

func (p Predicate) IsZero() bool {
	return p.Expression == "" && len(p.Legacy) == 0
}

func (p Predicate) MarshalJSON() ([]byte, error) {
	if p.Legacy != nil {
		return json.Marshal(p.Legacy)
	}

	return json.Marshal(p.Expression)
}

func (p *Predicate) UnmarshalJSON(data []byte) error {
	var expression string
	if err := json.Unmarshal(data, &expression); err == nil {
		p.Expression = expression

		return nil
	}

	var legacy map[string]any
	if err := json.Unmarshal(data, &legacy); err != nil {
		return errors.New("condition must be an expression string or a condition object")
	}

	p.Legacy = legacy

	return nil
}

// ConditionBranch routes to Then when If holds.
type ConditionBranch struct {
	If   Predicate `json:"if"`
	Then string    `json:"then" validate:"required"`
}

type ConditionContent struct {
	Conditions  []ConditionBranch `json:"conditions"   validate:"required,min=1,dive"`
	DefaultPath ConnectionKind    `json:"default_path" validate:"required"`
}

func (*ConditionContent) NodeType() NodeType { return NodeTypeCondition }

// ResolveTarget maps a branch target to a connection kind. "$0" and "$1" are
// shorthands for option-0 and option-1.
func ResolveTarget(target string) (ConnectionKind, error) {
	switch target {
	case "$0":
		return ConnectionOption0, nil
	case "$1":
		return ConnectionOption1, nil
	}

	kind := ConnectionKind(target)
	if !kind.Valid() {
		return "", fmt.Errorf("unknown connection kind %q", target)
	}

	return kind, nil
}

// ActionType names a sub-action of an action node.
type ActionType string

const (
	ActionSetVariable    ActionType = "set_variable"
	ActionIncrement      ActionType = "increment"
	ActionDecrement      ActionType = "decrement"
	ActionDeleteVariable ActionType = "delete_variable"
	ActionAggregate      ActionType = "aggregate"
	ActionAPICall        ActionType = "api_call"
)

// CallSpec describes an outbound HTTP call before template resolution.
type CallSpec struct {
	URL     string            `json:"url"               validate:"required"`
	Method  string            `json:"method,omitempty"  validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Timeout float64           `json:"timeout,omitempty" validate:"gte=0,lte=300"`
}

type Action struct {
	Type ActionType `json:"type" validate:"required,oneof=set_variable increment decrement delete_variable aggregate api_call"`

	// set_variable, increment, decrement, delete_variable
	Variable string   `json:"variable,omitempty"`
	Value    any      `json:"value,omitempty"`
	Amount   *float64 `json:"amount,omitempty"`

	// aggregate
	Expression    string `json:"expression,omitempty"`
	Target        string `json:"target,omitempty"`
	Source        string `json:"source,omitempty"`
	Field         string `json:"field,omitempty"`
	Operation     string `json:"operation,omitempty"      validate:"omitempty,oneof=sum avg max min count merge collect"`
	MergeStrategy string `json:"merge_strategy,omitempty" validate:"omitempty,oneof=sum max last"`

	// api_call
	Request          *CallSpec         `json:"request,omitempty"`
	ResponseVariable string            `json:"response_variable,omitempty"`
	ResponseMapping  map[string]string `json:"response_mapping,omitempty"`
}

type ActionContent struct {
	Actions []Action `json:"actions" validate:"required,min=1,dive"`
}

func (*ActionContent) NodeType() NodeType { return NodeTypeAction }

// APICall returns the api_call sub-action, if any.
func (c *ActionContent) APICall() (int, *Action) {
	for i := range c.Actions {
		if c.Actions[i].Type == ActionAPICall {
			return i, &c.Actions[i]
		}
	}

	return -1, nil
}

type WebhookContent struct {
	CallSpec

	ResponseMapping  map[string]string `json:"response_mapping,omitempty"`
	FallbackResponse map[string]any    `json:"fallback_response,omitempty"`
	CircuitBreaker   string            `json:"circuit_breaker,omitempty"`
}

func (*WebhookContent) NodeType() NodeType { return NodeTypeWebhook }

// EmbeddedFlow is a sub-graph declared inline in a composite node.
type EmbeddedFlow struct {
	EntryNodeID string       `json:"entry_node_id"         validate:"required"`
	Nodes       []Node       `json:"nodes"                 validate:"required,min=1,dive"`
	Connections []Connection `json:"connections,omitempty" validate:"dive"`
}

type CompositeContent struct {
	FlowID  string            `json:"flow_id,omitempty"`
	Flow    *EmbeddedFlow     `json:"flow,omitempty"`
	Inputs  map[string]string `json:"inputs,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

func (*CompositeContent) NodeType() NodeType { return NodeTypeComposite }

type ScriptContent struct {
	Code         string            `json:"code"                   validate:"required"`
	Language     string            `json:"language,omitempty"     validate:"omitempty,oneof=javascript typescript"`
	Sandbox      string            `json:"sandbox,omitempty"      validate:"omitempty,oneof=strict permissive"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	Outputs      []string          `json:"outputs,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Timeout      int               `json:"timeout,omitempty"      validate:"gte=0"`
	Description  string            `json:"description,omitempty"`
}

func (*ScriptContent) NodeType() NodeType { return NodeTypeScript }
