// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestFlow creates a single-message flow that can be overridden.
func CreateTestFlow(overrides ...func(*models.Flow)) *models.Flow {
	flow := &models.Flow{
		ID:          uuid.New().String(),
		Version:     1,
		Name:        "Test Flow",
		EntryNodeID: "start",
		Nodes:       []models.Node{MessageNode("start", "hello")},
	}

	for _, override := range overrides {
		override(flow)
	}

	return flow
}

func WithID(id string) func(*models.Flow) {
	return func(f *models.Flow) {
		f.ID = id
	}
}

// WithNodes replaces the nodes and makes the first one the entry.
func WithNodes(nodes ...models.Node) func(*models.Flow) {
	return func(f *models.Flow) {
		f.Nodes = nodes
		if len(nodes) > 0 {
			f.EntryNodeID = nodes[0].ID
		}
	}
}

func WithConnections(connections ...models.Connection) func(*models.Flow) {
	return func(f *models.Flow) {
		f.Connections = connections
	}
}

// Published marks the flow as already published.
func Published() func(*models.Flow) {
	return func(f *models.Flow) {
		now := time.Now().UTC()
		f.PublishedAt = &now
	}
}

func Connect(source string, kind models.ConnectionKind, target string) models.Connection {
	return models.Connection{Source: source, Target: target, Kind: kind}
}

// Chain connects nodes one after another through default connections.
func Chain(ids ...string) []models.Connection {
	connections := make([]models.Connection, 0, len(ids))
	for i := 1; i < len(ids); i++ {
		connections = append(connections, Connect(ids[i-1], models.ConnectionDefault, ids[i]))
	}

	return connections
}

func MessageNode(id, text string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeMessage, Content: &models.MessageContent{Text: text}}
}

func QuestionNode(id, prompt, variable string, overrides ...func(*models.QuestionContent)) models.Node {
	content := &models.QuestionContent{Prompt: prompt, Variable: variable, InputType: "text"}

	for _, override := range overrides {
		override(content)
	}

	return models.Node{ID: id, Type: models.NodeTypeQuestion, Content: content}
}

// ConditionNode routes to then when expression holds and to the default path otherwise.
func ConditionNode(id, expression, then string, defaultPath models.ConnectionKind) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeCondition, Content: &models.ConditionContent{
		Conditions:  []models.ConditionBranch{{If: models.Predicate{Expression: expression}, Then: then}},
		DefaultPath: defaultPath,
	}}
}

func ActionNode(id string, actions ...models.Action) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeAction, Content: &models.ActionContent{Actions: actions}}
}

func SetVariable(variable string, value any) models.Action {
	return models.Action{Type: models.ActionSetVariable, Variable: variable, Value: value}
}

func Increment(variable string) models.Action {
	return models.Action{Type: models.ActionIncrement, Variable: variable}
}

func WebhookNode(id, url string, overrides ...func(*models.WebhookContent)) models.Node {
	content := &models.WebhookContent{CallSpec: models.CallSpec{URL: url}}

	for _, override := range overrides {
		override(content)
	}

	return models.Node{ID: id, Type: models.NodeTypeWebhook, Content: content}
}

// CompositeNode embeds a sub-flow starting at its first node.
func CompositeNode(id string, inputs, outputs map[string]string, nodes []models.Node, connections ...models.Connection) models.Node {
	embedded := &models.EmbeddedFlow{Nodes: nodes, Connections: connections}
	if len(nodes) > 0 {
		embedded.EntryNodeID = nodes[0].ID
	}

	return models.Node{ID: id, Type: models.NodeTypeComposite, Content: &models.CompositeContent{
		Flow:    embedded,
		Inputs:  inputs,
		Outputs: outputs,
	}}
}

// FlowCompositeNode descends into a separately published flow.
func FlowCompositeNode(id, flowID string, inputs, outputs map[string]string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeComposite, Content: &models.CompositeContent{
		FlowID:  flowID,
		Inputs:  inputs,
		Outputs: outputs,
	}}
}

// CreateTestSession creates an active session at revision 1 on node.
func CreateTestSession(flowID, node string, overrides ...func(*models.Session)) *models.Session {
	now := time.Now().UTC()
	session := &models.Session{
		ID:            uuid.New().String(),
		Token:         uuid.New().String(),
		FlowID:        flowID,
		CurrentNodeID: node,
		State:         map[string]any{},
		Status:        models.SessionActive,
		ExecState:     models.ExecAwaitingInput,
		Revision:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for _, override := range overrides {
		override(session)
	}

	return session
}
