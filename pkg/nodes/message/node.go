package message

import (
	"context"
	"errors"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

const defaultMessageType = "text"

var (
	ErrEmptyMessage = errors.New("message needs text, content_id, messages or random")
	ErrEmptyPart    = errors.New("message part needs text or content_id")
)

func (p *Processor) Validate(node *models.Node, deps protocol.Deps) error {
	content, err := protocol.Content[*models.MessageContent](node)
	if err != nil {
		return err
	}

	if content.Text == "" && content.ContentID == "" && len(content.Messages) == 0 && content.Random == nil {
		return ErrEmptyMessage
	}

	texts := []string{content.Text}

	for _, part := range content.Messages {
		if part.Text == "" && part.ContentID == "" {
			return ErrEmptyPart
		}

		texts = append(texts, part.Text)
	}

	return nodes.CheckTemplates(texts...)
}

// Process sends the messages. With wait_for_ack the node waits for any input
// before following the default connection.
func (p *Processor) Process(ctx context.Context, node *models.Node, state *template.State, input *models.Input, deps protocol.Deps) (*protocol.Result, error) {
	content, err := protocol.Content[*models.MessageContent](node)
	if err != nil {
		return nil, flowerr.Configuration("message.Process", "", err)
	}

	if input != nil {
		return &protocol.Result{Next: models.ConnectionDefault}, nil
	}

	messages, err := p.render(ctx, node, content, state, deps)
	if err != nil {
		return nil, err
	}

	result := &protocol.Result{Messages: messages, Next: models.ConnectionDefault}

	if content.WaitForAck {
		result.Next = ""
		result.Await = protocol.AwaitInput
		result.InputRequest = &models.InputRequest{NodeID: node.ID, Kind: models.InputKindAck}
	}

	return result, nil
}

func (p *Processor) render(ctx context.Context, node *models.Node, content *models.MessageContent, state *template.State, deps protocol.Deps) ([]models.Message, error) {
	messageType := content.MessageType
	if messageType == "" {
		messageType = defaultMessageType
	}

	newMessage := func(text string, delay float64) models.Message {
		return models.Message{
			NodeID: node.ID,
			Type:   messageType,
			Text:   text,
			Delay:  delay,
			Typing: content.TypingIndicator,
		}
	}

	var messages []models.Message

	if content.Text != "" || content.ContentID != "" {
		text, err := nodes.ResolveText(ctx, deps, content.Text, content.ContentID, state)
		if err != nil {
			return nil, err
		}

		messages = append(messages, newMessage(text, 0))
	}

	for _, part := range content.Messages {
		text, err := nodes.ResolveText(ctx, deps, part.Text, part.ContentID, state)
		if err != nil {
			return nil, err
		}

		messages = append(messages, newMessage(text, part.Delay))
	}

	if content.Random != nil {
		random, err := p.randomMessages(ctx, content.Random, state, deps, newMessage)
		if err != nil {
			return nil, err
		}

		messages = append(messages, random...)
	}

	return messages, nil
}

func (p *Processor) randomMessages(
	ctx context.Context,
	query *models.RandomContentQuery,
	state *template.State,
	deps protocol.Deps,
	newMessage func(string, float64) models.Message,
) ([]models.Message, error) {
	if deps.Content == nil {
		return nil, flowerr.Configuration("message.Process", "random content", nodes.ErrNoContentLookup)
	}

	items, err := deps.Content.RandomContent(ctx, *query)
	if err != nil {
		return nil, flowerr.Internal("message.Process", "random content", err)
	}

	messages := make([]models.Message, 0, len(items))

	for _, item := range items {
		text, err := nodes.Interpolate(ctx, deps, item.Text(), state)
		if err != nil {
			return nil, err
		}

		message := newMessage(text, 0)
		message.Content = item.Content
		messages = append(messages, message)
	}

	return messages, nil
}
