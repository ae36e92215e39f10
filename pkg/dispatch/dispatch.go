// Package dispatch moves side-effect tasks to background workers and their
// results back to the engine over watermill.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/chatflow/pkg/models"
)

const (
	TaskTopic   = "chatflow.tasks"
	ResultTopic = "chatflow.task_results"

	keyMetadata = "key"
)

// Dispatcher hands a task to the background substrate. Delivery is at least
// once; duplicates are absorbed by the idempotency guard.
type Dispatcher interface {
	Dispatch(ctx context.Context, task models.Task) error
}

// Deliverer receives the final result of a task, successful or not.
type Deliverer interface {
	Deliver(ctx context.Context, result models.TaskResult) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, result models.TaskResult) error

func (f DelivererFunc) Deliver(ctx context.Context, result models.TaskResult) error {
	return f(ctx, result)
}

// Publisher publishes tasks and results as JSON messages.
type Publisher struct {
	publisher message.Publisher
}

func NewPublisher(publisher message.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

func (p *Publisher) Dispatch(ctx context.Context, task models.Task) error {
	return p.publish(ctx, TaskTopic, task.Key, task)
}

// Deliver publishes a result for the engine process to consume.
func (p *Publisher) Deliver(ctx context.Context, result models.TaskResult) error {
	return p.publish(ctx, ResultTopic, result.Key, result)
}

func (p *Publisher) publish(ctx context.Context, topic string, key models.IdempotencyKey, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", topic, err)
	}

	msg := message.NewMessage(watermill.NewULID(), data)
	msg.Metadata.Set(keyMetadata, key.SessionID)
	msg.SetContext(ctx)

	err = p.publisher.Publish(topic, msg)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}
