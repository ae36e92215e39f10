package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/trace"
)

type WorkerConfig struct {
	ID              string
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

var DefaultWorkerConfig = WorkerConfig{
	MaxRetries:      3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	MaxElapsedTime:  2 * time.Minute,
}

// Worker performs tasks and delivers one final result per task, after
// retrying transient failures with exponential backoff.
type Worker struct {
	logger     *slog.Logger
	subscriber message.Subscriber
	caller     Caller
	deliverer  Deliverer
	tracer     trace.Tracer
	config     WorkerConfig
}

func NewWorker(logger *slog.Logger, subscriber message.Subscriber, caller Caller, deliverer Deliverer, tracer trace.Tracer, config WorkerConfig) *Worker {
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultWorkerConfig.MaxRetries
	}

	if config.InitialInterval <= 0 {
		config.InitialInterval = DefaultWorkerConfig.InitialInterval
	}

	if config.MaxInterval <= 0 {
		config.MaxInterval = DefaultWorkerConfig.MaxInterval
	}

	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = DefaultWorkerConfig.MaxElapsedTime
	}

	return &Worker{
		logger:     logger.With("module", "dispatch_worker", "worker_id", config.ID),
		subscriber: subscriber,
		caller:     caller,
		deliverer:  deliverer,
		tracer:     tracer,
		config:     config,
	}
}

// Start consumes tasks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	messages, err := w.subscriber.Subscribe(ctx, TaskTopic)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "worker started")

	go func() {
		for msg := range messages {
			var task models.Task

			err := json.Unmarshal(msg.Payload, &task)
			if err != nil {
				w.logger.ErrorContext(ctx, "dropping malformed task", "message_id", msg.UUID, "error", err)
				msg.Ack()

				continue
			}

			err = w.Handle(ctx, task)
			if err != nil {
				w.logger.ErrorContext(ctx, "failed to deliver task result", "key", task.Key.String(), "error", err)
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

// Handle runs one task and delivers its result. The returned error concerns
// delivery only; call failures travel inside the result.
func (w *Worker) Handle(ctx context.Context, task models.Task) error {
	ctx, span := w.tracer.Start(ctx, "dispatch.task", trace.WithAttributes(otelhelper.TaskAttributes(task, w.config.ID)...))
	defer span.End()

	result := w.perform(ctx, task)
	if !result.Success {
		span.SetAttributes(otelhelper.ErrorAttribute(result.Error))
	}

	return w.deliverer.Deliver(ctx, result)
}

func (w *Worker) perform(ctx context.Context, task models.Task) models.TaskResult {
	attempts := 0

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(w.config.InitialInterval),
		backoff.WithMaxInterval(w.config.MaxInterval),
		backoff.WithMaxElapsedTime(w.config.MaxElapsedTime),
	), w.config.MaxRetries), ctx)

	response, err := backoff.RetryNotifyWithData[*Response](func() (*Response, error) {
		attempts++

		response, err := w.caller.Call(ctx, task.Request)
		if err != nil && !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}

		return response, err
	}, policy, func(err error, wait time.Duration) {
		w.logger.WarnContext(ctx, "task attempt failed, retrying", "key", task.Key.String(), "attempt", attempts, "wait", wait, "error", err)
	})

	result := models.TaskResult{Key: task.Key, Attempts: attempts}

	if err != nil {
		result.Error = err.Error()

		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			result.StatusCode = statusErr.StatusCode
			result.Body = statusErr.Body
		}

		w.logger.WarnContext(ctx, "task failed", "key", task.Key.String(), "attempts", attempts, "error", err)

		return result
	}

	result.Success = true
	result.StatusCode = response.StatusCode
	result.Body = response.Body

	w.logger.InfoContext(ctx, "task completed", "key", task.Key.String(), "status_code", response.StatusCode, "attempts", attempts)

	return result
}

// ConsumeResults feeds delivered results into deliverer until ctx is cancelled.
func ConsumeResults(ctx context.Context, logger *slog.Logger, subscriber message.Subscriber, deliverer Deliverer) error {
	messages, err := subscriber.Subscribe(ctx, ResultTopic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			var result models.TaskResult

			err := json.Unmarshal(msg.Payload, &result)
			if err != nil {
				logger.ErrorContext(ctx, "dropping malformed task result", "message_id", msg.UUID, "error", err)
				msg.Ack()

				continue
			}

			err = deliverer.Deliver(ctx, result)
			if err != nil {
				logger.ErrorContext(ctx, "failed to apply task result", "key", result.Key.String(), "error", err)
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}
