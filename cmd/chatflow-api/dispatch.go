package main

import (
	"context"
	"log/slog"

	"github.com/dukex/chatflow/pkg/cmd"
	"github.com/dukex/chatflow/pkg/dispatch"
)

const embeddedWorkerID = "embedded"

// startDispatch feeds task results back into the engine. With embedded set
// the process also performs the tasks it publishes, which the in-process
// channel requires since it does not cross process boundaries.
func startDispatch(ctx context.Context, logger *slog.Logger, stack *cmd.Stack, embedded bool) error {
	err := dispatch.ConsumeResults(ctx, logger, stack.Subscriber, stack.Engine.AsDeliverer())
	if err != nil {
		return err
	}

	if !embedded {
		return nil
	}

	worker := dispatch.NewWorker(
		logger,
		stack.Subscriber,
		dispatch.NewHTTPCaller(nil),
		dispatch.NewPublisher(stack.Publisher),
		stack.Tracer,
		dispatch.WorkerConfig{ID: embeddedWorkerID},
	)

	return worker.Start(ctx)
}
