package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/chatflow/pkg/cmd"
	"github.com/dukex/chatflow/pkg/dispatch"
	"github.com/dukex/chatflow/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "chatflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Perform webhook calls dispatched by conversations",
		Flags: append(cmd.TransportFlags(),
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.IntFlag{
				Name:    "max-retries",
				Usage:   "Retries of a transient webhook failure",
				Value:   int(dispatch.DefaultWorkerConfig.MaxRetries),
				Sources: cli.EnvVars("WORKER_MAX_RETRIES"),
			},
			&cli.DurationFlag{
				Name:    "max-elapsed-time",
				Usage:   "Upper bound on the time spent retrying one task",
				Value:   dispatch.DefaultWorkerConfig.MaxElapsedTime,
				Sources: cli.EnvVars("WORKER_MAX_ELAPSED_TIME"),
			},
			&cli.DurationFlag{
				Name:    "idle-conn-timeout",
				Usage:   "How long idle HTTP connections are kept",
				Value:   90 * time.Second,
				Sources: cli.EnvVars("WORKER_IDLE_CONN_TIMEOUT"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("chatflow-worker").With("workerId", workerID)

			logger.InfoContext(ctx, "Initializing Chatflow Worker")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stack, err := cmd.NewTransport(ctx, logger, cmd.ReadStackConfig(command, "chatflow-worker"))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := cmd.ShutdownContext()
				defer cancel()

				stack.Close(shutdownCtx)
			}()

			client := &http.Client{
				Transport: &http.Transport{
					Proxy:           http.ProxyFromEnvironment,
					IdleConnTimeout: command.Duration("idle-conn-timeout"),
				},
			}

			worker := dispatch.NewWorker(
				logger,
				stack.Subscriber,
				dispatch.NewHTTPCaller(client),
				dispatch.NewPublisher(stack.Publisher),
				stack.Tracer,
				dispatch.WorkerConfig{
					ID:             workerID,
					MaxRetries:     uint64(command.Int("max-retries")),
					MaxElapsedTime: command.Duration("max-elapsed-time"),
				},
			)

			err = worker.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start worker", "error", err)

				return err
			}

			<-ctx.Done()
			logger.InfoContext(ctx, "Shutting down worker...")

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
