package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/chatflow/pkg/cmd"
	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "chatflow-api",
		Usage:                 "Serve conversations and flow publishing over HTTP",
		EnableShellCompletion: true,
		Flags: append(cmd.StackFlags(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.BoolFlag{
				Name:    "embedded-worker",
				Usage:   "Run a webhook worker in this process (implied by the gochannel event bus)",
				Sources: cli.EnvVars("EMBEDDED_WORKER"),
			},
			&cli.BoolFlag{
				Name:    "event-journal",
				Usage:   "Log every session event published on the event bus",
				Value:   true,
				Sources: cli.EnvVars("EVENT_JOURNAL"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("chatflow-api")

			logger.InfoContext(ctx, "Initializing Chatflow API")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			config := cmd.ReadStackConfig(command, "chatflow-api")

			stack, err := cmd.NewStack(ctx, logger, config)
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := cmd.ShutdownContext()
				defer cancel()

				stack.Close(shutdownCtx)
			}()

			embedded := command.Bool("embedded-worker") || config.EventBus == "" || config.EventBus == "gochannel"

			err = startDispatch(ctx, logger, stack, embedded)
			if err != nil {
				return err
			}

			if command.Bool("event-journal") {
				err = eventbus.StartJournal(ctx, log.WithModule("event-journal"), stack.Events)
				if err != nil {
					return err
				}
			}

			api := NewAPI(logger, stack.Engine, stack.Persistence)

			err = api.Start(ctx, command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
