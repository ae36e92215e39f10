package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/chatflow/pkg/cmd"
	"github.com/dukex/chatflow/pkg/engine"
	"github.com/dukex/chatflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "chatflow-sweeper",
		Usage:                 "Abandon idle sessions and purge expired idempotency records",
		EnableShellCompletion: true,
		Flags: append(cmd.StackFlags(),
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron expression or descriptor for sweeps",
				Value:   "@every 5m",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.DurationFlag{
				Name:    "session-idle-timeout",
				Usage:   "Active sessions untouched this long are abandoned",
				Value:   24 * time.Hour,
				Sources: cli.EnvVars("SESSION_IDLE_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "sweep-batch-size",
				Usage:   "Maximum sessions abandoned per sweep",
				Value:   engine.DefaultSweepLimit,
				Sources: cli.EnvVars("SWEEP_BATCH_SIZE"),
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Run a single sweep and exit",
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("chatflow-sweeper")

			logger.InfoContext(ctx, "Initializing Chatflow Sweeper")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stack, err := cmd.NewStack(ctx, logger, cmd.ReadStackConfig(command, "chatflow-sweeper"))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := cmd.ShutdownContext()
				defer cancel()

				stack.Close(shutdownCtx)
			}()

			sweeper, err := NewSweeper(logger, stack.Engine, SweeperConfig{
				Schedule:    command.String("sweep-schedule"),
				IdleTimeout: command.Duration("session-idle-timeout"),
				BatchSize:   command.Int("sweep-batch-size"),
			})
			if err != nil {
				return err
			}

			if command.Bool("once") {
				sweeper.Sweep(ctx)

				return nil
			}

			if err := sweeper.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("Shutting down sweeper...")

			shutdownCtx, cancel := cmd.ShutdownContext()
			defer cancel()

			sweeper.Stop(shutdownCtx)

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
