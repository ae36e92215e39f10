package cmd

import (
	"context"
	"time"

	"github.com/dukex/chatflow/pkg/breaker"
	"github.com/dukex/chatflow/pkg/engine"
	"github.com/dukex/chatflow/pkg/idempotency"
	"github.com/dukex/chatflow/pkg/secrets"
	cli "github.com/urfave/cli/v3"
)

// TransportFlags configure logging, tracing and the pub/sub.
func TransportFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka broker addresses",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// StackFlags configure storage and the engine on top of the transport.
func StackFlags() []cli.Flag {
	return append(TransportFlags(),
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (file://path or postgres://...)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for locks and idempotency records",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "lock-provider",
			Usage:   "Session lock provider (memory, redis, postgres, none)",
			Value:   "memory",
			Sources: cli.EnvVars("LOCK_PROVIDER"),
		},
		&cli.StringFlag{
			Name:    "idempotency-provider",
			Usage:   "Idempotency record store (memory, redis, postgres, file)",
			Sources: cli.EnvVars("IDEMPOTENCY_PROVIDER"),
		},
		&cli.DurationFlag{
			Name:    "idempotency-ttl",
			Usage:   "How long idempotency records are kept",
			Value:   idempotency.DefaultTTL,
			Sources: cli.EnvVars("IDEMPOTENCY_TTL"),
		},
		&cli.IntFlag{
			Name:    "step-budget",
			Usage:   "Maximum node executions per turn",
			Value:   engine.DefaultStepBudget,
			Sources: cli.EnvVars("STEP_BUDGET"),
		},
		&cli.IntFlag{
			Name:    "breaker-failure-threshold",
			Usage:   "Failures that open a webhook circuit breaker",
			Value:   breaker.DefaultPolicy.FailureThreshold,
			Sources: cli.EnvVars("BREAKER_FAILURE_THRESHOLD"),
		},
		&cli.IntFlag{
			Name:    "breaker-success-threshold",
			Usage:   "Successes that close a half-open circuit breaker",
			Value:   breaker.DefaultPolicy.SuccessThreshold,
			Sources: cli.EnvVars("BREAKER_SUCCESS_THRESHOLD"),
		},
		&cli.DurationFlag{
			Name:    "breaker-cool-down",
			Usage:   "How long an open circuit breaker stays open",
			Value:   breaker.DefaultPolicy.CoolDown,
			Sources: cli.EnvVars("BREAKER_COOL_DOWN"),
		},
		&cli.StringFlag{
			Name:    "secret-prefix",
			Usage:   "Environment variable prefix for {{secret:key}} references",
			Value:   secrets.DefaultPrefix,
			Sources: cli.EnvVars("SECRET_PREFIX"),
		},
	)
}

// ReadStackConfig collects the flags of TransportFlags and StackFlags.
// Flags a command does not declare read as zero values.
func ReadStackConfig(command *cli.Command, serviceName string) StackConfig {
	return StackConfig{
		ServiceName:         serviceName,
		DatabaseURL:         command.String("database-url"),
		EventBus:            command.String("event-bus"),
		KafkaBrokers:        command.StringSlice("kafka-brokers"),
		RedisURL:            command.String("redis-url"),
		LockProvider:        command.String("lock-provider"),
		IdempotencyProvider: command.String("idempotency-provider"),
		IdempotencyTTL:      command.Duration("idempotency-ttl"),
		StepBudget:          command.Int("step-budget"),
		Breaker: breaker.Policy{
			FailureThreshold: command.Int("breaker-failure-threshold"),
			SuccessThreshold: command.Int("breaker-success-threshold"),
			CoolDown:         command.Duration("breaker-cool-down"),
		},
		SecretPrefix: command.String("secret-prefix"),
		OTELEnabled:  command.Bool("otel-enabled"),
	}
}

// defaultShutdownTimeout bounds graceful shutdown of every binary.
const defaultShutdownTimeout = 10 * time.Second

// ShutdownContext returns a context for cleanup after the run context is done.
func ShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), defaultShutdownTimeout)
}
