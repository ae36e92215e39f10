package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/chatflow/pkg/breaker"
	"github.com/dukex/chatflow/pkg/channels/kafka"
	"github.com/dukex/chatflow/pkg/dispatch"
	"github.com/dukex/chatflow/pkg/engine"
	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/graph"
	"github.com/dukex/chatflow/pkg/idempotency"
	"github.com/dukex/chatflow/pkg/otelhelper"
	"github.com/dukex/chatflow/pkg/persistence"
	redisstore "github.com/dukex/chatflow/pkg/persistence/redis"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

// StackConfig is the configuration shared by every binary.
type StackConfig struct {
	ServiceName         string
	DatabaseURL         string
	EventBus            string
	KafkaBrokers        []string
	RedisURL            string
	LockProvider        string
	IdempotencyProvider string
	IdempotencyTTL      time.Duration
	StepBudget          int
	Breaker             breaker.Policy
	SecretPrefix        string
	OTELEnabled         bool
}

// Stack holds the wired components of a process. Close releases them in
// reverse order of creation.
type Stack struct {
	Persistence persistence.Persistence
	Publisher   message.Publisher
	Subscriber  message.Subscriber
	Events      eventbus.EventBus
	Emitter     *eventbus.Emitter
	Redis       goredis.UniversalClient
	Tracer      trace.Tracer
	Engine      *engine.Engine

	logger  *slog.Logger
	closers []func(context.Context) error
}

// NewTransport opens only the persistence-free part of the stack: tracing
// and the pub/sub. Workers need nothing else.
func NewTransport(ctx context.Context, logger *slog.Logger, config StackConfig) (*Stack, error) {
	stack := &Stack{logger: logger, Tracer: otelhelper.NoopTracer()}

	if config.OTELEnabled {
		tracer, err := otelhelper.NewTracer(ctx, config.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		stack.Tracer = tracer
	}

	pub, sub, err := NewPubSub(config.EventBus, logger, kafka.Config{
		Brokers:       config.KafkaBrokers,
		ConsumerGroup: config.ServiceName,
		OTELEnabled:   config.OTELEnabled,
	})
	if err != nil {
		return nil, err
	}

	stack.Publisher = pub
	stack.Subscriber = sub
	stack.Events = NewEventBus(pub, sub)
	stack.closers = append(stack.closers, func(context.Context) error { return stack.Events.Close() })

	return stack, nil
}

// NewStack opens the transport, the storage backends and the engine.
func NewStack(ctx context.Context, logger *slog.Logger, config StackConfig) (*Stack, error) {
	stack, err := NewTransport(ctx, logger, config)
	if err != nil {
		return nil, err
	}

	if err := stack.build(ctx, config); err != nil {
		stack.Close(ctx)

		return nil, err
	}

	return stack, nil
}

func (s *Stack) build(ctx context.Context, config StackConfig) error {
	store, err := NewPersistence(ctx, s.logger, config.DatabaseURL)
	if err != nil {
		return err
	}

	s.Persistence = store
	s.closers = append(s.closers, store.Close)

	if config.RedisURL != "" {
		client, err := redisstore.Connect(ctx, s.logger, config.RedisURL)
		if err != nil {
			return err
		}

		s.Redis = client
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
	}

	locker, err := NewLocker(config.LockProvider, store, s.Redis)
	if err != nil {
		return err
	}

	records, err := NewIdempotencyStore(config.IdempotencyProvider, store, s.Redis, s.logger)
	if err != nil {
		return err
	}

	reg := NewRegistry(s.logger)

	deps, err := NewDeps(s.logger, store.Content(), config.SecretPrefix)
	if err != nil {
		return err
	}

	s.Emitter = eventbus.NewEmitter(s.Events, s.logger, eventbus.DefaultEmitTimeout)
	s.closers = append(s.closers, func(context.Context) error {
		s.Emitter.Wait()

		return nil
	})

	s.Engine, err = engine.New(engine.Options{
		Logger:     s.logger,
		Catalog:    graph.NewCatalog(s.logger, store.Flows(), graph.NewCompiler(s.logger, reg, deps), graph.DefaultCacheTTL),
		Registry:   reg,
		Sessions:   store.Sessions(),
		Guard:      idempotency.NewGuard(records, s.logger, config.IdempotencyTTL),
		Locker:     locker,
		Dispatcher: dispatch.NewPublisher(s.Publisher),
		Emitter:    s.Emitter,
		Breakers:   breaker.NewRegistry(s.logger, config.Breaker, nil),
		Deps:       deps,
		Tracer:     s.Tracer,
		Config:     engine.Config{StepBudget: config.StepBudget},
	})

	return err
}

func (s *Stack) Close(ctx context.Context) {
	var errs []error

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.ErrorContext(ctx, "Failed to close stack", "error", err)
	}
}
