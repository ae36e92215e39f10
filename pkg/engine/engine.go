// Package engine runs sessions through compiled flow graphs. It batches the
// nodes of one turn into a single revision, suspends on input or background
// side effects and applies delivered results.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukex/chatflow/pkg/breaker"
	"github.com/dukex/chatflow/pkg/dispatch"
	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/events"
	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/graph"
	"github.com/dukex/chatflow/pkg/idempotency"
	"github.com/dukex/chatflow/pkg/locking"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/otelhelper"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/registry"
	"github.com/dukex/chatflow/pkg/session"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultStepBudget = 50
	DefaultMaxDepth   = 8
)

var (
	ErrMissingDependency = errors.New("engine dependency is missing")
	ErrTooManyEffects    = errors.New("a node may dispatch one side effect per step")
	ErrNotResumable      = errors.New("node cannot resume")
	ErrMaxDepth          = errors.New("composite nesting too deep")
	ErrUnknownNode       = errors.New("node does not exist")
)

type Config struct {
	// StepBudget caps the processor invocations of one turn.
	StepBudget int
	// MaxDepth caps nested composite frames.
	MaxDepth int
	// LockTTL bounds how long a step lock may be held.
	LockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepBudget <= 0 {
		c.StepBudget = DefaultStepBudget
	}

	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}

	if c.LockTTL <= 0 {
		c.LockTTL = locking.DefaultTTL
	}

	return c
}

// Options wires the engine. Catalog, Registry, Sessions, Guard and Dispatcher
// are required; the rest fall back to in-process or no-op implementations.
type Options struct {
	Logger     *slog.Logger
	Catalog    *graph.Catalog
	Registry   *registry.Registry
	Sessions   persistence.SessionRepository
	Guard      *idempotency.Guard
	Locker     locking.Locker
	Dispatcher dispatch.Dispatcher
	Emitter    *eventbus.Emitter
	Breakers   *breaker.Registry
	Deps       protocol.Deps
	Tracer     trace.Tracer
	Config     Config
	Now        func() time.Time
}

type Engine struct {
	logger     *slog.Logger
	catalog    *graph.Catalog
	registry   *registry.Registry
	sessions   persistence.SessionRepository
	guard      *idempotency.Guard
	locker     locking.Locker
	dispatcher dispatch.Dispatcher
	emitter    *eventbus.Emitter
	breakers   *breaker.Registry
	machine    *session.Machine
	deps       protocol.Deps
	tracer     trace.Tracer
	config     Config
	now        func() time.Time
}

func New(opts Options) (*Engine, error) {
	switch {
	case opts.Catalog == nil:
		return nil, flowerr.Configuration("engine.New", "catalog", ErrMissingDependency)
	case opts.Registry == nil:
		return nil, flowerr.Configuration("engine.New", "registry", ErrMissingDependency)
	case opts.Sessions == nil:
		return nil, flowerr.Configuration("engine.New", "sessions", ErrMissingDependency)
	case opts.Guard == nil:
		return nil, flowerr.Configuration("engine.New", "idempotency guard", ErrMissingDependency)
	case opts.Dispatcher == nil:
		return nil, flowerr.Configuration("engine.New", "dispatcher", ErrMissingDependency)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	locker := opts.Locker
	if locker == nil {
		locker = locking.NewMemory(locking.DefaultWait)
	}

	breakers := opts.Breakers
	if breakers == nil {
		breakers = breaker.NewRegistry(logger, breaker.DefaultPolicy, nil)
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	deps := opts.Deps
	if deps.Breakers == nil {
		deps.Breakers = breakers
	}

	if deps.Logger == nil {
		deps.Logger = logger
	}

	if deps.Now == nil {
		deps.Now = now
	}

	return &Engine{
		logger:     logger.With("module", "engine"),
		catalog:    opts.Catalog,
		registry:   opts.Registry,
		sessions:   opts.Sessions,
		guard:      opts.Guard,
		locker:     locker,
		dispatcher: opts.Dispatcher,
		emitter:    opts.Emitter,
		breakers:   breakers,
		machine:    session.NewMachine(now),
		deps:       deps,
		tracer:     tracer,
		config:     opts.Config.withDefaults(),
		now:        now,
	}, nil
}

// TurnResult is what a caller sees after a turn: the persisted session plus
// the messages and input request produced on the way.
type TurnResult struct {
	Session      *models.Session      `json:"session"`
	Messages     []models.Message     `json:"messages"`
	InputRequest *models.InputRequest `json:"input_request,omitempty"`
	Warnings     []string             `json:"warnings,omitempty"`

	// Rejected is set when the input failed validation. Nothing was persisted.
	Rejected bool `json:"rejected,omitempty"`
}

type DeliveryStatus string

const (
	DeliveryApplied   DeliveryStatus = "applied"
	DeliveryDuplicate DeliveryStatus = "duplicate"
	DeliveryStale     DeliveryStatus = "stale"
	DeliveryConflict  DeliveryStatus = "conflict"
)

// DeliveryOutcome reports what happened to a delivered task result.
type DeliveryOutcome struct {
	Status DeliveryStatus `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Turn   *TurnResult    `json:"turn,omitempty"`
}

// AsDeliverer adapts Deliver to dispatch.Deliverer so results consumed from
// the bus feed straight into the engine.
func (e *Engine) AsDeliverer() dispatch.Deliverer {
	return dispatch.DelivererFunc(func(ctx context.Context, result models.TaskResult) error {
		_, err := e.Deliver(ctx, result)

		return err
	})
}

// Breakers exposes the circuit breaker registry, for health and diagnostics.
func (e *Engine) Breakers() *breaker.Registry {
	return e.breakers
}

// Registry exposes the processor table, for catalogs and editors.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Catalog exposes the flow catalog used to resolve graphs.
func (e *Engine) Catalog() *graph.Catalog {
	return e.catalog
}

// lock acquires the step lock. Failing to acquire it is logged and the step
// proceeds; the conditional write still protects the session.
func (e *Engine) lock(ctx context.Context, sessionID string) locking.Unlock {
	unlock, err := e.locker.Acquire(ctx, sessionID, e.config.LockTTL)
	if err != nil {
		e.logger.WarnContext(ctx, "proceeding without session lock", "session_id", sessionID, "error", err)

		return func(context.Context) error { return nil }
	}

	return unlock
}

func (e *Engine) release(ctx context.Context, sessionID string, unlock locking.Unlock) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		e.logger.WarnContext(ctx, "failed to release session lock", "session_id", sessionID, "error", err)
	}
}

func (e *Engine) emit(ctx context.Context, before, after *models.Session) {
	e.emitter.Emit(ctx, after.ID, events.ForTransition(before, after)...)
}

// verify checks the integrity hash. A mismatch flags the session, leaving
// its state as found, and fails the operation.
func (e *Engine) verify(ctx context.Context, s *models.Session) error {
	err := session.Verify(s)
	if err == nil {
		return nil
	}

	e.logger.ErrorContext(ctx, "session failed integrity check", "session_id", s.ID, "revision", s.Revision, "error", err)

	if !s.Flagged {
		flagged := session.Clone(s)
		e.machine.Flag(flagged)
		flagged.Revision++

		if updateErr := e.sessions.UpdateSession(ctx, flagged, s.Revision); updateErr != nil {
			e.logger.ErrorContext(ctx, "failed to flag session", "session_id", s.ID, "error", updateErr)
		}
	}

	var flowErr *flowerr.Error
	if errors.As(err, &flowErr) {
		return flowErr.WithNode(s.ActiveFlowID(), s.ActiveNodeID())
	}

	return err
}

func notFound(op, token string, err error) error {
	if persistence.IsSessionNotFound(err) {
		return flowerr.Validation(op, "unknown session "+token, err)
	}

	return flowerr.Internal(op, "loading session", err)
}
