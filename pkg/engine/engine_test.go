package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/breaker"
	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/events"
	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/graph"
	"github.com/dukex/chatflow/pkg/idempotency"
	"github.com/dukex/chatflow/pkg/locking"
	"github.com/dukex/chatflow/pkg/log"
	"github.com/dukex/chatflow/pkg/mocks"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/persistence/file"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/registry"
	"github.com/dukex/chatflow/pkg/session"
	"github.com/dukex/chatflow/pkg/template"
	"github.com/dukex/chatflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const ordersURL = "https://hooks.example.com/orders"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []models.Task
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task models.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return d.err
	}

	d.tasks = append(d.tasks, task)

	return nil
}

func (d *recordingDispatcher) Tasks() []models.Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]models.Task(nil), d.tasks...)
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []events.EventType
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.types = append(p.types, event.GetType())

	return nil
}

func (p *recordingPublisher) Types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]events.EventType(nil), p.types...)
}

// racingSessions lets a concurrent writer win the next races conditional writes.
type racingSessions struct {
	persistence.SessionRepository

	mu      sync.Mutex
	machine *session.Machine
	races   int
	mutate  func(*models.Session)
	updates int
}

func (r *racingSessions) UpdateSession(ctx context.Context, s *models.Session, expected int64) error {
	r.mu.Lock()
	r.updates++
	race := r.races > 0
	if race {
		r.races--
	}
	r.mu.Unlock()

	if race {
		stored, err := r.SessionRepository.SessionByID(ctx, s.ID)
		if err != nil {
			return err
		}

		concurrent := session.Clone(stored)
		if r.mutate != nil {
			r.mutate(concurrent)
		}

		if err := r.machine.Bump(concurrent); err != nil {
			return err
		}

		if err := r.SessionRepository.UpdateSession(ctx, concurrent, stored.Revision); err != nil {
			return err
		}
	}

	return r.SessionRepository.UpdateSession(ctx, s, expected)
}

type fixture struct {
	engine     *Engine
	store      *file.Persistence
	dispatcher *recordingDispatcher
	publisher  *recordingPublisher
	emitter    *eventbus.Emitter
	clock      *clock
}

type fixtureOption func(*Options)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	logger := log.Discard()
	store := file.NewPersistence(t.TempDir())
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	reg := registry.NewDefaultRegistry(logger)

	deps := protocol.Deps{Resolver: template.NewResolver(), Content: store.Content(), Now: clk.Now}
	catalog := graph.NewCatalog(logger, store.Flows(), graph.NewCompiler(logger, reg, deps), time.Minute)

	dispatcher := &recordingDispatcher{}
	publisher := &recordingPublisher{}
	emitter := eventbus.NewEmitter(publisher, logger, time.Second)

	options := Options{
		Logger:     logger,
		Catalog:    catalog,
		Registry:   reg,
		Sessions:   store.Sessions(),
		Guard:      idempotency.NewGuard(idempotency.NewMemoryStore(time.Minute), logger, time.Hour),
		Locker:     locking.NewMemory(time.Second),
		Dispatcher: dispatcher,
		Emitter:    emitter,
		Deps:       deps,
		Now:        clk.Now,
	}

	for _, opt := range opts {
		opt(&options)
	}

	engine, err := New(options)
	require.NoError(t, err)

	return &fixture{engine: engine, store: store, dispatcher: dispatcher, publisher: publisher, emitter: emitter, clock: clk}
}

func (f *fixture) publish(t *testing.T, flow *models.Flow) {
	t.Helper()

	_, report, err := f.engine.Catalog().Publish(context.Background(), flow)
	require.NoError(t, err, "report: %+v", report)
}

func (f *fixture) stored(t *testing.T, token string) *models.Session {
	t.Helper()

	s, err := f.store.Sessions().SessionByToken(context.Background(), token)
	require.NoError(t, err)

	return s
}

func texts(messages []models.Message) []string {
	out := make([]string, 0, len(messages))
	for _, message := range messages {
		out = append(out, message.Text)
	}

	return out
}

func greetingFlow() *models.Flow {
	return testutil.CreateTestFlow(
		testutil.WithID("greeting"),
		testutil.WithNodes(
			testutil.MessageNode("welcome", "Welcome!"),
			testutil.QuestionNode("ask", "What is your name?", "user.name"),
			testutil.MessageNode("greet", "Hi {{user.name}}"),
		),
		testutil.WithConnections(testutil.Chain("welcome", "ask", "greet")...),
	)
}

func orderFlow() *models.Flow {
	return testutil.CreateTestFlow(
		testutil.WithID("orders"),
		testutil.WithNodes(
			testutil.WebhookNode("hook", ordersURL, func(c *models.WebhookContent) {
				c.Body = map[string]any{"user": "{{user.id}}"}
				c.ResponseMapping = map[string]string{"temp.order_id": "$.data.id"}
			}),
			testutil.MessageNode("done", "Order {{temp.order_id}}"),
			testutil.MessageNode("sorry", "We could not place your order"),
		),
		testutil.WithConnections(
			testutil.Connect("hook", models.ConnectionSuccess, "done"),
			testutil.Connect("hook", models.ConnectionFailure, "sorry"),
		),
	)
}

func successResult(key models.IdempotencyKey) models.TaskResult {
	return models.TaskResult{
		Key:        key,
		Success:    true,
		StatusCode: 200,
		Body:       map[string]any{"data": map[string]any{"id": "o-1"}},
		Attempts:   1,
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, flowerr.IsConfigurationError(err))
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestEngine_QuestionConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, greetingFlow())

	started, err := f.engine.StartSession(ctx, "greeting", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Welcome!"}, texts(started.Messages))
	require.NotNil(t, started.InputRequest)
	assert.Equal(t, "ask", started.InputRequest.NodeID)
	assert.Equal(t, "What is your name?", started.InputRequest.Prompt)
	assert.Equal(t, int64(1), started.Session.Revision)
	assert.Equal(t, models.ExecAwaitingInput, started.Session.ExecState)
	assert.Equal(t, "ask", started.Session.CurrentNodeID)

	reply, err := f.engine.Interact(ctx, started.Session.Token, models.Input{Text: "Ada"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hi Ada"}, texts(reply.Messages))
	assert.Equal(t, int64(2), reply.Session.Revision)
	assert.Equal(t, models.SessionCompleted, reply.Session.Status)
	assert.NotNil(t, reply.Session.EndedAt)

	stored := f.stored(t, started.Session.Token)
	assert.Equal(t, int64(2), stored.Revision)
	assert.Equal(t, map[string]any{"name": "Ada"}, stored.State["user"])
	require.NoError(t, session.Verify(stored))

	f.emitter.Wait()
	assert.ElementsMatch(t, []events.EventType{
		events.SessionStartedEvent,
		events.SessionNodeChangedEvent,
		events.SessionStatusChangedEvent,
		events.SessionEndedEvent,
	}, f.publisher.Types())
}

func TestEngine_RejectedAnswerIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, testutil.CreateTestFlow(
		testutil.WithID("age"),
		testutil.WithNodes(
			testutil.QuestionNode("age", "How old are you?", "temp.age", func(c *models.QuestionContent) {
				c.InputType = "number"
				c.ErrorMessage = "Please answer with a number"
			}),
			testutil.MessageNode("thanks", "Thanks"),
		),
		testutil.WithConnections(testutil.Chain("age", "thanks")...),
	))

	started, err := f.engine.StartSession(ctx, "age", nil)
	require.NoError(t, err)

	rejected, err := f.engine.Interact(ctx, started.Session.Token, models.Input{Text: "old enough"})
	require.NoError(t, err)
	assert.True(t, rejected.Rejected)
	require.NotNil(t, rejected.InputRequest)
	assert.Equal(t, "Please answer with a number", rejected.InputRequest.Error)
	assert.Equal(t, int64(1), rejected.Session.Revision)
	assert.Equal(t, int64(1), f.stored(t, started.Session.Token).Revision)

	notFinite, err := f.engine.Interact(ctx, started.Session.Token, models.Input{Text: "NaN"})
	require.NoError(t, err)
	assert.True(t, notFinite.Rejected)
	assert.Equal(t, int64(1), f.stored(t, started.Session.Token).Revision)

	accepted, err := f.engine.Interact(ctx, started.Session.Token, models.Input{Text: "42"})
	require.NoError(t, err)
	assert.False(t, accepted.Rejected)
	assert.Equal(t, int64(2), accepted.Session.Revision)

	temp, _ := f.stored(t, started.Session.Token).State["temp"].(map[string]any)
	assert.EqualValues(t, 42, temp["age"])
}

func TestEngine_WebhookDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, orderFlow())

	started, err := f.engine.StartSession(ctx, "orders", map[string]any{"user": map[string]any{"id": "u-7"}})
	require.NoError(t, err)

	assert.Equal(t, models.ExecAwaitingAsync, started.Session.ExecState)
	require.NotNil(t, started.Session.Pending)

	tasks := f.dispatcher.Tasks()
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Equal(t, models.IdempotencyKey{SessionID: started.Session.ID, NodeID: "hook", Revision: 1}, task.Key)
	assert.Equal(t, task.Key, started.Session.Pending.Key)
	assert.Equal(t, ordersURL, task.Request.URL)
	assert.Equal(t, "POST", task.Request.Method)
	assert.Equal(t, map[string]any{"user": "u-7"}, task.Request.Body)
	assert.Equal(t, "webhook_"+ordersURL, task.Policy)

	first, err := f.engine.Deliver(ctx, successResult(task.Key))
	require.NoError(t, err)
	assert.Equal(t, DeliveryApplied, first.Status)
	require.NotNil(t, first.Turn)
	assert.Equal(t, []string{"Order o-1"}, texts(first.Turn.Messages))
	assert.Equal(t, models.SessionCompleted, first.Turn.Session.Status)
	assert.Equal(t, int64(2), first.Turn.Session.Revision)

	second, err := f.engine.Deliver(ctx, successResult(task.Key))
	require.NoError(t, err)
	assert.Equal(t, DeliveryDuplicate, second.Status)
	assert.EqualValues(t, 2, second.Result["revision"])

	stored := f.stored(t, started.Session.Token)
	assert.Equal(t, int64(2), stored.Revision)
	assert.Nil(t, stored.Pending)
	assert.Equal(t, breaker.StateClosed, f.engine.Breakers().State(task.Policy))
}

func TestEngine_WebhookFailureTakesFailurePath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, orderFlow())

	started, err := f.engine.StartSession(ctx, "orders", nil)
	require.NoError(t, err)

	outcome, err := f.engine.Deliver(ctx, models.TaskResult{Key: started.Session.Pending.Key, StatusCode: 503, Error: "unavailable"})
	require.NoError(t, err)
	assert.Equal(t, DeliveryApplied, outcome.Status)
	assert.Equal(t, []string{"We could not place your order"}, texts(outcome.Turn.Messages))
}

func TestEngine_StaleDeliveryIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, orderFlow())

	started, err := f.engine.StartSession(ctx, "orders", nil)
	require.NoError(t, err)

	ended, err := f.engine.EndSession(ctx, started.Session.Token, models.SessionAbandoned)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ended.Revision)

	outcome, err := f.engine.Deliver(ctx, successResult(started.Session.Pending.Key))
	require.NoError(t, err)
	assert.Equal(t, DeliveryStale, outcome.Status)

	stored := f.stored(t, started.Session.Token)
	assert.Equal(t, models.SessionAbandoned, stored.Status)
	assert.Equal(t, int64(2), stored.Revision)
}

func TestEngine_DeliveryForOldRevisionIsStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, orderFlow())

	started, err := f.engine.StartSession(ctx, "orders", nil)
	require.NoError(t, err)

	key := started.Session.Pending.Key
	key.Revision = 7

	outcome, err := f.engine.Deliver(ctx, successResult(key))
	require.NoError(t, err)
	assert.Equal(t, DeliveryStale, outcome.Status)
	assert.Equal(t, int64(1), f.stored(t, started.Session.Token).Revision)
}

func TestEngine_FailedDispatchIsDeliveredAsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, orderFlow())
	f.dispatcher.err = errors.New("broker down")

	result, err := f.engine.StartSession(ctx, "orders", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"We could not place your order"}, texts(result.Messages))
	assert.Equal(t, models.SessionCompleted, result.Session.Status)
	assert.Equal(t, int64(2), result.Session.Revision)
}

func TestEngine_OpenBreakerSkipsDispatch(t *testing.T) {
	ctx := context.Background()
	breakers := breaker.NewRegistry(log.Discard(), breaker.Policy{FailureThreshold: 1, SuccessThreshold: 1, CoolDown: time.Hour}, nil)
	f := newFixture(t, func(o *Options) { o.Breakers = breakers })
	f.publish(t, orderFlow())

	first, err := f.engine.StartSession(ctx, "orders", nil)
	require.NoError(t, err)

	_, err = f.engine.Deliver(ctx, models.TaskResult{Key: first.Session.Pending.Key, Error: "timeout"})
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, breakers.State("webhook_"+ordersURL))

	second, err := f.engine.StartSession(ctx, "orders", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"We could not place your order"}, texts(second.Messages))
	assert.Len(t, f.dispatcher.Tasks(), 1)
}

func TestEngine_CompositeScopesAreIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, testutil.CreateTestFlow(
		testutil.WithID("signup"),
		testutil.WithNodes(
			testutil.CompositeNode("collect",
				map[string]string{"name": "user.name"},
				map[string]string{"email": "user.email"},
				[]models.Node{
					testutil.MessageNode("hello", "Hello {{input.name}}"),
					testutil.ActionNode("scratch", testutil.SetVariable("temp.scratch", "child")),
					testutil.QuestionNode("email", "Your email?", "output.email"),
				},
				testutil.Chain("hello", "scratch", "email")...,
			),
			testutil.MessageNode("saved", "Saved {{user.email}}"),
		),
		testutil.WithConnections(testutil.Connect("collect", models.ConnectionComplete, "saved")),
	))

	started, err := f.engine.StartSession(ctx, "signup", map[string]any{
		"user": map[string]any{"name": "Ada"},
		"temp": map[string]any{"scratch": "parent"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hello Ada"}, texts(started.Messages))
	require.Len(t, started.Session.Frames, 1)
	assert.Equal(t, "email", started.Session.ActiveNodeID())
	assert.Equal(t, "collect", started.Session.CurrentNodeID)
	assert.Equal(t, models.EmbeddedFlowID("signup", "collect"), started.Session.ActiveFlowID())

	reply, err := f.engine.Interact(ctx, started.Session.Token, models.Input{Text: "ada@example.com"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Saved ada@example.com"}, texts(reply.Messages))
	assert.Empty(t, reply.Session.Frames)
	assert.Equal(t, models.SessionCompleted, reply.Session.Status)
	assert.Equal(t, map[string]any{"name": "Ada", "email": "ada@example.com"}, reply.Session.State["user"])
	assert.Equal(t, map[string]any{"scratch": "parent"}, reply.Session.State["temp"])
}

func TestEngine_CompositeFailureRoutesErrorConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, testutil.CreateTestFlow(
		testutil.WithID("guarded"),
		testutil.WithNodes(
			testutil.CompositeNode("check", nil, nil,
				[]models.Node{testutil.ConditionNode("broken", "temp.missing.value > 1", "$0", models.ConnectionDefault)},
			),
			testutil.MessageNode("ok", "ok"),
			testutil.MessageNode("oops", "something went wrong"),
		),
		testutil.WithConnections(
			testutil.Connect("check", models.ConnectionComplete, "ok"),
			testutil.Connect("check", models.ConnectionError, "oops"),
		),
	))

	result, err := f.engine.StartSession(ctx, "guarded", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"something went wrong"}, texts(result.Messages))
	assert.Empty(t, result.Session.Frames)
	assert.Equal(t, models.SessionCompleted, result.Session.Status)
}

func TestEngine_StepBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.Config.StepBudget = 5 })
	f.publish(t, testutil.CreateTestFlow(
		testutil.WithID("loop"),
		testutil.WithNodes(testutil.MessageNode("ping", "ping"), testutil.MessageNode("pong", "pong")),
		testutil.WithConnections(
			testutil.Connect("ping", models.ConnectionDefault, "pong"),
			testutil.Connect("pong", models.ConnectionDefault, "ping"),
		),
	))

	_, err := f.engine.StartSession(ctx, "loop", nil)
	require.Error(t, err)
	assert.True(t, flowerr.IsConfigurationError(err))
	assert.ErrorIs(t, err, flowerr.ErrStepBudgetExceeded)

	var flowErr *flowerr.Error
	require.ErrorAs(t, err, &flowErr)
	assert.NotEmpty(t, flowErr.NodeID)
}

func TestEngine_ActionFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, testutil.CreateTestFlow(
		testutil.WithID("counter"),
		testutil.WithNodes(
			testutil.ActionNode("update", testutil.SetVariable("temp.step", "one"), testutil.Increment("temp.label")),
			testutil.MessageNode("done", "done"),
			testutil.MessageNode("failed", "failed at {{temp.error.action_type}}"),
		),
		testutil.WithConnections(
			testutil.Connect("update", models.ConnectionSuccess, "done"),
			testutil.Connect("update", models.ConnectionFailure, "failed"),
		),
	))

	result, err := f.engine.StartSession(ctx, "counter", map[string]any{"temp": map[string]any{"label": "not a number"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"failed at increment"}, texts(result.Messages))

	temp, _ := result.Session.State["temp"].(map[string]any)
	assert.NotContains(t, temp, "step")
	assert.Equal(t, "not a number", temp["label"])
	assert.Contains(t, temp, "error")
}

func TestEngine_ConflictIsRetriedOnce(t *testing.T) {
	ctx := context.Background()

	var racing *racingSessions

	f := newFixture(t, func(o *Options) {
		racing = &racingSessions{SessionRepository: o.Sessions, machine: session.NewMachine(nil), races: 1}
		o.Sessions = racing
	})
	f.publish(t, greetingFlow())

	started, err := f.engine.StartSession(ctx, "greeting", nil)
	require.NoError(t, err)

	reply, err := f.engine.Interact(ctx, started.Session.Token, models.Input{Text: "Ada"})
	require.NoError(t, err)

	assert.Equal(t, int64(3), reply.Session.Revision)
	assert.Equal(t, 2, racing.updates)
	assert.Equal(t, models.SessionCompleted, f.stored(t, started.Session.Token).Status)
}

func TestEngine_RepeatedConflictSurfaces(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, func(o *Options) {
		o.Sessions = &racingSessions{SessionRepository: o.Sessions, machine: session.NewMachine(nil), races: 2}
	})
	f.publish(t, greetingFlow())

	started, err := f.engine.StartSession(ctx, "greeting", nil)
	require.NoError(t, err)

	_, err = f.engine.Interact(ctx, started.Session.Token, models.Input{Text: "Ada"})
	require.Error(t, err)
	assert.True(t, flowerr.IsConflict(err))

	stored := f.stored(t, started.Session.Token)
	assert.Equal(t, int64(3), stored.Revision)
	assert.Equal(t, models.SessionActive, stored.Status)
	assert.NotContains(t, stored.State, "user")
}

func TestEngine_LosingToEndSessionIsConflict(t *testing.T) {
	ctx := context.Background()
	machine := session.NewMachine(nil)

	f := newFixture(t, func(o *Options) {
		o.Sessions = &racingSessions{
			SessionRepository: o.Sessions,
			machine:           machine,
			races:             1,
			mutate:            func(s *models.Session) { _ = machine.Abandon(s) },
		}
	})
	f.publish(t, greetingFlow())

	started, err := f.engine.StartSession(ctx, "greeting", nil)
	require.NoError(t, err)

	_, err = f.engine.Interact(ctx, started.Session.Token, models.Input{Text: "Ada"})
	require.Error(t, err)
	assert.True(t, flowerr.IsConflict(err))
	assert.Equal(t, models.SessionAbandoned, f.stored(t, started.Session.Token).Status)
}

func TestEngine_TamperedSessionIsFlagged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, greetingFlow())

	started, err := f.engine.StartSession(ctx, "greeting", nil)
	require.NoError(t, err)

	tampered := f.stored(t, started.Session.Token)
	tampered.State["user"] = map[string]any{"role": "admin"}
	require.NoError(t, f.store.Sessions().UpdateSession(ctx, tampered, tampered.Revision))

	_, err = f.engine.Interact(ctx, started.Session.Token, models.Input{Text: "Ada"})
	require.Error(t, err)
	assert.True(t, flowerr.IsIntegrityError(err))

	stored := f.stored(t, started.Session.Token)
	assert.True(t, stored.Flagged)
	assert.Equal(t, map[string]any{"role": "admin"}, stored.State["user"])

	_, err = f.engine.Interact(ctx, started.Session.Token, models.Input{Text: "Ada"})
	assert.True(t, flowerr.IsIntegrityError(err))
}

func TestEngine_EndSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, greetingFlow())

	started, err := f.engine.StartSession(ctx, "greeting", nil)
	require.NoError(t, err)

	_, err = f.engine.EndSession(ctx, started.Session.Token, models.SessionActive)
	assert.True(t, flowerr.IsValidationError(err))

	ended, err := f.engine.EndSession(ctx, started.Session.Token, models.SessionCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, ended.Status)
	assert.Equal(t, int64(2), ended.Revision)

	_, err = f.engine.EndSession(ctx, started.Session.Token, models.SessionAbandoned)
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerr.ErrSessionInactive)

	_, err = f.engine.Interact(ctx, started.Session.Token, models.Input{Text: "Ada"})
	require.Error(t, err)
	assert.True(t, flowerr.IsValidationError(err))
	assert.ErrorIs(t, err, flowerr.ErrSessionInactive)
}

func TestEngine_UnknownToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Interact(context.Background(), "nope", models.Input{Text: "hi"})
	require.Error(t, err)
	assert.True(t, persistence.IsSessionNotFound(err))

	_, err = f.engine.GetSession(context.Background(), "nope")
	assert.True(t, persistence.IsSessionNotFound(err))
}

func TestEngine_StartRequiresPublishedFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Catalog().SaveDraft(ctx, greetingFlow())
	require.NoError(t, err)

	_, err = f.engine.StartSession(ctx, "greeting", nil)
	require.Error(t, err)
	assert.True(t, flowerr.IsConfigurationError(err))
	assert.ErrorIs(t, err, graph.ErrFlowNotPublished)
}

func TestEngine_AbandonIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, greetingFlow())

	idle, err := f.engine.StartSession(ctx, "greeting", nil)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)

	fresh, err := f.engine.StartSession(ctx, "greeting", nil)
	require.NoError(t, err)

	count, err := f.engine.AbandonIdle(ctx, time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Equal(t, models.SessionAbandoned, f.stored(t, idle.Session.Token).Status)
	assert.Equal(t, int64(2), f.stored(t, idle.Session.Token).Revision)
	assert.Equal(t, models.SessionActive, f.stored(t, fresh.Session.Token).Status)

	count, err = f.engine.AbandonIdle(ctx, time.Hour, 0)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEngine_BackgroundFailureLeavesSessionRunnable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, testutil.CreateTestFlow(
		testutil.WithID("lookup"),
		testutil.WithNodes(
			testutil.WebhookNode("hook", ordersURL, func(c *models.WebhookContent) {
				c.ResponseMapping = map[string]string{"temp.order_id": "$.data.id"}
			}),
			testutil.ConditionNode("check", "temp.order.total > 10", "$0", models.ConnectionDefault),
			testutil.MessageNode("big", "big order"),
			testutil.MessageNode("small", "small order"),
		),
		testutil.WithConnections(
			testutil.Connect("hook", models.ConnectionSuccess, "check"),
			testutil.Connect("check", models.ConnectionOption0, "big"),
			testutil.Connect("check", models.ConnectionDefault, "small"),
		),
	))

	started, err := f.engine.StartSession(ctx, "lookup", nil)
	require.NoError(t, err)

	outcome, err := f.engine.Deliver(ctx, successResult(started.Session.Pending.Key))
	require.NoError(t, err)
	assert.Equal(t, DeliveryApplied, outcome.Status)

	stored := f.stored(t, started.Session.Token)
	assert.Equal(t, models.ExecRunnable, stored.ExecState)
	assert.Equal(t, "check", stored.CurrentNodeID)
	assert.Equal(t, int64(2), stored.Revision)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "check", stored.LastError.NodeID)
	assert.Equal(t, string(flowerr.KindExpression), stored.LastError.Kind)

	temp, _ := stored.State["temp"].(map[string]any)
	assert.Equal(t, "o-1", temp["order_id"])

	_, err = f.engine.Interact(ctx, started.Session.Token, models.Input{Text: "hello?"})
	require.Error(t, err)
	assert.True(t, flowerr.IsExpressionError(err))
}

func TestEngine_InputWhileAwaitingResultIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, orderFlow())

	started, err := f.engine.StartSession(ctx, "orders", nil)
	require.NoError(t, err)

	result, err := f.engine.Interact(ctx, started.Session.Token, models.Input{Text: "are you there?"})
	require.NoError(t, err)
	assert.Empty(t, result.Messages)
	assert.Equal(t, int64(1), result.Session.Revision)
	assert.Equal(t, models.ExecAwaitingAsync, result.Session.ExecState)
}

func TestEngine_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, orderFlow())

	started, err := f.engine.StartSession(ctx, "orders", nil)
	require.NoError(t, err)

	const deliveries = 5

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[DeliveryStatus]int{}
	)

	for range deliveries {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcome, err := f.engine.Deliver(ctx, successResult(started.Session.Pending.Key))
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			statuses[outcome.Status]++
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, statuses[DeliveryApplied])
	assert.Equal(t, int64(2), f.stored(t, started.Session.Token).Revision)
}

func TestWithNode(t *testing.T) {
	plain := withNode(errors.New("boom"), "orders", "call")
	assert.Equal(t, "orders", plain.FlowID)
	assert.Equal(t, "call", plain.NodeID)
	assert.Equal(t, flowerr.KindInternal, plain.Kind)

	attributed := withNode(&flowerr.Error{Kind: flowerr.KindExpression, NodeID: "inner"}, "orders", "call")
	assert.Equal(t, "orders", attributed.FlowID)
	assert.Equal(t, "inner", attributed.NodeID)
	assert.Equal(t, flowerr.KindExpression, attributed.Kind)
}

func TestEngine_StorageFailuresAreInternal(t *testing.T) {
	ctx := context.Background()
	diskErr := errors.New("disk unavailable")

	sessions := &mocks.MockSessionRepository{}
	sessions.On("SessionByToken", mock.Anything, "tok").Return(nil, diskErr)
	sessions.On("CreateSession", mock.Anything, mock.AnythingOfType("*models.Session")).Return(diskErr)

	f := newFixture(t, func(o *Options) { o.Sessions = sessions })
	f.publish(t, orderFlow())

	_, err := f.engine.Interact(ctx, "tok", models.Input{Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, flowerr.KindInternal, flowerr.KindOf(err))
	assert.ErrorIs(t, err, diskErr)

	_, err = f.engine.StartSession(ctx, "orders", map[string]any{"user": map[string]any{"id": "u-1"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, diskErr)
	assert.Empty(t, f.dispatcher.Tasks(), "nothing is dispatched for a session that was never stored")

	sessions.AssertExpectations(t)
}
