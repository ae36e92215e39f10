package file

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/content"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlow(id string) *models.Flow {
	return &models.Flow{
		ID:          id,
		Version:     1,
		Name:        "Greeting",
		EntryNodeID: "welcome",
		Nodes: []models.Node{{
			ID:      "welcome",
			Type:    models.NodeTypeMessage,
			Content: &models.MessageContent{Text: "Hi {{user.name}}"},
		}},
	}
}

func testSession(id, token string, updatedAt time.Time) *models.Session {
	return &models.Session{
		ID:            id,
		Token:         token,
		FlowID:        "greeting",
		CurrentNodeID: "welcome",
		State:         map[string]any{"user": map[string]any{"name": "Alex"}},
		Status:        models.SessionActive,
		ExecState:     models.ExecRunnable,
		Revision:      1,
		CreatedAt:     updatedAt,
		UpdatedAt:     updatedAt,
	}
}

func TestPersistence_HealthCheck(t *testing.T) {
	p := NewPersistence("file://" + t.TempDir())
	require.NoError(t, p.HealthCheck(context.Background()))

	missing := NewPersistence(t.TempDir() + "/missing")
	require.Error(t, missing.HealthCheck(context.Background()))
}

func TestFlowRepository(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())

	_, err := p.Flows().FlowByID(ctx, "greeting")
	require.True(t, persistence.IsFlowNotFound(err))

	flow := testFlow("greeting")
	require.NoError(t, p.Flows().SaveFlow(ctx, flow))

	loaded, err := p.Flows().FlowByID(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "welcome", loaded.EntryNodeID)
	require.Len(t, loaded.Nodes, 1)

	message, ok := loaded.Nodes[0].Content.(*models.MessageContent)
	require.True(t, ok)
	assert.Equal(t, "Hi {{user.name}}", message.Text)

	flow.Name = "Greeting v2"
	require.NoError(t, p.Flows().SaveFlow(ctx, flow), "drafts can be replaced")

	published := time.Now().UTC()
	flow.PublishedAt = &published
	require.NoError(t, p.Flows().SaveFlow(ctx, flow))

	flow.Name = "changed"
	err = p.Flows().SaveFlow(ctx, flow)
	require.True(t, persistence.IsFlowPublished(err))

	require.NoError(t, p.Flows().SaveFlow(ctx, testFlow("onboarding/v1")))

	flows, err := p.Flows().Flows(ctx)
	require.NoError(t, err)
	assert.Len(t, flows, 2)
}

func TestSessionRepository(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())
	now := time.Now().UTC()

	session := testSession("s-1", "tok-1", now)
	require.NoError(t, p.Sessions().CreateSession(ctx, session))

	err := p.Sessions().CreateSession(ctx, testSession("s-1", "tok-2", now))
	require.ErrorIs(t, err, persistence.ErrSessionAlreadyExists)

	err = p.Sessions().CreateSession(ctx, testSession("s-2", "tok-1", now))
	require.ErrorIs(t, err, persistence.ErrSessionAlreadyExists, "tokens are unique")

	byToken, err := p.Sessions().SessionByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", byToken.ID)

	_, err = p.Sessions().SessionByToken(ctx, "nope")
	require.True(t, persistence.IsSessionNotFound(err))

	session.Revision = 2
	session.CurrentNodeID = "ask"
	require.NoError(t, p.Sessions().UpdateSession(ctx, session, 1))

	stale := testSession("s-1", "tok-1", now)
	stale.Revision = 2
	err = p.Sessions().UpdateSession(ctx, stale, 1)
	require.True(t, persistence.IsRevisionConflict(err))

	loaded, err := p.Sessions().SessionByID(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Revision)
	assert.Equal(t, "ask", loaded.CurrentNodeID)

	err = p.Sessions().UpdateSession(ctx, testSession("ghost", "tok-x", now), 1)
	require.True(t, persistence.IsSessionNotFound(err))
}

func TestSessionRepository_IdleSessions(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())
	now := time.Now().UTC()

	require.NoError(t, p.Sessions().CreateSession(ctx, testSession("old", "t1", now.Add(-3*time.Hour))))
	require.NoError(t, p.Sessions().CreateSession(ctx, testSession("older", "t2", now.Add(-5*time.Hour))))
	require.NoError(t, p.Sessions().CreateSession(ctx, testSession("fresh", "t3", now)))

	done := testSession("done", "t4", now.Add(-5*time.Hour))
	done.Status = models.SessionCompleted
	require.NoError(t, p.Sessions().CreateSession(ctx, done))

	idle, err := p.Sessions().IdleSessions(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, idle, 2)
	assert.Equal(t, "older", idle[0].ID)
	assert.Equal(t, "old", idle[1].ID)

	idle, err = p.Sessions().IdleSessions(ctx, now.Add(-time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, idle, 1)
}

func TestIdempotencyRepository(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())
	now := time.Now().UTC()
	key := models.IdempotencyKey{SessionID: "s-1", NodeID: "call/api", Revision: 3}

	_, err := p.Idempotency().RecordByKey(ctx, key)
	require.True(t, persistence.IsIdempotencyRecordNotFound(err))

	record := &models.IdempotencyRecord{
		Key:       key,
		Status:    models.IdempotencyProcessing,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, p.Idempotency().CreateRecord(ctx, record))

	err = p.Idempotency().CreateRecord(ctx, record)
	require.True(t, persistence.IsIdempotencyRecordExists(err))

	record.Status = models.IdempotencyCompleted
	record.Result = map[string]any{"status_code": float64(200)}
	require.NoError(t, p.Idempotency().UpdateRecord(ctx, record))

	loaded, err := p.Idempotency().RecordByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyCompleted, loaded.Status)
	assert.Equal(t, map[string]any{"status_code": float64(200)}, loaded.Result)

	removed, err := p.Idempotency().DeleteExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = p.Idempotency().RecordByKey(ctx, key)
	require.True(t, persistence.IsIdempotencyRecordNotFound(err))
}

func TestIdempotencyRepository_ExpiredRecordIsReplaced(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())
	now := time.Now().UTC()
	key := models.IdempotencyKey{SessionID: "s-1", NodeID: "hook", Revision: 1}

	expired := &models.IdempotencyRecord{Key: key, Status: models.IdempotencyFailed, ExpiresAt: now.Add(-time.Minute)}
	require.NoError(t, p.Idempotency().CreateRecord(ctx, expired))

	_, err := p.Idempotency().RecordByKey(ctx, key)
	require.True(t, persistence.IsIdempotencyRecordNotFound(err))

	fresh := &models.IdempotencyRecord{Key: key, Status: models.IdempotencyProcessing, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, p.Idempotency().CreateRecord(ctx, fresh))
}

func TestContentRepository(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())
	repo := p.ContentRepository()

	require.NoError(t, repo.PutContent(ctx, models.ContentItem{ID: "q1", Type: "quiz", Tags: []string{"a1"}, Content: map[string]any{"level": "easy"}}))
	require.NoError(t, repo.PutContent(ctx, models.ContentItem{ID: "q2", Type: "quiz", Tags: []string{"b1"}, Content: map[string]any{"level": "hard"}}))
	require.NoError(t, repo.PutContent(ctx, models.ContentItem{ID: "tip", Type: "tip"}))

	item, err := p.Content().GetContent(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "quiz", item.Type)

	_, err = p.Content().GetContent(ctx, "missing")
	require.ErrorIs(t, err, content.ErrContentNotFound)

	items, err := p.Content().RandomContent(ctx, models.RandomContentQuery{Type: "quiz", Count: 5})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = p.Content().RandomContent(ctx, models.RandomContentQuery{Type: "quiz", Tags: []string{"a1"}, Count: 5})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "q1", items[0].ID)

	items, err = p.Content().RandomContent(ctx, models.RandomContentQuery{Type: "quiz", ExcludeIDs: []string{"q1"}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "q2", items[0].ID)
}
