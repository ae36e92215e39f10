package redis_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/persistence/redis"
	"github.com/dukex/chatflow/pkg/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*redis.IdempotencyStore, context.Context) {
	t.Helper()

	url := testutil.RedisURL(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	client, err := redis.Connect(ctx, logger, url)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return redis.NewIdempotencyStore(client, logger), ctx
}

func TestIdempotencyStore_Lifecycle(t *testing.T) {
	store, ctx := setupStore(t)
	now := time.Now().UTC()
	key := models.IdempotencyKey{SessionID: uuid.NewString(), NodeID: "hook", Revision: 2}

	_, err := store.RecordByKey(ctx, key)
	require.True(t, persistence.IsIdempotencyRecordNotFound(err))

	record := &models.IdempotencyRecord{
		Key:       key,
		Status:    models.IdempotencyProcessing,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, store.CreateRecord(ctx, record))

	err = store.CreateRecord(ctx, record)
	require.True(t, persistence.IsIdempotencyRecordExists(err))

	record.Status = models.IdempotencyCompleted
	record.Result = map[string]any{"status_code": float64(201)}
	require.NoError(t, store.UpdateRecord(ctx, record))

	loaded, err := store.RecordByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyCompleted, loaded.Status)
	assert.Equal(t, map[string]any{"status_code": float64(201)}, loaded.Result)

	removed, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestIdempotencyStore_UpdateMissing(t *testing.T) {
	store, ctx := setupStore(t)

	record := &models.IdempotencyRecord{
		Key:       models.IdempotencyKey{SessionID: uuid.NewString(), NodeID: "hook", Revision: 1},
		Status:    models.IdempotencyFailed,
		ExpiresAt: time.Now().Add(time.Hour),
	}

	err := store.UpdateRecord(ctx, record)
	require.True(t, persistence.IsIdempotencyRecordNotFound(err))
}

func TestIdempotencyStore_KeysExpire(t *testing.T) {
	store, ctx := setupStore(t)
	key := models.IdempotencyKey{SessionID: uuid.NewString(), NodeID: "hook", Revision: 1}

	record := &models.IdempotencyRecord{
		Key:       key,
		Status:    models.IdempotencyProcessing,
		ExpiresAt: time.Now().UTC().Add(200 * time.Millisecond),
	}
	require.NoError(t, store.CreateRecord(ctx, record))

	require.Eventually(t, func() bool {
		_, err := store.RecordByKey(ctx, key)

		return persistence.IsIdempotencyRecordNotFound(err)
	}, 3*time.Second, 50*time.Millisecond)

	record.ExpiresAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.CreateRecord(ctx, record), "an expired key can be claimed again")
}
