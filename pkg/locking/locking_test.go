package locking_test

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/locking"
	"github.com/dukex/chatflow/pkg/log"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/persistence/redis"
	"github.com/dukex/chatflow/pkg/testutil"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseLocker(t *testing.T, locker locking.Locker) {
	t.Helper()

	ctx := context.Background()
	sessionID := uuid.NewString()

	t.Run("exclusive", func(t *testing.T) {
		var (
			inside     atomic.Int32
			violations atomic.Int32
			wg         sync.WaitGroup
		)

		for range 5 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				unlock, err := locker.Acquire(ctx, sessionID, time.Second)
				if !assert.NoError(t, err) {
					return
				}

				if inside.Add(1) > 1 {
					violations.Add(1)
				}

				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)

				assert.NoError(t, unlock(ctx))
			}()
		}

		wg.Wait()
		assert.Zero(t, violations.Load())
	})

	t.Run("times out", func(t *testing.T) {
		unlock, err := locker.Acquire(ctx, sessionID, 5*time.Second)
		require.NoError(t, err)

		_, err = locker.Acquire(ctx, sessionID, 5*time.Second)
		require.ErrorIs(t, err, persistence.ErrLockNotAcquired)

		require.NoError(t, unlock(ctx))
		require.NoError(t, unlock(ctx), "unlock is idempotent")

		unlock, err = locker.Acquire(ctx, sessionID, time.Second)
		require.NoError(t, err)
		require.NoError(t, unlock(ctx))
	})

	t.Run("sessions are independent", func(t *testing.T) {
		first, err := locker.Acquire(ctx, uuid.NewString(), time.Second)
		require.NoError(t, err)

		second, err := locker.Acquire(ctx, uuid.NewString(), time.Second)
		require.NoError(t, err)

		require.NoError(t, first(ctx))
		require.NoError(t, second(ctx))
	})
}

func TestMemory(t *testing.T) {
	exerciseLocker(t, locking.NewMemory(200*time.Millisecond))
}

func TestMemory_ContextCancelled(t *testing.T) {
	locker := locking.NewMemory(time.Minute)

	unlock, err := locker.Acquire(context.Background(), "s-1", 0)
	require.NoError(t, err)

	defer func() { _ = unlock(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = locker.Acquire(ctx, "s-1", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedis(t *testing.T) {
	url := testutil.RedisURL(t)

	client, err := redis.Connect(context.Background(), log.Discard(), url)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	exerciseLocker(t, locking.NewRedis(client, time.Second))
}

func TestRedis_ExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	url := testutil.RedisURL(t)
	ctx := context.Background()

	client, err := redis.Connect(ctx, log.Discard(), url)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	locker := locking.NewRedis(client, time.Second)
	sessionID := uuid.NewString()

	stale, err := locker.Acquire(ctx, sessionID, 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	current, err := locker.Acquire(ctx, sessionID, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, stale(ctx))

	_, err = locking.NewRedis(client, 150*time.Millisecond).Acquire(ctx, sessionID, time.Second)
	require.ErrorIs(t, err, persistence.ErrLockNotAcquired, "the stale holder must not free the new lock")

	require.NoError(t, current(ctx))
}

func TestPostgres(t *testing.T) {
	url := testutil.PostgresURL(t)

	db, err := sql.Open("postgres", url)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	exerciseLocker(t, locking.NewPostgres(db, time.Second))
}
