package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "chatflow:lock:session:"

// releaseScript deletes the key only when it still holds our token, so an
// expired lock taken over by another holder is left alone.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds session locks as keys set with NX and an expiry.
type Redis struct {
	client goredis.UniversalClient
	wait   time.Duration
	poll   time.Duration
}

func NewRedis(client goredis.UniversalClient, wait time.Duration) *Redis {
	if wait <= 0 {
		wait = DefaultWait
	}

	return &Redis{client: client, wait: wait, poll: DefaultPollInterval}
}

func (r *Redis) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (Unlock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	key := redisKeyPrefix + sessionID
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)

	for {
		acquired, err := r.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire redis lock: %w", err)
		}

		if acquired {
			return func(ctx context.Context) error {
				return releaseScript.Run(ctx, r.client, []string{key}, token).Err()
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, persistence.ErrLockNotAcquired
		}

		select {
		case <-time.After(r.poll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
