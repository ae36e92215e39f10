package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/chatflow/pkg/idempotency"
	"github.com/dukex/chatflow/pkg/persistence"
	redisstore "github.com/dukex/chatflow/pkg/persistence/redis"
	goredis "github.com/redis/go-redis/v9"
)

const memoryStoreCleanup = time.Minute

// NewIdempotencyStore returns the record store: memory, redis, or the
// persistence backend's own table (postgres, file).
func NewIdempotencyStore(provider string, store persistence.Persistence, redisClient goredis.UniversalClient, logger *slog.Logger) (persistence.IdempotencyStore, error) {
	switch provider {
	case "memory":
		return idempotency.NewMemoryStore(memoryStoreCleanup), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis idempotency store: %w", ErrRedisRequired)
		}

		return redisstore.NewIdempotencyStore(redisClient, logger), nil
	case "postgres", "file", "":
		return store.Idempotency(), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency provider %q", provider)
	}
}
