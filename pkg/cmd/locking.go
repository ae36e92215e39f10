package cmd

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukex/chatflow/pkg/locking"
	"github.com/dukex/chatflow/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

var ErrRedisRequired = errors.New("redis url is required")

type sqlBackend interface {
	DB() *sql.DB
}

// NewLocker returns the step lock provider: memory, redis or postgres. The
// postgres locker shares the persistence connection pool.
func NewLocker(provider string, store persistence.Persistence, redisClient goredis.UniversalClient) (locking.Locker, error) {
	switch provider {
	case "memory", "":
		return locking.NewMemory(locking.DefaultWait), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis locker: %w", ErrRedisRequired)
		}

		return locking.NewRedis(redisClient, locking.DefaultWait), nil
	case "postgres":
		backend, ok := store.(sqlBackend)
		if !ok {
			return nil, errors.New("postgres locker needs postgres persistence")
		}

		return locking.NewPostgres(backend.DB(), locking.DefaultWait), nil
	case "none":
		return locking.Noop{}, nil
	default:
		return nil, fmt.Errorf("unsupported lock provider %q", provider)
	}
}
