package locking

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/persistence"
)

// Postgres uses session-level advisory locks. Each held lock pins one
// connection of the pool until it is released.
type Postgres struct {
	db   *sql.DB
	wait time.Duration
	poll time.Duration
}

func NewPostgres(db *sql.DB, wait time.Duration) *Postgres {
	if wait <= 0 {
		wait = DefaultWait
	}

	return &Postgres{db: db, wait: wait, poll: DefaultPollInterval}
}

// Acquire polls pg_try_advisory_lock. The ttl is ignored; Postgres drops
// advisory locks when the holding connection closes.
func (p *Postgres) Acquire(ctx context.Context, sessionID string, _ time.Duration) (Unlock, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}

	lockID := advisoryKey(sessionID)
	deadline := time.Now().Add(p.wait)

	for {
		var acquired bool

		err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired)
		if err != nil {
			_ = conn.Close()

			return nil, fmt.Errorf("failed to try advisory lock: %w", err)
		}

		if acquired {
			return p.unlock(conn, lockID), nil
		}

		if time.Now().After(deadline) {
			_ = conn.Close()

			return nil, persistence.ErrLockNotAcquired
		}

		select {
		case <-time.After(p.poll):
		case <-ctx.Done():
			_ = conn.Close()

			return nil, ctx.Err()
		}
	}
}

func (p *Postgres) unlock(conn *sql.Conn, lockID int64) Unlock {
	var (
		once sync.Once
		err  error
	)

	return func(ctx context.Context) error {
		once.Do(func() {
			_, err = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", lockID)

			closeErr := conn.Close()
			if err == nil {
				err = closeErr
			}
		})

		return err
	}
}

// advisoryKey maps a session id onto the bigint key space of advisory locks.
func advisoryKey(sessionID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))

	return int64(h.Sum64())
}
