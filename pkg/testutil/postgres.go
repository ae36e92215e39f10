package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	postgresOnce sync.Once
	postgresURL  string
	postgresErr  error
)

// PostgresURL starts a shared PostgreSQL container and returns its connection
// string. The test is skipped in short mode.
func PostgresURL(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	postgresOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		container, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("chatflow_test"),
			postgres.WithUsername("chatflow"),
			postgres.WithPassword("chatflow"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			postgresErr = err

			return
		}

		postgresURL, postgresErr = container.ConnectionString(ctx, "sslmode=disable")
	})

	require.NoError(t, postgresErr)

	return postgresURL
}
