package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce     sync.Once
	redisEndpoint string
	redisErr      error
)

// RedisURL starts a shared Redis container and returns its redis:// URL.
// The test is skipped in short mode.
func RedisURL(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}

	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		if err != nil {
			redisErr = err

			return
		}

		redisEndpoint, redisErr = container.Endpoint(ctx, "redis")
	})

	require.NoError(t, redisErr)

	return redisEndpoint
}
