//go:build integration

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(ctx context.Context, t *testing.T) *redis.Client {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	var rdb *redis.Client
	require.Eventually(t, func() bool {
		rdb, err = Connect(ctx, fmt.Sprintf("%s:%s", host, port.Port()), 0)
		return err == nil
	}, 30*time.Second, 500*time.Millisecond)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisCacheLifecycle(t *testing.T) {
	ctx := context.Background()
	c := NewRedisCache(startRedis(ctx, t), time.Minute)

	miss, err := c.Get(ctx, "u1", 2024)
	require.NoError(t, err)
	require.False(t, miss.Hit)
	require.Zero(t, miss.Generation)

	require.NoError(t, c.Set(ctx, "u1", 2024, miss.Generation, sampleRecords))
	hit, err := c.Get(ctx, "u1", 2024)
	require.NoError(t, err)
	require.True(t, hit.Hit)
	require.Equal(t, sampleRecords[0].Date, hit.Records[0].Date)
	require.Equal(t, 2, hit.Records[0].Count)

	require.NoError(t, c.Invalidate(ctx, "u1", 2024))
	after, err := c.Get(ctx, "u1", 2024)
	require.NoError(t, err)
	require.False(t, after.Hit)
	require.Equal(t, int64(1), after.Generation)
}

func TestRedisCacheDropsStaleFill(t *testing.T) {
	ctx := context.Background()
	c := NewRedisCache(startRedis(ctx, t), time.Minute)

	miss, err := c.Get(ctx, "u1", 2024)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "u1", 2024))
	require.NoError(t, c.Set(ctx, "u1", 2024, miss.Generation, sampleRecords))

	entry, err := c.Get(ctx, "u1", 2024)
	require.NoError(t, err)
	require.False(t, entry.Hit)
}
