package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisIntegration runs the queue scripts against a real Redis server.
func TestRedisIntegration(t *testing.T) {
	if os.Getenv("SKIP_DOCKER") == "1" {
		t.Skip("SKIP_DOCKER=1 set; skipping integration test")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker not available: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "redis",
		Tag:        "7-alpine",
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	var rdb *redis.Client
	err = pool.Retry(func() error {
		rdb = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("localhost:%s", resource.GetPort("6379/tcp"))})
		return rdb.Ping(context.Background()).Err()
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	clk := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	q := New(rdb, LogoutCleanupQueue, Options{Attempts: 2, BackoffBase: time.Second, KeepFailed: 10, Lease: time.Minute})
	q.Now = clk.Now

	id, created, err := q.Enqueue(ctx, LogoutCleanup{UserID: "u1", RefreshTokenHash: "h1"}, WithID("logout:h1"))
	require.NoError(t, err)
	require.True(t, created)
	_, created, err = q.Enqueue(ctx, LogoutCleanup{UserID: "u1", RefreshTokenHash: "h1"}, WithID("logout:h1"))
	require.NoError(t, err)
	assert.False(t, created)

	j, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, 1, j.Attempts)

	res, delay, err := q.Fail(ctx, j, errors.New("db down"))
	require.NoError(t, err)
	assert.Equal(t, FailRetry, res)
	assert.Equal(t, time.Second, delay)

	n, err := q.Promote(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	clk.Advance(delay)
	n, err = q.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 2, j.Attempts)
	p, err := Decode(j.Payload)
	require.NoError(t, err)
	assert.Equal(t, LogoutCleanup{UserID: "u1", RefreshTokenHash: "h1"}, p)

	res, _, err = q.Fail(ctx, j, errors.New("db down again"))
	require.NoError(t, err)
	assert.Equal(t, FailTerminal, res)

	failed, err := q.Failed(ctx, 0, -1)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, StateFailed, failed[0].State)
	assert.Equal(t, "db down again", failed[0].LastError)

	// A lease that runs out puts the job back on the wait list.
	_, _, err = q.Enqueue(ctx, LogoutCleanup{UserID: "u2"})
	require.NoError(t, err)
	j, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	clk.Advance(2 * time.Minute)
	requeued, _, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	ok, err := q.Complete(ctx, j)
	require.NoError(t, err)
	assert.False(t, ok)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Waiting: 1, Failed: 1}, counts)
}
