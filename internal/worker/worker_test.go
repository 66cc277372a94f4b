package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/blog_platform/internal/queue"
	"github.com/Skotchmaster/blog_platform/internal/testutil"
)

const base = 100 * time.Millisecond

func startWorker(t *testing.T, q *queue.Queue, h Handler) (stop func() error) {
	t.Helper()
	w := &Worker{Queue: q, Handler: h, Concurrency: 2, PollInterval: 5 * time.Millisecond, MaxStoreErrors: 3}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

func TestWorker_SucceedsOnThirdAttemptWithBackoff(t *testing.T) {
	_, rdb := testutil.InitTestRedis(t)
	q := queue.New(rdb, queue.SendEmailQueue, queue.Options{BackoffBase: base})

	var (
		mu        sync.Mutex
		attempts  []time.Time
		completed atomic.Int32
	)
	h := func(ctx context.Context, j *queue.Job, p queue.Payload) error {
		mu.Lock()
		attempts = append(attempts, time.Now())
		n := len(attempts)
		mu.Unlock()
		if n < 3 {
			return errors.New("transient")
		}
		completed.Add(1)
		return nil
	}

	id, _, err := q.Enqueue(context.Background(), queue.SendEmail{EmailID: "e1"})
	require.NoError(t, err)

	stop := startWorker(t, q, h)
	require.Eventually(t, func() bool { return completed.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(3 * base)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 3)
	assert.Equal(t, int32(1), completed.Load())
	assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), base)
	assert.GreaterOrEqual(t, attempts[2].Sub(attempts[1]), 2*base)

	_, err = q.Get(context.Background(), id)
	assert.Error(t, err, "completed job is pruned")
}

func TestWorker_ExhaustedJobIsRetainedNotRetriedAgain(t *testing.T) {
	_, rdb := testutil.InitTestRedis(t)
	q := queue.New(rdb, queue.LoginTrackerQueue, queue.Options{BackoffBase: 10 * time.Millisecond})

	var calls atomic.Int32
	h := func(ctx context.Context, j *queue.Job, p queue.Payload) error {
		calls.Add(1)
		return errors.New("always")
	}

	id, _, err := q.Enqueue(context.Background(), queue.TrackLogin{AttemptID: "a1"})
	require.NoError(t, err)

	stop := startWorker(t, q, h)
	require.Eventually(t, func() bool {
		c, err := q.Counts(context.Background())
		return err == nil && c.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, int32(3), calls.Load())
	failed, err := q.Failed(context.Background(), 0, -1)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	assert.Equal(t, "always", failed[0].LastError)
}

func TestWorker_PanicAndPermanentErrors(t *testing.T) {
	_, rdb := testutil.InitTestRedis(t)
	q := queue.New(rdb, queue.RegisterUserQueue, queue.Options{BackoffBase: 10 * time.Millisecond})

	var calls atomic.Int32
	h := func(ctx context.Context, j *queue.Job, p queue.Payload) error {
		switch p.(queue.RegisterUser).UserID {
		case "panics":
			if calls.Add(1) == 1 {
				panic("boom")
			}
			return nil
		default:
			return queue.Permanent(errors.New("user gone"))
		}
	}

	ctx := context.Background()
	_, _, err := q.Enqueue(ctx, queue.RegisterUser{UserID: "panics"})
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, queue.RegisterUser{UserID: "gone"})
	require.NoError(t, err)

	stop := startWorker(t, q, h)
	require.Eventually(t, func() bool {
		c, err := q.Counts(ctx)
		return err == nil && c.Failed == 1 && c.Waiting == 0 && c.Delayed == 0 && c.Active == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, int32(2), calls.Load(), "panicking job was retried once")
	failed, err := q.Failed(ctx, 0, -1)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts, "permanent errors skip remaining attempts")
}

func TestWorker_StoreLossIsFatal(t *testing.T) {
	mr, rdb := testutil.InitTestRedis(t)
	q := queue.New(rdb, queue.SendEmailQueue, queue.Options{})
	w := &Worker{
		Queue:          q,
		Handler:        func(context.Context, *queue.Job, queue.Payload) error { return nil },
		Concurrency:    2,
		PollInterval:   5 * time.Millisecond,
		MaxStoreErrors: 3,
	}

	mr.SetError("ERR connection lost")

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept looping on a broken store")
	}
}

func TestWorker_StopsOnCancel(t *testing.T) {
	_, rdb := testutil.InitTestRedis(t)
	q := queue.New(rdb, queue.SendEmailQueue, queue.Options{})
	stop := startWorker(t, q, func(context.Context, *queue.Job, queue.Payload) error { return nil })
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, stop())
}
