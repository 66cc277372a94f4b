// Package queue is a durable job queue on Redis with at-least-once delivery.
//
// A job is claimed under a lease. Completing or failing it requires the lease
// token of the claim, so a worker whose lease ran out cannot overwrite the
// outcome of a later attempt. Failed attempts are retried with exponential
// backoff up to the attempt limit and then kept in a capped failed list.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Skotchmaster/blog_platform/internal/config"
	"github.com/Skotchmaster/blog_platform/internal/domain"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

type Options struct {
	Attempts      int
	BackoffBase   time.Duration
	KeepFailed    int
	KeepCompleted int
	Lease         time.Duration
}

func OptionsFrom(c config.Queue) Options {
	return Options{
		Attempts:      c.Attempts,
		BackoffBase:   c.BackoffBase,
		KeepFailed:    c.KeepFailed,
		KeepCompleted: c.KeepCompleted,
		Lease:         c.Lease,
	}
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 50
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	return o
}

// Backoff is the delay after the given failed attempt: base * 2^(attempt-1).
func (o Options) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		attempt = 20
	}
	return o.BackoffBase << (attempt - 1)
}

// Job is a claimed job, or a stored one when read back for inspection.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	Attempts    int
	MaxAttempts int
	State       State
	LastError   string
	EnqueuedAt  time.Time
	FinishedAt  time.Time

	lease string
}

type Queue struct {
	rdb  redis.UniversalClient
	name string
	opts Options
	Now  func() time.Time
}

func New(rdb redis.UniversalClient, name string, opts Options) *Queue {
	return &Queue{rdb: rdb, name: name, opts: opts.withDefaults()}
}

func (q *Queue) Name() string     { return q.name }
func (q *Queue) Options() Options { return q.opts }

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) key(part string) string { return "q:" + q.name + ":" + part }
func (q *Queue) jobPrefix() string      { return q.key("job:") }
func (q *Queue) jobKey(id string) string {
	return q.jobPrefix() + id
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: queue %s: %v", domain.ErrTransientStore, op, err)
}

type enqueueOpts struct {
	id    string
	delay time.Duration
}

type EnqueueOption func(*enqueueOpts)

// WithID makes the enqueue idempotent: while a job with this id exists, a
// second enqueue is a no-op.
func WithID(id string) EnqueueOption { return func(o *enqueueOpts) { o.id = id } }

func WithDelay(d time.Duration) EnqueueOption { return func(o *enqueueOpts) { o.delay = d } }

// Enqueue stores p and makes it ready (or delayed). created is false when a
// job with the same explicit id already exists.
func (q *Queue) Enqueue(ctx context.Context, p Payload, opts ...EnqueueOption) (id string, created bool, err error) {
	if p.Queue() != q.name {
		return "", false, fmt.Errorf("queue: %s payload cannot go to %s", p.Queue(), q.name)
	}
	var o enqueueOpts
	for _, fn := range opts {
		fn(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	body, err := Encode(p)
	if err != nil {
		return "", false, err
	}

	now := q.now()
	ready := now.Add(o.delay)
	n, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(o.id), q.key("wait"), q.key("delayed")},
		o.id, body, q.opts.Attempts, now.UnixMilli(), ready.UnixMilli(),
	).Int()
	if err != nil {
		return "", false, storeErr("enqueue", err)
	}
	return o.id, n == 1, nil
}

// Claim takes the oldest ready job and leases it. It returns nil, nil when
// nothing is ready.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	for {
		token := uuid.NewString()
		res, err := claimScript.Run(ctx, q.rdb,
			[]string{q.key("wait"), q.key("active")},
			q.jobPrefix(), q.now().UnixMilli(), q.opts.Lease.Milliseconds(), token,
		).Slice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, storeErr("claim", err)
		}
		if len(res) < 4 {
			// The id outlived its job hash; drop it and look again.
			continue
		}

		id, _ := res[0].(string)
		payload, _ := res[1].(string)
		attempts, _ := res[2].(int64)
		max, _ := res[3].(int64)
		return &Job{
			ID:          id,
			Queue:       q.name,
			Payload:     []byte(payload),
			Attempts:    int(attempts),
			MaxAttempts: int(max),
			State:       StateActive,
			lease:       token,
		}, nil
	}
}

// Complete finishes a claimed job. ok is false when the lease was lost.
func (q *Queue) Complete(ctx context.Context, j *Job) (ok bool, err error) {
	n, err := completeScript.Run(ctx, q.rdb,
		[]string{q.jobKey(j.ID), q.key("active"), q.key("completed")},
		j.ID, j.lease, q.now().UnixMilli(), q.opts.KeepCompleted, q.jobPrefix(),
	).Int()
	if err != nil {
		return false, storeErr("complete", err)
	}
	return n == 1, nil
}

type FailResult int

const (
	FailStale FailResult = iota
	FailRetry
	FailTerminal
)

// Fail records a failed attempt. The job is retried after Backoff(attempt)
// unless it used its last attempt or cause is Permanent, in which case it
// moves to the failed list.
func (q *Queue) Fail(ctx context.Context, j *Job, cause error) (FailResult, time.Duration, error) {
	delay := q.opts.Backoff(j.Attempts)
	now := q.now()
	perm := "0"
	if IsPermanent(cause) {
		perm = "1"
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	n, err := failScript.Run(ctx, q.rdb,
		[]string{q.jobKey(j.ID), q.key("active"), q.key("delayed"), q.key("failed")},
		j.ID, j.lease, now.UnixMilli(), msg, now.Add(delay).UnixMilli(), q.opts.KeepFailed, q.jobPrefix(), perm,
	).Int()
	if err != nil {
		return FailStale, 0, storeErr("fail", err)
	}
	switch n {
	case 0:
		return FailRetry, delay, nil
	case 1:
		return FailTerminal, 0, nil
	default:
		return FailStale, 0, nil
	}
}

const maintenanceBatch = 100

// Promote moves delayed jobs whose time has come onto the wait list.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("wait")},
		q.now().UnixMilli(), q.jobPrefix(), maintenanceBatch,
	).Int()
	if err != nil {
		return 0, storeErr("promote", err)
	}
	return n, nil
}

// Reap recovers jobs whose lease ran out before Complete or Fail, such as
// those of a crashed worker. They are requeued, or failed when no attempt is
// left.
func (q *Queue) Reap(ctx context.Context) (requeued, failed int, err error) {
	res, err := reapScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("wait"), q.key("failed")},
		q.now().UnixMilli(), q.jobPrefix(), q.opts.KeepFailed, maintenanceBatch,
	).Int64Slice()
	if err != nil {
		return 0, 0, storeErr("reap", err)
	}
	if len(res) == 2 {
		requeued, failed = int(res[0]), int(res[1])
	}
	return requeued, failed, nil
}

// Get reads a stored job. It returns domain.ErrNotFound once the job was
// pruned.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	m, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, storeErr("get", err)
	}
	if len(m) == 0 {
		return nil, domain.ErrNotFound
	}
	return q.fromHash(m), nil
}

func (q *Queue) fromHash(m map[string]string) *Job {
	atoi := func(s string) int { n, _ := strconv.Atoi(s); return n }
	ms := func(s string) time.Time {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n == 0 {
			return time.Time{}
		}
		return time.UnixMilli(n)
	}
	return &Job{
		ID:          m["id"],
		Queue:       q.name,
		Payload:     []byte(m["payload"]),
		Attempts:    atoi(m["attempts"]),
		MaxAttempts: atoi(m["max"]),
		State:       State(m["state"]),
		LastError:   m["last_error"],
		EnqueuedAt:  ms(m["enqueued_at"]),
		FinishedAt:  ms(m["finished_at"]),
	}
}

// Failed lists retained failed jobs, newest first. start and stop are
// inclusive list indexes.
func (q *Queue) Failed(ctx context.Context, start, stop int64) ([]*Job, error) {
	ids, err := q.rdb.LRange(ctx, q.key("failed"), start, stop).Result()
	if err != nil {
		return nil, storeErr("failed", err)
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := q.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.LLen(ctx, q.key("wait"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	failed := pipe.LLen(ctx, q.key("failed"))
	completed := pipe.LLen(ctx, q.key("completed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, storeErr("counts", err)
	}
	return Counts{
		Waiting:   wait.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Failed:    failed.Val(),
		Completed: completed.Val(),
	}, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}
