// Package worker consumes one job queue with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Skotchmaster/blog_platform/internal/config"
	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/logging"
	"github.com/Skotchmaster/blog_platform/internal/queue"
)

// ErrStoreUnavailable is returned by Run after too many consecutive store
// failures. The process is expected to exit and be restarted.
var ErrStoreUnavailable = errors.New("worker: job store unavailable")

// Handler performs the side effect of one job. It must be safe to run more
// than once for the same job.
type Handler func(ctx context.Context, j *queue.Job, p queue.Payload) error

type Worker struct {
	Queue          *queue.Queue
	Handler        Handler
	Concurrency    int
	PollInterval   time.Duration
	MaxStoreErrors int

	storeErrs atomic.Int32
}

func New(q *queue.Queue, h Handler, cfg config.Worker) *Worker {
	return &Worker{
		Queue:          q,
		Handler:        h,
		Concurrency:    cfg.Concurrency,
		PollInterval:   cfg.PollInterval,
		MaxStoreErrors: cfg.MaxStoreErrors,
	}
}

func (w *Worker) defaults() {
	if w.Concurrency <= 0 {
		w.Concurrency = 5
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 500 * time.Millisecond
	}
	if w.MaxStoreErrors <= 0 {
		w.MaxStoreErrors = 5
	}
}

// Run consumes until ctx is cancelled (returns nil) or the store keeps
// failing (returns an error wrapping ErrStoreUnavailable).
func (w *Worker) Run(ctx context.Context) error {
	w.defaults()
	l := logging.FromContext(ctx).With("svc", "worker", "queue", w.Queue.Name())
	ctx = logging.IntoContext(ctx, l)

	l.Info("worker_started", "concurrency", w.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.maintain(gctx, l) })
	for i := 0; i < w.Concurrency; i++ {
		g.Go(func() error { return w.consume(gctx, l) })
	}

	err := g.Wait()
	if err != nil {
		l.Error("worker_stopped", "error", err)
		return err
	}
	l.Info("worker_stopped")
	return nil
}

// storeFailure counts one failed store round trip and reports whether the
// limit is reached.
func (w *Worker) storeFailure(l *slog.Logger, op string, err error) error {
	n := int(w.storeErrs.Add(1))
	l.Warn("job_store_error", "op", op, "consecutive", n, "error", err)
	if n >= w.MaxStoreErrors {
		return fmt.Errorf("%w: %d consecutive errors, last: %v", ErrStoreUnavailable, n, err)
	}
	return nil
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) maintain(ctx context.Context, l *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := w.Queue.Promote(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal := w.storeFailure(l, "promote", err); fatal != nil {
				return fatal
			}
		} else if requeued, failed, err := w.Queue.Reap(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal := w.storeFailure(l, "reap", err); fatal != nil {
				return fatal
			}
		} else if requeued+failed > 0 {
			l.Warn("expired_leases_reaped", "requeued", requeued, "failed", failed)
		}
		w.sleep(ctx)
	}
}

func (w *Worker) consume(ctx context.Context, l *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		j, err := w.Queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal := w.storeFailure(l, "claim", err); fatal != nil {
				return fatal
			}
			w.sleep(ctx)
			continue
		}
		w.storeErrs.Store(0)
		if j == nil {
			w.sleep(ctx)
			continue
		}

		if err := w.process(ctx, l, j); err != nil {
			if fatal := w.storeFailure(l, "report", err); fatal != nil {
				return fatal
			}
		}
	}
}

// process runs one attempt and reports it. Only store errors are returned.
// The attempt keeps running through shutdown, bounded by the lease.
func (w *Worker) process(ctx context.Context, l *slog.Logger, j *queue.Job) error {
	jl := l.With("job_id", j.ID, "attempt", j.Attempts, "max_attempts", j.MaxAttempts)
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.Queue.Options().Lease)
	defer cancel()
	jobCtx = logging.IntoContext(jobCtx, jl)

	start := time.Now()
	herr := w.run(jobCtx, j)
	if herr == nil {
		ok, err := w.Queue.Complete(jobCtx, j)
		if err != nil {
			return err
		}
		if !ok {
			jl.Warn("job_lease_lost", "duration_ms", time.Since(start).Milliseconds())
			return nil
		}
		jl.Info("job_completed", "duration_ms", time.Since(start).Milliseconds())
		return nil
	}

	res, delay, err := w.Queue.Fail(jobCtx, j, herr)
	if err != nil {
		return err
	}
	switch res {
	case queue.FailRetry:
		jl.Warn("job_retry_scheduled", "delay_ms", delay.Milliseconds(), "error", herr)
	case queue.FailTerminal:
		jl.Error("job_failed", "error", fmt.Errorf("%w: %w", domain.ErrJobFailedPermanently, herr), "permanent", queue.IsPermanent(herr))
	default:
		jl.Warn("job_lease_lost", "error", herr)
	}
	return nil
}

func (w *Worker) run(ctx context.Context, j *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	p, err := queue.Decode(j.Payload)
	if err != nil {
		return queue.Permanent(err)
	}
	if p.Queue() != w.Queue.Name() {
		return queue.Permanent(fmt.Errorf("payload %s on queue %s", p.Queue(), w.Queue.Name()))
	}
	return w.Handler(ctx, j, p)
}
