package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that no retry can fix. The job goes to the
// failed list without using its remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Client routes payloads to the queue of their family.
type Client struct {
	queues map[string]*Queue
}

func NewClient(rdb redis.UniversalClient, opts Options) *Client {
	c := &Client{queues: make(map[string]*Queue, len(Families))}
	for _, name := range Families {
		c.queues[name] = New(rdb, name, opts)
	}
	return c
}

func (c *Client) Queue(name string) (*Queue, bool) {
	q, ok := c.queues[name]
	return q, ok
}

func (c *Client) Enqueue(ctx context.Context, p Payload, opts ...EnqueueOption) (string, bool, error) {
	q, ok := c.queues[p.Queue()]
	if !ok {
		return "", false, fmt.Errorf("queue: no queue for %s", p.Queue())
	}
	return q.Enqueue(ctx, p, opts...)
}
