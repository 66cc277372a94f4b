package mail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderer(t *testing.T) {
	r := NewRenderer()

	subject, html, err := r.Render(TemplateVerifyEmail, map[string]string{"username": "<bob>", "code": "123456", "ttl": "15m0s"})
	require.NoError(t, err)
	assert.Equal(t, "Verify your email", subject)
	assert.Contains(t, html, "123456")
	assert.Contains(t, html, "&lt;bob&gt;")

	_, _, err = r.Render(TemplateVerifyEmail, map[string]string{"username": "bob"})
	assert.Error(t, err, "missing code")

	_, _, err = r.Render("nope", nil)
	assert.Error(t, err)
}

func TestMemory_DedupByKey(t *testing.T) {
	m := &Memory{}
	ctx := context.Background()

	require.NoError(t, m.Send(ctx, Message{To: "a@example.com", IdempotencyKey: "k1"}))
	require.NoError(t, m.Send(ctx, Message{To: "a@example.com", IdempotencyKey: "k1"}))
	require.NoError(t, m.Send(ctx, Message{To: "a@example.com", IdempotencyKey: "k2"}))
	assert.Len(t, m.Sent(), 2)

	m.SetFail(errors.New("down"))
	assert.Error(t, m.Send(ctx, Message{IdempotencyKey: "k3"}))
}

func TestThrottled_RespectsContext(t *testing.T) {
	m := &Memory{}
	th := NewThrottled(m, 1)
	ctx := context.Background()

	require.NoError(t, th.Send(ctx, Message{IdempotencyKey: "a"}))

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, th.Send(short, Message{IdempotencyKey: "b"}))
	assert.Len(t, m.Sent(), 1)
}
