package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/mail"
	"github.com/Skotchmaster/blog_platform/internal/models"
	"github.com/Skotchmaster/blog_platform/internal/mykafka"
	"github.com/Skotchmaster/blog_platform/internal/queue"
	"github.com/Skotchmaster/blog_platform/internal/repo"
	"github.com/Skotchmaster/blog_platform/internal/service/verification"
	"github.com/Skotchmaster/blog_platform/internal/testutil"
)

type fakeEvents struct {
	mu     sync.Mutex
	events []mykafka.Event
}

func (f *fakeEvents) PublishEvent(_ context.Context, _ string, ev mykafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

type env struct {
	h      *Handlers
	repo   *repo.GormRepo
	client *queue.Client
	mailer *mail.Memory
	events *fakeEvents
	codes  []string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	r := repo.New(testutil.InitTestDB(t), 1)
	_, rdb := testutil.InitTestRedis(t)
	client := queue.NewClient(rdb, queue.Options{BackoffBase: time.Millisecond})

	e := &env{repo: r, client: client, mailer: &mail.Memory{}, events: &fakeEvents{}}
	codes := &verification.Manager{
		Repo:        r,
		Secret:      []byte("code-secret"),
		TTL:         15 * time.Minute,
		MaxAttempts: 5,
		Generate: func() string {
			c := []string{"111111", "222222", "333333"}[len(e.codes)%3]
			e.codes = append(e.codes, c)
			return c
		},
	}
	e.h = &Handlers{
		Repo:     r,
		Producer: &Producer{Repo: r, Queue: client, Codes: codes, CodeTTL: 15 * time.Minute},
		Mailer:   e.mailer,
		Renderer: mail.NewRenderer(),
		From:     "no-reply@example.com",
		Events:   e.events,
	}
	return e
}

func (e *env) user(t *testing.T) *models.User {
	t.Helper()
	u := &models.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x"}
	require.NoError(t, e.repo.CreateUser(context.Background(), u))
	return u
}

// drain runs every waiting job of name through its handler once.
func (e *env) drain(t *testing.T, name string) (errs []error) {
	t.Helper()
	ctx := context.Background()
	q, ok := e.client.Queue(name)
	require.True(t, ok)
	h, ok := e.h.For(name)
	require.True(t, ok)
	for {
		j, err := q.Claim(ctx)
		require.NoError(t, err)
		if j == nil {
			return errs
		}
		p, err := queue.Decode(j.Payload)
		require.NoError(t, err)
		err = h(ctx, j, p)
		if err != nil {
			errs = append(errs, err)
			_, _, ferr := q.Fail(ctx, j, err)
			require.NoError(t, ferr)
			continue
		}
		_, err = q.Complete(ctx, j)
		require.NoError(t, err)
	}
}

func waiting(t *testing.T, e *env, name string) int64 {
	t.Helper()
	q, _ := e.client.Queue(name)
	c, err := q.Counts(context.Background())
	require.NoError(t, err)
	return c.Waiting
}

func TestRegisterUser_SendsVerificationOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t)

	_, _, err := e.client.Enqueue(ctx, queue.RegisterUser{UserID: u.ID})
	require.NoError(t, err)
	assert.Empty(t, e.drain(t, queue.RegisterUserQueue))
	assert.Equal(t, int64(1), waiting(t, e, queue.SendEmailQueue))

	// A redelivered registration reuses the stored email and code.
	_, _, err = e.client.Enqueue(ctx, queue.RegisterUser{UserID: u.ID})
	require.NoError(t, err)
	assert.Empty(t, e.drain(t, queue.RegisterUserQueue))
	assert.Len(t, e.codes, 1)
	assert.Equal(t, int64(1), waiting(t, e, queue.SendEmailQueue))

	assert.Empty(t, e.drain(t, queue.SendEmailQueue))
	sent := e.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "alice@example.com", sent[0].To)
	assert.Contains(t, sent[0].HTML, "111111")
	assert.NotEmpty(t, sent[0].IdempotencyKey)

	rec, err := e.repo.FindEmailByDedupKey(ctx, VerifyDedupKey(u.ID))
	require.NoError(t, err)
	assert.Equal(t, models.EmailSent, rec.Status)
	assert.Empty(t, rec.Data)

	// After delivery a third run changes nothing.
	_, _, err = e.client.Enqueue(ctx, queue.RegisterUser{UserID: u.ID})
	require.NoError(t, err)
	assert.Empty(t, e.drain(t, queue.RegisterUserQueue))
	assert.Equal(t, int64(0), waiting(t, e, queue.SendEmailQueue))

	assert.Equal(t, []string{mykafka.EventUserRegistered}, e.events.types())
}

func TestSendCode_DuplicateKeyKeepsMailedCodeValid(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t)
	key := VerifyDedupKey(u.ID)

	first, err := e.h.Producer.SendCode(ctx, u, models.PurposeAccountVerification, mail.TemplateVerifyEmail, key)
	require.NoError(t, err)
	second, err := e.h.Producer.SendCode(ctx, u, models.PurposeAccountVerification, mail.TemplateVerifyEmail, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"111111"}, e.codes)

	// A run that lost the race for the key writes neither the email nor its code.
	code, vc := e.h.Producer.Codes.NewCode(u.ID, models.PurposeAccountVerification)
	err = e.repo.CreateEmailWithCode(ctx, &models.EmailRecord{
		UserID: u.ID, To: u.Email, Template: mail.TemplateVerifyEmail, Data: `{"code":"` + code + `"}`, DedupKey: &key,
	}, vc)
	assert.ErrorIs(t, err, domain.ErrConflictDuplicate)

	assert.Empty(t, e.drain(t, queue.SendEmailQueue))
	sent := e.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].HTML, "111111")
	require.NoError(t, e.h.Producer.Codes.ConsumeCode(ctx, u.ID, "111111", models.PurposeAccountVerification))
}

func TestRegisterUser_UnknownUserIsPermanent(t *testing.T) {
	e := newEnv(t)
	h, _ := e.h.For(queue.RegisterUserQueue)
	err := h(context.Background(), &queue.Job{}, queue.RegisterUser{UserID: "missing"})
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegisterUser_VerifiedUserIsNoop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t)
	require.NoError(t, e.repo.MarkEmailVerified(ctx, u.ID))

	h, _ := e.h.For(queue.RegisterUserQueue)
	require.NoError(t, h(ctx, &queue.Job{}, queue.RegisterUser{UserID: u.ID}))
	assert.Equal(t, int64(0), waiting(t, e, queue.SendEmailQueue))
	assert.Empty(t, e.codes)
}

func TestSendEmail_RetryAfterFailureThenNeverResent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t)
	require.NoError(t, e.h.Producer.SendWelcome(ctx, u))

	e.mailer.SetFail(errors.New("smtp down"))
	errs := e.drain(t, queue.SendEmailQueue)
	require.Len(t, errs, 1)
	assert.False(t, queue.IsPermanent(errs[0]))

	e.mailer.SetFail(nil)
	q, _ := e.client.Queue(queue.SendEmailQueue)
	time.Sleep(5 * time.Millisecond)
	_, err := q.Promote(ctx)
	require.NoError(t, err)
	assert.Empty(t, e.drain(t, queue.SendEmailQueue))
	require.Len(t, e.mailer.Sent(), 1)

	// Queuing the same welcome again is a no-op once it was sent.
	require.NoError(t, e.h.Producer.SendWelcome(ctx, u))
	assert.Equal(t, int64(0), waiting(t, e, queue.SendEmailQueue))

	h, _ := e.h.For(queue.SendEmailQueue)
	rec, err := e.repo.FindEmailByDedupKey(ctx, "welcome:"+u.ID)
	require.NoError(t, err)
	require.NoError(t, h(ctx, &queue.Job{Attempts: 1, MaxAttempts: 3}, queue.SendEmail{EmailID: rec.ID}))
	assert.Len(t, e.mailer.Sent(), 1)
}

func TestSendEmail_LastAttemptMarksFailed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t)
	require.NoError(t, e.h.Producer.SendWelcome(ctx, u))
	rec, err := e.repo.FindEmailByDedupKey(ctx, "welcome:"+u.ID)
	require.NoError(t, err)

	e.mailer.SetFail(errors.New("smtp down"))
	h, _ := e.h.For(queue.SendEmailQueue)
	err = h(ctx, &queue.Job{Attempts: 3, MaxAttempts: 3}, queue.SendEmail{EmailID: rec.ID})
	require.Error(t, err)

	got, err := e.repo.FindEmail(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EmailFailed, got.Status)
	assert.Contains(t, got.LastError, "smtp down")
}

func TestSendEmail_UnknownTemplateIsPermanent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := &models.EmailRecord{To: "x@example.com", Template: "nope"}
	_, err := e.h.Producer.QueueEmail(ctx, rec)
	require.NoError(t, err)

	h, _ := e.h.For(queue.SendEmailQueue)
	err = h(ctx, &queue.Job{Attempts: 1, MaxAttempts: 3}, queue.SendEmail{EmailID: rec.ID})
	assert.True(t, queue.IsPermanent(err))
	assert.Empty(t, e.mailer.Sent())

	got, err := e.repo.FindEmail(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EmailFailed, got.Status)
	assert.NotEmpty(t, got.LastError)
}

func TestTrackLogin_IdempotentByAttempt(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t)
	h, _ := e.h.For(queue.LoginTrackerQueue)

	p := queue.TrackLogin{AttemptID: "att-1", UserID: u.ID, Email: u.Email, IP: "10.0.0.1", Success: true, At: time.Now()}
	require.NoError(t, h(ctx, &queue.Job{}, p))
	require.NoError(t, h(ctx, &queue.Job{}, p))

	recs, err := e.repo.ListLoginRecords(ctx, u.ID, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, []string{mykafka.EventUserLoggedIn}, e.events.types())

	err = h(ctx, &queue.Job{}, queue.TrackLogin{})
	assert.True(t, queue.IsPermanent(err))
}

func TestLogoutCleanup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t)
	now := time.Now().UTC()

	live := &models.RefreshToken{UserID: u.ID, TokenHash: "live", ExpiresAt: now.Add(time.Hour)}
	other := &models.RefreshToken{UserID: u.ID, TokenHash: "other", ExpiresAt: now.Add(time.Hour)}
	stale := &models.RefreshToken{UserID: u.ID, TokenHash: "stale", ExpiresAt: now.Add(-time.Hour)}
	for _, rt := range []*models.RefreshToken{live, other, stale} {
		require.NoError(t, e.repo.CreateRefreshToken(ctx, rt))
	}
	h, _ := e.h.For(queue.LogoutCleanupQueue)

	require.NoError(t, h(ctx, &queue.Job{}, queue.LogoutCleanup{UserID: u.ID, RefreshTokenHash: "live"}))
	got, err := e.repo.FindRefreshByHash(ctx, "live")
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	_, err = e.repo.FindRefreshByHash(ctx, "stale")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	got, err = e.repo.FindRefreshByHash(ctx, "other")
	require.NoError(t, err)
	assert.False(t, got.Revoked)

	require.NoError(t, h(ctx, &queue.Job{}, queue.LogoutCleanup{UserID: u.ID, AllSessions: true}))
	got, err = e.repo.FindRefreshByHash(ctx, "other")
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	assert.Equal(t, []string{mykafka.EventUserLoggedOut, mykafka.EventSessionsRevoked}, e.events.types())
}

func TestPublish_NilProducerIsNotFatal(t *testing.T) {
	e := newEnv(t)
	e.h.Events = nil
	u := e.user(t)
	h, _ := e.h.For(queue.LoginTrackerQueue)
	err := h(context.Background(), &queue.Job{}, queue.TrackLogin{AttemptID: "a", UserID: u.ID, Success: true, At: time.Now()})
	assert.NoError(t, err)
}
