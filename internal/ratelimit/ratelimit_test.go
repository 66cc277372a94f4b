package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/blog_platform/internal/config"
	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/testutil"
)

func rules(max int, window time.Duration) config.RateLimit {
	return config.RateLimit{
		StoreTimeout: time.Second,
		Rules: map[string]config.LimitRule{
			string(Login):  {Window: window, Max: max},
			string(Global): {Window: window, Max: max},
		},
	}
}

func TestAllow_ConcurrentNeverUndercounts(t *testing.T) {
	_, rdb := testutil.InitTestRedis(t)
	const max, n = 5, 40
	l := New(rdb, rules(max, time.Minute))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		limited int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Allow(context.Background(), Login, "1.2.3.4:a@example.com")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				allowed++
			case errors.Is(err, domain.ErrRateLimited):
				limited++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, max, allowed)
	assert.Equal(t, n-max, limited)
}

func TestAllow_WindowExpiryResets(t *testing.T) {
	mr, rdb := testutil.InitTestRedis(t)
	l := New(rdb, rules(2, time.Minute))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Allow(ctx, Login, "k")
		require.NoError(t, err)
	}
	d, err := l.Allow(ctx, Login, "k")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, int64(3), d.Count)
	assert.True(t, d.RetryAfter > 0 && d.RetryAfter <= time.Minute)

	mr.FastForward(time.Minute + time.Second)

	_, err = l.Allow(ctx, Login, "k")
	assert.NoError(t, err)
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	_, rdb := testutil.InitTestRedis(t)
	l := New(rdb, rules(1, time.Minute))
	ctx := context.Background()

	_, err := l.Allow(ctx, Login, "a")
	require.NoError(t, err)
	_, err = l.Allow(ctx, Login, "b")
	require.NoError(t, err)
	_, err = l.Allow(ctx, Global, "a")
	require.NoError(t, err)
	_, err = l.Allow(ctx, Login, "a")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestAllow_UnconfiguredPurposePasses(t *testing.T) {
	_, rdb := testutil.InitTestRedis(t)
	l := New(rdb, rules(1, time.Minute))
	for i := 0; i < 3; i++ {
		_, err := l.Allow(context.Background(), ProfileUpdate, "x")
		require.NoError(t, err)
	}
}

func TestAllow_FailMode(t *testing.T) {
	tests := []struct {
		name     string
		failOpen bool
		wantErr  error
	}{
		{name: "closed rejects", failOpen: false, wantErr: domain.ErrTransientStore},
		{name: "open allows", failOpen: true, wantErr: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr, rdb := testutil.InitTestRedis(t)
			cfg := rules(5, time.Minute)
			cfg.FailOpen = tt.failOpen
			l := New(rdb, cfg)

			mr.SetError("ERR store unavailable")
			d, err := l.Allow(context.Background(), Login, "k")
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.True(t, d.Allowed)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, d.Allowed)
		})
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		purpose Purpose
		ip      string
		email   string
		userID  string
		want    string
	}{
		{Login, "1.1.1.1", "A@Example.com ", "", "1.1.1.1:a@example.com"},
		{ForgotPassword, "1.1.1.1", "a@example.com", "", "1.1.1.1:a@example.com"},
		{ResetPassword, "1.1.1.1", "a@example.com", "", "ip:1.1.1.1"},
		{PasswordChange, "1.1.1.1", "", "u1", "user:u1"},
		{ProfileUpdate, "1.1.1.1", "", "", "ip:1.1.1.1"},
		{Global, "1.1.1.1", "a@example.com", "u1", "ip:1.1.1.1"},
		{Register, "2.2.2.2", "x@example.com", "", "ip:2.2.2.2"},
	}
	for _, tt := range tests {
		t.Run(string(tt.purpose), func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.purpose, tt.ip, tt.email, tt.userID))
		})
	}
}

func TestMiddleware_APIAndBrowser(t *testing.T) {
	_, rdb := testutil.InitTestRedis(t)
	l := New(rdb, rules(1, time.Minute))

	e := echo.New()
	e.POST("/x", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, l.Middleware(Global, IPKey))

	do := func(accept string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.Header.Set(echo.HeaderAccept, accept)
		req.Header.Set("Referer", "http://example.com/login")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do("application/json").Code)

	rec := do("application/json")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderRetryAfter))
	assert.Contains(t, rec.Body.String(), tooMany)

	rec = do("text/html,application/xhtml+xml")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get(echo.HeaderLocation))
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "flash=")
}
