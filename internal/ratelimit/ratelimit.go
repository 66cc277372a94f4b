// Package ratelimit counts requests per (purpose, key) in fixed windows held
// in Redis. The increment and its expiry are one Lua script, so concurrent
// requests on the same key are never under-counted.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Skotchmaster/blog_platform/internal/config"
	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/logging"
)

type Purpose string

const (
	Login              Purpose = "login"
	Register           Purpose = "register"
	VerifyEmail        Purpose = "verify-email"
	ResendVerification Purpose = "resend-verification"
	ForgotPassword     Purpose = "forgot-password"
	ResetPassword      Purpose = "reset-password"
	PasswordChange     Purpose = "password-change"
	ProfileUpdate      Purpose = "profile-update"
	Refresh            Purpose = "refresh"
	Global             Purpose = "global"
)

type Rule struct {
	Window time.Duration
	Max    int
}

type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// KEYS[1] counter, ARGV[1] window in ms. Returns {count, pttl}.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

type Limiter struct {
	rdb      redis.Scripter
	rules    map[Purpose]Rule
	failOpen bool
	timeout  time.Duration
	prefix   string
}

func New(rdb redis.Scripter, cfg config.RateLimit) *Limiter {
	rules := make(map[Purpose]Rule, len(cfg.Rules))
	for name, r := range cfg.Rules {
		rules[Purpose(name)] = Rule{Window: r.Window, Max: r.Max}
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Limiter{rdb: rdb, rules: rules, failOpen: cfg.FailOpen, timeout: timeout, prefix: "rl:"}
}

func (l *Limiter) Rule(p Purpose) (Rule, bool) {
	r, ok := l.rules[p]
	return r, ok && r.Max > 0 && r.Window > 0
}

// Allow counts one request against (purpose, key). It returns ErrRateLimited
// once the window's maximum is exceeded. When the store cannot be reached in
// time the result follows the configured fail mode: closed returns
// ErrTransientStore, open lets the request through.
func (l *Limiter) Allow(ctx context.Context, p Purpose, key string) (Decision, error) {
	rule, ok := l.Rule(p)
	if !ok {
		return Decision{Allowed: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err := incrScript.Run(ctx, l.rdb, []string{l.prefix + string(p) + ":" + key}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		if err == nil {
			err = fmt.Errorf("unexpected reply %v", res)
		}
		log := logging.FromContext(ctx).With("svc", "ratelimit", "purpose", p)
		if l.failOpen {
			log.Warn("ratelimit_store_unavailable", "mode", "open", "error", err)
			return Decision{Allowed: true, Limit: rule.Max}, nil
		}
		log.Error("ratelimit_store_unavailable", "mode", "closed", "error", err)
		return Decision{Limit: rule.Max}, fmt.Errorf("%w: ratelimit: %v", domain.ErrTransientStore, err)
	}

	d := Decision{
		Count:      res[0],
		Limit:      rule.Max,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
		Allowed:    res[0] <= int64(rule.Max),
	}
	if !d.Allowed {
		return d, domain.ErrRateLimited
	}
	return d, nil
}

// Key composes the counter key for a purpose. Login and forgot-password count
// per target account and address together; per-account purposes prefer the
// authenticated user and fall back to the address.
func Key(p Purpose, ip, email, userID string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	switch p {
	case Login, ForgotPassword, VerifyEmail, ResendVerification:
		if email == "" {
			return "ip:" + ip
		}
		return ip + ":" + email
	case PasswordChange, ProfileUpdate:
		if userID != "" {
			return "user:" + userID
		}
		return "ip:" + ip
	default:
		return "ip:" + ip
	}
}
