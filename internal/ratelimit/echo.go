package ratelimit

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/util"
)

const tooMany = "too many attempts, try later"

type KeyFunc func(c echo.Context) string

func IPKey(c echo.Context) string { return "ip:" + c.RealIP() }

// Middleware enforces purpose before the handler runs, keyed by key.
func (l *Limiter) Middleware(p Purpose, key KeyFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d, err := l.Allow(c.Request().Context(), p, key(c))
			if err != nil {
				return Respond(c, d, err)
			}
			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			return next(c)
		}
	}
}

// Respond writes the breach outcome: 429 with Retry-After for API callers, a
// redirect back with a flash message for browser forms. Store failures in
// fail-closed mode become 503.
func Respond(c echo.Context, d Decision, err error) error {
	if !errors.Is(err, domain.ErrRateLimited) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service temporarily unavailable")
	}

	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Response().Header().Set(echo.HeaderRetryAfter, strconv.Itoa(secs))

	if util.WantsHTML(c) {
		return util.RedirectWithFlash(c, util.Back(c, "/"), tooMany)
	}
	return c.JSON(http.StatusTooManyRequests, echo.Map{
		"error":       tooMany,
		"retry_after": secs,
	})
}
