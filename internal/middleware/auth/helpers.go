// Package auth is the request-time gate: it resolves the caller from an
// access token, checks the account flags and the allowed roles, and attaches
// the identity to the request.
package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/repo"
	"github.com/Skotchmaster/blog_platform/internal/service/token"
	"github.com/Skotchmaster/blog_platform/internal/util"
)

const identityKey = "identity"

type Guard struct {
	Tokens *token.Issuer
	Repo   *repo.GormRepo
	// LoginPath is where unauthenticated browser requests are sent.
	LoginPath string
}

// accessToken reads a Bearer header first, then the access cookie.
func accessToken(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
		if raw, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(raw)
		}
		return ""
	}
	if ck, err := c.Cookie(util.AccessCookie); err == nil {
		return ck.Value
	}
	return ""
}

func setIdentity(c echo.Context, id *domain.Identity) {
	c.Set(identityKey, id)
}

// IdentityFrom returns the identity attached by the guard.
func IdentityFrom(c echo.Context) (*domain.Identity, bool) {
	id, ok := c.Get(identityKey).(*domain.Identity)
	return id, ok && id != nil
}

// UserKey keys a limiter by the authenticated user, falling back to the IP.
func UserKey(c echo.Context) string {
	if id, ok := IdentityFrom(c); ok {
		return "user:" + id.UserID
	}
	return "ip:" + c.RealIP()
}
