package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/logging"
	"github.com/Skotchmaster/blog_platform/internal/repo"
	"github.com/Skotchmaster/blog_platform/internal/util"
)

// Require admits a request whose caller is active and holds one of roles.
// No roles means any active caller.
func (g *Guard) Require(roles ...domain.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			l := logging.FromContext(ctx).With("mw", "auth_guard")

			id, err := g.resolve(c)
			if err == nil {
				err = domain.Authorize(id, roles...)
			}
			if err != nil {
				return g.deny(c, l, err)
			}

			setIdentity(c, id)
			ctx = logging.IntoContext(ctx, logging.FromContext(ctx).With("user_id", id.UserID))
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func (g *Guard) RequireLogin(next echo.HandlerFunc) echo.HandlerFunc {
	return g.Require()(next)
}

// resolve turns the presented access token into the caller's identity with
// the account flags as they are now, not as they were at issue time.
func (g *Guard) resolve(c echo.Context) (*domain.Identity, error) {
	raw := accessToken(c)
	if raw == "" {
		return nil, domain.ErrUnauthenticated
	}
	claims, err := g.Tokens.ParseAccessToken(raw)
	if err != nil {
		return nil, err
	}
	user, err := g.Repo.FindUser(c.Request().Context(), repo.UserQuery{ID: claims.Subject, IncludeDeleted: true})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	return user.Identity(), nil
}

func (g *Guard) deny(c echo.Context, l *slog.Logger, err error) error {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated), domain.IsTokenError(err):
		l.Warn("auth_denied", "status", http.StatusUnauthorized, "error", err)
		if util.WantsHTML(c) {
			return c.Redirect(http.StatusSeeOther, g.loginPath())
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "please sign in again")
	case errors.Is(err, domain.ErrForbidden):
		l.Warn("auth_denied", "status", http.StatusForbidden, "error", err)
		if util.WantsHTML(c) {
			return util.RedirectWithFlash(c, "/", "you are not allowed to do that")
		}
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	default:
		l.Error("auth_error", "status", http.StatusServiceUnavailable, "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service temporarily unavailable")
	}
}

func (g *Guard) loginPath() string {
	if g.LoginPath == "" {
		return "/login"
	}
	return g.LoginPath
}
