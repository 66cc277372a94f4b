package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/logging"
	"github.com/Skotchmaster/blog_platform/internal/util"
)

// HTTPError maps an error kind to a status and a message that says nothing
// about which check failed.
func HTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, domain.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	case errors.Is(err, domain.ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, domain.ErrUnauthenticated), domain.IsTokenError(err):
		return echo.NewHTTPError(http.StatusUnauthorized, "please sign in again")
	case errors.Is(err, domain.ErrEmailNotVerified):
		return echo.NewHTTPError(http.StatusForbidden, "email not verified")
	case errors.Is(err, domain.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	case domain.IsCodeError(err):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid or expired code")
	case errors.Is(err, domain.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many attempts, try later")
	case errors.Is(err, domain.ErrConflictDuplicate):
		return echo.NewHTTPError(http.StatusConflict, "username or email already taken")
	case errors.Is(err, domain.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrTransientStore):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// fail logs err with its real kind and answers with the generic outcome.
// Browser forms get a redirect back with the message instead of an error
// page.
func fail(c echo.Context, op string, err error) error {
	he := HTTPError(err)
	l := logging.FromContext(c.Request().Context())
	if he.Code >= http.StatusInternalServerError {
		l.Error(op+"_error", "status", he.Code, "error", err)
	} else {
		l.Warn(op+"_failed", "status", he.Code, "error", err)
	}

	if he.Code < http.StatusInternalServerError && util.WantsHTML(c) {
		msg, _ := he.Message.(string)
		return util.RedirectWithFlash(c, util.Back(c, "/"), msg)
	}
	return he
}
