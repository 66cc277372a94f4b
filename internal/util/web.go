// Package util holds small HTTP helpers shared by handlers and middleware.
package util

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	AccessCookie  = "accessToken"
	RefreshCookie = "refreshToken"
	FlashCookie   = "flash"
)

const insecureCookiesKey = "insecure_cookies"

// CookiePolicy records on each request whether cookies set while serving it
// carry the Secure flag. Requests that never pass through it get Secure
// cookies.
func CookiePolicy(secure bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(insecureCookiesKey, !secure)
			return next(c)
		}
	}
}

// SecureCookies reports the Secure flag for cookies set on c.
func SecureCookies(c echo.Context) bool {
	insecure, _ := c.Get(insecureCookiesKey).(bool)
	return !insecure
}

func CreateCookie(c echo.Context, name string, value string, path string, exp time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Expires:  exp,
		HttpOnly: true,
		Secure:   SecureCookies(c),
		SameSite: http.SameSiteLaxMode,
	}
}

func DeleteCookie(c echo.Context, name, path string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   SecureCookies(c),
		SameSite: http.SameSiteLaxMode,
	}
}

func ClearAuthCookies(c echo.Context) {
	c.SetCookie(DeleteCookie(c, AccessCookie, "/"))
	c.SetCookie(DeleteCookie(c, RefreshCookie, "/"))
}

// WantsHTML reports a browser-rendered request: it prefers text/html and is
// not an XHR.
func WantsHTML(c echo.Context) bool {
	req := c.Request()
	if req.Header.Get(echo.HeaderXRequestedWith) == "XMLHttpRequest" {
		return false
	}
	return strings.Contains(req.Header.Get(echo.HeaderAccept), echo.MIMETextHTML)
}

// RedirectWithFlash sends the browser to target with a one-shot message cookie.
func RedirectWithFlash(c echo.Context, target, msg string) error {
	c.SetCookie(&http.Cookie{
		Name:     FlashCookie,
		Value:    url.QueryEscape(msg),
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		Secure:   SecureCookies(c),
		SameSite: http.SameSiteLaxMode,
	})
	return c.Redirect(http.StatusSeeOther, target)
}

// Back is the same-site page the request came from, or fallback.
func Back(c echo.Context, fallback string) string {
	ref := c.Request().Referer()
	if ref == "" {
		return fallback
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Host != "" && !strings.EqualFold(u.Host, c.Request().Host)) {
		return fallback
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	if u.Path == "" {
		return fallback
	}
	return u.Path
}
