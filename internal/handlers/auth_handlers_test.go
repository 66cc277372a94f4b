package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/util"
)

func TestHTTPError(t *testing.T) {
	cases := []struct {
		err  error
		code int
		msg  string
	}{
		{fmt.Errorf("%w: bad email", domain.ErrValidation), http.StatusBadRequest, "invalid request"},
		{domain.ErrInvalidCredentials, http.StatusUnauthorized, "invalid credentials"},
		{domain.ErrTokenRevoked, http.StatusUnauthorized, "please sign in again"},
		{domain.ErrTokenExpired, http.StatusUnauthorized, "please sign in again"},
		{domain.ErrUnauthenticated, http.StatusUnauthorized, "please sign in again"},
		{domain.ErrEmailNotVerified, http.StatusForbidden, "email not verified"},
		{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
		{domain.ErrCodeMismatch, http.StatusBadRequest, "invalid or expired code"},
		{domain.ErrCodeExpired, http.StatusBadRequest, "invalid or expired code"},
		{domain.ErrConflictDuplicate, http.StatusConflict, "username or email already taken"},
		{domain.ErrRateLimited, http.StatusTooManyRequests, "too many attempts, try later"},
		{fmt.Errorf("repo: %w", domain.ErrTransientStore), http.StatusServiceUnavailable, "service temporarily unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			he := HTTPError(tc.err)
			assert.Equal(t, tc.code, he.Code)
			assert.Equal(t, tc.msg, he.Message)
		})
	}

	passthrough := echo.NewHTTPError(http.StatusTeapot, "short and stout")
	assert.Same(t, passthrough, HTTPError(passthrough))
}

func newContext(body, contentType, accept string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	e.Validator = NewValidator()
	req := httptest.NewRequest(http.MethodPost, "/auth/signup", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	if accept != "" {
		req.Header.Set(echo.HeaderAccept, accept)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestBindValid(t *testing.T) {
	c, _ := newContext(`{"username":"alice","email":"alice@example.com","password":"long-enough"}`, echo.MIMEApplicationJSON, "")
	var ok signupRequest
	require.NoError(t, bindValid(c, &ok))
	assert.Equal(t, "alice", ok.Username)

	bad := []string{
		`{"username":"al","email":"alice@example.com","password":"long-enough"}`,
		`{"username":"alice","email":"nope","password":"long-enough"}`,
		`{"username":"alice","email":"alice@example.com","password":"short"}`,
		`{"username":"al ice","email":"alice@example.com","password":"long-enough"}`,
		`{not json`,
	}
	for _, body := range bad {
		c, _ := newContext(body, echo.MIMEApplicationJSON, "")
		var req signupRequest
		assert.ErrorIs(t, bindValid(c, &req), domain.ErrValidation, body)
	}

	c, _ = newContext("username=bob&email=bob%40example.com&password=long-enough", echo.MIMEApplicationForm, "")
	var form signupRequest
	require.NoError(t, bindValid(c, &form))
	assert.Equal(t, "bob@example.com", form.Email)
}

func TestChangePasswordRequest_NewMustDiffer(t *testing.T) {
	c, _ := newContext(`{"current_password":"same-password","new_password":"same-password"}`, echo.MIMEApplicationJSON, "")
	var req changePasswordRequest
	assert.ErrorIs(t, bindValid(c, &req), domain.ErrValidation)
}

func TestFail(t *testing.T) {
	t.Run("api", func(t *testing.T) {
		c, _ := newContext("", "", echo.MIMEApplicationJSON)
		err := fail(c, "signin", domain.ErrInvalidCredentials)
		var he *echo.HTTPError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, http.StatusUnauthorized, he.Code)
	})

	t.Run("browser", func(t *testing.T) {
		c, rec := newContext("", "", "text/html,application/xhtml+xml")
		c.Request().Header.Set("Referer", "http://example.com/login")
		require.NoError(t, fail(c, "signin", domain.ErrInvalidCredentials))
		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/login", rec.Header().Get(echo.HeaderLocation))

		var flash *http.Cookie
		for _, ck := range rec.Result().Cookies() {
			if ck.Name == util.FlashCookie {
				flash = ck
			}
		}
		require.NotNil(t, flash)
		assert.Equal(t, "invalid+credentials", flash.Value)
	})

	t.Run("browser server error", func(t *testing.T) {
		c, _ := newContext("", "", echo.MIMETextHTML)
		err := fail(c, "signin", errors.New("db down"))
		var he *echo.HTTPError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, http.StatusInternalServerError, he.Code)
	})
}
