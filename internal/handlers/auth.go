package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/blog_platform/internal/logging"
	authmw "github.com/Skotchmaster/blog_platform/internal/middleware/auth"
	"github.com/Skotchmaster/blog_platform/internal/ratelimit"
	"github.com/Skotchmaster/blog_platform/internal/service/account"
	"github.com/Skotchmaster/blog_platform/internal/util"
)

type AuthHandler struct {
	Account *account.Service
	Limiter *ratelimit.Limiter
}

type signupRequest struct {
	Username string `json:"username" form:"username" validate:"required,min=3,max=64,alphanum"`
	Email    string `json:"email" form:"email" validate:"required,email,max=255"`
	Password string `json:"password" form:"password" validate:"required,min=8,max=72"`
}

type verifyRequest struct {
	Email string `json:"email" form:"email" validate:"required,email"`
	Code  string `json:"code" form:"code" validate:"required,len=6,numeric"`
}

type emailRequest struct {
	Email string `json:"email" form:"email" validate:"required,email"`
}

type signinRequest struct {
	Login    string `json:"login" form:"login" validate:"required,max=255"`
	Password string `json:"password" form:"password" validate:"required,max=72"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" form:"refresh_token"`
}

type resetRequest struct {
	Email    string `json:"email" form:"email" validate:"required,email"`
	Code     string `json:"code" form:"code" validate:"required,len=6,numeric"`
	Password string `json:"password" form:"password" validate:"required,min=8,max=72"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" form:"current_password" validate:"required,max=72"`
	NewPassword     string `json:"new_password" form:"new_password" validate:"required,min=8,max=72,nefield=CurrentPassword"`
	// RefreshToken names the caller's own session for clients that keep it
	// outside cookies. That session survives the change.
	RefreshToken string `json:"refresh_token" form:"refresh_token"`
}

func client(c echo.Context) account.Client {
	return account.Client{IP: c.RealIP(), UserAgent: c.Request().UserAgent()}
}

// limit applies a purpose whose key needs the request body.
func (h *AuthHandler) limit(c echo.Context, p ratelimit.Purpose, email string) (bool, error) {
	d, err := h.Limiter.Allow(c.Request().Context(), p, ratelimit.Key(p, c.RealIP(), email, ""))
	if err != nil {
		return false, ratelimit.Respond(c, d, err)
	}
	return true, nil
}

// presentedRefresh reads the refresh token from the cookie, or from the body
// for clients that do not keep cookies.
func presentedRefresh(c echo.Context) string {
	if ck, err := c.Cookie(util.RefreshCookie); err == nil && ck.Value != "" {
		return ck.Value
	}
	var req refreshRequest
	if err := c.Bind(&req); err == nil {
		return req.RefreshToken
	}
	return ""
}

func setSessionCookies(c echo.Context, sess *account.Session) {
	c.SetCookie(util.CreateCookie(c, util.AccessCookie, sess.AccessToken, "/", sess.AccessExpiresAt))
	c.SetCookie(util.CreateCookie(c, util.RefreshCookie, sess.Refresh.Token, "/", sess.Refresh.ExpiresAt))
}

func sessionBody(sess *account.Session) echo.Map {
	return echo.Map{
		"access_token":  sess.AccessToken,
		"token_type":    "Bearer",
		"expires_in":    int(time.Until(sess.AccessExpiresAt).Seconds()),
		"refresh_token": sess.Refresh.Token,
		"user": echo.Map{
			"id":       sess.User.ID,
			"username": sess.User.Username,
			"role":     sess.User.Role,
		},
	}
}

// done answers a browser form with a redirect and anything else with JSON.
func done(c echo.Context, target, flash string, body echo.Map) error {
	if util.WantsHTML(c) {
		return util.RedirectWithFlash(c, target, flash)
	}
	return c.JSON(http.StatusOK, body)
}

func (h *AuthHandler) Signup(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_signup")

	var req signupRequest
	if err := bindValid(c, &req); err != nil {
		return fail(c, "signup", err)
	}
	user, err := h.Account.Signup(ctx, account.SignupInput{Username: req.Username, Email: req.Email, Password: req.Password})
	if err != nil {
		return fail(c, "signup", err)
	}

	l.Info("signup_success", "status", http.StatusCreated, "user_id", user.ID)
	if util.WantsHTML(c) {
		return util.RedirectWithFlash(c, "/verify-email", "check your inbox for the verification code")
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"id": user.ID, "username": user.Username, "email": user.Email, "role": user.Role,
	})
}

func (h *AuthHandler) VerifyEmail(c echo.Context) error {
	ctx := c.Request().Context()

	var req verifyRequest
	if err := bindValid(c, &req); err != nil {
		return fail(c, "verify_email", err)
	}
	if ok, err := h.limit(c, ratelimit.VerifyEmail, req.Email); !ok {
		return err
	}
	if err := h.Account.VerifyEmail(ctx, req.Email, req.Code); err != nil {
		return fail(c, "verify_email", err)
	}
	return done(c, "/login", "email verified, you can sign in now", echo.Map{"message": "email verified"})
}

func (h *AuthHandler) ResendVerification(c echo.Context) error {
	ctx := c.Request().Context()

	var req emailRequest
	if err := bindValid(c, &req); err != nil {
		return fail(c, "resend_verification", err)
	}
	if ok, err := h.limit(c, ratelimit.ResendVerification, req.Email); !ok {
		return err
	}
	if err := h.Account.ResendVerification(ctx, req.Email); err != nil {
		return fail(c, "resend_verification", err)
	}
	const msg = "if the account exists, a new code is on its way"
	return done(c, "/verify-email", msg, echo.Map{"message": msg})
}

func (h *AuthHandler) Signin(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_signin")

	var req signinRequest
	if err := bindValid(c, &req); err != nil {
		return fail(c, "signin", err)
	}
	if ok, err := h.limit(c, ratelimit.Login, req.Login); !ok {
		return err
	}

	sess, err := h.Account.Signin(ctx, req.Login, req.Password, client(c))
	if err != nil {
		return fail(c, "signin", err)
	}

	setSessionCookies(c, sess)
	l.Info("signin_success", "status", http.StatusOK, "user_id", sess.User.ID)
	if util.WantsHTML(c) {
		return c.Redirect(http.StatusSeeOther, "/")
	}
	return c.JSON(http.StatusOK, sessionBody(sess))
}

func (h *AuthHandler) Refresh(c echo.Context) error {
	ctx := c.Request().Context()

	sess, err := h.Account.Refresh(ctx, presentedRefresh(c), client(c))
	if err != nil {
		util.ClearAuthCookies(c)
		return fail(c, "refresh", err)
	}
	setSessionCookies(c, sess)
	return c.JSON(http.StatusOK, sessionBody(sess))
}

func (h *AuthHandler) Logout(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_logout")

	if err := h.Account.Logout(ctx, presentedRefresh(c)); err != nil {
		return fail(c, "logout", err)
	}
	util.ClearAuthCookies(c)
	l.Info("logout_success", "status", http.StatusOK)
	return done(c, "/login", "logged out", echo.Map{"message": "logged out"})
}

func (h *AuthHandler) ForgotPassword(c echo.Context) error {
	ctx := c.Request().Context()

	var req emailRequest
	if err := bindValid(c, &req); err != nil {
		return fail(c, "forgot_password", err)
	}
	if ok, err := h.limit(c, ratelimit.ForgotPassword, req.Email); !ok {
		return err
	}
	if err := h.Account.ForgotPassword(ctx, req.Email); err != nil {
		return fail(c, "forgot_password", err)
	}
	const msg = "if the account exists, a reset code is on its way"
	return done(c, "/reset-password", msg, echo.Map{"message": msg})
}

func (h *AuthHandler) ResetPassword(c echo.Context) error {
	ctx := c.Request().Context()

	var req resetRequest
	if err := bindValid(c, &req); err != nil {
		return fail(c, "reset_password", err)
	}
	if err := h.Account.ResetPassword(ctx, req.Email, req.Code, req.Password); err != nil {
		return fail(c, "reset_password", err)
	}
	util.ClearAuthCookies(c)
	return done(c, "/login", "password changed, sign in again", echo.Map{"message": "password changed"})
}

func (h *AuthHandler) ChangePassword(c echo.Context) error {
	ctx := c.Request().Context()
	id, _ := authmw.IdentityFrom(c)

	var req changePasswordRequest
	if err := bindValid(c, &req); err != nil {
		return fail(c, "change_password", err)
	}
	current := req.RefreshToken
	if ck, err := c.Cookie(util.RefreshCookie); err == nil && ck.Value != "" {
		current = ck.Value
	}
	if err := h.Account.ChangePassword(ctx, id.UserID, req.CurrentPassword, req.NewPassword, current); err != nil {
		return fail(c, "change_password", err)
	}
	return done(c, util.Back(c, "/"), "password changed", echo.Map{"message": "password changed"})
}

func (h *AuthHandler) Me(c echo.Context) error {
	id, _ := authmw.IdentityFrom(c)
	return c.JSON(http.StatusOK, echo.Map{
		"id":                id.UserID,
		"username":          id.Username,
		"email":             id.Email,
		"role":              id.Role,
		"is_email_verified": id.IsEmailVerified,
	})
}
