package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Skotchmaster/blog_platform/internal/handlers"
	authmw "github.com/Skotchmaster/blog_platform/internal/middleware/auth"
	"github.com/Skotchmaster/blog_platform/internal/middleware/csrf"
	loggingmw "github.com/Skotchmaster/blog_platform/internal/middleware/logging"
	"github.com/Skotchmaster/blog_platform/internal/ratelimit"
	"github.com/Skotchmaster/blog_platform/internal/util"
)

// publicAuthPaths take credentials in the body and never act on a session
// cookie. They still hand out the CSRF token.
var publicAuthPaths = []string{
	"/auth/signup",
	"/auth/verify-email",
	"/auth/resend-verify-email",
	"/auth/signin",
	"/auth/forgot-password",
	"/auth/reset-password",
}

type Deps struct {
	Logger  *slog.Logger
	Auth    *handlers.AuthHandler
	Admin   *handlers.AdminHandler
	Health  *handlers.HealthHandler
	Guard   *authmw.Guard
	Limiter *ratelimit.Limiter
	// CSRF is nil when the double-submit check is disabled.
	CSRF *csrf.Config
	// InsecureCookies drops the Secure flag for plain-http development.
	InsecureCookies bool
}

func New(d *Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = handlers.NewValidator()
	e.Pre(middleware.RemoveTrailingSlash())

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e.Use(middleware.Recover(), middleware.RequestID(), loggingmw.RequestLogger(logger),
		util.CookiePolicy(!d.InsecureCookies))
	Register(e, d)
	return e
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", d.Health.Live)
	e.GET("/health/ready", d.Health.Ready)

	limit := d.Limiter.Middleware
	global := limit(ratelimit.Global, ratelimit.IPKey)
	csrfCheck := func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	authCSRF := csrfCheck
	if d.CSRF != nil {
		csrfCheck = csrf.Middleware(*d.CSRF)
		cfg := *d.CSRF
		cfg.SkipPaths = append(append([]string(nil), cfg.SkipPaths...), publicAuthPaths...)
		authCSRF = csrf.Middleware(cfg)
	}

	a := e.Group("/auth", global, authCSRF)

	a.POST("/signup", d.Auth.Signup, limit(ratelimit.Register, ratelimit.IPKey))
	a.POST("/verify-email", d.Auth.VerifyEmail)
	a.POST("/resend-verify-email", d.Auth.ResendVerification)
	a.POST("/signin", d.Auth.Signin)
	a.POST("/forgot-password", d.Auth.ForgotPassword)
	a.POST("/reset-password", d.Auth.ResetPassword, limit(ratelimit.ResetPassword, ratelimit.IPKey))

	a.POST("/logout", d.Auth.Logout)
	a.POST("/refresh", d.Auth.Refresh, limit(ratelimit.Refresh, ratelimit.IPKey))
	a.POST("/change-password", d.Auth.ChangePassword,
		d.Guard.RequireLogin, limit(ratelimit.PasswordChange, authmw.UserKey))
	a.GET("/me", d.Auth.Me, d.Guard.RequireLogin)

	admin := e.Group("/admin", global, csrfCheck, d.Guard.AdminOnly)

	admin.POST("/users/:id/revoke-sessions", d.Admin.RevokeSessions)
	admin.POST("/users/:id/block", d.Admin.Block)
	admin.POST("/users/:id/unblock", d.Admin.Unblock)
	admin.GET("/queues", d.Admin.QueueCounts)
	admin.GET("/queues/:name/failed", d.Admin.FailedJobs)
	admin.GET("/logins", d.Admin.LoginHistory)
}
