// Package account runs the authentication lifecycle: signup, email
// verification, signin, refresh, logout and password recovery, plus the
// admin actions on sessions. Side effects leave the request through the job
// queue.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/hash"
	"github.com/Skotchmaster/blog_platform/internal/jobs"
	"github.com/Skotchmaster/blog_platform/internal/logging"
	"github.com/Skotchmaster/blog_platform/internal/mail"
	"github.com/Skotchmaster/blog_platform/internal/models"
	"github.com/Skotchmaster/blog_platform/internal/mykafka"
	"github.com/Skotchmaster/blog_platform/internal/queue"
	"github.com/Skotchmaster/blog_platform/internal/repo"
	"github.com/Skotchmaster/blog_platform/internal/service/token"
	"github.com/Skotchmaster/blog_platform/internal/service/verification"
)

type Service struct {
	Repo   *repo.GormRepo
	Tokens *token.Issuer
	Codes  *verification.Manager
	Emails *jobs.Producer
	Queue  jobs.Enqueuer
	Events mykafka.Publisher
}

// Client is the request metadata stored with sessions and login records.
type Client struct {
	IP        string
	UserAgent string
}

// Session is the outcome of a signin or refresh. Refresh.Token is the only
// copy of the plaintext refresh secret.
type Session struct {
	User            *models.User
	AccessToken     string
	AccessExpiresAt time.Time
	Refresh         *token.Refreshed
}

type SignupInput struct {
	Username string
	Email    string
	Password string
}

// dummyHash is compared against on unknown logins so both failure paths pay
// for one bcrypt comparison.
var dummyHash = sync.OnceValue(func() string {
	h, _ := hash.HashPassword("not-a-real-password")
	return h
})

func (s *Service) now() time.Time {
	if s.Tokens != nil && s.Tokens.Now != nil {
		return s.Tokens.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) publish(ctx context.Context, ev mykafka.Event) {
	var p mykafka.Publisher = s.Events
	if p == nil {
		p = (*mykafka.Producer)(nil)
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	if err := p.PublishEvent(ctx, ev.UserID, ev); err != nil {
		l := logging.FromContext(ctx)
		if errors.Is(err, mykafka.ErrNotInitialized) {
			l.Debug("event_dropped", "type", ev.Type)
			return
		}
		l.Error("event_publish_failed", "type", ev.Type, "error", err)
	}
}

// enqueue reports a queue failure in the log only: the request already did
// its durable part.
func (s *Service) enqueue(ctx context.Context, p queue.Payload, opts ...queue.EnqueueOption) {
	if _, _, err := s.Queue.Enqueue(ctx, p, opts...); err != nil {
		logging.FromContext(ctx).Error("enqueue_failed", "queue", p.Queue(), "error", err)
	}
}

func (s *Service) Signup(ctx context.Context, in SignupInput) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "account.signup")

	pwHash, err := hash.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &models.User{
		Username:     strings.TrimSpace(in.Username),
		Email:        in.Email,
		PasswordHash: pwHash,
		Role:         domain.RoleUser,
	}
	if err := s.Repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, domain.ErrConflictDuplicate) {
			l.Warn("signup_failed", "reason", "duplicate")
		}
		return nil, err
	}

	s.enqueue(ctx, queue.RegisterUser{UserID: user.ID}, queue.WithID("register:"+user.ID))
	l.Info("signup_success", "user_id", user.ID)
	return user, nil
}

func (s *Service) VerifyEmail(ctx context.Context, email, code string) error {
	l := logging.FromContext(ctx).With("svc", "account.verify_email")

	user, err := s.Repo.FindUser(ctx, repo.UserQuery{Email: email})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrCodeNotFound
	}
	if err != nil {
		return err
	}

	if err := s.Codes.ConsumeCode(ctx, user.ID, code, models.PurposeAccountVerification); err != nil {
		l.Warn("verify_email_failed", "user_id", user.ID, "error", err)
		return err
	}
	if err := s.Repo.MarkEmailVerified(ctx, user.ID); err != nil {
		return err
	}

	if err := s.Emails.SendWelcome(ctx, user); err != nil {
		l.Error("welcome_email_failed", "user_id", user.ID, "error", err)
	}
	s.publish(ctx, mykafka.Event{Type: mykafka.EventUserVerified, UserID: user.ID})
	l.Info("email_verified", "user_id", user.ID)
	return nil
}

// ResendVerification never reveals whether the email belongs to an account.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	l := logging.FromContext(ctx).With("svc", "account.resend_verification")

	user, err := s.Repo.FindUser(ctx, repo.UserQuery{Email: email})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if user.IsEmailVerified || !user.Identity().Active() {
		l.Info("resend_skipped", "user_id", user.ID)
		return nil
	}

	rec, err := s.Emails.SendCode(ctx, user, models.PurposeAccountVerification, mail.TemplateVerifyEmail, "")
	if err != nil {
		return err
	}
	l.Info("verification_resent", "user_id", user.ID, "email_id", rec.ID)
	return nil
}

// Signin never tells an unknown login apart from a wrong password. Every
// attempt is queued for the login tracker.
func (s *Service) Signin(ctx context.Context, login, password string, cl Client) (*Session, error) {
	l := logging.FromContext(ctx).With("svc", "account.signin")
	attempt := queue.TrackLogin{
		AttemptID: uuid.NewString(),
		Email:     strings.ToLower(strings.TrimSpace(login)),
		IP:        cl.IP,
		UserAgent: cl.UserAgent,
		At:        s.now(),
	}
	track := func(reason string) {
		attempt.Reason = reason
		s.enqueue(ctx, attempt, queue.WithID("login:"+attempt.AttemptID))
	}

	user, err := s.Repo.FindUser(ctx, repo.UserQuery{Login: login})
	if errors.Is(err, domain.ErrNotFound) {
		hash.CheckPassword(dummyHash(), password)
		l.Warn("signin_failed", "reason", "unknown_login")
		track("invalid_credentials")
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	attempt.UserID = user.ID
	attempt.Email = user.Email

	if !hash.CheckPassword(user.PasswordHash, password) {
		l.Warn("signin_failed", "reason", "bad_password", "user_id", user.ID)
		track("invalid_credentials")
		return nil, domain.ErrInvalidCredentials
	}
	if !user.Identity().Active() {
		l.Warn("signin_failed", "reason", "inactive", "user_id", user.ID)
		track("inactive")
		return nil, domain.ErrForbidden
	}
	if !user.IsEmailVerified {
		l.Warn("signin_failed", "reason", "unverified", "user_id", user.ID)
		track("unverified")
		return nil, domain.ErrEmailNotVerified
	}

	sess, err := s.newSession(ctx, user, cl)
	if err != nil {
		return nil, err
	}
	attempt.Success = true
	track("")
	l.Info("signin_success", "user_id", user.ID)
	return sess, nil
}

func (s *Service) newSession(ctx context.Context, user *models.User, cl Client) (*Session, error) {
	access, exp, err := s.Tokens.IssueAccessToken(user)
	if err != nil {
		return nil, err
	}
	refresh, err := s.Tokens.IssueRefreshToken(ctx, user.ID, cl.IP, cl.UserAgent)
	if err != nil {
		return nil, err
	}
	return &Session{User: user, AccessToken: access, AccessExpiresAt: exp, Refresh: refresh}, nil
}

// Refresh rotates the presented refresh token and mints a new access token
// for its owner.
func (s *Service) Refresh(ctx context.Context, presented string, cl Client) (*Session, error) {
	l := logging.FromContext(ctx).With("svc", "account.refresh")

	next, err := s.Tokens.RotateRefreshToken(ctx, presented, cl.IP, cl.UserAgent)
	if err != nil {
		l.Warn("refresh_failed", "error", err)
		return nil, err
	}

	user, err := s.Repo.FindUser(ctx, repo.UserQuery{ID: next.UserID})
	if err != nil || !user.Identity().Active() {
		if _, rerr := s.Tokens.RevokeRefreshToken(ctx, next.Token); rerr != nil {
			l.Error("revoke_after_refresh_failed", "error", rerr)
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		l.Warn("refresh_failed", "reason", "inactive", "user_id", next.UserID)
		return nil, domain.ErrForbidden
	}

	access, exp, err := s.Tokens.IssueAccessToken(user)
	if err != nil {
		return nil, err
	}
	return &Session{User: user, AccessToken: access, AccessExpiresAt: exp, Refresh: next}, nil
}

// Logout revokes the presented refresh token right away and leaves the rest
// of the cleanup to the logout-cleanup worker. It is idempotent.
func (s *Service) Logout(ctx context.Context, presented string) error {
	l := logging.FromContext(ctx).With("svc", "account.logout")
	if presented == "" {
		return nil
	}

	userID, err := s.Tokens.RevokeRefreshToken(ctx, presented)
	if err != nil {
		l.Error("logout_revoke_failed", "error", err)
		return err
	}
	if userID == "" {
		l.Info("logout_unknown_token")
		return nil
	}

	s.enqueue(ctx, queue.LogoutCleanup{UserID: userID, RefreshTokenHash: s.Tokens.HashRefresh(presented)})
	l.Info("logout_success", "user_id", userID)
	return nil
}

// ForgotPassword answers the same way whether or not the email is known.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	l := logging.FromContext(ctx).With("svc", "account.forgot_password")

	user, err := s.Repo.FindUser(ctx, repo.UserQuery{Email: email})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !user.Identity().Active() {
		l.Info("forgot_password_skipped", "user_id", user.ID)
		return nil
	}

	rec, err := s.Emails.SendCode(ctx, user, models.PurposePasswordReset, mail.TemplatePasswordReset, "")
	if err != nil {
		return err
	}
	l.Info("password_reset_queued", "user_id", user.ID, "email_id", rec.ID)
	return nil
}

// ResetPassword consumes a PASSWORD_RESET code, stores the new password and
// ends every session of the account.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	l := logging.FromContext(ctx).With("svc", "account.reset_password")

	user, err := s.Repo.FindUser(ctx, repo.UserQuery{Email: email})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrCodeNotFound
	}
	if err != nil {
		return err
	}
	if err := s.Codes.ConsumeCode(ctx, user.ID, code, models.PurposePasswordReset); err != nil {
		l.Warn("reset_password_failed", "user_id", user.ID, "error", err)
		return err
	}

	if err := s.setPassword(ctx, user.ID, newPassword); err != nil {
		return err
	}
	if _, err := s.revokeAll(ctx, user.ID); err != nil {
		return err
	}
	l.Info("password_reset", "user_id", user.ID)
	return nil
}

// ChangePassword keeps the caller's current session and revokes the others.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next, presentedRefresh string) error {
	l := logging.FromContext(ctx).With("svc", "account.change_password", "user_id", userID)

	user, err := s.Repo.FindUser(ctx, repo.UserQuery{ID: userID})
	if err != nil {
		return err
	}
	if !hash.CheckPassword(user.PasswordHash, current) {
		l.Warn("change_password_failed", "reason", "bad_password")
		return domain.ErrInvalidCredentials
	}
	if err := s.setPassword(ctx, user.ID, next); err != nil {
		return err
	}
	n, err := s.Tokens.RevokeAllForUser(ctx, user.ID, presentedRefresh)
	if err != nil {
		return err
	}
	l.Info("password_changed", "revoked", n)
	return nil
}

func (s *Service) setPassword(ctx context.Context, userID, password string) error {
	pwHash, err := hash.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.Repo.SetPasswordHash(ctx, userID, pwHash)
}

// revokeAll ends every session synchronously, then queues the cleanup that
// collects expired tokens and announces the revocation.
func (s *Service) revokeAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.Tokens.RevokeAllForUser(ctx, userID, "")
	if err != nil {
		return 0, err
	}
	s.enqueue(ctx, queue.LogoutCleanup{UserID: userID, AllSessions: true})
	return n, nil
}
