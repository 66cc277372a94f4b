package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/es"
	"github.com/Skotchmaster/blog_platform/internal/logging"
	"github.com/Skotchmaster/blog_platform/internal/mail"
	"github.com/Skotchmaster/blog_platform/internal/models"
	"github.com/Skotchmaster/blog_platform/internal/mykafka"
	"github.com/Skotchmaster/blog_platform/internal/queue"
	"github.com/Skotchmaster/blog_platform/internal/repo"
	"github.com/Skotchmaster/blog_platform/internal/worker"
)

type Handlers struct {
	Repo     *repo.GormRepo
	Producer *Producer
	Mailer   mail.Mailer
	Renderer *mail.Renderer
	From     string
	Events   mykafka.Publisher
	// Logins is nil when login search is not configured.
	Logins *es.LoginIndex
	Now    func() time.Time
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

// For returns the handler of a job family.
func (h *Handlers) For(name string) (worker.Handler, bool) {
	switch name {
	case queue.SendEmailQueue:
		return h.sendEmail, true
	case queue.LoginTrackerQueue:
		return h.trackLogin, true
	case queue.LogoutCleanupQueue:
		return h.logoutCleanup, true
	case queue.RegisterUserQueue:
		return h.registerUser, true
	}
	return nil, false
}

// publish is best effort; a missing producer is reported, never fatal.
func (h *Handlers) publish(ctx context.Context, ev mykafka.Event) {
	var p mykafka.Publisher = h.Events
	if p == nil {
		p = (*mykafka.Producer)(nil)
	}
	if err := p.PublishEvent(ctx, ev.UserID, ev); err != nil {
		l := logging.FromContext(ctx)
		if errors.Is(err, mykafka.ErrNotInitialized) {
			l.Debug("event_dropped", "type", ev.Type, "error", err)
			return
		}
		l.Error("event_publish_failed", "type", ev.Type, "error", err)
	}
}

// sendEmail delivers an email record at least once. The record id is the
// idempotency key handed to the mailer, and a SENT record is never sent
// again. A crash between Send and MarkEmailSent resends with the same key.
func (h *Handlers) sendEmail(ctx context.Context, j *queue.Job, p queue.Payload) error {
	id := p.(queue.SendEmail).EmailID
	l := logging.FromContext(ctx).With("email_id", id)

	rec, claimed, err := h.Repo.ClaimEmail(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("email %s: %w", id, err))
	}
	if err != nil {
		return err
	}
	if !claimed {
		l.Info("email_already_sent")
		return nil
	}

	var data map[string]string
	if rec.Data != "" {
		if err := json.Unmarshal([]byte(rec.Data), &data); err != nil {
			if merr := h.Repo.MarkEmailFailed(ctx, id, "bad template data"); merr != nil {
				l.Error("mark_email_failed", "error", merr)
			}
			return queue.Permanent(fmt.Errorf("email %s data: %w", id, err))
		}
	}
	subject, html, err := h.Renderer.Render(rec.Template, data)
	if err != nil {
		if merr := h.Repo.MarkEmailFailed(ctx, id, err.Error()); merr != nil {
			l.Error("mark_email_failed", "error", merr)
		}
		return queue.Permanent(err)
	}

	err = h.Mailer.Send(ctx, mail.Message{
		From:           h.From,
		To:             rec.To,
		Subject:        subject,
		HTML:           html,
		IdempotencyKey: rec.ID,
	})
	if err != nil {
		if j.Attempts >= j.MaxAttempts {
			if merr := h.Repo.MarkEmailFailed(ctx, id, err.Error()); merr != nil {
				l.Error("mark_email_failed", "error", merr)
			}
		}
		return fmt.Errorf("send email %s: %w", id, err)
	}

	if err := h.Repo.MarkEmailSent(ctx, id, h.now()); err != nil {
		return err
	}
	l.Info("email_sent", "template", rec.Template)
	return nil
}

func (h *Handlers) trackLogin(ctx context.Context, _ *queue.Job, p queue.Payload) error {
	t := p.(queue.TrackLogin)
	if t.AttemptID == "" {
		return queue.Permanent(errors.New("login attempt without id"))
	}

	rec := &models.LoginRecord{
		AttemptID:   t.AttemptID,
		UserID:      t.UserID,
		Email:       t.Email,
		IP:          t.IP,
		UserAgent:   t.UserAgent,
		Success:     t.Success,
		Reason:      t.Reason,
		AttemptedAt: t.At.UTC(),
	}
	created, err := h.Repo.InsertLoginRecord(ctx, rec)
	if err != nil {
		return err
	}

	// Published before indexing: a retry after an index failure finds the
	// record already stored and does not publish again.
	if created && t.Success {
		h.publish(ctx, mykafka.Event{
			Type:   mykafka.EventUserLoggedIn,
			UserID: t.UserID,
			At:     rec.AttemptedAt,
			Data:   map[string]any{"ip": t.IP},
		})
	}

	if h.Logins != nil {
		return h.Logins.IndexLogin(ctx, rec)
	}
	return nil
}

// logoutCleanup makes sure the session's refresh token is revoked and
// removes expired tokens of the user. Revoked tokens that have not expired
// yet are kept, so presenting one still reports TokenRevoked.
func (h *Handlers) logoutCleanup(ctx context.Context, _ *queue.Job, p queue.Payload) error {
	c := p.(queue.LogoutCleanup)
	l := logging.FromContext(ctx).With("user_id", c.UserID)
	now := h.now()

	evType := mykafka.EventUserLoggedOut
	switch {
	case c.AllSessions:
		if c.UserID == "" {
			return queue.Permanent(errors.New("all-session cleanup without user"))
		}
		n, err := h.Repo.RevokeAllForUser(ctx, c.UserID, "", now)
		if err != nil {
			return err
		}
		l.Info("sessions_revoked", "count", n)
		evType = mykafka.EventSessionsRevoked
	case c.RefreshTokenHash != "":
		if _, err := h.Repo.RevokeRefreshByHash(ctx, c.RefreshTokenHash, now); err != nil {
			return err
		}
	}

	if c.UserID != "" {
		n, err := h.Repo.DeleteExpiredRefresh(ctx, c.UserID, now)
		if err != nil {
			return err
		}
		if n > 0 {
			l.Debug("expired_refresh_deleted", "count", n)
		}
		h.publish(ctx, mykafka.Event{Type: evType, UserID: c.UserID, At: now})
	}
	return nil
}

func VerifyDedupKey(userID string) string { return "register:" + userID + ":verify" }

// registerUser sends the first verification code. Rerunning it queues the
// same email record again instead of issuing another code.
func (h *Handlers) registerUser(ctx context.Context, _ *queue.Job, p queue.Payload) error {
	userID := p.(queue.RegisterUser).UserID
	l := logging.FromContext(ctx).With("user_id", userID)

	user, err := h.Repo.FindUser(ctx, repo.UserQuery{ID: userID})
	if errors.Is(err, domain.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("user %s: %w", userID, err))
	}
	if err != nil {
		return err
	}
	if user.IsEmailVerified {
		l.Info("register_already_verified")
		return nil
	}

	key := VerifyDedupKey(user.ID)
	existing, err := h.Repo.FindEmailByDedupKey(ctx, key)
	switch {
	case err == nil:
		if existing.Status == models.EmailSent {
			return nil
		}
		return h.Producer.enqueueSend(ctx, existing.ID)
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}

	rec, err := h.Producer.SendCode(ctx, user, models.PurposeAccountVerification, mail.TemplateVerifyEmail, key)
	if err != nil {
		return err
	}
	l.Info("verification_email_queued", "email_id", rec.ID)

	h.publish(ctx, mykafka.Event{
		Type:   mykafka.EventUserRegistered,
		UserID: user.ID,
		Data:   map[string]any{"username": user.Username},
	})
	return nil
}
