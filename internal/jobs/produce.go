// Package jobs holds the handlers of every job family and the helpers that
// create email records and queue them.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/mail"
	"github.com/Skotchmaster/blog_platform/internal/models"
	"github.com/Skotchmaster/blog_platform/internal/queue"
	"github.com/Skotchmaster/blog_platform/internal/repo"
	"github.com/Skotchmaster/blog_platform/internal/service/verification"
)

// Enqueuer is the part of queue.Client producers need.
type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.Payload, opts ...queue.EnqueueOption) (string, bool, error)
}

type Producer struct {
	Repo    *repo.GormRepo
	Queue   Enqueuer
	Codes   *verification.Manager
	CodeTTL time.Duration
}

func EmailJobID(emailID string) string { return "email:" + emailID }

// QueueEmail stores an email record and queues its delivery. With a dedup
// key, an existing record for that key is queued again instead (unless it
// was already sent), and created is false.
func (p *Producer) QueueEmail(ctx context.Context, rec *models.EmailRecord) (created bool, err error) {
	err = p.Repo.CreateEmail(ctx, rec)
	if errors.Is(err, domain.ErrConflictDuplicate) && rec.DedupKey != nil {
		existing, ferr := p.Repo.FindEmailByDedupKey(ctx, *rec.DedupKey)
		if ferr != nil {
			return false, ferr
		}
		*rec = *existing
		if rec.Status == models.EmailSent {
			return false, nil
		}
		return false, p.enqueueSend(ctx, rec.ID)
	}
	if err != nil {
		return false, fmt.Errorf("store email: %w", err)
	}
	return true, p.enqueueSend(ctx, rec.ID)
}

func (p *Producer) enqueueSend(ctx context.Context, emailID string) error {
	if _, _, err := p.Queue.Enqueue(ctx, queue.SendEmail{EmailID: emailID}, queue.WithID(EmailJobID(emailID))); err != nil {
		return fmt.Errorf("enqueue send-email: %w", err)
	}
	return nil
}

// SendCode queues an email carrying a fresh code for (user, purpose). The
// code becomes pending in the same transaction that stores the email. With a
// dedup key that is already taken, the existing email is queued again and no
// new code is issued, so the code it carries stays the pending one.
func (p *Producer) SendCode(ctx context.Context, user *models.User, purpose models.CodePurpose, template, dedupKey string) (*models.EmailRecord, error) {
	if dedupKey != "" {
		existing, err := p.requeueExisting(ctx, dedupKey)
		if existing != nil || err != nil {
			return existing, err
		}
	}

	for try := 0; ; try++ {
		code, vc := p.Codes.NewCode(user.ID, purpose)
		data, err := json.Marshal(map[string]string{
			"username": user.Username,
			"code":     code,
			"ttl":      p.CodeTTL.String(),
		})
		if err != nil {
			return nil, err
		}

		rec := &models.EmailRecord{
			UserID:   user.ID,
			To:       user.Email,
			Template: template,
			Data:     string(data),
		}
		if dedupKey != "" {
			rec.DedupKey = &dedupKey
		}

		err = p.Repo.CreateEmailWithCode(ctx, rec, vc)
		if errors.Is(err, domain.ErrConflictDuplicate) {
			if dedupKey != "" {
				existing, ferr := p.requeueExisting(ctx, dedupKey)
				if existing != nil || ferr != nil {
					return existing, ferr
				}
			}
			// A concurrent issue for the same pair took the pending slot.
			if try == 0 {
				continue
			}
		}
		if err != nil {
			return nil, fmt.Errorf("store code email: %w", err)
		}
		return rec, p.enqueueSend(ctx, rec.ID)
	}
}

// requeueExisting queues the email stored under key again unless it was
// sent. It returns nil, nil when no such email exists.
func (p *Producer) requeueExisting(ctx context.Context, key string) (*models.EmailRecord, error) {
	existing, err := p.Repo.FindEmailByDedupKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.Status == models.EmailSent {
		return existing, nil
	}
	return existing, p.enqueueSend(ctx, existing.ID)
}

func (p *Producer) SendWelcome(ctx context.Context, user *models.User) error {
	data, _ := json.Marshal(map[string]string{"username": user.Username})
	key := "welcome:" + user.ID
	_, err := p.QueueEmail(ctx, &models.EmailRecord{
		UserID:   user.ID,
		To:       user.Email,
		Template: mail.TemplateWelcome,
		Data:     string(data),
		DedupKey: &key,
	})
	return err
}
