// Package verification issues and consumes one-time codes for email
// verification, password reset and email change.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xlzd/gotp"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/hash"
	"github.com/Skotchmaster/blog_platform/internal/logging"
	"github.com/Skotchmaster/blog_platform/internal/models"
	"github.com/Skotchmaster/blog_platform/internal/repo"
)

type Manager struct {
	Repo        *repo.GormRepo
	Secret      []byte
	TTL         time.Duration
	MaxAttempts int
	Now         func() time.Time
	// Generate returns a new plaintext code. Defaults to a 6-digit HOTP value
	// over a fresh random secret.
	Generate func() string
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Manager) generate() string {
	if m.Generate != nil {
		return m.Generate()
	}
	return gotp.NewDefaultHOTP(gotp.RandomSecret(16)).At(int(m.now().Unix()))
}

// NewCode generates a code and its record without storing anything. Storing
// the record with repo.ReplacePendingCode or repo.CreateEmailWithCode makes
// it the pending code.
func (m *Manager) NewCode(userID string, purpose models.CodePurpose) (string, *models.VerificationCode) {
	code := m.generate()
	return code, &models.VerificationCode{
		UserID:    userID,
		Purpose:   purpose,
		CodeHash:  hash.Secret(m.Secret, code),
		ExpiresAt: m.now().Add(m.TTL),
	}
}

// IssueCode supersedes any pending code for (userID, purpose) and returns the
// new plaintext code. Only its keyed hash is stored.
func (m *Manager) IssueCode(ctx context.Context, userID string, purpose models.CodePurpose) (string, error) {
	l := logging.FromContext(ctx).With("svc", "verification.issue", "user_id", userID, "purpose", purpose)

	code, rec := m.NewCode(userID, purpose)

	err := m.Repo.ReplacePendingCode(ctx, rec)
	if errors.Is(err, domain.ErrConflictDuplicate) {
		// A concurrent issue for the same pair won the insert; supersede it.
		rec.ID = ""
		err = m.Repo.ReplacePendingCode(ctx, rec)
	}
	if err != nil {
		l.Error("issue_code_failed", "error", err)
		return "", fmt.Errorf("issue code: %w", err)
	}
	return code, nil
}

// ConsumeCode performs the PENDING -> USED transition when presented matches.
func (m *Manager) ConsumeCode(ctx context.Context, userID, presented string, purpose models.CodePurpose) error {
	l := logging.FromContext(ctx).With("svc", "verification.consume", "user_id", userID, "purpose", purpose)

	rec, err := m.Repo.FindPendingCode(ctx, userID, purpose)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrCodeNotFound
		}
		return err
	}

	now := m.now()
	if !rec.ExpiresAt.After(now) {
		if _, err := m.Repo.MarkCodeExpired(ctx, rec.ID); err != nil {
			return err
		}
		return domain.ErrCodeExpired
	}

	if !hash.Equal(rec.CodeHash, hash.Secret(m.Secret, presented)) {
		exhausted, err := m.Repo.RecordCodeMismatch(ctx, rec.ID, m.MaxAttempts)
		if err != nil {
			return err
		}
		if exhausted {
			l.Warn("code_attempts_exhausted", "code_id", rec.ID)
		}
		return domain.ErrCodeMismatch
	}

	ok, err := m.Repo.MarkCodeUsed(ctx, rec.ID, now)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrCodeNotFound
	}
	return nil
}
