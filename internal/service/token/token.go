// Package token mints stateless access tokens and persisted, rotating refresh
// tokens.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/hash"
	"github.com/Skotchmaster/blog_platform/internal/logging"
	"github.com/Skotchmaster/blog_platform/internal/models"
	"github.com/Skotchmaster/blog_platform/internal/repo"
)

const refreshBytes = 32

type AccessClaims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

type Issuer struct {
	Repo          *repo.GormRepo
	JWTSecret     []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// ReuseRevokeAll revokes every session of a user whose revoked refresh
	// token is presented again.
	ReuseRevokeAll bool
	Now            func() time.Time
}

// Refreshed is a newly minted refresh token. Token is the only copy of the
// plaintext secret.
type Refreshed struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

func (s *Issuer) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Issuer) IssueAccessToken(user *models.User) (string, time.Time, error) {
	exp := s.now().Add(s.AccessTTL)
	claims := AccessClaims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.JWTSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// ParseAccessToken checks signature and expiry only; it never touches storage.
func (s *Issuer) ParseAccessToken(raw string) (*AccessClaims, error) {
	var claims AccessClaims
	tkn, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected sign method")
		}
		return s.JWTSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}
	if !tkn.Valid || claims.Subject == "" || !claims.Role.IsValid() {
		return nil, domain.ErrTokenInvalid
	}
	return &claims, nil
}

func (s *Issuer) newRefresh(ip, userAgent string) (string, *models.RefreshToken, error) {
	plain, err := hash.RandomToken(refreshBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generate refresh token: %w", err)
	}
	rec := &models.RefreshToken{
		TokenHash: hash.Secret(s.RefreshSecret, plain),
		ExpiresAt: s.now().Add(s.RefreshTTL),
		IP:        ip,
		UserAgent: userAgent,
	}
	return plain, rec, nil
}

func (s *Issuer) IssueRefreshToken(ctx context.Context, userID, ip, userAgent string) (*Refreshed, error) {
	plain, rec, err := s.newRefresh(ip, userAgent)
	if err != nil {
		return nil, err
	}
	rec.UserID = userID
	if err := s.Repo.CreateRefreshToken(ctx, rec); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return &Refreshed{Token: plain, UserID: userID, ExpiresAt: rec.ExpiresAt}, nil
}

// RotateRefreshToken trades a live refresh token for a new one. The old
// record is revoked and the new one created in one transaction.
func (s *Issuer) RotateRefreshToken(ctx context.Context, presented, ip, userAgent string) (*Refreshed, error) {
	l := logging.FromContext(ctx).With("svc", "token.rotate")

	if presented == "" {
		return nil, domain.ErrTokenInvalid
	}
	plain, next, err := s.newRefresh(ip, userAgent)
	if err != nil {
		return nil, err
	}

	now := s.now()
	old, err := s.Repo.RotateRefreshToken(ctx, hash.Secret(s.RefreshSecret, presented), now, next)
	if err != nil {
		if errors.Is(err, domain.ErrTokenRevoked) && old != nil {
			l.Warn("refresh_token_reuse", "user_id", old.UserID, "token_id", old.ID, "replaced_by", old.ReplacedBy, "ip", ip)
			if s.ReuseRevokeAll {
				if n, rerr := s.Repo.RevokeAllForUser(ctx, old.UserID, "", now); rerr != nil {
					l.Error("revoke_all_on_reuse_failed", "user_id", old.UserID, "error", rerr)
				} else {
					l.Warn("sessions_revoked_on_reuse", "user_id", old.UserID, "count", n)
				}
			}
		}
		return nil, err
	}

	l.Debug("refresh_rotated", "user_id", next.UserID, "old_id", old.ID, "new_id", next.ID)
	return &Refreshed{Token: plain, UserID: next.UserID, ExpiresAt: next.ExpiresAt}, nil
}

// RevokeRefreshToken is idempotent. It returns the owning user id when the
// token is known, or "" otherwise.
func (s *Issuer) RevokeRefreshToken(ctx context.Context, presented string) (string, error) {
	if presented == "" {
		return "", nil
	}
	tokenHash := hash.Secret(s.RefreshSecret, presented)
	rec, err := s.Repo.FindRefreshByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if _, err := s.Repo.RevokeRefreshByHash(ctx, tokenHash, s.now()); err != nil {
		return "", err
	}
	return rec.UserID, nil
}

// RevokeAllForUser revokes every live refresh token of the user except the
// presented one, when given.
func (s *Issuer) RevokeAllForUser(ctx context.Context, userID, except string) (int64, error) {
	keep := ""
	if except != "" {
		keep = hash.Secret(s.RefreshSecret, except)
	}
	return s.Repo.RevokeAllForUser(ctx, userID, keep, s.now())
}

// HashRefresh exposes the stored form of a refresh token so it can travel in
// job payloads instead of the secret.
func (s *Issuer) HashRefresh(presented string) string {
	return hash.Secret(s.RefreshSecret, presented)
}
