package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/models"
)

func (r *GormRepo) CreateRefreshToken(ctx context.Context, t *models.RefreshToken) error {
	return r.do(ctx, func(db *gorm.DB) error {
		return db.Create(t).Error
	})
}

func (r *GormRepo) FindRefreshByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	var token models.RefreshToken
	err := r.do(ctx, func(db *gorm.DB) error {
		return db.Where("token_hash = ?", tokenHash).First(&token).Error
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &token, nil
}

// RotateRefreshToken revokes the token identified by oldHash and stores next
// in the same transaction. The revoke is conditional on the row still being
// live, so of two concurrent rotations of one token exactly one succeeds.
//
// On failure the stored old record is returned when it exists, so callers can
// log reuse of a revoked token.
func (r *GormRepo) RotateRefreshToken(ctx context.Context, oldHash string, now time.Time, next *models.RefreshToken) (*models.RefreshToken, error) {
	var old models.RefreshToken
	err := r.tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("token_hash = ?", oldHash).First(&old).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrTokenInvalid
			}
			return err
		}
		if err := classifyRefresh(&old, now); err != nil {
			return err
		}

		var owner models.User
		if err := tx.Select("id", "is_blocked", "is_disabled", "is_deleted").
			Where("id = ?", old.UserID).First(&owner).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrTokenInvalid
			}
			return err
		}
		if owner.IsBlocked || owner.IsDisabled || owner.IsDeleted {
			return domain.ErrForbidden
		}

		if next.ID == "" {
			if err := next.BeforeCreate(tx); err != nil {
				return err
			}
		}
		res := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND revoked = ? AND expires_at > ?", old.ID, false, now).
			Updates(map[string]any{"revoked": true, "revoked_at": now, "replaced_by": next.ID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost a race with another rotation or a logout.
			return domain.ErrTokenRevoked
		}

		next.UserID = old.UserID
		return tx.Create(next).Error
	})
	if err != nil {
		if old.ID == "" {
			return nil, err
		}
		return &old, err
	}
	return &old, nil
}

func classifyRefresh(t *models.RefreshToken, now time.Time) error {
	if t.Revoked {
		return domain.ErrTokenRevoked
	}
	if !t.ExpiresAt.After(now) {
		return domain.ErrTokenExpired
	}
	return nil
}

// RevokeRefreshByHash is idempotent; revoked reports whether this call did the revoke.
func (r *GormRepo) RevokeRefreshByHash(ctx context.Context, tokenHash string, now time.Time) (revoked bool, err error) {
	err = r.do(ctx, func(db *gorm.DB) error {
		res := db.Model(&models.RefreshToken{}).
			Where("token_hash = ? AND revoked = ?", tokenHash, false).
			Updates(map[string]any{"revoked": true, "revoked_at": now})
		revoked = res.RowsAffected > 0
		return res.Error
	})
	return revoked, err
}

// RevokeAllForUser revokes every live token of the user except the one with keepHash (if set).
func (r *GormRepo) RevokeAllForUser(ctx context.Context, userID, keepHash string, now time.Time) (int64, error) {
	var n int64
	err := r.do(ctx, func(db *gorm.DB) error {
		q := db.Model(&models.RefreshToken{}).Where("user_id = ? AND revoked = ?", userID, false)
		if keepHash != "" {
			q = q.Where("token_hash <> ?", keepHash)
		}
		res := q.Updates(map[string]any{"revoked": true, "revoked_at": now})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

// DeleteExpiredRefresh garbage-collects tokens past their expiry. Revoked but
// unexpired rows are kept so a replay still reports TokenRevoked.
func (r *GormRepo) DeleteExpiredRefresh(ctx context.Context, userID string, now time.Time) (int64, error) {
	var n int64
	err := r.do(ctx, func(db *gorm.DB) error {
		q := db.Where("expires_at <= ?", now)
		if userID != "" {
			q = q.Where("user_id = ?", userID)
		}
		res := q.Delete(&models.RefreshToken{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}
