package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/models"
)

// ReplacePendingCode expires any PENDING code for (code.UserID, code.Purpose)
// and stores code as the new PENDING one, in one transaction.
func (r *GormRepo) ReplacePendingCode(ctx context.Context, code *models.VerificationCode) error {
	return r.tx(ctx, func(tx *gorm.DB) error {
		return replacePending(tx, code)
	})
}

func replacePending(tx *gorm.DB, code *models.VerificationCode) error {
	code.Status = models.CodePending
	if err := tx.Model(&models.VerificationCode{}).
		Where("user_id = ? AND purpose = ? AND status = ?", code.UserID, code.Purpose, models.CodePending).
		Update("status", models.CodeExpired).Error; err != nil {
		return err
	}
	return tx.Create(code).Error
}

func (r *GormRepo) FindPendingCode(ctx context.Context, userID string, purpose models.CodePurpose) (*models.VerificationCode, error) {
	var code models.VerificationCode
	err := r.do(ctx, func(db *gorm.DB) error {
		return db.Where("user_id = ? AND purpose = ? AND status = ?", userID, purpose, models.CodePending).
			First(&code).Error
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &code, nil
}

// MarkCodeUsed is the PENDING -> USED transition. ok is false when the code
// was no longer pending.
func (r *GormRepo) MarkCodeUsed(ctx context.Context, id string, now time.Time) (ok bool, err error) {
	err = r.do(ctx, func(db *gorm.DB) error {
		res := db.Model(&models.VerificationCode{}).
			Where("id = ? AND status = ?", id, models.CodePending).
			Updates(map[string]any{"status": models.CodeUsed, "used_at": now})
		ok = res.RowsAffected == 1
		return res.Error
	})
	return ok, err
}

func (r *GormRepo) MarkCodeExpired(ctx context.Context, id string) (ok bool, err error) {
	err = r.do(ctx, func(db *gorm.DB) error {
		res := db.Model(&models.VerificationCode{}).
			Where("id = ? AND status = ?", id, models.CodePending).
			Update("status", models.CodeExpired)
		ok = res.RowsAffected == 1
		return res.Error
	})
	return ok, err
}

// RecordCodeMismatch increments the attempt counter and expires the code once
// maxAttempts is reached. exhausted reports that transition.
func (r *GormRepo) RecordCodeMismatch(ctx context.Context, id string, maxAttempts int) (exhausted bool, err error) {
	err = r.tx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.VerificationCode{}).
			Where("id = ? AND status = ?", id, models.CodePending).
			Update("attempts", gorm.Expr("attempts + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrCodeNotFound
		}
		if maxAttempts <= 0 {
			return nil
		}
		res = tx.Model(&models.VerificationCode{}).
			Where("id = ? AND status = ? AND attempts >= ?", id, models.CodePending, maxAttempts).
			Update("status", models.CodeExpired)
		exhausted = res.RowsAffected == 1
		return res.Error
	})
	if errors.Is(err, domain.ErrCodeNotFound) {
		return false, nil
	}
	return exhausted, err
}
