package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/models"
)

func (r *GormRepo) CreateEmail(ctx context.Context, e *models.EmailRecord) error {
	return r.do(ctx, func(db *gorm.DB) error {
		return db.Create(e).Error
	})
}

// CreateEmailWithCode stores the email and makes code the pending one in the
// same transaction. When the email's dedup key is taken nothing is written,
// so the code already mailed for that key stays valid.
func (r *GormRepo) CreateEmailWithCode(ctx context.Context, e *models.EmailRecord, code *models.VerificationCode) error {
	return r.tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(e).Error; err != nil {
			return err
		}
		return replacePending(tx, code)
	})
}

func (r *GormRepo) FindEmail(ctx context.Context, id string) (*models.EmailRecord, error) {
	var e models.EmailRecord
	err := r.do(ctx, func(db *gorm.DB) error {
		return db.Where("id = ?", id).First(&e).Error
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *GormRepo) FindEmailByDedupKey(ctx context.Context, key string) (*models.EmailRecord, error) {
	var e models.EmailRecord
	err := r.do(ctx, func(db *gorm.DB) error {
		return db.Where("dedup_key = ?", key).First(&e).Error
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// ClaimEmail moves a record into SENDING and returns it. claimed is false when
// the record is already SENT, in which case nothing must be sent again.
func (r *GormRepo) ClaimEmail(ctx context.Context, id string) (rec *models.EmailRecord, claimed bool, err error) {
	var e models.EmailRecord
	err = r.tx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.EmailRecord{}).
			Where("id = ? AND status <> ?", id, models.EmailSent).
			Updates(map[string]any{"status": models.EmailSending, "attempts": gorm.Expr("attempts + 1")})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return tx.Where("id = ?", id).First(&e).Error
	})
	if err != nil {
		return nil, false, notFound(err)
	}
	return &e, claimed, nil
}

// MarkEmailSent finishes a SENDING record and drops its template data.
func (r *GormRepo) MarkEmailSent(ctx context.Context, id string, now time.Time) error {
	return r.do(ctx, func(db *gorm.DB) error {
		res := db.Model(&models.EmailRecord{}).
			Where("id = ? AND status = ?", id, models.EmailSending).
			Updates(map[string]any{"status": models.EmailSent, "sent_at": now, "data": "", "last_error": ""})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (r *GormRepo) MarkEmailFailed(ctx context.Context, id, reason string) error {
	return r.do(ctx, func(db *gorm.DB) error {
		return db.Model(&models.EmailRecord{}).
			Where("id = ? AND status = ?", id, models.EmailSending).
			Updates(map[string]any{"status": models.EmailFailed, "last_error": reason}).Error
	})
}
