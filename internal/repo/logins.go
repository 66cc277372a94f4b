package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/blog_platform/internal/models"
)

// InsertLoginRecord appends a login audit entry. A second insert with the same
// AttemptID is ignored and reports created=false.
func (r *GormRepo) InsertLoginRecord(ctx context.Context, rec *models.LoginRecord) (created bool, err error) {
	err = r.do(ctx, func(db *gorm.DB) error {
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "attempt_id"}},
			DoNothing: true,
		}).Create(rec)
		created = res.RowsAffected == 1
		return res.Error
	})
	return created, err
}

func (r *GormRepo) ListLoginRecords(ctx context.Context, userID string, limit int) ([]models.LoginRecord, error) {
	return r.PageLoginRecords(ctx, userID, 0, limit)
}

// PageLoginRecords lists a user's login attempts, newest first.
func (r *GormRepo) PageLoginRecords(ctx context.Context, userID string, offset, limit int) ([]models.LoginRecord, error) {
	var out []models.LoginRecord
	err := r.do(ctx, func(db *gorm.DB) error {
		return db.Where("user_id = ?", userID).
			Order("attempted_at DESC").
			Offset(offset).
			Limit(limit).
			Find(&out).Error
	})
	return out, err
}

func (r *GormRepo) CountLoginRecords(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.do(ctx, func(db *gorm.DB) error {
		return db.Model(&models.LoginRecord{}).Where("user_id = ?", userID).Count(&n).Error
	})
	return n, err
}
