package repo

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/models"
)

// UserQuery selects a single user. Soft-deleted users are skipped unless
// IncludeDeleted is set.
type UserQuery struct {
	ID             string
	Email          string
	Username       string
	Login          string // email or username
	IncludeDeleted bool
}

func (r *GormRepo) CreateUser(ctx context.Context, u *models.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	return r.do(ctx, func(db *gorm.DB) error {
		return db.Create(u).Error
	})
}

func (r *GormRepo) FindUser(ctx context.Context, q UserQuery) (*models.User, error) {
	var user models.User
	err := r.do(ctx, func(db *gorm.DB) error {
		db = db.Model(&models.User{})
		if q.ID != "" {
			db = db.Where("id = ?", q.ID)
		}
		if q.Email != "" {
			db = db.Where("email = ?", strings.ToLower(strings.TrimSpace(q.Email)))
		}
		if q.Username != "" {
			db = db.Where("username = ?", q.Username)
		}
		if q.Login != "" {
			db = db.Where("email = ? OR username = ?", strings.ToLower(strings.TrimSpace(q.Login)), q.Login)
		}
		if !q.IncludeDeleted {
			db = db.Where("is_deleted = ?", false)
		}
		return db.First(&user).Error
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (r *GormRepo) MarkEmailVerified(ctx context.Context, userID string) error {
	return r.updateUser(ctx, userID, map[string]any{"is_email_verified": true})
}

func (r *GormRepo) SetPasswordHash(ctx context.Context, userID, passwordHash string) error {
	return r.updateUser(ctx, userID, map[string]any{"password_hash": passwordHash})
}

func (r *GormRepo) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	return r.updateUser(ctx, userID, map[string]any{"is_blocked": blocked})
}

func (r *GormRepo) SoftDeleteUser(ctx context.Context, userID string) error {
	return r.updateUser(ctx, userID, map[string]any{"is_deleted": true})
}

func (r *GormRepo) updateUser(ctx context.Context, userID string, fields map[string]any) error {
	return r.do(ctx, func(db *gorm.DB) error {
		res := db.Model(&models.User{}).
			Where("id = ? AND is_deleted = ?", userID, false).
			Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}
