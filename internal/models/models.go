package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Skotchmaster/blog_platform/internal/domain"
)

// Uniqueness of username/email only applies to accounts that are not soft-deleted.
type User struct {
	ID              string      `gorm:"primaryKey;size:36"                                                      json:"id"`
	Username        string      `gorm:"not null;size:64;uniqueIndex:idx_users_username_active,where:is_deleted = false" json:"username"`
	Email           string      `gorm:"not null;size:255;uniqueIndex:idx_users_email_active,where:is_deleted = false"   json:"email"`
	PasswordHash    string      `gorm:"not null"                                                                json:"-"`
	Role            domain.Role `gorm:"not null;size:16"                                                        json:"role"`
	IsEmailVerified bool        `gorm:"not null;default:false"                                                  json:"is_email_verified"`
	IsBlocked       bool        `gorm:"not null;default:false"                                                  json:"is_blocked"`
	IsDisabled      bool        `gorm:"not null;default:false"                                                  json:"is_disabled"`
	IsDeleted       bool        `gorm:"not null;default:false;index"                                            json:"is_deleted"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	return nil
}

func (u *User) Identity() *domain.Identity {
	return &domain.Identity{
		UserID:          u.ID,
		Email:           u.Email,
		Username:        u.Username,
		Role:            u.Role,
		IsEmailVerified: u.IsEmailVerified,
		IsBlocked:       u.IsBlocked,
		IsDisabled:      u.IsDisabled,
		IsDeleted:       u.IsDeleted,
	}
}

// RefreshToken never stores the secret itself, only its keyed hash.
type RefreshToken struct {
	ID         string     `gorm:"primaryKey;size:36"            json:"id"`
	UserID     string     `gorm:"not null;size:36;index"        json:"user_id"`
	TokenHash  string     `gorm:"not null;size:64;uniqueIndex"  json:"-"`
	ExpiresAt  time.Time  `gorm:"not null;index"                json:"expires_at"`
	Revoked    bool       `gorm:"not null;default:false;index"  json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	ReplacedBy string     `gorm:"size:36"                       json:"replaced_by,omitempty"`
	IP         string     `gorm:"size:64"                       json:"ip"`
	UserAgent  string     `gorm:"size:512"                      json:"user_agent"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (t *RefreshToken) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

type CodePurpose string

const (
	PurposeAccountVerification CodePurpose = "ACCOUNT_VERIFICATION"
	PurposePasswordReset       CodePurpose = "PASSWORD_RESET"
	PurposeEmailChange         CodePurpose = "EMAIL_CHANGE"
)

type CodeStatus string

const (
	CodePending CodeStatus = "PENDING"
	CodeUsed    CodeStatus = "USED"
	CodeExpired CodeStatus = "EXPIRED"
)

// At most one PENDING row per (user, purpose), enforced by a partial unique index.
type VerificationCode struct {
	ID        string      `gorm:"primaryKey;size:36"                                                          json:"id"`
	UserID    string      `gorm:"not null;size:36;uniqueIndex:idx_codes_one_pending,where:status = 'PENDING'" json:"user_id"`
	Purpose   CodePurpose `gorm:"not null;size:32;uniqueIndex:idx_codes_one_pending"                          json:"purpose"`
	CodeHash  string      `gorm:"not null;size:64"                                                            json:"-"`
	Status    CodeStatus  `gorm:"not null;size:16;index"                                                      json:"status"`
	Attempts  int         `gorm:"not null;default:0"                                                          json:"attempts"`
	ExpiresAt time.Time   `gorm:"not null"                                                                    json:"expires_at"`
	UsedAt    *time.Time  `json:"used_at,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

func (c *VerificationCode) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// LoginRecord is append-only. AttemptID makes the worker write idempotent.
type LoginRecord struct {
	ID          string    `gorm:"primaryKey;size:36"           json:"id"`
	AttemptID   string    `gorm:"not null;size:36;uniqueIndex" json:"attempt_id"`
	UserID      string    `gorm:"size:36;index"                json:"user_id,omitempty"`
	Email       string    `gorm:"size:255;index"               json:"email"`
	IP          string    `gorm:"size:64"                      json:"ip"`
	UserAgent   string    `gorm:"size:512"                     json:"user_agent"`
	Success     bool      `gorm:"not null"                     json:"success"`
	Reason      string    `gorm:"size:64"                      json:"reason,omitempty"`
	AttemptedAt time.Time `gorm:"not null;index"               json:"attempted_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r *LoginRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

type EmailStatus string

const (
	EmailPending EmailStatus = "PENDING"
	EmailSending EmailStatus = "SENDING"
	EmailSent    EmailStatus = "SENT"
	EmailFailed  EmailStatus = "FAILED"
)

// EmailRecord is what a send-email job points at. Data holds template
// variables and is cleared once the message is sent.
type EmailRecord struct {
	ID        string      `gorm:"primaryKey;size:36"      json:"id"`
	UserID    string      `gorm:"size:36;index"           json:"user_id"`
	To        string      `gorm:"not null;size:255"       json:"to"`
	Template  string      `gorm:"not null;size:64"        json:"template"`
	Data      string      `gorm:"type:text"               json:"-"`
	Status    EmailStatus `gorm:"not null;size:16;index"  json:"status"`
	Attempts  int         `gorm:"not null;default:0"      json:"attempts"`
	LastError string      `gorm:"type:text"               json:"last_error,omitempty"`
	DedupKey  *string     `gorm:"size:128;uniqueIndex"    json:"dedup_key,omitempty"`
	SentAt    *time.Time  `json:"sent_at,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (e *EmailRecord) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = EmailPending
	}
	return nil
}

// All lists every model for AutoMigrate.
func All() []any {
	return []any{&User{}, &RefreshToken{}, &VerificationCode{}, &LoginRecord{}, &EmailRecord{}}
}
