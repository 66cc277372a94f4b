package domain

import "errors"

var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	// ErrEmailNotVerified is a Forbidden outcome for a correct password on an
	// account that has not confirmed its email yet.
	ErrEmailNotVerified = errors.New("email not verified")

	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")

	ErrCodeNotFound = errors.New("verification code not found")
	ErrCodeExpired  = errors.New("verification code expired")
	ErrCodeMismatch = errors.New("verification code mismatch")

	ErrRateLimited       = errors.New("rate limited")
	ErrConflictDuplicate = errors.New("duplicate record")
	ErrNotFound          = errors.New("record not found")

	ErrTransientStore       = errors.New("store temporarily unavailable")
	ErrJobFailedPermanently = errors.New("job failed permanently")
)

// IsTokenError reports whether err is one of the refresh/access token failures.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenRevoked)
}

func IsCodeError(err error) bool {
	return errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrCodeExpired) ||
		errors.Is(err, ErrCodeMismatch)
}
