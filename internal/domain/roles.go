package domain

import "strings"

type Role string

const (
	RoleUser      Role = "USER"
	RoleAdmin     Role = "ADMIN"
	RolePublisher Role = "PUBLISHER"
	RoleAuthor    Role = "AUTHOR"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAdmin, RolePublisher, RoleAuthor:
		return true
	default:
		return false
	}
}

// ParseRole accepts any casing and reports whether the value names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.IsValid()
}

// Identity is the caller resolved from an access token plus the current account flags.
type Identity struct {
	UserID          string
	Email           string
	Username        string
	Role            Role
	IsEmailVerified bool
	IsBlocked       bool
	IsDisabled      bool
	IsDeleted       bool
}

// Active reports whether the account may act at all.
func (i *Identity) Active() bool {
	return !i.IsBlocked && !i.IsDisabled && !i.IsDeleted
}

// Authorize is the single allow/deny decision for every guarded route.
// An empty allowed set means any active identity passes.
func Authorize(id *Identity, allowed ...Role) error {
	if id == nil || id.UserID == "" {
		return ErrUnauthenticated
	}
	if !id.Active() {
		return ErrForbidden
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, r := range allowed {
		if id.Role == r {
			return nil
		}
	}
	return ErrForbidden
}
