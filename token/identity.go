package token

import (
	"strings"
	"time"
)

// Format identifies which historical signing scheme produced a token.
type Format uint8

const (
	// FormatLegacy is the original "sub"-based HS256 token.
	FormatLegacy Format = iota + 1
	// FormatEnhanced is the "user_id"-based token with session binding.
	FormatEnhanced
)

// String returns the wire name used in headers and logs.
func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatEnhanced:
		return "enhanced"
	default:
		return "unknown"
	}
}

func (f Format) other() Format {
	if f == FormatEnhanced {
		return FormatLegacy
	}
	return FormatEnhanced
}

// Role is the coarse authorization role carried by a token.
type Role string

const (
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleService   Role = "service"
)

// Identity is the normalized, format-independent view of an authenticated principal.
//
// Identity values are produced only by [Normalizer.Normalize] and are passed by value;
// nothing in this module mutates one after construction.
type Identity struct {
	UserID       int64
	Email        string
	Role         Role
	IssuedAt     time.Time // zero when the token carried no iat claim
	ExpiresAt    time.Time
	SourceFormat Format
	SessionID    string // enhanced tokens only
}

// HasIssuedAt reports whether the source token carried an iat claim.
func (i Identity) HasIssuedAt() bool {
	return !i.IssuedAt.IsZero()
}

// SameEmail compares the identity email with addr case-insensitively.
func (i Identity) SameEmail(addr string) bool {
	return strings.EqualFold(strings.TrimSpace(i.Email), strings.TrimSpace(addr))
}

// Expired reports whether the identity's token expiry is at or before now.
func (i Identity) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
