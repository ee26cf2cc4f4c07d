package durable

import (
	"context"
	"errors"
	"strings"
)

// ErrUserNotFound is returned by directory lookups for an unknown email.
var ErrUserNotFound = errors.New("user not found")

// User is a row of the users table.
type User struct {
	ID       int64
	Email    string
	IsActive bool
}

// UserDirectory resolves principals by email.
type UserDirectory interface {
	LookupByEmail(ctx context.Context, email string) (User, error)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
