// Package model defines the data structures used throughout the application.
package model

import (
	"strings"
	"time"
)

// User represents a registered account.
//
// Username is the primary key and is always stored lowercased. Password holds
// the bcrypt hash, never the plaintext. Email is optional; an empty string is
// stored as NULL.
type User struct {
	Username  string    `json:"username"  db:"username"`
	Password  string    `json:"-"         db:"password"`
	Email     string    `json:"email"     db:"email"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// NormalizeUsername returns the canonical (lowercased) form of a username.
// Every lookup and insert goes through it so "Alice" and "alice" collide.
func NormalizeUsername(username string) string {
	return strings.ToLower(username)
}

// UserUpdate lists the fields a settings change may overwrite.
//
// A nil pointer means "not supplied". A pointer to "" is treated the same way,
// so a blank form field never wipes a stored value.
type UserUpdate struct {
	Password *string // bcrypt hash, already computed by the caller
	Email    *string
}

// PasswordSet reports whether the update carries a new password hash.
func (u UserUpdate) PasswordSet() bool {
	return u.Password != nil && *u.Password != ""
}

// EmailSet reports whether the update carries a new email.
func (u UserUpdate) EmailSet() bool {
	return u.Email != nil && *u.Email != ""
}

// Empty reports whether the update would not change anything.
func (u UserUpdate) Empty() bool {
	return !u.PasswordSet() && !u.EmailSet()
}
