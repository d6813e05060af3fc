// Package repository declares the storage contracts the service layer
// depends on. Implementations live in the sqlite and postgres subpackages.
package repository

import (
	"context"

	"github.com/sakif/session-auth/internal/model"
)

// UserRepository is CRUD over users keyed by (lowercased) username.
//
// Every method runs in its own transaction: it commits on success and rolls
// back on any error.
type UserRepository interface {
	// FindByUsername returns apperror.ErrNotFound when no user matches.
	FindByUsername(ctx context.Context, username string) (*model.User, error)
	// Insert returns apperror.ErrConflict when the username already exists.
	Insert(ctx context.Context, user *model.User) error
	// UpdateFields writes the non-empty fields of upd and returns
	// apperror.ErrNotFound when the user does not exist.
	UpdateFields(ctx context.Context, username string, upd model.UserUpdate) error
}

// Pinger is implemented by stores that can report connectivity for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}
