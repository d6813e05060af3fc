package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get when no session exists for the ID.
var ErrNotFound = errors.New("session: not found")

// Store persists sessions outside the process.
//
// Implementations: sqlite.SessionDB, postgres.SessionRepository and
// RedisStore.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	// Save inserts or replaces the session with sess.ID.
	Save(ctx context.Context, sess *Session) error
	// Delete removes the session. Deleting a missing ID is not an error.
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes every session whose ExpiresAt is not after now and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
