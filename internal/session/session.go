// Package session holds the per-browser authentication state.
//
// A Session is loaded by Manager.Middleware at the start of every request and
// travels through the call chain in the request context. Handlers and the
// auth service mutate it; Manager.Commit persists the result to a Store and
// writes the signed cookie. Anonymous sessions are never persisted, so the
// store only contains authenticated sessions.
package session

import (
	"context"
	"time"
)

// Session is the server-side state associated with one browser.
type Session struct {
	ID         string    `json:"id"`
	LoggedIn   bool      `json:"loggedIn"`
	Username   string    `json:"username,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`

	// renew asks Commit to issue a fresh ID, so an ID seen before login is
	// never the one that becomes authenticated.
	renew bool
	// cleared asks Commit to delete the stored row and expire the cookie.
	cleared bool
}

// State is the read-only view of a session used by callers that only need
// to know who, if anyone, is logged in.
type State struct {
	LoggedIn bool
	Username string
}

// New returns an anonymous session that has not been stored yet.
func New() *Session {
	return &Session{}
}

// State returns the current login state.
func (s *Session) State() State {
	return State{LoggedIn: s.LoggedIn, Username: s.Username}
}

// IsAuthenticated reports whether the session is bound to a user.
func (s *Session) IsAuthenticated() bool {
	return s.LoggedIn && s.Username != ""
}

// SetAuthenticated binds the session to username.
func (s *Session) SetAuthenticated(username string) {
	s.LoggedIn = true
	s.Username = username
	s.renew = true
	s.cleared = false
}

// Clear logs the session out. Calling it on an anonymous session is a no-op
// apart from marking it for cookie removal.
func (s *Session) Clear() {
	s.LoggedIn = false
	s.Username = ""
	s.renew = false
	s.cleared = true
}

// Expired reports whether the absolute lifetime or the idle timeout has
// elapsed at now. A zero idle timeout disables the idle check.
func (s *Session) Expired(now time.Time, idle time.Duration) bool {
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return true
	}
	if idle > 0 && !s.LastSeenAt.IsZero() && now.Sub(s.LastSeenAt) > idle {
		return true
	}
	return false
}

type contextKey struct{}

// WithSession returns a copy of ctx carrying sess.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, sess)
}

// FromContext returns the session stored by the middleware. It returns a
// fresh anonymous session when none is present, so callers never see nil.
func FromContext(ctx context.Context) *Session {
	if sess, ok := ctx.Value(contextKey{}).(*Session); ok && sess != nil {
		return sess
	}
	return New()
}
