package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/xid"
)

// DefaultCookieName is the cookie that carries the signed session ID.
const DefaultCookieName = "session"

// touchInterval limits how often LastSeenAt is written back on reads.
const touchInterval = time.Minute

// TokenCodec signs session IDs into cookie values and reads them back.
// auth.TokenService implements it.
type TokenCodec interface {
	Sign(sessionID string, ttl time.Duration) (string, error)
	Validate(token string) (string, error)
}

// Options configures cookie and expiry behaviour.
type Options struct {
	CookieName string
	// TTL is the absolute lifetime of an authenticated session.
	TTL time.Duration
	// IdleTimeout ends a session that has not been seen for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	Secure      bool
}

// Manager loads sessions for incoming requests and persists changes.
type Manager struct {
	store  Store
	tokens TokenCodec
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager. Zero-valued options get defaults
// (cookie "session", 24h TTL).
func NewManager(store Store, tokens TokenCodec, opts Options, logger *slog.Logger) *Manager {
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	return &Manager{
		store:  store,
		tokens: tokens,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Middleware attaches the caller's session to the request context. Requests
// without a valid cookie get a fresh anonymous session.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := m.Load(r)
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}

// Load resolves the session for r. It never fails: any problem reading the
// cookie or the store yields an anonymous session and is logged.
func (m *Manager) Load(r *http.Request) *Session {
	cookie, err := r.Cookie(m.opts.CookieName)
	if err != nil || cookie.Value == "" {
		return New()
	}

	id, err := m.tokens.Validate(cookie.Value)
	if err != nil {
		m.logger.Debug("session cookie rejected", slog.String("error", err.Error()))
		return New()
	}

	ctx := r.Context()
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Error("loading session",
				slog.String("sessionID", id),
				slog.String("error", err.Error()),
			)
		}
		return New()
	}

	now := m.now()
	if sess.Expired(now, m.opts.IdleTimeout) {
		if err := m.store.Delete(ctx, id); err != nil {
			m.logger.Warn("deleting expired session",
				slog.String("sessionID", id),
				slog.String("error", err.Error()),
			)
		}
		return New()
	}

	if now.Sub(sess.LastSeenAt) >= touchInterval {
		sess.LastSeenAt = now
		if err := m.store.Save(ctx, sess); err != nil {
			m.logger.Warn("touching session",
				slog.String("sessionID", id),
				slog.String("error", err.Error()),
			)
		}
	}

	return sess
}

// Commit persists sess and updates the cookie on w. It must run before the
// response body is written.
//
//   - a cleared session is deleted from the store and its cookie expired
//   - an authenticated session is saved, with a new ID when it was just
//     authenticated, and its cookie (re)issued
//   - an untouched anonymous session writes nothing
func (m *Manager) Commit(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	switch {
	case sess.cleared:
		sess.cleared = false
		if sess.ID != "" {
			if err := m.store.Delete(ctx, sess.ID); err != nil {
				return fmt.Errorf("session: deleting %s: %w", sess.ID, err)
			}
			sess.ID = ""
		}
		m.expireCookie(w)
		return nil

	case sess.IsAuthenticated():
		now := m.now()
		if sess.renew || sess.ID == "" {
			if sess.ID != "" {
				if err := m.store.Delete(ctx, sess.ID); err != nil {
					return fmt.Errorf("session: rotating %s: %w", sess.ID, err)
				}
			}
			sess.ID = xid.New().String()
			sess.CreatedAt = now
			sess.ExpiresAt = now.Add(m.opts.TTL)
			sess.renew = false
		}
		sess.LastSeenAt = now

		if err := m.store.Save(ctx, sess); err != nil {
			return fmt.Errorf("session: saving %s: %w", sess.ID, err)
		}

		ttl := sess.ExpiresAt.Sub(now)
		token, err := m.tokens.Sign(sess.ID, ttl)
		if err != nil {
			return fmt.Errorf("session: signing cookie: %w", err)
		}
		http.SetCookie(w, &http.Cookie{
			Name:     m.opts.CookieName,
			Value:    token,
			Path:     "/",
			MaxAge:   int(ttl.Seconds()),
			HttpOnly: true,
			Secure:   m.opts.Secure,
			SameSite: http.SameSiteLaxMode,
		})
		return nil

	default:
		return nil
	}
}

func (m *Manager) expireCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
