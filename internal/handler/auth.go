package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/session-auth/internal/apperror"
	"github.com/sakif/session-auth/internal/logging"
	"github.com/sakif/session-auth/internal/model"
	"github.com/sakif/session-auth/internal/session"
)

// Authenticator is the part of service.AuthService the handlers call.
type Authenticator interface {
	Login(ctx context.Context, sess *session.Session, username, password string) error
	Signup(ctx context.Context, sess *session.Session, username, password, email string) error
	Logout(ctx context.Context, sess *session.Session)
	UpdateSettings(ctx context.Context, sess *session.Session, password, email string) error
	CurrentUser(ctx context.Context, sess *session.Session) (*model.User, error)
}

// SessionCommitter persists a session and writes its cookie.
// session.Manager implements it.
type SessionCommitter interface {
	Commit(ctx context.Context, w http.ResponseWriter, sess *session.Session) error
}

// AuthHandler serves login, logout, signup and settings.
//
// ROUTES:
//
//	GET  /          login page, or home page when authenticated
//	POST /          login form        → {"status": ...}
//	GET  /logout    clear session     → 302 /
//	GET  /signup    signup page
//	POST /signup    signup form       → {"status": ...}
//	GET  /settings  settings page (login required)
//	POST /settings  settings form     → {"status": "Saved"}
//
// The session comes from the request context (session.Manager.Middleware).
// Every handler that changes it calls Commit before writing the body, since
// Commit sets the cookie header.
type AuthHandler struct {
	auth     Authenticator
	sessions SessionCommitter
	pages    *Pages
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(auth Authenticator, sessions SessionCommitter, pages *Pages, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:     auth,
		sessions: sessions,
		pages:    pages,
		logger:   logger,
	}
}

// HandleIndex renders the login page for anonymous visitors and the home
// page for authenticated ones.
//
// HTTP: GET /
func (h *AuthHandler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if !sess.IsAuthenticated() {
		h.pages.Render(w, PageLogin, PageData{Title: "Log in"})
		return
	}
	h.renderHome(w, r, sess)
}

// HandleLogin processes the login form.
//
// HTTP: POST /  (form: username, password)
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := session.FromContext(ctx)
	if sess.IsAuthenticated() {
		h.renderHome(w, r, sess)
		return
	}

	err := h.auth.Login(ctx, sess, r.PostFormValue("username"), r.PostFormValue("password"))
	switch {
	case err == nil:
		if !h.commit(w, r, sess) {
			return
		}
		writeStatus(w, StatusLoginOK)
	case errors.Is(err, apperror.ErrValidation):
		writeStatus(w, StatusLoginRequired)
	case errors.Is(err, apperror.ErrUnauthorized):
		writeStatus(w, StatusInvalidLogin)
	default:
		h.fail(w, r, "login failed", err)
	}
}

// HandleLogout clears the session and sends the browser back to the login page.
//
// HTTP: GET /logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := session.FromContext(ctx)

	h.auth.Logout(ctx, sess)
	if err := h.sessions.Commit(ctx, w, sess); err != nil {
		// the cookie is still expired; the stored row will be reaped
		logging.FromContext(ctx, h.logger).Warn("logout: removing session", slog.String("error", err.Error()))
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// HandleSignupPage renders the signup form. Authenticated sessions never
// reach it (auth.RedirectAuthenticated).
//
// HTTP: GET /signup
func (h *AuthHandler) HandleSignupPage(w http.ResponseWriter, r *http.Request) {
	h.pages.Render(w, PageLogin, PageData{Title: "Sign up", Signup: true})
}

// HandleSignup processes the signup form.
//
// HTTP: POST /signup  (form: username, password, email)
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := session.FromContext(ctx)

	err := h.auth.Signup(ctx, sess,
		r.PostFormValue("username"),
		r.PostFormValue("password"),
		r.PostFormValue("email"),
	)
	switch {
	case err == nil:
		if !h.commit(w, r, sess) {
			return
		}
		writeStatus(w, StatusSignupOK)
	case errors.Is(err, apperror.ErrValidation):
		writeStatus(w, StatusSignupRequired)
	case errors.Is(err, apperror.ErrConflict):
		writeStatus(w, StatusUsernameTaken)
	case errors.Is(err, apperror.ErrForbidden):
		http.Redirect(w, r, "/", http.StatusFound)
	default:
		h.fail(w, r, "signup failed", err)
	}
}

// HandleSettingsPage shows the current account. Requires login
// (auth.RequireLogin).
//
// HTTP: GET /settings
func (h *AuthHandler) HandleSettingsPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := session.FromContext(ctx)

	user, err := h.auth.CurrentUser(ctx, sess)
	if err != nil {
		h.dropStaleSession(w, r, sess, err)
		return
	}
	h.pages.Render(w, PageSettings, PageData{Title: "Settings", User: user})
}

// HandleSettings saves the settings form. Blank fields are left unchanged.
// Requires login (auth.RequireLogin).
//
// HTTP: POST /settings  (form: password, email)
func (h *AuthHandler) HandleSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := session.FromContext(ctx)

	err := h.auth.UpdateSettings(ctx, sess, r.PostFormValue("password"), r.PostFormValue("email"))
	if err == nil {
		writeStatus(w, StatusSaved)
		return
	}

	if errors.Is(err, apperror.ErrValidation) {
		writeStatus(w, StatusSettingsTooLong)
		return
	}
	if errors.Is(err, apperror.ErrNotFound) {
		// the service cleared the session; drop the cookie too
		if cErr := h.sessions.Commit(ctx, w, sess); cErr != nil {
			logging.FromContext(ctx, h.logger).Warn("settings: removing stale session", slog.String("error", cErr.Error()))
		}
	}
	h.fail(w, r, "saving settings failed", err)
}

func (h *AuthHandler) renderHome(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	user, err := h.auth.CurrentUser(r.Context(), sess)
	if err != nil {
		h.dropStaleSession(w, r, sess, err)
		return
	}
	h.pages.Render(w, PageHome, PageData{Title: "Home", User: user})
}

// dropStaleSession handles a page request whose session points at a user
// that can no longer be loaded: a deleted account logs the session out, any
// other failure is a 500.
func (h *AuthHandler) dropStaleSession(w http.ResponseWriter, r *http.Request, sess *session.Session, err error) {
	ctx := r.Context()
	logger := logging.FromContext(ctx, h.logger)

	if !errors.Is(err, apperror.ErrNotFound) {
		logger.Error("loading current user", slog.String("error", err.Error()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	logger.Warn("session user no longer exists", slog.String("username", sess.Username))
	h.auth.Logout(ctx, sess)
	if cErr := h.sessions.Commit(ctx, w, sess); cErr != nil {
		logger.Warn("removing stale session", slog.String("error", cErr.Error()))
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// commit persists sess; on failure it answers with the generic status and
// reports false.
func (h *AuthHandler) commit(w http.ResponseWriter, r *http.Request, sess *session.Session) bool {
	if err := h.sessions.Commit(r.Context(), w, sess); err != nil {
		h.fail(w, r, "saving session failed", err)
		return false
	}
	return true
}

// fail logs an unexpected error and answers with the generic status.
// The error text never reaches the client.
func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logging.FromContext(r.Context(), h.logger).Error(msg, slog.String("error", err.Error()))
	writeStatus(w, StatusFailed)
}
