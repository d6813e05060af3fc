package auth

import (
	"net/http"

	"github.com/sakif/session-auth/internal/session"
)

// RequireLogin guards routes that only make sense for an authenticated
// session. Anonymous requests are redirected to loginPath (302), matching how
// the login page is the landing page for every protected route.
//
// It must run after session.Manager.Middleware.
func RequireLogin(loginPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !session.FromContext(r.Context()).IsAuthenticated() {
				http.Redirect(w, r, loginPath, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RedirectAuthenticated is the inverse of RequireLogin: authenticated
// sessions are sent to target instead of reaching next. Used on the signup
// routes.
func RedirectAuthenticated(target string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if session.FromContext(r.Context()).IsAuthenticated() {
				http.Redirect(w, r, target, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
