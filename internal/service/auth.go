// Package service holds the authentication business rules.
//
//	AuthHandler (HTTP) → AuthService (business rules) → UserRepository (DB)
//	                   ↘ PasswordHasher (bcrypt)
//
// The service works on an explicit *session.Session. It decides which
// transitions between the Anonymous and Authenticated states are allowed and
// mutates the session accordingly; persisting the session and writing the
// cookie is the handler's job (session.Manager.Commit).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/sakif/session-auth/internal/apperror"
	"github.com/sakif/session-auth/internal/metrics"
	"github.com/sakif/session-auth/internal/model"
	"github.com/sakif/session-auth/internal/repository"
	"github.com/sakif/session-auth/internal/session"
)

// Form field limits, in characters.
const (
	MaxUsernameLength = 30
	MaxPasswordLength = 30
	MaxEmailLength    = 50
)

// PasswordHasher is the subset of auth.PasswordService the service needs.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(hash, plaintext string) (bool, error)
	DummyHash() string
}

// AuthService implements login, signup, logout and settings updates.
type AuthService struct {
	users     repository.UserRepository
	passwords PasswordHasher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewAuthService creates an AuthService. m may be nil.
func NewAuthService(
	users repository.UserRepository,
	passwords PasswordHasher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:     users,
		passwords: passwords,
		metrics:   m,
		logger:    logger,
	}
}

// Login authenticates sess as username.
//
// Errors:
//   - apperror.ErrForbidden: sess is already authenticated
//   - apperror.ErrValidation: a field is missing or too long
//   - apperror.ErrUnauthorized: unknown user or wrong password (same error for both)
//
// On any error sess is left untouched.
func (s *AuthService) Login(ctx context.Context, sess *session.Session, username, password string) error {
	if sess.IsAuthenticated() {
		return apperror.Forbidden("already logged in")
	}
	if err := validateCredentials(username, password); err != nil {
		s.metrics.AuthEvent(metrics.EventLogin, metrics.OutcomeRejected)
		return err
	}

	username = model.NormalizeUsername(username)

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			// Spend the same bcrypt time as a real comparison so response
			// latency does not reveal whether the username exists.
			_, _ = s.passwords.Verify(s.passwords.DummyHash(), password)
			s.metrics.AuthEvent(metrics.EventLogin, metrics.OutcomeRejected)
			return apperror.InvalidCredentials()
		}
		s.metrics.AuthEvent(metrics.EventLogin, metrics.OutcomeError)
		return fmt.Errorf("service/auth: looking up %s: %w", username, err)
	}

	ok, err := s.passwords.Verify(user.Password, password)
	if err != nil {
		s.metrics.AuthEvent(metrics.EventLogin, metrics.OutcomeError)
		return fmt.Errorf("service/auth: verifying password for %s: %w", username, err)
	}
	if !ok {
		s.logger.Info("login rejected", slog.String("username", username))
		s.metrics.AuthEvent(metrics.EventLogin, metrics.OutcomeRejected)
		return apperror.InvalidCredentials()
	}

	sess.SetAuthenticated(username)
	s.logger.Info("user logged in", slog.String("username", username))
	s.metrics.AuthEvent(metrics.EventLogin, metrics.OutcomeSuccess)
	return nil
}

// Signup creates an account and authenticates sess as the new user.
//
// Errors:
//   - apperror.ErrForbidden: sess is already authenticated
//   - apperror.ErrValidation: a field is missing or too long
//   - apperror.ErrConflict: the (lowercased) username is taken
func (s *AuthService) Signup(ctx context.Context, sess *session.Session, username, password, email string) error {
	if sess.IsAuthenticated() {
		return apperror.Forbidden("already logged in")
	}
	if err := validateCredentials(username, password); err != nil {
		s.metrics.AuthEvent(metrics.EventSignup, metrics.OutcomeRejected)
		return err
	}
	if utf8.RuneCountInString(email) > MaxEmailLength {
		s.metrics.AuthEvent(metrics.EventSignup, metrics.OutcomeRejected)
		return apperror.ValidationFailed("email", fmt.Sprintf("email must be at most %d characters", MaxEmailLength))
	}

	username = model.NormalizeUsername(username)

	// The pre-check gives the common case a cheap answer without hashing.
	// The primary key still catches two signups racing past it.
	_, err := s.users.FindByUsername(ctx, username)
	switch {
	case err == nil:
		s.metrics.AuthEvent(metrics.EventSignup, metrics.OutcomeRejected)
		return apperror.Conflict("user", username)
	case !errors.Is(err, apperror.ErrNotFound):
		s.metrics.AuthEvent(metrics.EventSignup, metrics.OutcomeError)
		return fmt.Errorf("service/auth: checking %s: %w", username, err)
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		s.metrics.AuthEvent(metrics.EventSignup, metrics.OutcomeError)
		return fmt.Errorf("service/auth: %w", err)
	}

	user := &model.User{Username: username, Password: hash, Email: email}
	if err := s.users.Insert(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			s.metrics.AuthEvent(metrics.EventSignup, metrics.OutcomeRejected)
			return err
		}
		s.metrics.AuthEvent(metrics.EventSignup, metrics.OutcomeError)
		return fmt.Errorf("service/auth: creating %s: %w", username, err)
	}

	sess.SetAuthenticated(username)
	s.logger.Info("user signed up", slog.String("username", username))
	s.metrics.AuthEvent(metrics.EventSignup, metrics.OutcomeSuccess)
	return nil
}

// Logout clears sess. It is safe to call on an anonymous session.
func (s *AuthService) Logout(_ context.Context, sess *session.Session) {
	if sess.IsAuthenticated() {
		s.logger.Info("user logged out", slog.String("username", sess.Username))
		s.metrics.AuthEvent(metrics.EventLogout, metrics.OutcomeSuccess)
	}
	sess.Clear()
}

// UpdateSettings changes the password and/or email of the session's user.
// Empty arguments leave the stored value unchanged. The account is always
// the one bound to sess; request input never selects it.
//
// If the account no longer exists the session is cleared and an
// apperror.ErrNotFound error returned.
func (s *AuthService) UpdateSettings(ctx context.Context, sess *session.Session, password, email string) error {
	if !sess.IsAuthenticated() {
		return apperror.Unauthorized("login required")
	}
	username := sess.Username

	if err := validateSettings(password, email); err != nil {
		s.metrics.AuthEvent(metrics.EventSettings, metrics.OutcomeRejected)
		return err
	}

	var upd model.UserUpdate
	if password != "" {
		hash, err := s.passwords.Hash(password)
		if err != nil {
			s.metrics.AuthEvent(metrics.EventSettings, metrics.OutcomeError)
			return fmt.Errorf("service/auth: %w", err)
		}
		upd.Password = &hash
	}
	if email != "" {
		upd.Email = &email
	}

	if err := s.users.UpdateFields(ctx, username, upd); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.logger.Warn("settings for missing user, clearing session", slog.String("username", username))
			sess.Clear()
		}
		s.metrics.AuthEvent(metrics.EventSettings, metrics.OutcomeError)
		return fmt.Errorf("service/auth: updating %s: %w", username, err)
	}

	s.logger.Info("settings saved",
		slog.String("username", username),
		slog.Bool("password", upd.PasswordSet()),
		slog.Bool("email", upd.EmailSet()),
	)
	s.metrics.AuthEvent(metrics.EventSettings, metrics.OutcomeSuccess)
	return nil
}

// CurrentUser loads the account bound to sess.
func (s *AuthService) CurrentUser(ctx context.Context, sess *session.Session) (*model.User, error) {
	if !sess.IsAuthenticated() {
		return nil, apperror.Unauthorized("login required")
	}
	user, err := s.users.FindByUsername(ctx, sess.Username)
	if err != nil {
		return nil, fmt.Errorf("service/auth: loading %s: %w", sess.Username, err)
	}
	return user, nil
}

func validateCredentials(username, password string) error {
	if username == "" {
		return apperror.ValidationFailed("username", "username is required")
	}
	if password == "" {
		return apperror.ValidationFailed("password", "password is required")
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return apperror.ValidationFailed("username", fmt.Sprintf("username must be at most %d characters", MaxUsernameLength))
	}
	if utf8.RuneCountInString(password) > MaxPasswordLength {
		return apperror.ValidationFailed("password", fmt.Sprintf("password must be at most %d characters", MaxPasswordLength))
	}
	return nil
}

// validateSettings applies the signup limits to the fields being changed.
// A password longer than MaxPasswordLength could never be used to log in.
func validateSettings(password, email string) error {
	if utf8.RuneCountInString(password) > MaxPasswordLength {
		return apperror.ValidationFailed("password", fmt.Sprintf("password must be at most %d characters", MaxPasswordLength))
	}
	if utf8.RuneCountInString(email) > MaxEmailLength {
		return apperror.ValidationFailed("email", fmt.Sprintf("email must be at most %d characters", MaxEmailLength))
	}
	return nil
}
