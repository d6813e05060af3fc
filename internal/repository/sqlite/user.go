package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sakif/session-auth/internal/apperror"
	"github.com/sakif/session-auth/internal/model"
	"github.com/sakif/session-auth/internal/repository"
)

// UserDB is the SQLite implementation of repository.UserRepository.
type UserDB struct {
	db *DB
}

// compile-time check that *UserDB implements repository.UserRepository
var _ repository.UserRepository = (*UserDB)(nil)

// FindByUsername returns the user with exactly this username. Callers pass
// the already-lowercased name; the comparison is case-sensitive.
func (u *UserDB) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	var user *model.User
	err := u.db.withTx(ctx, func(q querier) error {
		found, err := scanUser(q.QueryRowContext(ctx,
			`SELECT username, password, email, created_at, updated_at
			 FROM users WHERE username = ?`,
			username,
		))
		if err != nil {
			return err
		}
		user = found
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", username)
		}
		return nil, fmt.Errorf("sqlite: finding user %s: %w", username, err)
	}
	return user, nil
}

// Insert creates a new user row. The PRIMARY KEY on username turns a
// concurrent duplicate signup into apperror.ErrConflict instead of a second row.
func (u *UserDB) Insert(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	err := u.db.withTx(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO users (username, password, email, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			user.Username,
			user.Password,
			nullString(user.Email),
			user.CreatedAt,
			user.UpdatedAt,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.Username)
		}
		return fmt.Errorf("sqlite: inserting user %s: %w", user.Username, err)
	}
	return nil
}

// UpdateFields overwrites the non-empty fields of upd. An update that sets
// nothing still confirms the user exists.
func (u *UserDB) UpdateFields(ctx context.Context, username string, upd model.UserUpdate) error {
	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if upd.PasswordSet() {
		sets = append(sets, "password = ?")
		args = append(args, *upd.Password)
	}
	if upd.EmailSet() {
		sets = append(sets, "email = ?")
		args = append(args, *upd.Email)
	}

	err := u.db.withTx(ctx, func(q querier) error {
		if len(sets) == 0 {
			var exists int
			return q.QueryRowContext(ctx,
				`SELECT 1 FROM users WHERE username = ?`, username,
			).Scan(&exists)
		}

		sets = append(sets, "updated_at = ?")
		args = append(args, time.Now().UTC(), username)

		res, err := q.ExecContext(ctx,
			`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE username = ?`,
			args...,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NotFound("user", username)
		}
		return fmt.Errorf("sqlite: updating user %s: %w", username, err)
	}
	return nil
}

func scanUser(row *sql.Row) (*model.User, error) {
	var (
		user  model.User
		email sql.NullString
	)
	if err := row.Scan(&user.Username, &user.Password, &email, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	user.Email = email.String
	return &user, nil
}

// nullString stores "" as NULL so the email column stays nullable.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
