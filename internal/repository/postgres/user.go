package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sakif/session-auth/internal/apperror"
	"github.com/sakif/session-auth/internal/model"
	"github.com/sakif/session-auth/internal/repository"
)

// UserRepository is the PostgreSQL implementation of
// repository.UserRepository.
type UserRepository struct {
	db *DB
}

var _ repository.UserRepository = (*UserRepository)(nil)

func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	var (
		user  model.User
		email *string
	)
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT username, password, email, created_at, updated_at
			 FROM users WHERE username = $1`,
			username,
		).Scan(&user.Username, &user.Password, &email, &user.CreatedAt, &user.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("user", username)
		}
		return nil, fmt.Errorf("postgres: finding user %s: %w", username, err)
	}
	if email != nil {
		user.Email = *email
	}
	return &user, nil
}

func (r *UserRepository) Insert(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO users (username, password, email, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			user.Username, user.Password, optional(&user.Email), user.CreatedAt, user.UpdatedAt,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.Username)
		}
		return fmt.Errorf("postgres: inserting user %s: %w", user.Username, err)
	}
	return nil
}

// UpdateFields keeps a column's value when its argument is NULL, so one
// statement covers every combination of supplied fields.
func (r *UserRepository) UpdateFields(ctx context.Context, username string, upd model.UserUpdate) error {
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		if upd.Empty() {
			var exists int
			return tx.QueryRow(ctx, `SELECT 1 FROM users WHERE username = $1`, username).Scan(&exists)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE users
			 SET password = COALESCE($2::text, password),
			     email = COALESCE($3::text, email),
			     updated_at = $4
			 WHERE username = $1`,
			username, optional(upd.Password), optional(upd.Email), time.Now().UTC(),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperror.NotFound("user", username)
		}
		return fmt.Errorf("postgres: updating user %s: %w", username, err)
	}
	return nil
}
