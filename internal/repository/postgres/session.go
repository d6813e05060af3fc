package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sakif/session-auth/internal/session"
)

// SessionRepository stores sessions in the sessions table.
type SessionRepository struct {
	db *DB
}

var _ session.Store = (*SessionRepository)(nil)

func (r *SessionRepository) Get(ctx context.Context, id string) (*session.Session, error) {
	var (
		sess     session.Session
		username *string
	)
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT id, logged_in, username, created_at, expires_at, last_seen_at
			 FROM sessions WHERE id = $1`,
			id,
		).Scan(&sess.ID, &sess.LoggedIn, &username, &sess.CreatedAt, &sess.ExpiresAt, &sess.LastSeenAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: getting session %s: %w", id, err)
	}
	if username != nil {
		sess.Username = *username
	}
	return &sess, nil
}

func (r *SessionRepository) Save(ctx context.Context, sess *session.Session) error {
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO sessions (id, logged_in, username, created_at, expires_at, last_seen_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE SET
			   logged_in = EXCLUDED.logged_in,
			   username = EXCLUDED.username,
			   expires_at = EXCLUDED.expires_at,
			   last_seen_at = EXCLUDED.last_seen_at`,
			sess.ID, sess.LoggedIn, optional(&sess.Username), sess.CreatedAt, sess.ExpiresAt, sess.LastSeenAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: saving session %s: %w", sess.ID, err)
	}
	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: deleting session %s: %w", id, err)
	}
	return nil
}

func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: deleting expired sessions: %w", err)
	}
	return n, nil
}
