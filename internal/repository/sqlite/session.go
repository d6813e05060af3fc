package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/session-auth/internal/session"
)

// SessionDB stores sessions in the sessions table. Timestamps are unix
// seconds.
type SessionDB struct {
	db *DB
}

var _ session.Store = (*SessionDB)(nil)

func (s *SessionDB) Get(ctx context.Context, id string) (*session.Session, error) {
	var (
		sess                          session.Session
		username                      sql.NullString
		created, expires, lastSeenSec int64
	)
	err := s.db.withTx(ctx, func(q querier) error {
		return q.QueryRowContext(ctx,
			`SELECT id, logged_in, username, created_at, expires_at, last_seen_at
			 FROM sessions WHERE id = ?`,
			id,
		).Scan(&sess.ID, &sess.LoggedIn, &username, &created, &expires, &lastSeenSec)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: getting session %s: %w", id, err)
	}

	sess.Username = username.String
	sess.CreatedAt = time.Unix(created, 0).UTC()
	sess.ExpiresAt = time.Unix(expires, 0).UTC()
	sess.LastSeenAt = time.Unix(lastSeenSec, 0).UTC()
	return &sess, nil
}

func (s *SessionDB) Save(ctx context.Context, sess *session.Session) error {
	err := s.db.withTx(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO sessions (id, logged_in, username, created_at, expires_at, last_seen_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   logged_in = excluded.logged_in,
			   username = excluded.username,
			   expires_at = excluded.expires_at,
			   last_seen_at = excluded.last_seen_at`,
			sess.ID,
			sess.LoggedIn,
			nullString(sess.Username),
			sess.CreatedAt.Unix(),
			sess.ExpiresAt.Unix(),
			sess.LastSeenAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("sqlite: saving session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SessionDB) Delete(ctx context.Context, id string) error {
	err := s.db.withTx(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("sqlite: deleting session %s: %w", id, err)
	}
	return nil
}

func (s *SessionDB) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.withTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.Unix())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite: deleting expired sessions: %w", err)
	}
	return n, nil
}
