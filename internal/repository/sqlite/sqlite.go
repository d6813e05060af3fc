// Package sqlite implements the user and session stores on SQLite.
//
// modernc.org/sqlite is a pure Go translation of SQLite, so the binary builds
// without cgo. Use ":memory:" for an in-memory database in tests.
//
// Schema changes live in migrations/ as numbered SQL files, embedded into the
// binary and applied by golang-migrate when the database is opened.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/sakif/session-auth/internal/repository/sqlite/migrations"

	// registers the "sqlite" database/sql driver
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool. It hands out the user and session
// stores, which share the pool.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// New opens the SQLite database at dbPath and applies pending migrations.
//
// dbPath examples:
//   - "data/accounts.db" → file-based database (persistent)
//   - ":memory:"         → in-memory database, lost on close
func New(dbPath string, logger *slog.Logger) (*DB, error) {
	conn, err := Open(dbPath)
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, logger: logger}

	if err := db.Migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Open opens and configures the connection pool without migrating.
func Open(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every connection to ":memory:" is a separate database, so the pool must
	// hold exactly one. SQLite also allows a single writer at a time; one
	// connection keeps writers from failing with SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	if !strings.Contains(dbPath, ":memory:") {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
		}
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	return conn, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate applies every pending up migration from the embedded files.
func (db *DB) Migrate() error {
	driver, err := migratesqlite.WithInstance(db.conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migrate driver: %w", err)
	}

	source, err := iofs.New(migrations.Migrations, ".")
	if err != nil {
		return fmt.Errorf("opening embedded migrations: %w", err)
	}

	// The instance is not closed: closing it would close db.conn as well.
	instance, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, err := instance.Version()
	if err == nil && db.logger != nil {
		db.logger.Debug("sqlite schema ready",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	}

	return nil
}

// Users returns the user store backed by this database.
func (db *DB) Users() *UserDB {
	return &UserDB{db: db}
}

// Sessions returns the session store backed by this database.
func (db *DB) Sessions() *SessionDB {
	return &SessionDB{db: db}
}
